// Package clusterview holds an atomic snapshot of NodeId -> Address plus a
// generation number, swapped in whole on Resync and read lock-free by
// lookup.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package clusterview

import (
	"sync/atomic"

	"github.com/flowlog/flowlog/internal/nlog"
)

// NodeIndex identifies a server peer within the cluster configuration.
type NodeIndex uint32

// Generation is a node's configuration generation, set by whoever builds
// the Snapshot. Resync reports a node whose Generation differs from the
// prior snapshot as Changed. Sender routes by NodeIndex only and does not
// compare generations when sending.
type Generation uint64

// Node is one server peer's address and generation, as stored in a
// Snapshot. NodeID, if non-empty, is the identity Sender expects to find
// at Addr; it is sent as the dialing HELLO's destination field so the
// acceptor can detect a stale address pointing at the wrong node.
type Node struct {
	Addr       string
	NodeID     string
	Generation Generation
}

// Snapshot is one immutable view of the cluster configuration.
type Snapshot struct {
	Version uint64
	Nodes   map[NodeIndex]Node
}

func (s *Snapshot) has(idx NodeIndex) (Node, bool) {
	if s == nil {
		return Node{}, false
	}
	n, ok := s.Nodes[idx]
	return n, ok
}

// View holds the current Snapshot behind an atomic pointer: readers never
// block on a writer installing a new one.
type View struct {
	cur atomic.Pointer[Snapshot]
	// onChange, if set, is notified after a successful Resync that added,
	// changed, or removed at least one node since the prior snapshot.
	onChange func(Diff)
}

// Diff summarizes what changed between two snapshots.
type Diff struct {
	Added   []NodeIndex
	Changed []NodeIndex
	Removed []NodeIndex
}

// New builds an empty View. onChange may be nil.
func New(onChange func(Diff)) *View {
	v := &View{onChange: onChange}
	v.cur.Store(&Snapshot{Nodes: map[NodeIndex]Node{}})
	return v
}

// Lookup returns the address and generation for idx, or ok=false if idx is
// not present in the current configuration.
func (v *View) Lookup(idx NodeIndex) (Node, bool) {
	snap := v.cur.Load()
	return snap.has(idx)
}

// Current returns the current snapshot. Callers must not mutate it.
func (v *View) Current() *Snapshot {
	return v.cur.Load()
}

// Resync atomically installs next as the current snapshot, rejecting it if
// its Version does not advance the current one, and computes/delivers the
// Diff to onChange.
func (v *View) Resync(next *Snapshot) bool {
	prev := v.cur.Load()
	if next.Version <= prev.Version {
		nlog.Warningf("clusterview: ignoring stale resync version=%d (current=%d)", next.Version, prev.Version)
		return false
	}

	diff := diffSnapshots(prev, next)
	v.cur.Store(next)

	if v.onChange != nil && (len(diff.Added)+len(diff.Changed)+len(diff.Removed) > 0) {
		v.onChange(diff)
	}
	return true
}

func diffSnapshots(prev, next *Snapshot) Diff {
	var d Diff
	for idx, n := range next.Nodes {
		old, ok := prev.Nodes[idx]
		if !ok {
			d.Added = append(d.Added, idx)
		} else if old.Addr != n.Addr || old.NodeID != n.NodeID || old.Generation != n.Generation {
			d.Changed = append(d.Changed, idx)
		}
	}
	for idx := range prev.Nodes {
		if _, ok := next.Nodes[idx]; !ok {
			d.Removed = append(d.Removed, idx)
		}
	}
	return d
}
