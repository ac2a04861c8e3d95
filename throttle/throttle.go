// Package throttle paces reconnection attempts: a simple exponential-backoff
// timer keyed by peer address.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package throttle

import (
	"sync"
	"time"
)

// backoff is one peer address's exponential-backoff state.
type backoff struct {
	next    time.Duration
	until   time.Time
	initial time.Duration
	max     time.Duration
}

// Throttle maintains per-peer-address exponential backoff. A
// zero-zero Backoff disables throttling entirely: MayConnect always
// returns true and OnOutcome is a no-op.
type Throttle struct {
	mu      sync.Mutex
	peers   map[string]*backoff
	initial time.Duration
	max     time.Duration
}

// New builds a Throttle with the given initial/max backoff. Passing
// initial == 0 && max == 0 disables throttling.
func New(initial, max time.Duration) *Throttle {
	return &Throttle{peers: make(map[string]*backoff), initial: initial, max: max}
}

func (t *Throttle) disabled() bool { return t.initial == 0 && t.max == 0 }

// MayConnect reports whether addr is clear to attempt another connect.
func (t *Throttle) MayConnect(addr string) bool {
	if t.disabled() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.peers[addr]
	if !ok {
		return true
	}
	return !time.Now().Before(b.until)
}

// OnOutcome records the result of a connect attempt against addr, advancing
// or resetting its backoff.
func (t *Throttle) OnOutcome(addr string, success bool) {
	if t.disabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if success {
		delete(t.peers, addr)
		return
	}

	b, ok := t.peers[addr]
	if !ok {
		b = &backoff{next: t.initial, initial: t.initial, max: t.max}
		t.peers[addr] = b
	}
	b.until = time.Now().Add(b.next)
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
}

// Reset clears backoff state for addr, e.g. after the peer is removed from
// the cluster configuration.
func (t *Throttle) Reset(addr string) {
	t.mu.Lock()
	delete(t.peers, addr)
	t.mu.Unlock()
}
