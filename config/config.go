// Package config holds the static per-process settings threaded through
// every component's constructor, passed by pointer rather than reached for
// through package-level globals.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package config

import "time"

// Backoff configures throttle.Throttle. A zero Initial and Max
// disables throttling entirely.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Config bundles the node's static settings: budget sizing, handshake and
// throttle tuning, and this module's own frame-size, compression,
// config-store, and metrics knobs.
type Config struct {
	// OutbufsMBMaxPerThread is the total post-handshake output-buffer budget
	// for one Worker/Sender, in megabytes.
	OutbufsMBMaxPerThread int

	// OutbufSocketMinKB is the guaranteed per-connection minimum, in
	// kilobytes, regardless of class totals.
	OutbufSocketMinKB int

	// OutbufsLimitPerPeerTypeEnabled splits the combined budget into
	// per-class (Server/Client) halves when true.
	OutbufsLimitPerPeerTypeEnabled bool

	// HandshakeTimeout bounds the HELLO -> ACK interval.
	HandshakeTimeout time.Duration

	// ConnectThrottle paces reconnection attempts per peer.
	ConnectThrottle Backoff

	// IncludeClusterNameOnHandshake and IncludeDestinationOnHandshake
	// control optional HELLO trailing fields.
	IncludeClusterNameOnHandshake bool
	IncludeDestinationOnHandshake bool

	// ClusterName and NodeID identify this node. A dialing Connection
	// advertises ClusterName in HELLO (subject to
	// IncludeClusterNameOnHandshake); HELLO's destination field carries the
	// dialed peer's expected node id, not this NodeID. An accepting
	// Connection rejects a HELLO whose non-empty ClusterName or
	// DestNodeID disagrees with these, with InvalidCluster or
	// DestinationMismatch respectively. Empty means "don't check".
	ClusterName string
	NodeID      string

	// MaxProtocol is this node's maximum supported protocol version.
	MaxProtocol uint16
	// MinProtocol is this node's minimum supported protocol version.
	MinProtocol uint16

	// MaxFrameSize is the frame codec's too-big policy limit, in bytes.
	MaxFrameSize int

	// CompressionMinSize is the payload threshold at or above which negotiated
	// LZ4 compression kicks in; zero disables compression regardless of
	// handshake negotiation.
	CompressionMinSize int

	// ConfigStorePath, if non-empty, backs the versioned config store with
	// a file-based buntdb database instead of an in-memory one.
	ConfigStorePath string

	// MetricsNamespace prefixes every Prometheus metric this module
	// registers.
	MetricsNamespace string

	// MessageErrorInjectionStatus and MessageErrorInjectionChancePercent
	// are test-only hooks.
	MessageErrorInjectionStatus        uint16
	MessageErrorInjectionChancePercent int
}

// Default returns settings sized for a single-process test/demo deployment.
func Default() *Config {
	return &Config{
		OutbufsMBMaxPerThread:          64,
		OutbufSocketMinKB:              16,
		OutbufsLimitPerPeerTypeEnabled: true,
		HandshakeTimeout:               5 * time.Second,
		ConnectThrottle:                Backoff{Initial: 100 * time.Millisecond, Max: 30 * time.Second},
		IncludeClusterNameOnHandshake:  true,
		IncludeDestinationOnHandshake:  true,
		MinProtocol:                    1,
		MaxProtocol:                    3,
		MaxFrameSize:                   4 << 20,
		CompressionMinSize:             0, // disabled by default
		MetricsNamespace:               "flowlog",
	}
}

// ClassCap returns the budget cap applicable to one peer class (Server or
// Client) in bytes, honoring OutbufsLimitPerPeerTypeEnabled.
func (c *Config) ClassCap() int64 {
	total := int64(c.OutbufsMBMaxPerThread) << 20
	if c.OutbufsLimitPerPeerTypeEnabled {
		return total / 2
	}
	return total
}

// CombinedCap returns the single shared budget cap used when per-class
// accounting is disabled.
func (c *Config) CombinedCap() int64 {
	return int64(c.OutbufsMBMaxPerThread) << 20
}

// SocketMinBytes returns the guaranteed per-connection minimum in bytes.
func (c *Config) SocketMinBytes() int64 {
	return int64(c.OutbufSocketMinKB) << 10
}
