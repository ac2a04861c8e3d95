// Package metrics exports Prometheus gauges/counters for connection
// lifecycle, budget usage, and handshake outcomes: a fixed set of named
// counters registered at construction time rather than created ad hoc at
// call sites.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this module emits, all registered under a
// single configurable namespace (config.Config.MetricsNamespace).
type Registry struct {
	ConnsOpened   prometheus.Counter
	ConnsClosed   prometheus.Counter
	HandshakeOK   prometheus.Counter
	HandshakeFail prometheus.Counter

	BudgetUsedBytes  *prometheus.GaugeVec // label: class (server|client|combined)
	BudgetLimitBytes *prometheus.GaugeVec

	MessagesSent     prometheus.Counter
	MessagesDropped  *prometheus.CounterVec // label: reason
	BytesSent        prometheus.Counter

	ConfigVersion prometheus.Gauge
}

// New builds and registers a Registry against reg. Passing a fresh
// prometheus.NewRegistry() per test keeps suites from colliding on the
// global default registerer.
func New(namespace string, reg prometheus.Registerer) *Registry {
	r := &Registry{
		ConnsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "conns_opened_total",
			Help: "Connections that completed handshake successfully.",
		}),
		ConnsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "conns_closed_total",
			Help: "Connections torn down, for any reason.",
		}),
		HandshakeOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "handshake_ok_total",
			Help: "HELLO/ACK exchanges that completed before the handshake timeout.",
		}),
		HandshakeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "handshake_fail_total",
			Help: "HELLO/ACK exchanges that timed out or were rejected.",
		}),
		BudgetUsedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sender", Name: "budget_used_bytes",
			Help: "Bytes currently queued against a peer-class budget.",
		}, []string{"class"}),
		BudgetLimitBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sender", Name: "budget_limit_bytes",
			Help: "Configured cap for a peer-class budget.",
		}, []string{"class"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "messages_sent_total",
			Help: "Messages taken from a connection's output buffer and written to its socket.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "messages_dropped_total",
			Help: "Messages that could not be sent.",
		}, []string{"reason"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "bytes_sent_total",
			Help: "Wire bytes written across all connections.",
		}),
		ConfigVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "configstore", Name: "version",
			Help: "Current version of the versioned config store.",
		}),
	}
	reg.MustRegister(
		r.ConnsOpened, r.ConnsClosed, r.HandshakeOK, r.HandshakeFail,
		r.BudgetUsedBytes, r.BudgetLimitBytes,
		r.MessagesSent, r.MessagesDropped, r.BytesSent,
		r.ConfigVersion,
	)
	return r
}
