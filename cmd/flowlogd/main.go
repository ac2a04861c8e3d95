// Command flowlogd is a thin demo process wiring every component together:
// a listener accepting inbound peer connections, a Sender able to dial
// outbound ones, a Worker driving both, and a versioned config store
// answering GetConfig requests. Flags are parsed with plain stdlib
// flag.Parse into a package-level struct, rather than reaching for a CLI
// framework this module has no other use for.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowlog/flowlog/clusterview"
	"github.com/flowlog/flowlog/config"
	"github.com/flowlog/flowlog/configstore"
	"github.com/flowlog/flowlog/internal/metrics"
	"github.com/flowlog/flowlog/internal/nlog"
	"github.com/flowlog/flowlog/sender"
	"github.com/flowlog/flowlog/throttle"
	"github.com/flowlog/flowlog/transport"
	"github.com/flowlog/flowlog/wire"
	"github.com/flowlog/flowlog/worker"
)

var flags struct {
	listen    string
	clusterDB string
	namespace string
}

func init() {
	flag.StringVar(&flags.listen, "listen", ":7020", "address to accept inbound peer connections on")
	flag.StringVar(&flags.clusterDB, "config-db", "", "path to the versioned config store (empty: in-memory)")
	flag.StringVar(&flags.namespace, "metrics-namespace", "flowlog", "Prometheus metric namespace")
}

func main() {
	flag.Parse()

	cfg := config.Default()
	cfg.MetricsNamespace = flags.namespace
	cfg.ConfigStorePath = flags.clusterDB

	mr := metrics.New(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	store, err := configstore.Open(cfg.ConfigStorePath, configstore.JSONVersioned, mr)
	if err != nil {
		nlog.Errorf("flowlogd: open config store: %v", err)
		os.Exit(1)
	}
	defer store.Shutdown()

	// snd and w are assigned below, before Resync can ever be called, so the
	// onChange closure capturing them is safe.
	var snd *sender.Sender
	var w *worker.Worker
	view := clusterview.New(func(d clusterview.Diff) {
		nlog.Infof("flowlogd: cluster view changed: +%d ~%d -%d", len(d.Added), len(d.Changed), len(d.Removed))
		if len(d.Removed) == 0 {
			return
		}
		// Close departed peers' Connections on the Worker's own goroutine,
		// like every other Sender state mutation.
		w.Add(func() { snd.CloseRemoved(d.Removed) })
	})

	th := throttle.New(cfg.ConnectThrottle.Initial, cfg.ConnectThrottle.Max)
	snd = sender.New(cfg, view, th, mr, func(addr string) (net.Conn, error) {
		return net.Dial("tcp", addr)
	})
	w = worker.New(snd)
	go w.Run()

	ln, err := net.Listen("tcp", flags.listen)
	if err != nil {
		nlog.Errorf("flowlogd: listen %s: %v", flags.listen, err)
		os.Exit(1)
	}
	nlog.Infof("flowlogd: accepting peer connections on %s", flags.listen)

	go acceptLoop(ln, cfg, mr, store, snd, w)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	nlog.Infof("flowlogd: shutting down")
	ln.Close()
	w.Shutdown()
	nlog.Flush(true)
}

func acceptLoop(ln net.Listener, cfg *config.Config, mr *metrics.Registry, store *configstore.Store, snd *sender.Sender, w *worker.Worker) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		id := sender.ClientID(uuid.NewString())
		c := transport.NewConnection("", cfg, snd.ClientBudget(), mr)
		c.Dispatch = func(typ wire.Type, body io.Reader) {
			handleInbound(w, store, c, typ, body)
		}
		snd.RegisterInbound(id, c)
		c.Accept(conn)
	}
}

// handleInbound runs inline on the Connection's reader goroutine and only
// decodes the frame there; every reply, config-store lookup, and reply
// dispatch is posted onto the Worker's event loop, since Connection and
// Sender state is only ever touched from the Worker's own goroutine.
func handleInbound(w *worker.Worker, store *configstore.Store, c *transport.Connection, typ wire.Type, body io.Reader) {
	switch typ {
	case wire.TypePing:
		w.Add(func() { c.Send(wire.Pong{}, nil) })
	case wire.TypeGetConfig:
		req, err := wire.DecodeGetConfig(body)
		if err != nil {
			nlog.Warningf("flowlogd: bad GetConfig frame: %v", err)
			return
		}
		w.Add(func() {
			st, value := store.Get(req.Key, nil)
			c.Send(wire.ConfigReply{Rqid: req.Rqid, Status: uint16(st), Value: value}, nil)
		})
	case wire.TypeConfigReply:
		reply, err := wire.DecodeConfigReply(body)
		if err != nil {
			nlog.Warningf("flowlogd: bad ConfigReply frame: %v", err)
			return
		}
		w.Add(func() { w.DispatchReply(reply.Rqid, sender.Peer{}, reply) })
	case wire.TypeStored:
		msg, err := wire.DecodeStored(body)
		if err != nil {
			nlog.Warningf("flowlogd: bad Stored frame: %v", err)
			return
		}
		nlog.Infof("flowlogd: record %d stored (%d bytes)", msg.RecordID, len(msg.Payload))
	}
}
