// Package sender finds or lazily dials the Connection for a destination
// peer, one per Worker, holding the server/client connection registries and
// their two budget totals.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package sender

import (
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flowlog/flowlog/clusterview"
	"github.com/flowlog/flowlog/config"
	"github.com/flowlog/flowlog/internal/metrics"
	"github.com/flowlog/flowlog/internal/nlog"
	"github.com/flowlog/flowlog/internal/status"
	"github.com/flowlog/flowlog/throttle"
	"github.com/flowlog/flowlog/transport"
	"github.com/flowlog/flowlog/wire"
)

// ClientID identifies a non-server peer.
type ClientID string

// Peer addresses a destination: exactly one of Node or Client is
// meaningful, discriminated by IsServer.
type Peer struct {
	IsServer bool
	Node     clusterview.NodeIndex
	Client   ClientID
}

func ServerPeer(idx clusterview.NodeIndex) Peer { return Peer{IsServer: true, Node: idx} }
func ClientPeer(id ClientID) Peer               { return Peer{Client: id} }

// Dialer opens a net connection to addr, used to actually establish a
// server Connection's socket once resolve decides one is needed.
type Dialer func(addr string) (net.Conn, error)

// Sender is constructed once per Worker.
type Sender struct {
	mu sync.Mutex

	cfg      *config.Config
	view     *clusterview.View
	throttle *throttle.Throttle
	metrics  *metrics.Registry
	dial     Dialer

	serverConns map[clusterview.NodeIndex]*transport.Connection
	clientConns map[ClientID]*transport.Connection

	serverBudget *transport.Budget
	clientBudget *transport.Budget
}

// New builds a Sender bound to one Worker's config, cluster view, connect
// throttle, and dialer.
func New(cfg *config.Config, view *clusterview.View, th *throttle.Throttle, mr *metrics.Registry, dial Dialer) *Sender {
	var serverBudget, clientBudget *transport.Budget
	if cfg.OutbufsLimitPerPeerTypeEnabled {
		serverBudget = transport.NewBudget(cfg.ClassCap(), cfg.SocketMinBytes())
		clientBudget = transport.NewBudget(cfg.ClassCap(), cfg.SocketMinBytes())
		if mr != nil {
			serverBudget.SetMetrics(mr, "server")
			clientBudget.SetMetrics(mr, "client")
		}
	} else {
		// Per-class split disabled: server and client traffic share one
		// budget so used_server + used_client never exceeds CombinedCap.
		shared := transport.NewBudget(cfg.CombinedCap(), cfg.SocketMinBytes())
		if mr != nil {
			shared.SetMetrics(mr, "combined")
		}
		serverBudget, clientBudget = shared, shared
	}
	return &Sender{
		cfg:          cfg,
		view:         view,
		throttle:     th,
		metrics:      mr,
		dial:         dial,
		serverConns:  make(map[clusterview.NodeIndex]*transport.Connection),
		clientConns:  make(map[ClientID]*transport.Connection),
		serverBudget: serverBudget,
		clientBudget: clientBudget,
	}
}

// SendMessage resolves peer to a Connection and sends msg on it, optionally
// registering onClose against that Connection.
func (s *Sender) SendMessage(msg wire.Encodable, peer Peer, onSent transport.OnSent, onClose transport.OnClose) error {
	conn, err := s.resolve(peer)
	if err != nil {
		if s.metrics != nil {
			s.metrics.MessagesDropped.WithLabelValues(err.(*status.Error).Status.String()).Inc()
		}
		return err
	}

	if onClose != nil {
		conn.OnCloseFunc(onClose)
	}
	res, err := conn.Send(msg, onSent)
	if res == transport.Rejected {
		if s.metrics != nil {
			reason := "rejected"
			if se, ok := err.(*status.Error); ok {
				reason = se.Status.String()
			}
			s.metrics.MessagesDropped.WithLabelValues(reason).Inc()
		}
		return err
	}
	return nil
}

// resolve looks peer up against the current cluster configuration, then
// finds or creates its Connection.
func (s *Sender) resolve(peer Peer) (*transport.Connection, error) {
	if peer.IsServer {
		return s.resolveServer(peer.Node)
	}
	return s.resolveClient(peer.Client)
}

func (s *Sender) resolveServer(idx clusterview.NodeIndex) (*transport.Connection, error) {
	node, ok := s.view.Lookup(idx)
	if !ok {
		return nil, status.New(status.NotInConfig, "node not in current configuration")
	}

	s.mu.Lock()
	if conn, ok := s.serverConns[idx]; ok {
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	if !s.throttle.MayConnect(node.Addr) {
		return nil, status.New(status.Unreachable, "connect throttled")
	}

	conn := transport.NewConnection(node.Addr, s.cfg, s.serverBudget, s.metrics)
	conn.ExpectedDestNodeID = node.NodeID
	conn.OnCloseFunc(func(error) {
		s.mu.Lock()
		delete(s.serverConns, idx)
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.serverConns[idx] = conn
	s.mu.Unlock()

	if err := conn.Connect(s.dial); err != nil {
		s.throttle.OnOutcome(node.Addr, false)
		s.mu.Lock()
		delete(s.serverConns, idx)
		s.mu.Unlock()
		return nil, status.New(status.NotInConfig, "address could not be resolved")
	}
	s.throttle.OnOutcome(node.Addr, true)

	return conn, nil
}

func (s *Sender) resolveClient(id ClientID) (*transport.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.clientConns[id]
	if !ok {
		return nil, status.New(status.NotInConfig, "client connection not registered")
	}
	return conn, nil
}

// ClientBudget is the shared budget inbound client Connections should be
// constructed with, so their admission is accounted against the same
// class total RegisterInbound later tracks them under.
func (s *Sender) ClientBudget() *transport.Budget {
	return s.clientBudget
}

// RegisterInbound adopts conn under id before its handshake starts, for
// peers that dial in rather than being dialed out to. Call before
// Connection.Accept.
func (s *Sender) RegisterInbound(id ClientID, conn *transport.Connection) {
	s.mu.Lock()
	s.clientConns[id] = conn
	s.mu.Unlock()
	conn.OnCloseFunc(func(error) {
		s.mu.Lock()
		delete(s.clientConns, id)
		s.mu.Unlock()
	})
}

// CloseRemoved closes the Connection for each server node that has left
// the cluster configuration, with NotInConfig, releasing its budget
// reservation and preventing further routing to it. Call this from the
// Worker's own goroutine, like every other Sender method.
func (s *Sender) CloseRemoved(removed []clusterview.NodeIndex) {
	s.mu.Lock()
	conns := make([]*transport.Connection, 0, len(removed))
	for _, idx := range removed {
		if c, ok := s.serverConns[idx]; ok {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(status.New(status.NotInConfig, "node removed from cluster configuration"))
	}
}

// ShutdownSockets closes every Connection with Shutdown, draining
// callbacks, and waits for all of them to finish closing. Connections are
// closed concurrently via errgroup.
func (s *Sender) ShutdownSockets() error {
	s.mu.Lock()
	conns := make([]*transport.Connection, 0, len(s.serverConns)+len(s.clientConns))
	for _, c := range s.serverConns {
		conns = append(conns, c)
	}
	for _, c := range s.clientConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.Close(status.New(status.Shutdown, "sender shutting down"))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		nlog.Errorf("sender: shutdown_sockets: %v", err)
		return err
	}
	return nil
}
