// Package transport implements one TCP peer connection: the HELLO/ACK
// handshake state machine, a pre-handshake serialization queue, a
// post-handshake output buffer, and a per-socket budget.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"bytes"
	"container/list"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flowlog/flowlog/config"
	"github.com/flowlog/flowlog/internal/debug"
	"github.com/flowlog/flowlog/internal/metrics"
	"github.com/flowlog/flowlog/internal/nlog"
	"github.com/flowlog/flowlog/internal/status"
	"github.com/flowlog/flowlog/internal/xatomic"
	"github.com/flowlog/flowlog/wire"
)

// reserve charges n bytes against both the shared class budget and this
// connection's own running total, which Reserve needs to decide whether
// the socket is still under its guaranteed minimum.
func (c *Connection) reserve(n int64) bool {
	if !c.budget.Reserve(n, c.selfUsed.Load()) {
		return false
	}
	c.selfUsed.Add(n)
	return true
}

func (c *Connection) release(n int64) {
	c.budget.Release(n)
	c.selfUsed.Add(-n)
}

// State is the Connection's position in the handshake state machine.
type State int

const (
	Fresh State = iota
	Connecting
	HandshakeSent
	Handshaken
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Connecting:
		return "connecting"
	case HandshakeSent:
		return "handshake-sent"
	case Handshaken:
		return "handshaken"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendResult is the outcome of Connection.Send.
type SendResult int

const (
	Queued SendResult = iota
	Rejected
)

// OnClose is invoked exactly once when the Connection finishes closing,
// with the reason it closed for (nil on a clean, requested close).
type OnClose func(reason error)

// OnSent is invoked exactly once per message, in FIFO order with respect to
// other queued messages, once the message has been encoded and either
// handed to the socket or dropped.
type OnSent func(err error)

type pendingSend struct {
	msg     wire.Encodable
	onSent  OnSent
	reserved int64 // bytes charged against the budget while queued
}

// Connection is one peer-to-peer TCP endpoint. All public methods are safe
// for concurrent use; internally, state transitions and queue/buffer
// mutation happen under small critical sections guarded by mu.
type Connection struct {
	mu    sync.Mutex
	state State

	addr   string
	isDial bool // true if this side initiated connect()
	conn   net.Conn

	cfg     *config.Config
	metrics *metrics.Registry

	// ExpectedDestNodeID, if set before Connect, is sent as HELLO's
	// destination field: the node this dial believes it is reaching. The
	// acceptor rejects with DestinationMismatch if this disagrees with its
	// own cfg.NodeID.
	ExpectedDestNodeID string

	minProto, maxProto wire.Protocol
	negotiated         wire.Protocol
	negotiatedCompress bool

	// peerClusterName and peerDestNodeID are whatever the peer's HELLO
	// claimed, recorded once handleHello has validated them against cfg.
	peerClusterName string
	peerDestNodeID  string

	// pre-handshake serialization queue (FIFO)
	queue *list.List

	// post-handshake output buffer (FIFO), drained by a writer goroutine
	outbuf   *list.List
	outbufCh chan struct{} // signals the writer goroutine there's new work

	budget      *Budget
	selfUsed    xatomic.Int64 // bytes this connection currently has reserved, for the per-socket minimum
	closeReason error
	onClose     []OnClose

	idle *idleTimer

	closedCh chan struct{}

	// Dispatch, if set, is invoked for every post-handshake frame.
	// Connection itself only understands handshake frames; everything
	// else is routed to the owner (sender/worker).
	Dispatch func(typ wire.Type, body io.Reader)
}

// Budget tracks bytes reserved/consumed against a peer-class cap plus a
// guaranteed per-socket minimum.
type Budget struct {
	mu       sync.Mutex
	used     int64
	cap      int64
	minBytes int64

	metrics *metrics.Registry
	class   string
}

func NewBudget(capBytes, minBytes int64) *Budget {
	return &Budget{cap: capBytes, minBytes: minBytes}
}

// SetMetrics attaches mr to the budget, labeling its gauges with class
// (e.g. "server", "client", "combined"), and publishes the limit
// immediately. Call once, right after construction.
func (b *Budget) SetMetrics(mr *metrics.Registry, class string) {
	b.mu.Lock()
	b.metrics = mr
	b.class = class
	cap := b.cap
	used := b.used
	b.mu.Unlock()

	mr.BudgetLimitBytes.WithLabelValues(class).Set(float64(cap))
	mr.BudgetUsedBytes.WithLabelValues(class).Set(float64(used))
}

// Reserve charges n bytes against the budget. It always succeeds if the
// connection is under its guaranteed minimum, even if the class cap as a
// whole is exhausted.
func (b *Budget) Reserve(n, alreadyUsedBySocket int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if alreadyUsedBySocket < b.minBytes {
		b.used += n
		b.publishUsedLocked()
		return true
	}
	if b.used+n > b.cap {
		return false
	}
	b.used += n
	b.publishUsedLocked()
	return true
}

func (b *Budget) Release(n int64) {
	b.mu.Lock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
	b.publishUsedLocked()
	b.mu.Unlock()
}

// publishUsedLocked must be called with mu held.
func (b *Budget) publishUsedLocked() {
	if b.metrics != nil {
		b.metrics.BudgetUsedBytes.WithLabelValues(b.class).Set(float64(b.used))
	}
}

func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// NewConnection builds a Connection in the Fresh state. addr is the peer's
// dial address if this side will initiate connect(); leave empty for an
// inbound socket accepted by a listener.
func NewConnection(addr string, cfg *config.Config, budget *Budget, mr *metrics.Registry) *Connection {
	c := &Connection{
		state:    Fresh,
		addr:     addr,
		cfg:      cfg,
		metrics:  mr,
		minProto: wire.Protocol(cfg.MinProtocol),
		maxProto: wire.Protocol(cfg.MaxProtocol),
		queue:    list.New(),
		outbuf:   list.New(),
		outbufCh: make(chan struct{}, 1),
		budget:   budget,
		closedCh: make(chan struct{}),
	}
	c.idle = newIdleTimer(c)
	return c
}

// Accept adopts an already-accepted net.Conn as an inbound Connection and
// starts its read loop; the handshake completes once the peer's HELLO
// arrives.
func (c *Connection) Accept(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = Connecting
	c.mu.Unlock()
	go c.readLoop()
}

// Connect dials addr and sends HELLO. While Fresh/Connecting/HandshakeSent,
// outbound Send is queued; size-charging uses the minimum-supported-
// protocol encoding as an upper bound.
func (c *Connection) Connect(dialer func(addr string) (net.Conn, error)) error {
	c.mu.Lock()
	if c.state != Fresh {
		c.mu.Unlock()
		return status.New(status.Internal, "connect called twice")
	}
	c.state = Connecting
	c.isDial = true
	addr := c.addr
	c.mu.Unlock()

	conn, err := dialer(addr)
	if err != nil {
		c.closeLocked(status.New(status.ConnFailed, err.Error()))
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.sendHello(); err != nil {
		c.closeLocked(status.New(status.ConnFailed, err.Error()))
		return err
	}

	c.mu.Lock()
	c.state = HandshakeSent
	c.mu.Unlock()

	go c.readLoop()
	go c.handshakeTimeout()
	return nil
}

func (c *Connection) handshakeTimeout() {
	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		c.mu.Lock()
		stillWaiting := c.state == Connecting || c.state == HandshakeSent
		c.mu.Unlock()
		if stillWaiting {
			if c.metrics != nil {
				c.metrics.HandshakeFail.Inc()
			}
			c.closeLocked(status.New(status.TimedOut, "handshake timeout"))
		}
	case <-c.closedCh:
	}
}

// Send is synchronous: it returns either Queued (ownership transferred,
// onSent fires later) or Rejected with a status explaining why.
func (c *Connection) Send(msg wire.Encodable, onSent OnSent) (SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closing, Closed:
		return Rejected, status.New(status.Shutdown, "connection closing")
	case Fresh:
		return Rejected, status.New(status.Unreachable, "not connected")
	}

	// size-charge using the minimum-supported-protocol encoding as an
	// upper bound while the negotiated protocol is still unknown.
	wireMsg, err := msg.Encode(c.minProto)
	if err != nil {
		return Rejected, status.New(status.BadMessage, err.Error())
	}
	reserved := int64(len(wireMsg.Body)) + 16

	if c.state == Handshaken {
		return c.enqueueHandshaken(msg, wireMsg, reserved, onSent)
	}
	return c.enqueuePending(msg, reserved, onSent)
}

func (c *Connection) enqueuePending(msg wire.Encodable, reserved int64, onSent OnSent) (SendResult, error) {
	if !c.reserve(reserved) {
		return Rejected, status.New(status.NoBufs, "budget exhausted")
	}
	c.queue.PushBack(&pendingSend{msg: msg, onSent: onSent, reserved: reserved})
	return Queued, nil
}

func (c *Connection) enqueueHandshaken(msg wire.Encodable, wireMsg wire.Message, reserved int64, onSent OnSent) (SendResult, error) {
	if wire.MinProto(wireMsg.Type) > c.negotiated {
		return Rejected, status.New(status.ProtoNoSupport, "message requires newer protocol")
	}
	if !c.reserve(reserved) {
		return Rejected, status.New(status.NoBufs, "budget exhausted")
	}
	onWire := wire.Message{Type: wireMsg.Type, Body: maybeCompress(wireMsg.Body, c.negotiatedCompress, c.cfg.CompressionMinSize)}
	raw, err := wire.Encode(onWire, c.negotiated)
	if err != nil {
		c.release(reserved)
		return Rejected, status.New(status.BadMessage, err.Error())
	}
	c.release(reserved - int64(len(raw))) // return the reservation/actual difference
	c.outbuf.PushBack(&outFrame{raw: raw, onSent: onSent, charged: int64(len(raw))})
	select {
	case c.outbufCh <- struct{}{}:
	default:
	}
	return Queued, nil
}

type outFrame struct {
	raw     []byte
	onSent  OnSent
	charged int64
}

// drainQueueLocked replays the pre-handshake queue against the negotiated
// protocol. Must be called with mu held.
func (c *Connection) drainQueueLocked() {
	for e := c.queue.Front(); e != nil; e = e.Next() {
		ps := e.Value.(*pendingSend)
		wireMsg, err := ps.msg.Encode(c.negotiated)
		if err == nil && wire.MinProto(wireMsg.Type) > c.negotiated {
			err = status.New(status.ProtoNoSupport, "message requires newer protocol")
		}
		if err != nil {
			c.release(ps.reserved)
			if ps.onSent != nil {
				ps.onSent(err)
			}
			continue
		}
		onWire := wire.Message{Type: wireMsg.Type, Body: maybeCompress(wireMsg.Body, c.negotiatedCompress, c.cfg.CompressionMinSize)}
		raw, encErr := wire.Encode(onWire, c.negotiated)
		if encErr != nil {
			c.release(ps.reserved)
			if ps.onSent != nil {
				ps.onSent(encErr)
			}
			continue
		}
		c.release(ps.reserved - int64(len(raw)))
		c.outbuf.PushBack(&outFrame{raw: raw, onSent: ps.onSent, charged: int64(len(raw))})
	}
	c.queue.Init()
	select {
	case c.outbufCh <- struct{}{}:
	default:
	}
}

// IsHandshaken reports whether the connection has completed negotiation.
func (c *Connection) IsHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Handshaken
}

// BufferedBytes returns bytes currently sitting in the post-handshake
// output buffer, not yet written to the socket.
func (c *Connection) BufferedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for e := c.outbuf.Front(); e != nil; e = e.Next() {
		n += e.Value.(*outFrame).charged
	}
	return n
}

// BytesPending returns bytes reserved against the budget for messages that
// have not yet been handed to the socket, pre- or post-handshake.
func (c *Connection) BytesPending() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for e := c.queue.Front(); e != nil; e = e.Next() {
		n += e.Value.(*pendingSend).reserved
	}
	return n + c.BufferedBytesLocked()
}

func (c *Connection) BufferedBytesLocked() int64 {
	var n int64
	for e := c.outbuf.Front(); e != nil; e = e.Next() {
		n += e.Value.(*outFrame).charged
	}
	return n
}

// Close tears the connection down with reason, firing every pending on-sent
// and the registered on-close callbacks exactly once.
func (c *Connection) Close(reason error) {
	c.closeLocked(reason)
}

func (c *Connection) closeLocked(reason error) {
	c.mu.Lock()
	if c.state == Closing || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closing
	c.closeReason = reason
	callbacks := append([]OnClose(nil), c.onClose...)
	pending := c.queue
	out := c.outbuf
	c.queue = list.New()
	c.outbuf = list.New()
	conn := c.conn
	c.mu.Unlock()

	for e := pending.Front(); e != nil; e = e.Next() {
		ps := e.Value.(*pendingSend)
		c.release(ps.reserved)
		if ps.onSent != nil {
			ps.onSent(reason)
		}
	}
	for e := out.Front(); e != nil; e = e.Next() {
		of := e.Value.(*outFrame)
		c.release(of.charged)
		if of.onSent != nil {
			of.onSent(reason)
		}
	}
	if conn != nil {
		conn.Close()
	}
	if c.metrics != nil {
		c.metrics.ConnsClosed.Inc()
	}
	c.idle.stop()

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
	close(c.closedCh)

	for _, cb := range callbacks {
		cb(reason)
	}
	nlog.Infof("transport: connection to %s closed: %v", c.addr, reason)
}

// OnCloseFunc registers a callback invoked once when the connection closes.
// Safe to call even if the connection is already closed: the callback
// fires immediately in that case, so registering after close is safe.
func (c *Connection) OnCloseFunc(cb OnClose) {
	c.mu.Lock()
	if c.state == Closed {
		reason := c.closeReason
		c.mu.Unlock()
		cb(reason)
		return
	}
	c.onClose = append(c.onClose, cb)
	c.mu.Unlock()
}

// writeLoop drains the output buffer to the socket in FIFO order.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.outbufCh:
		case <-c.closedCh:
			return
		}
		for {
			c.mu.Lock()
			front := c.outbuf.Front()
			if front == nil {
				c.mu.Unlock()
				break
			}
			c.outbuf.Remove(front)
			conn := c.conn
			c.mu.Unlock()

			of := front.Value.(*outFrame)
			_, err := conn.Write(of.raw)
			c.release(of.charged)
			if of.onSent != nil {
				of.onSent(err)
			}
			if c.metrics != nil {
				c.metrics.MessagesSent.Inc()
				c.metrics.BytesSent.Add(float64(len(of.raw)))
			}
			if err != nil {
				c.closeLocked(status.New(status.Internal, err.Error()))
				return
			}
			c.idle.touch()
		}
	}
}

// readLoop reads frames off the socket, dispatching HELLO/ACK during the
// handshake and everything else to Dispatch once Handshaken.
func (c *Connection) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	dec := wire.NewDecoder(conn, c.cfg.MaxFrameSize)
	for {
		c.mu.Lock()
		proto := c.negotiated
		c.mu.Unlock()

		hdr, body, err := dec.Decode(proto)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.closeLocked(nil)
			} else {
				c.closeLocked(status.New(status.BadMessage, err.Error()))
			}
			return
		}
		c.idle.touch()

		c.mu.Lock()
		state := c.state
		c.mu.Unlock()

		switch state {
		case Connecting:
			// inbound socket: first frame must be HELLO
			if err := c.handleHello(hdr, body); err != nil {
				c.closeLocked(err)
				return
			}
		case HandshakeSent:
			if err := c.handleAck(hdr, body); err != nil {
				c.closeLocked(err)
				return
			}
			go c.writeLoop()
		case Handshaken:
			if c.Dispatch != nil {
				raw, readErr := io.ReadAll(body)
				if readErr != nil {
					c.closeLocked(status.New(status.BadMessage, readErr.Error()))
					return
				}
				payload, decErr := decompress(raw)
				if decErr != nil {
					c.closeLocked(status.New(status.BadMessage, decErr.Error()))
					return
				}
				c.Dispatch(hdr.Type, bytes.NewReader(payload))
			}
		default:
			debug.Assertf(false, "unexpected state %s while reading", state)
		}
	}
}
