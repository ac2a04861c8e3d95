package transport

import (
	"encoding/binary"
	"io"

	"github.com/flowlog/flowlog/internal/status"
	"github.com/flowlog/flowlog/wire"
)

// HELLO/ACK use the same fixed-header framing as every other message
//, with their own tiny catalogue types so the handshake can be
// decoded before a protocol version has been negotiated.
const (
	typeHello wire.Type = 0xFF01
	typeAck   wire.Type = 0xFF02
)

// hello is sent by the dialing side on tcp-up. CompressOffered lets the
// dialer advertise whether it supports lz4 payload compression.
type hello struct {
	MinProto        wire.Protocol
	MaxProto        wire.Protocol
	ClusterName     string
	DestNodeID      string
	CompressOffered bool
}

func (h hello) encode() wire.Message {
	body := make([]byte, 0, 4+2+len(h.ClusterName)+2+len(h.DestNodeID)+1)
	body = appendU16(body, uint16(h.MinProto))
	body = appendU16(body, uint16(h.MaxProto))
	body = appendStr(body, h.ClusterName)
	body = appendStr(body, h.DestNodeID)
	body = append(body, boolByte(h.CompressOffered))
	return wire.Message{Type: typeHello, Body: body}
}

func decodeHello(r io.Reader) (hello, error) {
	var h hello
	minP, err := readU16(r)
	if err != nil {
		return h, err
	}
	maxP, err := readU16(r)
	if err != nil {
		return h, err
	}
	cluster, err := readStr(r)
	if err != nil {
		return h, err
	}
	dest, err := readStr(r)
	if err != nil {
		return h, err
	}
	h.MinProto, h.MaxProto = wire.Protocol(minP), wire.Protocol(maxP)
	h.ClusterName, h.DestNodeID = cluster, dest
	h.CompressOffered, _ = readBool(r) // absent on peers predating the extension
	return h, nil
}

// ack is the handshake reply: either the negotiated protocol (Status ==
// status.Ok) or a rejection status. Compress is the acceptor's
// decision on whether this connection will use lz4 payload compression.
type ack struct {
	Status     uint16
	Negotiated wire.Protocol
	Compress   bool
}

func (a ack) encode() wire.Message {
	body := make([]byte, 0, 5)
	body = appendU16(body, a.Status)
	body = appendU16(body, uint16(a.Negotiated))
	body = append(body, boolByte(a.Compress))
	return wire.Message{Type: typeAck, Body: body}
}

func decodeAck(r io.Reader) (ack, error) {
	var a ack
	st, err := readU16(r)
	if err != nil {
		return a, err
	}
	neg, err := readU16(r)
	if err != nil {
		return a, err
	}
	a.Status, a.Negotiated = st, wire.Protocol(neg)
	a.Compress, _ = readBool(r)
	return a, nil
}

func appendU16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, wire.Truncated
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func appendStr(dst []byte, s string) []byte {
	dst = appendU16(dst, uint16(len(s)))
	return append(dst, s...)
}

func readStr(r io.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", wire.Truncated
		}
	}
	return string(b), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, wire.Truncated
	}
	return b[0] != 0, nil
}

// sendHello writes HELLO directly to the socket: the handshake precedes
// the output buffer and its own budget accounting.
func (c *Connection) sendHello() error {
	h := hello{MinProto: c.minProto, MaxProto: c.maxProto, CompressOffered: c.cfg.CompressionMinSize > 0}
	if c.cfg.IncludeClusterNameOnHandshake {
		h.ClusterName = c.cfg.ClusterName
	}
	if c.cfg.IncludeDestinationOnHandshake {
		h.DestNodeID = c.ExpectedDestNodeID
	}
	raw, err := wire.Encode(h.encode(), 0)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	_, err = conn.Write(raw)
	return err
}

// handleHello runs on the accepting side, in Connecting, on receipt of the
// peer's HELLO. It negotiates a protocol, replies with ACK, and on success
// transitions to Handshaken and drains the pre-handshake queue.
func (c *Connection) handleHello(hdr wire.Header, body io.Reader) error {
	if hdr.Type != typeHello {
		return status.New(status.BadMessage, "expected HELLO")
	}
	h, err := decodeHello(body)
	if err != nil {
		return err
	}

	neg, protoOK := negotiate(c.minProto, c.maxProto, h.MinProto, h.MaxProto)

	rejectSt := status.Ok
	switch {
	case !protoOK:
		rejectSt = status.ProtoNoSupport
	case h.ClusterName != "" && c.cfg.ClusterName != "" && h.ClusterName != c.cfg.ClusterName:
		rejectSt = status.InvalidCluster
	case h.DestNodeID != "" && c.cfg.NodeID != "" && h.DestNodeID != c.cfg.NodeID:
		rejectSt = status.DestinationMismatch
	}
	ok := rejectSt == status.Ok

	compress := ok && h.CompressOffered && c.cfg.CompressionMinSize > 0
	var reply ack
	if !ok {
		reply = ack{Status: uint16(rejectSt)}
	} else {
		reply = ack{Status: uint16(status.Ok), Negotiated: neg, Compress: compress}
	}
	raw, err := wire.Encode(reply.encode(), 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if _, err := conn.Write(raw); err != nil {
		return status.New(status.ConnFailed, err.Error())
	}

	if !ok {
		if c.metrics != nil {
			c.metrics.HandshakeFail.Inc()
		}
		return status.New(rejectSt, "rejected peer HELLO")
	}

	c.mu.Lock()
	c.negotiated = neg
	c.negotiatedCompress = compress
	c.peerClusterName = h.ClusterName
	c.peerDestNodeID = h.DestNodeID
	c.state = Handshaken
	c.drainQueueLocked()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.HandshakeOK.Inc()
		c.metrics.ConnsOpened.Inc()
	}
	go c.writeLoop()
	return nil
}

// handleAck runs on the dialing side, in HandshakeSent, on receipt of the
// peer's ACK.
func (c *Connection) handleAck(hdr wire.Header, body io.Reader) error {
	if hdr.Type != typeAck {
		return status.New(status.BadMessage, "expected ACK")
	}
	a, err := decodeAck(body)
	if err != nil {
		return err
	}
	if status.Status(a.Status) != status.Ok {
		if c.metrics != nil {
			c.metrics.HandshakeFail.Inc()
		}
		return status.New(status.Status(a.Status), "rejected by peer")
	}

	c.mu.Lock()
	c.negotiated = a.Negotiated
	c.negotiatedCompress = a.Compress
	c.state = Handshaken
	c.drainQueueLocked()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.HandshakeOK.Inc()
		c.metrics.ConnsOpened.Inc()
	}
	return nil
}

// negotiate picks the highest protocol version both [min, max] ranges
// support.
func negotiate(localMin, localMax, peerMin, peerMax wire.Protocol) (wire.Protocol, bool) {
	lo := localMin
	if peerMin > lo {
		lo = peerMin
	}
	hi := localMax
	if peerMax < hi {
		hi = peerMax
	}
	if lo > hi {
		return 0, false
	}
	return hi, true
}
