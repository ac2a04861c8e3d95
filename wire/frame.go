// Package wire implements the frame codec: a fixed length-and-type header,
// an optional per-(type, protocol) checksum, and a typed per-message body.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/OneOfOne/xxhash"

	"github.com/flowlog/flowlog/internal/status"
)

// Protocol is the negotiated wire protocol version.
type Protocol uint16

// Type identifies a message's wire shape. New types register their
// checksum policy in checksumTable rather than branching in the codec.
type Type uint16

const (
	TypePing        Type = 0x0001
	TypePong        Type = 0x0002
	TypeStored      Type = 0x0101
	TypeGetConfig   Type = 0x0201
	TypeConfigReply Type = 0x0202
)

// sizeHdr is the fixed two-field header: len (u32) + type (u16).
const sizeHdr = 4 + 2
const sizeCksum = 8

// checksumTable maps a message Type to the minimum Protocol version at or
// above which it carries a cksum field. A type absent from the map is never
// checksummed.
var checksumTable = map[Type]Protocol{
	TypeStored: 1, // demonstrates checksum rollout without breaking old peers
}

// needsChecksum is a pure function of (type, negotiated protocol).
func needsChecksum(t Type, proto Protocol) bool {
	min, ok := checksumTable[t]
	return ok && proto >= min
}

// Message is anything the codec can encode: a Type tag plus an opaque,
// already-serialized body. Higher layers (worker's message catalogue)
// marshal their typed structs into a Message before handing it to Encode.
type Message struct {
	Type Type
	Body []byte
}

// Header is what Decode returns before the caller reads the payload: the
// validated length and type, with the checksum (if present) already
// verified against the bytes that follow it.
type Header struct {
	Len  uint32
	Type Type
}

// TooBig is returned when a frame's declared length exceeds the decoder's
// policy limit.
var TooBig = status.New(status.BadMessage, "frame exceeds max size")

// Truncated is returned when the stream ends mid-frame.
var Truncated = status.New(status.BadMessage, "truncated frame")

// BadChecksum is returned when a present cksum field does not match the
// bytes that follow it; fatal to the Connection.
var BadChecksum = status.New(status.BadMessage, "checksum mismatch")

// Encode is total over well-typed messages: it always succeeds
// for a Message built from this package's catalogue.
func Encode(msg Message, proto Protocol) ([]byte, error) {
	withCksum := needsChecksum(msg.Type, proto)
	total := sizeHdr + len(msg.Body)
	if withCksum {
		total += sizeCksum
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(msg.Type))

	off := sizeHdr
	if withCksum {
		// cksum covers every byte written after the cksum field itself.
		sum := xxhash.Checksum64(msg.Body)
		binary.LittleEndian.PutUint64(buf[off:off+sizeCksum], sum)
		off += sizeCksum
	}
	copy(buf[off:], msg.Body)
	return buf, nil
}

// Decoder reads frames off a stream, one at a time, validating length
// before any type-specific parsing.
type Decoder struct {
	r       io.Reader
	maxSize int
}

// NewDecoder wraps r with the given maximum accepted frame size. A maxSize
// of zero falls back to a 4 MiB default (config.Config.MaxFrameSize).
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = 4 << 20
	}
	return &Decoder{r: r, maxSize: maxSize}
}

// Decode reads one frame and returns its Header plus a reader positioned at
// the start of the type-specific body (after any checksum field, which has
// already been validated).
func (d *Decoder) Decode(proto Protocol) (Header, io.Reader, error) {
	var hdrBuf [sizeHdr]byte
	if _, err := io.ReadFull(d.r, hdrBuf[:]); err != nil {
		if err == io.EOF {
			return Header{}, nil, io.EOF
		}
		return Header{}, nil, Truncated
	}

	length := binary.LittleEndian.Uint32(hdrBuf[0:4])
	typ := Type(binary.LittleEndian.Uint16(hdrBuf[4:6]))

	if int(length) > d.maxSize {
		return Header{}, nil, TooBig
	}
	if int(length) < sizeHdr {
		return Header{}, nil, fmt.Errorf("%w: len=%d below header size", Truncated, length)
	}

	rest := make([]byte, int(length)-sizeHdr)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return Header{}, nil, Truncated
	}

	body := rest
	if needsChecksum(typ, proto) {
		if len(rest) < sizeCksum {
			return Header{}, nil, Truncated
		}
		want := binary.LittleEndian.Uint64(rest[:sizeCksum])
		body = rest[sizeCksum:]
		if got := xxhash.Checksum64(body); got != want {
			return Header{}, nil, BadChecksum
		}
	}

	return Header{Len: length, Type: typ}, &byteReader{b: body}, nil
}

type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}
