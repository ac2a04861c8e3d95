package wire

import (
	"encoding/binary"
	"io"
)

// putU16Prefixed appends a u16 length prefix followed by b. Variable fields
// are strictly length-prefixed with u16 unless a message type says
// otherwise.
func putU16Prefixed(dst []byte, b []byte) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func readU16Prefixed(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, Truncated
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, Truncated
		}
	}
	return b, nil
}

// Ping carries no payload; flowlogd answers it with a Pong.
type Ping struct{}

func (Ping) Encode(proto Protocol) (Message, error) {
	return Message{Type: TypePing}, nil
}

// Pong mirrors Ping.
type Pong struct{}

func (Pong) Encode(proto Protocol) (Message, error) {
	return Message{Type: TypePong}, nil
}

// Stored announces a record has been durably written. Requires a checksum
// at proto >= 1 (checksumTable), demonstrating needs_checksum in practice.
type Stored struct {
	RecordID uint64
	Payload  []byte
}

func (s Stored) Encode(proto Protocol) (Message, error) {
	body := make([]byte, 0, 8+2+len(s.Payload))
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], s.RecordID)
	body = append(body, idBuf[:]...)
	body = putU16Prefixed(body, s.Payload)
	return Message{Type: TypeStored, Body: body}, nil
}

// DecodeStored parses a Stored body previously produced by Encode.
func DecodeStored(r io.Reader) (Stored, error) {
	var idBuf [8]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return Stored{}, Truncated
	}
	payload, err := readU16Prefixed(r)
	if err != nil {
		return Stored{}, err
	}
	return Stored{RecordID: binary.LittleEndian.Uint64(idBuf[:]), Payload: payload}, nil
}

// GetConfig requests the value for a config key. Rqid correlates the reply
// in worker's request registry (worker.Register[T]).
type GetConfig struct {
	Rqid uint64
	Key  string
}

func (g GetConfig) Encode(proto Protocol) (Message, error) {
	body := make([]byte, 0, 8+2+len(g.Key))
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], g.Rqid)
	body = append(body, idBuf[:]...)
	body = putU16Prefixed(body, []byte(g.Key))
	return Message{Type: TypeGetConfig, Body: body}, nil
}

func DecodeGetConfig(r io.Reader) (GetConfig, error) {
	var idBuf [8]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return GetConfig{}, Truncated
	}
	key, err := readU16Prefixed(r)
	if err != nil {
		return GetConfig{}, err
	}
	return GetConfig{Rqid: binary.LittleEndian.Uint64(idBuf[:]), Key: string(key)}, nil
}

// ConfigReply answers a GetConfig. Status non-zero means Key was absent or
// the request failed for some other reason; Value is empty in that case.
type ConfigReply struct {
	Rqid   uint64
	Status uint16
	Value  []byte
}

func (c ConfigReply) Encode(proto Protocol) (Message, error) {
	body := make([]byte, 0, 8+2+2+len(c.Value))
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], c.Rqid)
	body = append(body, idBuf[:]...)
	var stBuf [2]byte
	binary.LittleEndian.PutUint16(stBuf[:], c.Status)
	body = append(body, stBuf[:]...)
	body = putU16Prefixed(body, c.Value)
	return Message{Type: TypeConfigReply, Body: body}, nil
}

func DecodeConfigReply(r io.Reader) (ConfigReply, error) {
	var idBuf [8]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return ConfigReply{}, Truncated
	}
	var stBuf [2]byte
	if _, err := io.ReadFull(r, stBuf[:]); err != nil {
		return ConfigReply{}, Truncated
	}
	val, err := readU16Prefixed(r)
	if err != nil {
		return ConfigReply{}, err
	}
	return ConfigReply{
		Rqid:   binary.LittleEndian.Uint64(idBuf[:]),
		Status: binary.LittleEndian.Uint16(stBuf[:]),
		Value:  val,
	}, nil
}

// Encodable is any catalogue message the codec can turn into a Message.
type Encodable interface {
	Encode(proto Protocol) (Message, error)
}

// MinProto reports the lowest protocol version able to carry t, used by
// Connection to reject (ProtoNoSupport) a message whose type needs a newer
// protocol than the negotiated one.
func MinProto(t Type) Protocol {
	switch t {
	case TypeStored:
		return 1
	default:
		return 0
	}
}
