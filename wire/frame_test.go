package wire_test

import (
	"bytes"
	"io"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/flowlog/flowlog/wire"
)

var _ = Describe("Frame codec", func() {
	It("round-trips a checksummed message", func() {
		stored := wire.Stored{RecordID: 42, Payload: []byte("hello")}
		msg, err := stored.Encode(1)
		Expect(err).NotTo(HaveOccurred())

		raw, err := wire.Encode(msg, 1)
		Expect(err).NotTo(HaveOccurred())

		dec := wire.NewDecoder(bytes.NewReader(raw), 0)
		hdr, body, err := dec.Decode(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(hdr.Type).To(Equal(wire.TypeStored))

		got, err := wire.DecodeStored(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(stored))
	})

	It("omits the checksum below the type's minimum protocol", func() {
		stored := wire.Stored{RecordID: 7, Payload: []byte("x")}
		msg, _ := stored.Encode(0)
		raw, err := wire.Encode(msg, 0)
		Expect(err).NotTo(HaveOccurred())

		// header (6) + 8 (record id) + 2 (u16 len) + 1 (payload), no cksum.
		Expect(len(raw)).To(Equal(6 + 8 + 2 + 1))
	})

	It("never checksums Ping regardless of protocol", func() {
		msg, _ := wire.Ping{}.Encode(99)
		raw, err := wire.Encode(msg, 99)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(raw)).To(Equal(6))
	})

	It("rejects a corrupted checksum with BadChecksum", func() {
		stored := wire.Stored{RecordID: 1, Payload: []byte("data")}
		msg, _ := stored.Encode(1)
		raw, err := wire.Encode(msg, 1)
		Expect(err).NotTo(HaveOccurred())

		raw[len(raw)-1] ^= 0xFF // flip a payload bit covered by the checksum

		dec := wire.NewDecoder(bytes.NewReader(raw), 0)
		_, _, err = dec.Decode(1)
		Expect(err).To(MatchError(wire.BadChecksum))
	})

	It("rejects frames over the size policy limit with TooBig", func() {
		big := wire.Stored{RecordID: 1, Payload: make([]byte, 1024)}
		msg, _ := big.Encode(0)
		raw, err := wire.Encode(msg, 0)
		Expect(err).NotTo(HaveOccurred())

		dec := wire.NewDecoder(bytes.NewReader(raw), 64)
		_, _, err = dec.Decode(0)
		Expect(err).To(MatchError(wire.TooBig))
	})

	It("reports Truncated when the stream ends mid-frame", func() {
		msg, _ := wire.Ping{}.Encode(0)
		raw, _ := wire.Encode(msg, 0)

		dec := wire.NewDecoder(bytes.NewReader(raw[:3]), 0)
		_, _, err := dec.Decode(0)
		Expect(err).To(MatchError(wire.Truncated))
	})

	It("reports io.EOF cleanly between frames", func() {
		dec := wire.NewDecoder(bytes.NewReader(nil), 0)
		_, _, err := dec.Decode(0)
		Expect(err).To(Equal(io.EOF))
	})

	It("round-trips GetConfig/ConfigReply by Rqid", func() {
		req := wire.GetConfig{Rqid: 5, Key: "replication.factor"}
		msg, _ := req.Encode(0)
		raw, _ := wire.Encode(msg, 0)

		dec := wire.NewDecoder(bytes.NewReader(raw), 0)
		hdr, body, err := dec.Decode(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(hdr.Type).To(Equal(wire.TypeGetConfig))

		got, err := wire.DecodeGetConfig(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(req))

		reply := wire.ConfigReply{Rqid: 5, Status: 0, Value: []byte("3")}
		rmsg, _ := reply.Encode(0)
		rraw, _ := wire.Encode(rmsg, 0)
		rdec := wire.NewDecoder(bytes.NewReader(rraw), 0)
		rhdr, rbody, err := rdec.Decode(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(rhdr.Type).To(Equal(wire.TypeConfigReply))

		gotReply, err := wire.DecodeConfigReply(rbody)
		Expect(err).NotTo(HaveOccurred())
		Expect(gotReply).To(Equal(reply))
	})
})
