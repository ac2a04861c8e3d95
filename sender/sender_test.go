package sender_test

import (
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/flowlog/flowlog/clusterview"
	"github.com/flowlog/flowlog/config"
	"github.com/flowlog/flowlog/internal/status"
	"github.com/flowlog/flowlog/sender"
	"github.com/flowlog/flowlog/throttle"
	"github.com/flowlog/flowlog/transport"
	"github.com/flowlog/flowlog/wire"
)

// acceptingDialer returns a Dialer that hands out one side of a net.Pipe
// and starts a transport.Connection accepting the other side, simulating a
// listener accepting the dial.
func acceptingDialer(cfg *config.Config) sender.Dialer {
	return func(addr string) (net.Conn, error) {
		client, server := net.Pipe()
		budget := transport.NewBudget(cfg.ClassCap(), cfg.SocketMinBytes())
		peerConn := transport.NewConnection("", cfg, budget, nil)
		peerConn.Dispatch = func(wire.Type, io.Reader) {}
		peerConn.Accept(server)
		return client, nil
	}
}

var _ = Describe("Sender", func() {
	var cfg *config.Config

	BeforeEach(func() {
		cfg = config.Default()
		cfg.HandshakeTimeout = time.Second
	})

	It("rejects send_message to a node absent from the configuration with NotInConfig", func() {
		view := clusterview.New(nil)
		th := throttle.New(0, 0)
		s := sender.New(cfg, view, th, nil, func(string) (net.Conn, error) {
			panic("dialer must not be called for an unconfigured node")
		})
		err := s.SendMessage(wire.Ping{}, sender.ServerPeer(1), nil, nil)
		Expect(status.Is(err, status.NotInConfig)).To(BeTrue())
	})

	It("resolves a configured node, dials, and delivers a message", func() {
		view := clusterview.New(nil)
		view.Resync(&clusterview.Snapshot{
			Version: 1,
			Nodes:   map[clusterview.NodeIndex]clusterview.Node{1: {Addr: "peer:7000", Generation: 1}},
		})
		th := throttle.New(0, 0)
		s := sender.New(cfg, view, th, nil, acceptingDialer(cfg))

		var sentErr error
		done := make(chan struct{})
		err := s.SendMessage(wire.Ping{}, sender.ServerPeer(1), func(e error) {
			sentErr = e
			close(done)
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		Eventually(done, 2*time.Second).Should(BeClosed())
		Expect(sentErr).NotTo(HaveOccurred())
	})

	It("closes every connection on ShutdownSockets", func() {
		view := clusterview.New(nil)
		view.Resync(&clusterview.Snapshot{
			Version: 1,
			Nodes:   map[clusterview.NodeIndex]clusterview.Node{1: {Addr: "peer:7000", Generation: 1}},
		})
		th := throttle.New(0, 0)
		s := sender.New(cfg, view, th, nil, acceptingDialer(cfg))

		var closeReason error
		done := make(chan struct{})
		s.SendMessage(wire.Ping{}, sender.ServerPeer(1), nil, func(reason error) {
			closeReason = reason
			close(done)
		})

		Expect(s.ShutdownSockets()).To(Succeed())
		Eventually(done, 2*time.Second).Should(BeClosed())
		Expect(closeReason).To(HaveOccurred())
	})

	It("routes send_message to a client peer registered via RegisterInbound", func() {
		view := clusterview.New(nil)
		th := throttle.New(0, 0)
		s := sender.New(cfg, view, th, nil, func(string) (net.Conn, error) {
			panic("dialer must not be called for a client peer")
		})

		id := sender.ClientID("client-1")
		inbound, outbound := net.Pipe()
		conn := transport.NewConnection("", cfg, s.ClientBudget(), nil)
		s.RegisterInbound(id, conn)
		conn.Accept(inbound)

		peerBudget := transport.NewBudget(cfg.ClassCap(), cfg.SocketMinBytes())
		peer := transport.NewConnection("peer", cfg, peerBudget, nil)
		var received int32
		peer.Dispatch = func(typ wire.Type, _ io.Reader) {
			if typ == wire.TypePing {
				received = 1
			}
		}
		// peer dials in, matching a real client connecting to the listener;
		// conn (registered above) is the accepting side waiting for HELLO.
		go peer.Connect(func(string) (net.Conn, error) { return outbound, nil })

		var sentErr error
		done := make(chan struct{})
		err := s.SendMessage(wire.Ping{}, sender.ClientPeer(id), func(e error) {
			sentErr = e
			close(done)
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		Eventually(done, 2*time.Second).Should(BeClosed())
		Expect(sentErr).NotTo(HaveOccurred())
		Eventually(func() int32 { return received }, time.Second).Should(Equal(int32(1)))
	})

	It("drops a client peer from routing once its connection closes", func() {
		view := clusterview.New(nil)
		th := throttle.New(0, 0)
		s := sender.New(cfg, view, th, nil, nil)

		id := sender.ClientID("client-2")
		conn := transport.NewConnection("", cfg, s.ClientBudget(), nil)
		s.RegisterInbound(id, conn)
		conn.Close(status.New(status.Shutdown, "test teardown"))

		err := s.SendMessage(wire.Ping{}, sender.ClientPeer(id), nil, nil)
		Expect(err).To(HaveOccurred())
	})

	It("closes a departed server node's connection with NotInConfig on CloseRemoved", func() {
		view := clusterview.New(nil)
		view.Resync(&clusterview.Snapshot{
			Version: 1,
			Nodes:   map[clusterview.NodeIndex]clusterview.Node{1: {Addr: "peer:7000", Generation: 1}},
		})
		th := throttle.New(0, 0)
		s := sender.New(cfg, view, th, nil, acceptingDialer(cfg))

		Expect(s.SendMessage(wire.Ping{}, sender.ServerPeer(1), nil, nil)).To(Succeed())

		var closeReason error
		done := make(chan struct{})
		err := s.SendMessage(wire.Ping{}, sender.ServerPeer(1), nil, func(reason error) {
			closeReason = reason
			close(done)
		})
		Expect(err).NotTo(HaveOccurred())

		s.CloseRemoved([]clusterview.NodeIndex{1})

		Eventually(done, 2*time.Second).Should(BeClosed())
		Expect(status.Is(closeReason, status.NotInConfig)).To(BeTrue())
	})
})
