package main

import (
	"context"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("Service", func() {
	var (
		tr     *fakeTransport
		dialer *fakeDialer
		svc    *Service
		rec    *recorder
		ctx    context.Context
	)

	BeforeEach(func() {
		tr = newFakeTransport()
		dialer = &fakeDialer{transport: tr}
		svc = NewService(dialer, NewBus(), 0)
		rec = &recorder{}
		svc.Subscribe(rec.Publish)
		ctx = context.Background()
	})

	AfterEach(func() {
		svc.CloseAll()
	})

	tunnel := func(id string) func() TunnelConfig {
		return func() TunnelConfig {
			cfg, _ := svc.GetTunnel(id)
			return cfg
		}
	}
	connections := func(id string) func() int {
		return func() int {
			return tunnel(id)().Connections
		}
	}
	registered := func(id string) func() bool {
		return func() bool {
			_, ok := svc.GetTunnel(id)
			return ok
		}
	}

	Context("creation", func() {
		It("should pass credentials and defaults to the dialer", func() {
			cfg := testConfig("defaults")
			cfg.LocalHost = ""
			cfg.RemoteHost = "db.internal"
			cfg.RemotePort = 5432
			Expect(svc.CreateLocalForward(ctx, cfg)).To(Succeed())

			Expect(dialer.targets).To(HaveLen(1))
			Expect(dialer.targets[0]).To(Equal(SSHTarget{
				Host:     "ssh.example.com",
				Port:     22,
				Username: "deploy",
				Password: "secret",
			}))
			snap := tunnel("defaults")()
			Expect(snap.LocalHost).To(Equal("127.0.0.1"))
			Expect(snap.Kind).To(Equal(LocalTunnel))
			Expect(snap.StartedAt).NotTo(BeNil())
		})

		It("should reject a duplicate id and leave the original intact", func() {
			cfg := testConfig("dup")
			cfg.RemoteHost = "10.0.0.5"
			cfg.RemotePort = 80
			Expect(svc.CreateLocalForward(ctx, cfg)).To(Succeed())
			original := tunnel("dup")()

			err := svc.CreateDynamicForward(ctx, testConfig("dup"))
			Expect(errors.Is(err, ErrDuplicateTunnelID)).To(BeTrue())
			Expect(dialer.targets).To(HaveLen(1))

			again := tunnel("dup")()
			Expect(again.Kind).To(Equal(LocalTunnel))
			Expect(again.Status).To(Equal(StatusConnected))
			Expect(again.LocalPort).To(Equal(original.LocalPort))
		})

		It("should reject invalid configs before registering them", func() {
			cfg := testConfig("invalid")
			cfg.SSHHost = ""
			err := svc.CreateDynamicForward(ctx, cfg)
			Expect(errors.Is(err, ErrInvalidConfig)).To(BeTrue())

			cfg = testConfig("both-secrets")
			cfg.SSHPrivateKey = "key"
			err = svc.CreateDynamicForward(ctx, cfg)
			Expect(errors.Is(err, ErrInvalidConfig)).To(BeTrue())

			err = svc.CreateLocalForward(ctx, testConfig("no-remote"))
			Expect(errors.Is(err, ErrInvalidConfig)).To(BeTrue())

			Expect(svc.GetAllTunnels()).To(BeEmpty())
			Expect(rec.all()).To(BeEmpty())
			Expect(dialer.targets).To(BeEmpty())
		})

		It("should reject an unknown forward type", func() {
			cfg := testConfig("weird")
			cfg.Kind = "sideways"
			err := svc.Create(ctx, cfg)
			Expect(errors.Is(err, ErrInvalidKind)).To(BeTrue())
			Expect(svc.GetAllTunnels()).To(BeEmpty())
		})

		It("should fail with a transport error when the dial fails", func() {
			dialer.err = errors.New("connection refused")
			cfg := testConfig("unreachable")
			err := svc.CreateDynamicForward(ctx, cfg)
			Expect(errors.Is(err, ErrTransport)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("connection refused"))

			Expect(registered("unreachable")()).To(BeFalse())
			Expect(rec.statuses("unreachable")).To(Equal([]TunnelStatus{StatusConnecting, StatusError}))
			Expect(rec.last("unreachable").Error).To(ContainSubstring("connection refused"))
		})

		It("should fail with a bind error when the local port is taken", func() {
			taken, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer taken.Close()

			cfg := testConfig("busy")
			cfg.LocalPort = portOf(taken)
			err = svc.CreateDynamicForward(ctx, cfg)
			Expect(errors.Is(err, ErrBind)).To(BeTrue())

			Expect(registered("busy")()).To(BeFalse())
			Expect(tr.isClosed()).To(BeTrue())
			last := rec.last("busy")
			Expect(last.Status).To(Equal(StatusError))
			Expect(last.Error).To(ContainSubstring("address already in use"))
		})

		It("should stop a tunnel that is still connecting", func() {
			dialer.gate = make(chan struct{})
			errc := make(chan error, 1)
			go func() {
				errc <- svc.CreateDynamicForward(ctx, testConfig("slow"))
			}()

			Eventually(tunnel("slow")).Should(HaveField("Status", StatusConnecting))
			svc.StopTunnel("slow")

			var err error
			Eventually(errc).Should(Receive(&err))
			Expect(err).To(HaveOccurred())
			Expect(registered("slow")()).To(BeFalse())
			Expect(rec.statuses("slow")).To(Equal([]TunnelStatus{StatusConnecting, StatusDisconnected}))
		})
	})

	Context("local forwarding", func() {
		var (
			snap TunnelConfig
		)

		BeforeEach(func() {
			cfg := testConfig("web")
			cfg.RemoteHost = "10.0.0.5"
			cfg.RemotePort = 80
			Expect(svc.CreateLocalForward(ctx, cfg)).To(Succeed())
			snap = tunnel("web")()
			Expect(snap.Status).To(Equal(StatusConnected))
			Expect(snap.LocalPort).NotTo(BeZero())
		})

		dial := func() net.Conn {
			conn, err := net.Dial("tcp", joinHostPort("127.0.0.1", snap.LocalPort))
			Expect(err).NotTo(HaveOccurred())
			return conn
		}

		It("should publish connecting then connected", func() {
			Expect(rec.statuses("web")).To(Equal([]TunnelStatus{StatusConnecting, StatusConnected}))
		})

		It("should bridge a local socket to the remote target", func() {
			conn := dial()
			defer conn.Close()

			var f fakeForward
			Eventually(tr.outs).Should(Receive(&f))
			Expect(f.dstHost).To(Equal("10.0.0.5"))
			Expect(f.dstPort).To(Equal(80))
			Expect(f.srcHost).To(Equal("127.0.0.1"))
			Expect(f.srcPort).To(Equal(conn.LocalAddr().(*net.TCPAddr).Port))
			echoPeer(f)

			_, err := conn.Write([]byte("hello"))
			Expect(err).NotTo(HaveOccurred())
			buf := make([]byte, 5)
			_, err = io.ReadFull(conn, buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(buf)).To(Equal("hello"))

			Expect(connections("web")()).To(Equal(1))
			Eventually(tunnel("web")).Should(And(HaveField("BytesOut", int64(5)), HaveField("BytesIn", int64(5))))

			conn.Close()
			Eventually(connections("web")).Should(Equal(0))
			Expect(tunnel("web")().Status).To(Equal(StatusConnected))
		})

		It("should close the socket when the forward is refused", func() {
			tr.mu.Lock()
			tr.forwardOutErr = errors.New("administratively prohibited")
			tr.mu.Unlock()

			conn := dial()
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, err := conn.Read(make([]byte, 1))
			Expect(err).To(Equal(io.EOF))

			Eventually(connections("web")).Should(Equal(0))
			Expect(tunnel("web")().Status).To(Equal(StatusConnected))
		})

		It("should destroy every live socket on stop", func() {
			var conns []net.Conn
			for i := 0; i < 3; i++ {
				conn := dial()
				defer conn.Close()
				var f fakeForward
				Eventually(tr.outs).Should(Receive(&f))
				echoPeer(f)
				conns = append(conns, conn)
			}
			Eventually(connections("web")).Should(Equal(3))

			svc.StopTunnel("web")

			Expect(registered("web")()).To(BeFalse())
			Expect(tr.isClosed()).To(BeTrue())
			for _, conn := range conns {
				conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				_, err := conn.Read(make([]byte, 1))
				Expect(err).To(HaveOccurred())
			}
			_, err := net.Dial("tcp", joinHostPort("127.0.0.1", snap.LocalPort))
			Expect(err).To(HaveOccurred())

			last := rec.last("web")
			Expect(last.Status).To(Equal(StatusDisconnected))
			Expect(last.Connections).To(Equal(0))
		})

		It("should never let counters go backwards", func() {
			conn := dial()
			defer conn.Close()
			var f fakeForward
			Eventually(tr.outs).Should(Receive(&f))
			echoPeer(f)

			buf := make([]byte, 3)
			for i := 0; i < 5; i++ {
				conn.Write([]byte("abc"))
				io.ReadFull(conn, buf)
			}
			Eventually(tunnel("web")).Should(HaveField("BytesIn", int64(15)))

			var lastIn, lastOut int64
			for _, e := range rec.all() {
				if e.ID != "web" {
					continue
				}
				Expect(e.BytesIn).To(BeNumerically(">=", lastIn))
				Expect(e.BytesOut).To(BeNumerically(">=", lastOut))
				lastIn, lastOut = e.BytesIn, e.BytesOut
			}
		})

		It("should fail the tunnel when the transport errors", func() {
			conn := dial()
			defer conn.Close()
			Eventually(connections("web")).Should(Equal(1))

			tr.end(errors.New("no keepalive reply after 3 attempts"))

			Eventually(registered("web")).Should(BeFalse())
			last := rec.last("web")
			Expect(last.Status).To(Equal(StatusError))
			Expect(last.Error).To(ContainSubstring("keepalive"))
			Expect(last.Connections).To(Equal(0))
		})

		It("should keep a disconnected record when the transport closes cleanly", func() {
			conn := dial()
			defer conn.Close()
			Eventually(connections("web")).Should(Equal(1))

			tr.end(nil)

			Eventually(func() TunnelConfig { return rec.last("web") }).Should(And(
				HaveField("Status", StatusDisconnected),
				HaveField("Connections", 0),
			))
			Expect(tunnel("web")().Connections).To(Equal(0))
			_, err := net.Dial("tcp", joinHostPort("127.0.0.1", snap.LocalPort))
			Expect(err).To(HaveOccurred())

			svc.StopTunnel("web")
			Expect(registered("web")()).To(BeFalse())
		})
	})

	Context("remote forwarding", func() {
		var echo net.Listener

		BeforeEach(func() {
			echo = echoServer()
		})

		AfterEach(func() {
			echo.Close()
		})

		It("should record the port allocated by the server", func() {
			cfg := testConfig("rev")
			cfg.LocalPort = portOf(echo)
			Expect(svc.CreateRemoteForward(ctx, cfg)).To(Succeed())

			snap := tunnel("rev")()
			Expect(snap.Status).To(Equal(StatusConnected))
			Expect(snap.RemoteHost).To(Equal("localhost"))
			Expect(snap.RemotePort).To(Equal(40022))
			Expect(tr.forwardIns).To(Equal([]string{"localhost:0"}))
		})

		It("should bridge inbound connections to the local target", func() {
			cfg := testConfig("rev")
			cfg.RemoteHost = "0.0.0.0"
			cfg.RemotePort = 8080
			cfg.LocalPort = portOf(echo)
			Expect(svc.CreateRemoteForward(ctx, cfg)).To(Succeed())
			Expect(tunnel("rev")().RemotePort).To(Equal(8080))

			client, server := net.Pipe()
			defer client.Close()
			tr.inbound <- &fakeInbound{srcHost: "203.0.113.9", srcPort: 51000, stream: server}

			_, err := client.Write([]byte("ping"))
			Expect(err).NotTo(HaveOccurred())
			buf := make([]byte, 4)
			_, err = io.ReadFull(client, buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(buf)).To(Equal("ping"))

			Expect(connections("rev")()).To(Equal(1))
			Eventually(tunnel("rev")).Should(And(HaveField("BytesIn", int64(4)), HaveField("BytesOut", int64(4))))

			client.Close()
			Eventually(connections("rev")).Should(Equal(0))
		})

		It("should end the inbound stream when the local target is down", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			closedPort := portOf(ln)
			ln.Close()

			cfg := testConfig("rev")
			cfg.LocalPort = closedPort
			Expect(svc.CreateRemoteForward(ctx, cfg)).To(Succeed())

			client, server := net.Pipe()
			defer client.Close()
			tr.inbound <- &fakeInbound{srcHost: "203.0.113.9", srcPort: 51000, stream: server}

			_, err = client.Read(make([]byte, 1))
			Expect(err).To(Equal(io.EOF))
			Eventually(connections("rev")).Should(Equal(0))
			Expect(tunnel("rev")().Status).To(Equal(StatusConnected))
		})

		It("should report the transport error when the session dies during setup", func() {
			tr.forwardInGate = make(chan struct{})
			tr.forwardInEntered = make(chan struct{})
			cfg := testConfig("rev")
			cfg.LocalPort = portOf(echo)

			errc := make(chan error, 1)
			go func() {
				errc <- svc.CreateRemoteForward(ctx, cfg)
			}()
			Eventually(tr.forwardInEntered).Should(BeClosed())

			tr.end(errors.New("connection reset by peer"))
			Eventually(registered("rev")).Should(BeFalse())

			tr.mu.Lock()
			tr.forwardInErr = errors.New("session closed")
			tr.mu.Unlock()
			close(tr.forwardInGate)

			var err error
			Eventually(errc).Should(Receive(&err))
			Expect(errors.Is(err, ErrTransport)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("connection reset by peer"))
			Expect(rec.statuses("rev")).To(Equal([]TunnelStatus{StatusConnecting, StatusError}))
		})

		It("should fail creation when the server refuses to listen", func() {
			tr.forwardInErr = errors.New("ssh server refused to listen on localhost:22")
			cfg := testConfig("rev")
			cfg.RemotePort = 22
			cfg.LocalPort = portOf(echo)

			err := svc.CreateRemoteForward(ctx, cfg)
			Expect(errors.Is(err, ErrBind)).To(BeTrue())
			Expect(registered("rev")()).To(BeFalse())
			Expect(rec.last("rev").Status).To(Equal(StatusError))
			Expect(tr.isClosed()).To(BeTrue())
		})
	})

	Context("dynamic forwarding", func() {
		var conn net.Conn

		BeforeEach(func() {
			Expect(svc.CreateDynamicForward(ctx, testConfig("socks"))).To(Succeed())
			var err error
			conn, err = net.Dial("tcp", joinHostPort("127.0.0.1", tunnel("socks")().LocalPort))
			Expect(err).NotTo(HaveOccurred())
			conn.SetDeadline(time.Now().Add(5 * time.Second))
		})

		AfterEach(func() {
			conn.Close()
		})

		greet := func() {
			_, err := conn.Write([]byte{0x05, 0x01, 0x00})
			Expect(err).NotTo(HaveOccurred())
			reply := make([]byte, 2)
			_, err = io.ReadFull(conn, reply)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(Equal([]byte{0x05, 0x00}))
		}

		It("should connect an IPv4 destination through the transport", func() {
			greet()
			_, err := conn.Write([]byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50})
			Expect(err).NotTo(HaveOccurred())

			var f fakeForward
			Eventually(tr.outs).Should(Receive(&f))
			Expect(f.dstHost).To(Equal("93.184.216.34"))
			Expect(f.dstPort).To(Equal(80))
			echoPeer(f)

			reply := make([]byte, 10)
			_, err = io.ReadFull(conn, reply)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(Equal([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}))

			conn.Write([]byte("GET /"))
			buf := make([]byte, 5)
			_, err = io.ReadFull(conn, buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(buf)).To(Equal("GET /"))
			Eventually(tunnel("socks")).Should(HaveField("BytesOut", int64(5)))
		})

		It("should connect a domain destination", func() {
			greet()
			req := append([]byte{0x05, 0x01, 0x00, 0x03, 11}, []byte("example.com")...)
			req = append(req, 0x01, 0xbb)
			conn.Write(req)

			var f fakeForward
			Eventually(tr.outs).Should(Receive(&f))
			Expect(f.dstHost).To(Equal("example.com"))
			Expect(f.dstPort).To(Equal(443))
			f.peer.Close()
		})

		It("should reply address type not supported and close", func() {
			greet()
			conn.Write([]byte{0x05, 0x01, 0x00, 0x02, 1, 2, 3, 4, 0x00, 0x50})
			rest, err := io.ReadAll(conn)
			Expect(err).NotTo(HaveOccurred())
			Expect(rest).To(Equal([]byte{0x05, 0x08}))
			Eventually(connections("socks")).Should(Equal(0))
		})

		It("should reply command not supported for BIND", func() {
			greet()
			conn.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
			rest, err := io.ReadAll(conn)
			Expect(err).NotTo(HaveOccurred())
			Expect(rest).To(Equal([]byte{0x05, 0x07}))
		})

		It("should close without a reply on a wrong version", func() {
			conn.Write([]byte{0x04, 0x01, 0x00})
			rest, err := io.ReadAll(conn)
			Expect(err).NotTo(HaveOccurred())
			Expect(rest).To(BeEmpty())
			Eventually(connections("socks")).Should(Equal(0))
			Expect(tunnel("socks")().Status).To(Equal(StatusConnected))
		})

		It("should reply general failure when the forward fails", func() {
			tr.mu.Lock()
			tr.forwardOutErr = errors.New("connect failed")
			tr.mu.Unlock()

			greet()
			conn.Write([]byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x16})
			rest, err := io.ReadAll(conn)
			Expect(err).NotTo(HaveOccurred())
			Expect(rest).To(Equal([]byte{0x05, 0x01}))
		})
	})

	It("should stop every tunnel on CloseAll", func() {
		Expect(svc.CreateDynamicForward(ctx, testConfig("a"))).To(Succeed())
		Expect(svc.CreateDynamicForward(ctx, testConfig("b"))).To(Succeed())
		Expect(svc.GetAllTunnels()).To(HaveLen(2))

		svc.CloseAll()

		Expect(svc.GetAllTunnels()).To(BeEmpty())
		Expect(rec.last("a").Status).To(Equal(StatusDisconnected))
		Expect(rec.last("b").Status).To(Equal(StatusDisconnected))
	})

	It("should ignore stopping an unknown tunnel", func() {
		svc.StopTunnel("missing")
		Expect(rec.all()).To(BeEmpty())
	})
})
