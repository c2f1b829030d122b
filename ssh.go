package main

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/proxy"
)

const (
	forwardTCPRequestType       = "tcpip-forward"
	cancelForwardTCPRequestType = "cancel-tcpip-forward"
	forwardedTCPChannelType     = "forwarded-tcpip"
	directTCPChannelType        = "direct-tcpip"
	keepaliveRequestType        = "keepalive@openssh.com"
)

const inboundBacklog = 16

// sshDialer opens client sessions with golang.org/x/crypto/ssh, optionally
// through an upstream SOCKS5 proxy.
type sshDialer struct {
	opts            TransportOptions
	hostKeyCallback ssh.HostKeyCallback
	forward         proxy.Dialer
}

// newSSHDialer builds a dialer. proxyURL may be empty for direct TCP.
func newSSHDialer(opts TransportOptions, hostKeyCallback ssh.HostKeyCallback, proxyURL string) (*sshDialer, error) {
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	d := &sshDialer{opts: opts, hostKeyCallback: hostKeyCallback, forward: proxy.Direct}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, errors.Wrap(err, "parsing proxy url")
		}
		d.forward, err = proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, errors.Wrapf(err, "proxy %s", u.Redacted())
		}
	}
	return d, nil
}

// newHostKeyCallback verifies host keys against a known_hosts file when
// check is set and accepts any key otherwise.
func newHostKeyCallback(check bool, knownHostsPath string) (ssh.HostKeyCallback, error) {
	if !check {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "locating known_hosts")
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", knownHostsPath)
	}
	return cb, nil
}

func authMethods(target SSHTarget) ([]ssh.AuthMethod, error) {
	if target.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if target.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(target.PrivateKey), []byte(target.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(target.PrivateKey))
		}
		if err != nil {
			return nil, errors.Wrap(err, "parsing private key")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	password := target.Password
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}

func (d *sshDialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if cd, ok := d.forward.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.forward.Dial("tcp", addr)
}

// Dial connects and authenticates. The whole handshake is bounded by
// ReadyTimeout and by ctx.
func (d *sshDialer) Dial(ctx context.Context, target SSHTarget) (Transport, error) {
	auth, err := authMethods(target)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.opts.ReadyTimeout,
	}
	addr := joinHostPort(target.Host, target.Port)

	if d.opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.ReadyTimeout)
		defer cancel()
	}

	nConn, err := d.dialTCP(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if tcp, ok := nConn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(time.Second * 10)
	}
	if deadline, ok := ctx.Deadline(); ok {
		nConn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { nConn.Close() })
	conn, chans, reqs, err := ssh.NewClientConn(nConn, addr, config)
	if !stop() {
		if err == nil {
			conn.Close()
		}
		return nil, errors.Wrapf(ctx.Err(), "ssh handshake with %s", addr)
	}
	if err != nil {
		nConn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s", addr)
	}
	nConn.SetDeadline(time.Time{})

	return newSSHTransport(ssh.NewClient(conn, chans, reqs), d.opts), nil
}

// sshTransport is one client session.
type sshTransport struct {
	client  *ssh.Client
	inbound chan InboundConnection
	done    chan struct{}

	mu       sync.Mutex
	forwards map[uint32]string // bound port -> bind address
	failure  error
	closing  bool
	err      error
}

func newSSHTransport(client *ssh.Client, opts TransportOptions) *sshTransport {
	t := &sshTransport{
		client:   client,
		inbound:  make(chan InboundConnection, inboundBacklog),
		done:     make(chan struct{}),
		forwards: make(map[uint32]string),
	}
	go t.handleForwardedChannels(client.HandleChannelOpen(forwardedTCPChannelType))
	go t.keepalive(opts.KeepaliveInterval, opts.KeepaliveCountMax)
	go t.wait()
	return t
}

func (t *sshTransport) wait() {
	err := t.client.Wait()

	t.mu.Lock()
	switch {
	case t.failure != nil:
		t.err = t.failure
	case t.closing:
		t.err = nil
	case err == nil || errors.Is(err, io.EOF):
		t.err = nil
	default:
		t.err = err
	}
	t.mu.Unlock()

	close(t.done)
}

// abort closes the session, recording err as the reason.
func (t *sshTransport) abort(err error) {
	t.mu.Lock()
	if t.failure == nil && !t.closing {
		t.failure = err
	}
	t.mu.Unlock()
	t.client.Close()
}

func (t *sshTransport) keepalive(interval time.Duration, countMax int) {
	if interval <= 0 {
		return
	}
	var missingReplies atomic.Int32
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if countMax > 0 && int(missingReplies.Load()) >= countMax {
				log.Debugf("Did not receive keepalive replies from %s", t.client.RemoteAddr())
				t.abort(errors.Errorf("no keepalive reply after %d attempts", countMax))
				return
			}
			missingReplies.Add(1)
			go func() {
				// SendRequest is synchronous we don't wait on it since it can take a long time.
				_, _, err := t.client.SendRequest(keepaliveRequestType, true, nil)
				if err == nil {
					missingReplies.Store(0)
				}
			}()
		}
	}
}

func (t *sshTransport) handleForwardedChannels(chans <-chan ssh.NewChannel) {
	defer close(t.inbound)
	for newChannel := range chans {
		var data remoteForwardChannelData
		if err := ssh.Unmarshal(newChannel.ExtraData(), &data); err != nil {
			log.Debugf("error in %s payload: %s", forwardedTCPChannelType, err)
			newChannel.Reject(ssh.ConnectionFailed, "could not parse forwarded-tcpip payload")
			continue
		}

		t.mu.Lock()
		_, requested := t.forwards[data.DestPort]
		t.mu.Unlock()
		if !requested {
			newChannel.Reject(ssh.Prohibited, "no forward requested for this port")
			continue
		}

		select {
		case t.inbound <- &forwardedConnection{newChannel: newChannel, data: data}:
		case <-t.done:
			newChannel.Reject(ssh.ConnectionFailed, "session closed")
		}
	}
}

// ForwardOut opens a direct-tcpip channel.
func (t *sshTransport) ForwardOut(ctx context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (Stream, error) {
	payload := ssh.Marshal(&localForwardChannelData{
		DestAddr:   dstHost,
		DestPort:   uint32(dstPort),
		OriginAddr: srcHost,
		OriginPort: uint32(srcPort),
	})

	type result struct {
		ch   ssh.Channel
		reqs <-chan *ssh.Request
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		ch, reqs, err := t.client.OpenChannel(directTCPChannelType, payload)
		resc <- result{ch, reqs, err}
	}()

	select {
	case res := <-resc:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, "%s to %s", directTCPChannelType, joinHostPort(dstHost, dstPort))
		}
		local := channelAddr{host: srcHost, port: uint32(srcPort)}
		remote := channelAddr{host: dstHost, port: uint32(dstPort)}
		return newSSHChannelConnection(res.ch, res.reqs, local, remote), nil
	case <-ctx.Done():
		go func() {
			if res := <-resc; res.err == nil {
				go ssh.DiscardRequests(res.reqs)
				res.ch.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ForwardIn sends tcpip-forward and returns the port the server bound.
func (t *sshTransport) ForwardIn(ctx context.Context, bindHost string, bindPort int) (int, error) {
	addr := joinHostPort(bindHost, bindPort)
	payload := ssh.Marshal(&remoteForwardRequest{BindAddr: bindHost, BindPort: uint32(bindPort)})

	type result struct {
		ok    bool
		reply []byte
		err   error
	}
	// a fixed port is registered up front: connections may arrive before the
	// reply is read
	if bindPort != 0 {
		t.mu.Lock()
		t.forwards[uint32(bindPort)] = bindHost
		t.mu.Unlock()
	}
	fail := func(err error) (int, error) {
		if bindPort != 0 {
			t.mu.Lock()
			delete(t.forwards, uint32(bindPort))
			t.mu.Unlock()
		}
		return 0, err
	}

	resc := make(chan result, 1)
	go func() {
		ok, reply, err := t.client.SendRequest(forwardTCPRequestType, true, payload)
		resc <- result{ok, reply, err}
	}()

	var res result
	select {
	case res = <-resc:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	if res.err != nil {
		return fail(errors.Wrapf(res.err, "%s %s", forwardTCPRequestType, addr))
	}
	if !res.ok {
		return fail(errors.Errorf("ssh server refused to listen on %s", addr))
	}

	port := uint32(bindPort)
	if port == 0 {
		var success remoteForwardSuccess
		if err := ssh.Unmarshal(res.reply, &success); err != nil {
			return fail(errors.Wrapf(err, "%s reply", forwardTCPRequestType))
		}
		port = success.BindPort
	}

	t.mu.Lock()
	t.forwards[port] = bindHost
	t.mu.Unlock()
	return int(port), nil
}

func (t *sshTransport) Inbound() <-chan InboundConnection {
	return t.inbound
}

func (t *sshTransport) Done() <-chan struct{} {
	return t.done
}

func (t *sshTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close cancels the remote forwards and ends the session.
func (t *sshTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	forwards := t.forwards
	t.forwards = make(map[uint32]string)
	t.mu.Unlock()

	for port, host := range forwards {
		t.client.SendRequest(cancelForwardTCPRequestType, false, ssh.Marshal(&remoteForwardCancelRequest{BindAddr: host, BindPort: port}))
	}
	return t.client.Close()
}

// forwardedConnection is a pending forwarded-tcpip channel.
type forwardedConnection struct {
	newChannel ssh.NewChannel
	data       remoteForwardChannelData
}

func (c *forwardedConnection) SourceAddr() string {
	return c.data.OriginAddr
}

func (c *forwardedConnection) SourcePort() int {
	return int(c.data.OriginPort)
}

func (c *forwardedConnection) Accept() (Stream, error) {
	ch, reqs, err := c.newChannel.Accept()
	if err != nil {
		return nil, errors.Wrapf(err, "accepting %s", forwardedTCPChannelType)
	}
	local := channelAddr{host: c.data.DestAddr, port: c.data.DestPort}
	remote := channelAddr{host: c.data.OriginAddr, port: c.data.OriginPort}
	return newSSHChannelConnection(ch, reqs, local, remote), nil
}

func (c *forwardedConnection) Reject() {
	c.newChannel.Reject(ssh.Prohibited, "tunnel stopped")
}
