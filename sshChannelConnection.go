package main

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// Wraps ssh.Channel with net.Conn
type sshChannelConnection struct {
	ssh.Channel
	localAddr  net.Addr
	remoteAddr net.Addr
}

func (c *sshChannelConnection) LocalAddr() net.Addr {
	return c.localAddr
}

func (c *sshChannelConnection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// Deadlines are not supported on SSH channels; bridged streams have no
// timeout.
func (c *sshChannelConnection) SetDeadline(t time.Time) error {
	return nil
}

func (c *sshChannelConnection) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *sshChannelConnection) SetWriteDeadline(t time.Time) error {
	return nil
}

func newSSHChannelConnection(ch ssh.Channel, reqs <-chan *ssh.Request, local, remote net.Addr) *sshChannelConnection {
	go ssh.DiscardRequests(reqs)
	return &sshChannelConnection{Channel: ch, localAddr: local, remoteAddr: remote}
}

// channelAddr is the address of one end of a forwarded channel as declared
// in its open payload.
type channelAddr struct {
	host string
	port uint32
}

func (a channelAddr) Network() string { return "tcp" }

func (a channelAddr) String() string {
	return net.JoinHostPort(a.host, strconv.FormatUint(uint64(a.port), 10))
}
