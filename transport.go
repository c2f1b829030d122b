package main

import (
	"context"
	"io"
	"time"
)

// SSHTarget carries what a Dialer needs to open one authenticated session.
type SSHTarget struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
}

func targetFor(cfg TunnelConfig) SSHTarget {
	return SSHTarget{
		Host:       cfg.SSHHost,
		Port:       cfg.SSHPort,
		Username:   cfg.SSHUsername,
		Password:   cfg.SSHPassword,
		PrivateKey: cfg.SSHPrivateKey,
		Passphrase: cfg.SSHPassphrase,
	}
}

// Dialer opens a transport and returns once it is ready to forward.
type Dialer interface {
	Dial(ctx context.Context, target SSHTarget) (Transport, error)
}

// Stream is one forwarded byte stream.
type Stream interface {
	io.ReadWriteCloser
}

// halfCloser is implemented by streams that can signal EOF to the peer
// without tearing down the read side.
type halfCloser interface {
	CloseWrite() error
}

// InboundConnection is a forwarded-tcpip notification for a remote forward.
type InboundConnection interface {
	SourceAddr() string
	SourcePort() int
	Accept() (Stream, error)
	Reject()
}

// Transport is one ready SSH session.
type Transport interface {
	// ForwardOut opens a direct-tcpip stream to dstHost:dstPort, declaring
	// srcHost:srcPort as the originator.
	ForwardOut(ctx context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (Stream, error)
	// ForwardIn asks the peer to listen on bindHost:bindPort and returns the
	// port it bound.
	ForwardIn(ctx context.Context, bindHost string, bindPort int) (int, error)
	// Inbound delivers connections accepted by the peer for ForwardIn.
	Inbound() <-chan InboundConnection
	// Done is closed when the session ends; Err then reports why, nil for a
	// local Close.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// TransportOptions are the session-level timers applied by a Dialer.
type TransportOptions struct {
	ReadyTimeout      time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCountMax int
}
