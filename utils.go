package main

import (
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	defaultSSHPort   = 22
	defaultLocalHost = "127.0.0.1"
	defaultBindHost  = "localhost"
)

var errTunnelStopped = errors.New("tunnel stopped")

// categorizedError attaches one of the failure categories to an error while
// keeping the original message, e.g. the OS error of a failed bind.
type categorizedError struct {
	category error
	err      error
}

func (e *categorizedError) Error() string { return e.err.Error() }
func (e *categorizedError) Unwrap() error { return e.err }

func (e *categorizedError) Is(target error) bool {
	return target == e.category
}

func categorize(category, err error) error {
	if err == nil {
		return nil
	}
	return &categorizedError{category: category, err: err}
}

// withDefaults fills the optional fields of a tunnel config.
func withDefaults(cfg TunnelConfig) TunnelConfig {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.SSHPort == 0 {
		cfg.SSHPort = defaultSSHPort
	}
	if cfg.LocalHost == "" {
		cfg.LocalHost = defaultLocalHost
	}
	if cfg.Kind == RemoteTunnel && cfg.RemoteHost == "" {
		cfg.RemoteHost = defaultBindHost
	}
	if cfg.Kind == DynamicTunnel {
		cfg.RemoteHost = ""
		cfg.RemotePort = 0
	}
	return cfg
}

func portValid(port int) bool {
	return port >= 0 && port <= 65535
}

// validateConfig checks a defaulted config before it is registered.
func validateConfig(cfg TunnelConfig) error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Wrapf(ErrInvalidConfig, format, args...)
	}

	if cfg.ID == "" {
		return invalid("id is empty")
	}
	switch cfg.Kind {
	case LocalTunnel, RemoteTunnel, DynamicTunnel:
	default:
		return errors.Wrapf(ErrInvalidKind, "%q", cfg.Kind)
	}
	if cfg.SSHHost == "" {
		return invalid("tunnel %s: ssh host is empty", cfg.ID)
	}
	if cfg.SSHUsername == "" {
		return invalid("tunnel %s: ssh username is empty", cfg.ID)
	}
	if (cfg.SSHPassword == "") == (cfg.SSHPrivateKey == "") {
		return invalid("tunnel %s: exactly one of ssh password or private key is required", cfg.ID)
	}
	if cfg.SSHPort <= 0 || !portValid(cfg.SSHPort) {
		return invalid("tunnel %s: ssh port %d out of range", cfg.ID, cfg.SSHPort)
	}
	if !portValid(cfg.LocalPort) || !portValid(cfg.RemotePort) {
		return invalid("tunnel %s: port out of range", cfg.ID)
	}

	switch cfg.Kind {
	case LocalTunnel:
		if cfg.RemoteHost == "" || cfg.RemotePort == 0 {
			return invalid("tunnel %s: remote host and port are required for local forwarding", cfg.ID)
		}
	case RemoteTunnel:
		if cfg.LocalPort == 0 {
			return invalid("tunnel %s: local port is required for remote forwarding", cfg.ID)
		}
	}
	return nil
}

// splitAddr returns the host and port of a socket address, falling back to
// 127.0.0.1:0 when the address is not an IP endpoint.
func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return defaultLocalHost, 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.IP != nil {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return defaultLocalHost, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// isClosedConnError returns true if the error is EOF or a known benign
// error from a connection that was closed under a pending read or write.
func isClosedConnError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
