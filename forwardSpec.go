package main

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// forwardFlags collects a repeatable -L, -R or -D flag.
type forwardFlags []string

func (f *forwardFlags) String() string {
	return strings.Join(*f, ",")
}

func (f *forwardFlags) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || !portValid(port) {
		return 0, errors.Errorf("invalid port %q", s)
	}
	return port, nil
}

// parseForwardSpec parses the OpenSSH forward syntax:
//
//	-L [bind_address:]port:host:hostport
//	-R [bind_address:]port:host:hostport
//	-D [bind_address:]port
//
// For -R the bind address and port are on the SSH server, host:hostport
// is the local target.
func parseForwardSpec(kind TunnelKind, spec string) (TunnelConfig, error) {
	parts := strings.Split(spec, ":")
	cfg := TunnelConfig{ID: uuid.NewString(), Kind: kind}

	if kind == DynamicTunnel {
		if len(parts) > 2 {
			return cfg, errors.Errorf("invalid dynamic forwarding format: %s", spec)
		}
		if len(parts) == 2 {
			cfg.LocalHost = parts[0]
		}
		port, err := parsePort(parts[len(parts)-1])
		if err != nil {
			return cfg, errors.Wrapf(err, "forward %s", spec)
		}
		cfg.LocalPort = port
		return cfg, nil
	}

	if len(parts) < 3 || len(parts) > 4 {
		return cfg, errors.Errorf("invalid port forwarding format: %s", spec)
	}
	bind := ""
	if len(parts) == 4 {
		bind = parts[0]
		parts = parts[1:]
	}
	port, err := parsePort(parts[0])
	if err != nil {
		return cfg, errors.Wrapf(err, "forward %s", spec)
	}
	hostPort, err := parsePort(parts[2])
	if err != nil {
		return cfg, errors.Wrapf(err, "forward %s", spec)
	}
	host := parts[1]

	switch kind {
	case LocalTunnel:
		cfg.LocalHost, cfg.LocalPort = bind, port
		cfg.RemoteHost, cfg.RemotePort = host, hostPort
	case RemoteTunnel:
		cfg.RemoteHost, cfg.RemotePort = bind, port
		cfg.LocalHost, cfg.LocalPort = host, hostPort
	default:
		return cfg, errors.Wrapf(ErrInvalidKind, "%q", kind)
	}
	return cfg, nil
}

// parseSSHDestination parses user@host[:port].
func parseSSHDestination(dest string) (user, host string, port int, err error) {
	at := strings.LastIndex(dest, "@")
	if at <= 0 {
		return "", "", 0, errors.Errorf("invalid ssh destination %q: expected user@host[:port]", dest)
	}
	user, hostPort := dest[:at], dest[at+1:]
	host, port = hostPort, defaultSSHPort
	if i := strings.LastIndex(hostPort, ":"); i >= 0 {
		host = hostPort[:i]
		if port, err = parsePort(hostPort[i+1:]); err != nil || port == 0 {
			return "", "", 0, errors.Errorf("invalid ssh destination %q: bad port", dest)
		}
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", "", 0, errors.Errorf("invalid ssh destination %q: empty host", dest)
	}
	return user, host, port, nil
}
