package main

import (
	"time"

	"github.com/pkg/errors"
)

type TunnelKind string

const (
	LocalTunnel   TunnelKind = "local"   // -L
	RemoteTunnel  TunnelKind = "remote"  // -R
	DynamicTunnel TunnelKind = "dynamic" // -D (SOCKS5)
)

type TunnelStatus string

const (
	StatusConnecting   TunnelStatus = "connecting"
	StatusConnected    TunnelStatus = "connected"
	StatusError        TunnelStatus = "error"
	StatusDisconnected TunnelStatus = "disconnected"
)

// TunnelConfig is both the creation request for a tunnel and the snapshot
// published on the status bus. Secrets never leave the process in JSON.
type TunnelConfig struct {
	ID   string     `json:"id" yaml:"id"`
	Name string     `json:"name,omitempty" yaml:"name"`
	Kind TunnelKind `json:"type" yaml:"type"`

	SSHHost       string `json:"sshHost" yaml:"sshHost"`
	SSHPort       int    `json:"sshPort" yaml:"sshPort"`
	SSHUsername   string `json:"sshUsername" yaml:"sshUsername"`
	SSHPassword   string `json:"-" yaml:"-"`
	SSHPrivateKey string `json:"-" yaml:"-"`
	SSHPassphrase string `json:"-" yaml:"-"`

	LocalHost  string `json:"localHost" yaml:"localHost"`
	LocalPort  int    `json:"localPort" yaml:"localPort"`
	RemoteHost string `json:"remoteHost,omitempty" yaml:"remoteHost"`
	RemotePort int    `json:"remotePort,omitempty" yaml:"remotePort"`

	Status      TunnelStatus `json:"status" yaml:"-"`
	Error       string       `json:"error,omitempty" yaml:"-"`
	BytesIn     int64        `json:"bytesIn" yaml:"-"`
	BytesOut    int64        `json:"bytesOut" yaml:"-"`
	Connections int          `json:"connections" yaml:"-"`
	StartedAt   *time.Time   `json:"startedAt,omitempty" yaml:"-"`
}

// Failure categories. Engines wrap these with context; match with errors.Is.
var (
	ErrDuplicateTunnelID = errors.New("tunnel with this ID already exists")
	ErrTransport         = errors.New("ssh transport error")
	ErrBind              = errors.New("listen failed")
	ErrInvalidKind       = errors.New("invalid forward type")
	ErrInvalidConfig     = errors.New("invalid tunnel config")
)

// RFC 4254 7.1 tcpip-forward request payload.
type remoteForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type remoteForwardSuccess struct {
	BindPort uint32
}

type remoteForwardCancelRequest struct {
	BindAddr string
	BindPort uint32
}

// RFC 4254 7.2 forwarded-tcpip channel data.
type remoteForwardChannelData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// RFC 4254 7.2 direct-tcpip channel data.
type localForwardChannelData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}
