package main

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const defaultStatsInterval = time.Second

// Service creates, tracks and stops port-forwarding tunnels. Each tunnel
// runs over its own SSH transport obtained from the Dialer.
type Service struct {
	dialer        Dialer
	bus           *Bus
	registry      *Registry
	statsInterval time.Duration
}

// NewService builds a service publishing on bus. A nil bus gets a private
// one; statsInterval <= 0 disables periodic byte-counter snapshots.
func NewService(dialer Dialer, bus *Bus, statsInterval time.Duration) *Service {
	if bus == nil {
		bus = NewBus()
	}
	return &Service{
		dialer:        dialer,
		bus:           bus,
		registry:      NewRegistry(),
		statsInterval: statsInterval,
	}
}

// Subscribe registers handler for status snapshots; call the returned
// function to unsubscribe.
func (s *Service) Subscribe(handler StatusHandler) func() {
	return s.bus.Subscribe(handler)
}

// Create dispatches on cfg.Kind.
func (s *Service) Create(ctx context.Context, cfg TunnelConfig) error {
	switch cfg.Kind {
	case LocalTunnel:
		return s.CreateLocalForward(ctx, cfg)
	case RemoteTunnel:
		return s.CreateRemoteForward(ctx, cfg)
	case DynamicTunnel:
		return s.CreateDynamicForward(ctx, cfg)
	default:
		return errors.Wrapf(ErrInvalidKind, "%q", cfg.Kind)
	}
}

// CreateLocalForward starts a -L tunnel and returns once it listens locally
// or failed.
func (s *Service) CreateLocalForward(ctx context.Context, cfg TunnelConfig) error {
	cfg.Kind = LocalTunnel
	return s.create(ctx, cfg, s.startLocalForward)
}

// CreateRemoteForward starts a -R tunnel and returns once the SSH peer
// listens or refused to.
func (s *Service) CreateRemoteForward(ctx context.Context, cfg TunnelConfig) error {
	cfg.Kind = RemoteTunnel
	return s.create(ctx, cfg, s.startRemoteForward)
}

// CreateDynamicForward starts a -D SOCKS5 tunnel and returns once it
// listens locally or failed.
func (s *Service) CreateDynamicForward(ctx context.Context, cfg TunnelConfig) error {
	cfg.Kind = DynamicTunnel
	return s.create(ctx, cfg, s.startDynamicForward)
}

type startFunc func(ctx context.Context, t *tunnelState, tr Transport) error

func (s *Service) create(ctx context.Context, cfg TunnelConfig, start startFunc) error {
	cfg = withDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return err
	}

	t := newTunnelState(cfg, s.bus)
	if err := s.registry.Insert(t); err != nil {
		return err
	}
	t.publish()

	logger := log.WithFields(log.Fields{"tunnel": cfg.ID, "type": cfg.Kind})
	logger.Infof("Connecting to %s@%s", cfg.SSHUsername, joinHostPort(cfg.SSHHost, cfg.SSHPort))

	// stopping the tunnel aborts a dial in flight
	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	tr, err := s.dialer.Dial(dialCtx, targetFor(cfg))
	stop()
	cancel()
	if err != nil {
		return s.fail(t, categorize(ErrTransport, err))
	}
	if !t.setTransport(tr) {
		tr.Close()
		return t.endErr()
	}
	logger.Infof("SSH connected")
	go s.watchTransport(t, tr)

	if err := start(ctx, t, tr); err != nil {
		return s.fail(t, err)
	}
	if !t.setStatus(StatusConnected, "") {
		return t.endErr()
	}

	snap := t.snapshot()
	switch snap.Kind {
	case RemoteTunnel:
		logger.Infof("Remote forward active on %s -> %s", joinHostPort(snap.RemoteHost, snap.RemotePort), joinHostPort(snap.LocalHost, snap.LocalPort))
	case DynamicTunnel:
		logger.Infof("SOCKS5 proxy listening on %s", joinHostPort(snap.LocalHost, snap.LocalPort))
	default:
		logger.Infof("Local forward listening on %s -> %s", joinHostPort(snap.LocalHost, snap.LocalPort), joinHostPort(snap.RemoteHost, snap.RemotePort))
	}

	go t.watchCounters(s.statsInterval)
	return nil
}

// fail records a fatal error on t, destroys it and drops it from the
// registry. Only the first failure is reported; later callers get that
// error back.
func (s *Service) fail(t *tunnelState, err error) error {
	if errors.Is(err, errTunnelStopped) || !t.commitFailure(err) {
		return t.endErr()
	}
	log.WithField("tunnel", t.id()).Errorf("Tunnel failed: %s", err)
	t.teardown()
	t.setStatus(StatusError, err.Error())
	s.registry.Remove(t.id(), t)
	return err
}

// watchTransport reacts to the SSH session ending on its own. An error is
// fatal to the tunnel; a clean close of a connected tunnel leaves a
// disconnected record until it is stopped.
func (s *Service) watchTransport(t *tunnelState, tr Transport) {
	select {
	case <-t.done():
		return
	case <-tr.Done():
	}
	select {
	case <-t.done():
		return
	default:
	}

	err := tr.Err()
	if err == nil && t.status() == StatusConnected {
		log.WithField("tunnel", t.id()).Infof("SSH connection closed")
		t.teardown()
		t.setStatus(StatusDisconnected, "")
		return
	}
	if err == nil {
		err = errors.New("ssh connection closed")
	}
	s.fail(t, categorize(ErrTransport, err))
}

// StopTunnel destroys a tunnel's sockets, listener and SSH session and
// removes it. Unknown ids are ignored.
func (s *Service) StopTunnel(id string) {
	t, ok := s.registry.lookup(id)
	if !ok {
		return
	}
	n := t.teardown()
	// a failed tunnel keeps its error status
	if t.failed() || !t.setStatus(StatusDisconnected, "") {
		t.publish()
	}
	s.registry.Remove(id, t)
	log.WithField("tunnel", id).Infof("Tunnel stopped, %d connection(s) closed", n)
}

// GetTunnel returns a snapshot of one tunnel.
func (s *Service) GetTunnel(id string) (TunnelConfig, bool) {
	return s.registry.Get(id)
}

// GetAllTunnels returns snapshots of every registered tunnel.
func (s *Service) GetAllTunnels() []TunnelConfig {
	return s.registry.List()
}

// CloseAll stops every registered tunnel.
func (s *Service) CloseAll() {
	if n := s.registry.Len(); n > 0 {
		log.Infof("Closing %d tunnel(s)", n)
	}
	for _, id := range s.registry.ids() {
		s.StopTunnel(id)
	}
}

// listen binds the local listener of a local or dynamic tunnel.
func (s *Service) listen(t *tunnelState) (net.Listener, error) {
	cfg := t.snapshot()
	addr := joinHostPort(cfg.LocalHost, cfg.LocalPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, categorize(ErrBind, err)
	}
	if !t.setListener(ln) {
		ln.Close()
		return nil, errTunnelStopped
	}
	return ln, nil
}

// acceptLoop adds every accepted socket to the live set and hands it to
// handle on its own goroutine.
func (s *Service) acceptLoop(t *tunnelState, ln net.Listener, handle func(net.Conn)) {
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.WithField("tunnel", t.id()).Warnf("temporary error accepting connection: %s", err)
				time.Sleep(tempDelay)
				continue
			}
			s.fail(t, categorize(ErrBind, err))
			return
		}
		tempDelay = 0

		if !t.track(conn) {
			conn.Close()
			return
		}
		go handle(conn)
	}
}
