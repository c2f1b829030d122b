package main

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"
)

// startRemoteForward asks the SSH server to listen on RemoteHost:RemotePort
// and serves the forwarded-tcpip connections it delivers.
func (s *Service) startRemoteForward(ctx context.Context, t *tunnelState, tr Transport) error {
	cfg := t.snapshot()
	port, err := tr.ForwardIn(ctx, cfg.RemoteHost, cfg.RemotePort)
	if err != nil {
		return categorize(ErrBind, err)
	}
	// 0 means the server allocated a port
	if cfg.RemotePort == 0 {
		t.setRemotePort(port)
	}
	go s.serveInbound(t, tr)
	return nil
}

func (s *Service) serveInbound(t *tunnelState, tr Transport) {
	for {
		select {
		case <-t.done():
			return
		case in, ok := <-tr.Inbound():
			if !ok {
				return
			}
			go s.handleInbound(t, in)
		}
	}
}

func (s *Service) handleInbound(t *tunnelState, in InboundConnection) {
	cfg := t.snapshot()
	logger := log.WithFields(log.Fields{
		"tunnel": cfg.ID,
		"origin": joinHostPort(in.SourceAddr(), in.SourcePort()),
	})

	select {
	case <-t.done():
		in.Reject()
		return
	default:
	}

	stream, err := in.Accept()
	if err != nil {
		logger.Debugf("error accepting forwarded connection: %s", err)
		return
	}
	if !t.track(stream) {
		stream.Close()
		return
	}
	defer t.untrack(stream)

	var d net.Dialer
	local, err := d.DialContext(t.ctx, "tcp", joinHostPort(cfg.LocalHost, cfg.LocalPort))
	if err != nil {
		logger.Infof("Forward error: %s", err)
		stream.Close()
		return
	}

	logger.Debugf("Bridging to %s", joinHostPort(cfg.LocalHost, cfg.LocalPort))
	if err := bridge(local, stream, &t.bytesOut, &t.bytesIn); err != nil {
		logger.Debugf("Bridge ended: %s", err)
	}
}
