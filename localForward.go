package main

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"
)

// startLocalForward binds LocalHost:LocalPort and relays every accepted
// socket to RemoteHost:RemotePort through the transport.
func (s *Service) startLocalForward(ctx context.Context, t *tunnelState, tr Transport) error {
	ln, err := s.listen(t)
	if err != nil {
		return err
	}
	go s.acceptLoop(t, ln, func(conn net.Conn) {
		s.handleLocalConn(t, tr, conn)
	})
	return nil
}

func (s *Service) handleLocalConn(t *tunnelState, tr Transport, conn net.Conn) {
	defer t.untrack(conn)

	cfg := t.snapshot()
	srcHost, srcPort := splitAddr(conn.RemoteAddr())
	logger := log.WithFields(log.Fields{"tunnel": cfg.ID, "client": conn.RemoteAddr()})

	stream, err := tr.ForwardOut(t.ctx, srcHost, srcPort, cfg.RemoteHost, cfg.RemotePort)
	if err != nil {
		logger.Warnf("Forward error: %s", err)
		conn.Close()
		return
	}

	logger.Debugf("Bridging to %s", joinHostPort(cfg.RemoteHost, cfg.RemotePort))
	if err := bridge(conn, stream, &t.bytesOut, &t.bytesIn); err != nil {
		logger.Debugf("Bridge ended: %s", err)
	}
}
