package main

import (
	"context"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// startDynamicForward binds LocalHost:LocalPort as a SOCKS5 proxy whose
// CONNECT destinations are reached through the transport.
func (s *Service) startDynamicForward(ctx context.Context, t *tunnelState, tr Transport) error {
	ln, err := s.listen(t)
	if err != nil {
		return err
	}
	go s.acceptLoop(t, ln, func(conn net.Conn) {
		s.handleSOCKSConn(t, tr, conn)
	})
	return nil
}

func (s *Service) handleSOCKSConn(t *tunnelState, tr Transport, conn net.Conn) {
	defer t.untrack(conn)
	logger := log.WithFields(log.Fields{"tunnel": t.id(), "client": conn.RemoteAddr()})

	host, port, err := socksHandshake(conn)
	if err != nil {
		logger.Debugf("SOCKS5 handshake failed: %s", err)
		var reqErr *socksRequestError
		if errors.As(err, &reqErr) && reqErr.reply != nil {
			conn.Write(reqErr.reply)
		}
		conn.Close()
		return
	}

	srcHost, srcPort := splitAddr(conn.RemoteAddr())
	stream, err := tr.ForwardOut(t.ctx, srcHost, srcPort, host, port)
	if err != nil {
		logger.Infof("Forward error to %s: %s", joinHostPort(host, port), err)
		conn.Write(socksReplyGeneralFailure)
		conn.Close()
		return
	}
	if _, err := conn.Write(socksReplySuccess); err != nil {
		stream.Close()
		conn.Close()
		return
	}

	logger.Debugf("Bridging to %s", joinHostPort(host, port))
	if err := bridge(conn, stream, &t.bytesOut, &t.bytesIn); err != nil {
		logger.Debugf("Bridge ended: %s", err)
	}
}

// socksHandshake runs the no-auth greeting and reads one CONNECT request.
// Each message is expected in a single read.
func socksHandshake(conn net.Conn) (string, int, error) {
	buf := bufPool.Get().(*[]byte)
	defer bufPool.Put(buf)

	n, err := conn.Read(*buf)
	if err != nil {
		return "", 0, errors.Wrap(err, "reading greeting")
	}
	if err := parseSOCKSGreeting((*buf)[:n]); err != nil {
		return "", 0, err
	}
	if _, err := conn.Write(socksReplyNoAuth); err != nil {
		return "", 0, errors.Wrap(err, "writing method selection")
	}

	n, err = conn.Read(*buf)
	if err != nil {
		return "", 0, errors.Wrap(err, "reading connect request")
	}
	return parseSOCKSConnect((*buf)[:n])
}
