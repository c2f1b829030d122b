package main

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// tunnelState is the runtime side of one registered tunnel: its transport,
// its listener and the sockets currently being bridged.
type tunnelState struct {
	mu     sync.Mutex
	emitMu sync.Mutex // serialises snapshot+publish so events stay causal

	config    TunnelConfig
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	transport Transport
	listener  net.Listener
	live      map[io.Closer]struct{}
	closed    bool
	failure   error

	ctx       context.Context // cancelled by teardown
	cancel    context.CancelFunc
	publisher Publisher
}

func newTunnelState(cfg TunnelConfig, publisher Publisher) *tunnelState {
	cfg.Status = StatusConnecting
	cfg.Error = ""
	cfg.BytesIn = 0
	cfg.BytesOut = 0
	cfg.Connections = 0
	cfg.StartedAt = nil
	ctx, cancel := context.WithCancel(context.Background())
	return &tunnelState{
		config:    cfg,
		live:      make(map[io.Closer]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		publisher: publisher,
	}
}

func (t *tunnelState) id() string {
	return t.config.ID
}

func (t *tunnelState) done() <-chan struct{} {
	return t.ctx.Done()
}

// snapshot copies the config with the live counters folded in.
func (t *tunnelState) snapshot() TunnelConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *tunnelState) snapshotLocked() TunnelConfig {
	s := t.config
	s.BytesIn = t.bytesIn.Load()
	s.BytesOut = t.bytesOut.Load()
	s.Connections = len(t.live)
	if t.config.StartedAt != nil {
		started := *t.config.StartedAt
		s.StartedAt = &started
	}
	return s
}

func (t *tunnelState) publish() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	t.publisher.Publish(t.snapshot())
}

func (t *tunnelState) status() TunnelStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config.Status
}

// canTransition reports whether status may move from -> to. Statuses only
// move forward; error and disconnected are final.
func canTransition(from, to TunnelStatus) bool {
	switch from {
	case StatusConnecting:
		return to == StatusConnected || to == StatusError || to == StatusDisconnected
	case StatusConnected:
		return to == StatusError || to == StatusDisconnected
	}
	return false
}

// setStatus applies a status transition and publishes it. It returns false,
// without publishing, when the transition is not allowed.
func (t *tunnelState) setStatus(status TunnelStatus, errMsg string) bool {
	t.mu.Lock()
	if !canTransition(t.config.Status, status) {
		t.mu.Unlock()
		return false
	}
	t.config.Status = status
	t.config.Error = ""
	if status == StatusError {
		t.config.Error = errMsg
	}
	if status == StatusConnected {
		now := time.Now()
		t.config.StartedAt = &now
	}
	t.mu.Unlock()

	t.publish()
	return true
}

func (t *tunnelState) setTransport(tr Transport) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.transport = tr
	return true
}

func (t *tunnelState) setListener(l net.Listener) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.listener = l
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		t.config.LocalPort = addr.Port
	}
	return true
}

func (t *tunnelState) setRemotePort(port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config.RemotePort = port
}

// track adds c to the live set. It returns false when the tunnel is already
// torn down; the caller then owns closing c.
func (t *tunnelState) track(c io.Closer) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.live[c] = struct{}{}
	t.mu.Unlock()

	t.publish()
	return true
}

func (t *tunnelState) untrack(c io.Closer) {
	t.mu.Lock()
	if _, ok := t.live[c]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.live, c)
	t.mu.Unlock()

	t.publish()
}

// commitFailure records err as the error that ends the tunnel. Only the
// first failure of a tunnel that was not stopped is committed.
func (t *tunnelState) commitFailure(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure != nil || t.closed {
		return false
	}
	t.failure = err
	return true
}

func (t *tunnelState) failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure != nil
}

// endErr returns the committed failure, or errTunnelStopped when the tunnel
// was stopped instead.
func (t *tunnelState) endErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure != nil {
		return t.failure
	}
	return errTunnelStopped
}

// teardown destroys every live socket, the listener and the transport. It
// returns the number of sockets destroyed and is safe to call repeatedly.
func (t *tunnelState) teardown() int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	live := t.live
	t.live = make(map[io.Closer]struct{})
	listener := t.listener
	transport := t.transport
	t.cancel()
	t.mu.Unlock()

	for c := range live {
		c.Close()
	}
	if listener != nil {
		listener.Close()
	}
	if transport != nil {
		transport.Close()
	}
	return len(live)
}

// watchCounters publishes a snapshot whenever the byte counters moved since
// the last tick, coalescing per-chunk updates.
func (t *tunnelState) watchCounters(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastIn, lastOut int64
	for {
		select {
		case <-t.done():
			return
		case <-ticker.C:
			in, out := t.bytesIn.Load(), t.bytesOut.Load()
			if in != lastIn || out != lastOut {
				lastIn, lastOut = in, out
				t.publish()
			}
		}
	}
}
