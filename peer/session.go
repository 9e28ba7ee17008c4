// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo"

	"github.com/matrm/block-headers-client-go/graph"
	"github.com/matrm/block-headers-client-go/header"
	"github.com/matrm/block-headers-client-go/wire"
)

var log = loggo.GetLogger("peer")

// Session is one peer connection's protocol state machine (§4.4).
type Session struct {
	cfg     Config
	address string
	graph   *graph.Graph
	events  chan Event

	mu    sync.Mutex
	state State
	conn  Transport

	// correlators
	handshakeWaiter  *waiter[struct{}]
	pingWaiters      map[uint64]*waiter[time.Duration]
	pingSentAt       map[uint64]time.Time
	getHeadersWaiter *waiter[[][]byte]
	getAddrWaiter    *waiter[[]wire.NetAddress]

	verackSent    bool
	haveVersion   bool
	lastPingAt    time.Time
	startingTip   chainhash.Hash
	peerTip       chainhash.Hash
	havePeerTip   bool
	slowPeerFired bool

	syncMu sync.Mutex // serializes SyncHeaders: a second caller awaits the first

	ctx    context.Context
	cancel context.CancelFunc

	readBuf []byte
}

// New creates a Session for address. g must be the shared HeaderGraph this
// client is tracking. The session's Events channel is closed when the
// session is disposed.
func New(address string, g *graph.Graph, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:         cfg,
		address:     address,
		graph:       g,
		events:      make(chan Event, 64),
		state:       StateIdle,
		pingWaiters: make(map[uint64]*waiter[time.Duration]),
		pingSentAt:  make(map[uint64]time.Time),
		startingTip: g.Tip().Hash,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Address is this session's peer address.
func (s *Session) Address() string { return s.address }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the channel on which this session publishes
// notifications. Callers should drain it continuously.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Connect dials the peer and performs the version/verack handshake,
// bringing the session to StateReady on success.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("peer: connect called in state %v", s.state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.cfg.Dial(connectCtx, s.address)
	if err != nil {
		s.disposeLocked(DisconnectUnintentionalBeforeConnect)
		return fmt.Errorf("peer: dial %s: %w", s.address, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateHandshakePending
	s.handshakeWaiter = newWaiter[struct{}]()
	hw := s.handshakeWaiter
	s.mu.Unlock()

	go s.readLoop()

	if err := s.writeVersion(); err != nil {
		s.Dispose(DisconnectUnintentionalBeforeConnect)
		return fmt.Errorf("peer: write version: %w", err)
	}

	handshakeCtx, hcancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer hcancel()

	_, err = hw.wait(handshakeCtx)
	if err != nil {
		s.Dispose(DisconnectUnintentionalBeforeConnect)
		return fmt.Errorf("peer: handshake: %w", err)
	}

	s.mu.Lock()
	s.state = StateReady
	s.lastPingAt = time.Now()
	s.mu.Unlock()

	s.emit(Event{Kind: EventConnect})
	go s.pingLoop()

	return nil
}

func (s *Session) writeVersion() error {
	v := wire.VersionMessage{
		ProtocolVersion: s.cfg.ProtocolVersion,
		Services:        0,
		Timestamp:       time.Now().Unix(),
		Nonce:           randNonce(),
		UserAgent:       s.cfg.UserAgent,
		StartHeight:     s.cfg.StartHeight,
		Relay:           false,
	}
	return s.write(wire.CmdVersion, wire.EncodeVersion(v))
}

func (s *Session) write(command string, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("peer: not connected")
	}
	frame := wire.EncodeFrame(s.cfg.Magic, command, payload)
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	_, err := conn.Write(frame)
	return err
}

func randNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func randNonce8() [8]byte {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return b
}

// Dispose tears down the session, classifying the disconnect under reason
// and rejecting every pending correlator.
func (s *Session) Dispose(reason DisconnectReason) {
	s.disposeLocked(reason)
}

func (s *Session) disposeLocked(reason DisconnectReason) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	conn := s.conn
	handshakeWaiter := s.handshakeWaiter
	getHeadersWaiter := s.getHeadersWaiter
	getAddrWaiter := s.getAddrWaiter
	pingWaiters := s.pingWaiters
	s.pingWaiters = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	if handshakeWaiter != nil {
		handshakeWaiter.resolve(struct{}{}, ErrDisposed)
	}
	if getHeadersWaiter != nil {
		getHeadersWaiter.resolve(nil, ErrDisposed)
	}
	if getAddrWaiter != nil {
		getAddrWaiter.resolve(nil, ErrDisposed)
	}
	for _, w := range pingWaiters {
		w.resolve(0, ErrDisposed)
	}

	// s.ctx is already cancelled here, so emit could drop the event;
	// send directly, skipping it only if the buffer is full.
	select {
	case s.events <- Event{Kind: EventDisconnect, DisconnectReason: reason}:
	default:
	}
	close(s.events)
}

// classifyAndDispose disposes the session, choosing before/after-connect
// classification based on whether the handshake had completed.
func (s *Session) classifyAndDispose() {
	s.mu.Lock()
	ready := s.state == StateReady
	s.mu.Unlock()
	if ready {
		s.disposeLocked(DisconnectUnintentionalAfterConnect)
	} else {
		s.disposeLocked(DisconnectUnintentionalBeforeConnect)
	}
}

// Ping issues a ping with a fresh random nonce and waits for the matching
// pong, returning the measured round-trip duration.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	nonceB := randNonce8()
	nonce := binary.LittleEndian.Uint64(nonceB[:])

	w := newWaiter[time.Duration]()
	s.mu.Lock()
	if s.pingWaiters == nil {
		s.mu.Unlock()
		return 0, ErrDisposed
	}
	s.pingWaiters[nonce] = w
	s.lastPingAt = time.Now()
	s.pingSentAt[nonce] = s.lastPingAt
	s.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if err := s.write(wire.CmdPing, wire.EncodePing(nonce)); err != nil {
		s.removePingWaiter(nonce)
		s.classifyAndDispose()
		return 0, err
	}

	d, err := w.wait(reqCtx)
	if err == ErrCancelled {
		s.removePingWaiter(nonce)
		if reqCtx.Err() == context.DeadlineExceeded {
			s.classifyAndDispose()
			return 0, ErrTimeout
		}
		return 0, ErrCancelled
	}
	if err != nil {
		return 0, err
	}
	return d, nil
}

func (s *Session) removePingWaiter(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingWaiters != nil {
		delete(s.pingWaiters, nonce)
	}
	delete(s.pingSentAt, nonce)
}

// GetHeaders sends getheaders with the given locator and stop hash and
// waits for the matching headers response, parsing each returned header
// with proof-of-work verification.
func (s *Session) GetHeaders(ctx context.Context, locator []chainhash.Hash, stop chainhash.Hash) ([]*header.Header, error) {
	s.mu.Lock()
	if s.getHeadersWaiter != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("peer: getheaders already in flight")
	}
	w := newWaiter[[][]byte]()
	s.getHeadersWaiter = w
	s.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	payload := wire.EncodeGetHeaders(s.cfg.ProtocolVersion, locator, stop)
	if err := s.write(wire.CmdGetHeaders, payload); err != nil {
		s.clearGetHeadersWaiter()
		s.classifyAndDispose()
		return nil, err
	}

	raw, err := w.wait(reqCtx)
	if err == ErrCancelled {
		s.clearGetHeadersWaiter()
		if reqCtx.Err() == context.DeadlineExceeded {
			s.classifyAndDispose()
			return nil, ErrTimeout
		}
		return nil, ErrCancelled
	}
	if err != nil {
		return nil, err
	}

	headers := make([]*header.Header, 0, len(raw))
	for _, rb := range raw {
		h, perr := header.Parse(rb, header.ParseOptions{})
		if perr != nil {
			return nil, fmt.Errorf("peer: invalid header in response: %w", perr)
		}
		headers = append(headers, h)
	}
	return headers, nil
}

func (s *Session) clearGetHeadersWaiter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getHeadersWaiter = nil
}

// GetAddr requests a fresh peer address list and waits up to
// cfg.GetAddrTimeout for it.
func (s *Session) GetAddr(ctx context.Context) ([]wire.NetAddress, error) {
	s.mu.Lock()
	if s.getAddrWaiter != nil {
		existing := s.getAddrWaiter
		s.mu.Unlock()
		return existing.wait(ctx)
	}
	w := newWaiter[[]wire.NetAddress]()
	s.getAddrWaiter = w
	s.mu.Unlock()

	timeout := s.cfg.GetAddrTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.write(wire.CmdGetAddr, nil); err != nil {
		s.clearGetAddrWaiter()
		s.classifyAndDispose()
		return nil, err
	}

	addrs, err := w.wait(reqCtx)
	if err == ErrCancelled {
		s.clearGetAddrWaiter()
		if reqCtx.Err() == context.DeadlineExceeded {
			s.classifyAndDispose()
			return nil, ErrTimeout
		}
		return nil, ErrCancelled
	}
	return addrs, err
}

func (s *Session) clearGetAddrWaiter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getAddrWaiter = nil
}
