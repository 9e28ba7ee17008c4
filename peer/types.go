// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package peer implements PeerSession: the per-connection state machine
// driving handshake, request/response correlation, ping keepalive and the
// header synchronization loop against one peer.
package peer

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/matrm/block-headers-client-go/wire"
)

// State is a PeerSession's position in its handshake lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshakePending
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake_pending"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// DisconnectReason classifies why a session ended, for reputation
// purposes.
type DisconnectReason int

const (
	DisconnectIntentional DisconnectReason = iota
	DisconnectUnintentionalBeforeConnect
	DisconnectUnintentionalAfterConnect
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectIntentional:
		return "intentional"
	case DisconnectUnintentionalBeforeConnect:
		return "unintentional_before_connect"
	case DisconnectUnintentionalAfterConnect:
		return "unintentional_after_connect"
	default:
		return "unknown"
	}
}

// Transport is the minimal surface PeerSession needs from a connected
// socket; net.Conn satisfies it directly. The concrete TCP facility is an
// external collaborator (§6) — this interface is its contract.
type Transport interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Dialer opens a Transport to address, honoring ctx's deadline/cancellation.
type Dialer func(ctx context.Context, address string) (Transport, error)

// NetDialer is the default Dialer, backed by net.Dialer.
func NetDialer() Dialer {
	return func(ctx context.Context, address string) (Transport, error) {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// LivenessMonitor reports the process-wide "last known internet
// connection time", used to skip redundant keepalive pings while other
// traffic already proves the link is up.
type LivenessMonitor interface {
	LastConnectionAt() time.Time
}

// Config parameterizes one PeerSession.
type Config struct {
	Magic            wire.Magic
	ProtocolVersion  int32
	UserAgent        string
	StartHeight      int32
	ConnectTimeout   time.Duration // default 8s
	HandshakeTimeout time.Duration // default 8s
	RequestTimeout   time.Duration // default 8s (getheaders, ping)
	GetAddrTimeout   time.Duration // default 120s
	PingInterval     time.Duration // default 30s, equal to liveness.Monitor's default poll interval; not read from the monitor
	Dial             Dialer
	Liveness         LivenessMonitor // optional; nil means always ping on tick
}

// DefaultConfig fills in the defaults named in §6.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:  70016,
		ConnectTimeout:   8 * time.Second,
		HandshakeTimeout: 8 * time.Second,
		RequestTimeout:   8 * time.Second,
		GetAddrTimeout:   120 * time.Second,
		PingInterval:     30 * time.Second,
		Dial:             NetDialer(),
	}
}

// EventKind discriminates Event.
type EventKind int

const (
	EventConnect EventKind = iota
	EventPong
	EventNewChainTip
	EventInvalidBlocks
	EventOutOfSync
	EventAddr
	EventBlockHashes
	EventDisconnect
)

// Event is one notification emitted by a PeerSession for the pool to
// observe. Exactly one of the typed fields is meaningful, selected by
// Kind.
type Event struct {
	Kind EventKind

	PongDuration time.Duration
	PongNonce    uint64

	TipHeight uint64
	TipHash   chainhash.Hash

	InvalidHashes []chainhash.Hash

	Addrs []wire.NetAddress

	BlockHashes []chainhash.Hash

	DisconnectReason DisconnectReason
}
