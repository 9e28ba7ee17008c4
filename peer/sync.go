// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package peer

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrNonContiguousHeaders is returned by SyncHeaders when the peer's
// claimed tip never lands in the graph after an add_headers call,
// meaning the peer sent a gap we can't reconcile.
var ErrNonContiguousHeaders = errors.New("peer: non-contiguous headers from peer")

// pingLoop drives the keepalive ticker for the lifetime of a Ready
// session (§4.4.4).
func (s *Session) pingLoop() {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.maybePing()
		}
	}
}

func (s *Session) maybePing() {
	s.mu.Lock()
	lastPing := s.lastPingAt
	s.mu.Unlock()

	if s.cfg.Liveness != nil {
		recentInternet := time.Since(s.cfg.Liveness.LastConnectionAt()) < time.Second
		pingedRecently := time.Since(lastPing) < 10*time.Minute
		if recentInternet && pingedRecently {
			return
		}
	}

	go func() {
		_, _ = s.Ping(s.ctx)
	}()
}

// SyncHeaders runs the header synchronization loop against this peer
// (§4.4.5). It is serialized: a second concurrent caller blocks until the
// first call returns, then observes the same outcome by re-entering the
// loop (there is nothing left to request once the first call drains the
// peer, so it returns immediately).
func (s *Session) SyncHeaders(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	s.slowPeerFired = false
	s.mu.Unlock()

	from := s.graph.BlockLocator()
	stop := chainhash.Hash{}

	for {
		headers, err := s.GetHeaders(ctx, from, stop)
		if err != nil {
			return err
		}

		if len(headers) == 0 {
			s.maybeEmitOutOfSync()
			return nil
		}

		peerTip := headers[len(headers)-1].HeaderHash()
		s.mu.Lock()
		s.peerTip = peerTip
		s.havePeerTip = true
		s.mu.Unlock()

		result, err := s.graph.AddHeaders(headers)
		if err != nil {
			return err
		}

		if len(result.Invalidated) > 0 {
			s.emit(Event{Kind: EventInvalidBlocks, InvalidHashes: result.Invalidated})
			return nil
		}

		if _, ok := s.graph.ByHash(peerTip); !ok {
			return ErrNonContiguousHeaders
		}

		if len(result.Added) > 0 {
			tip := s.graph.Tip()
			s.emit(Event{Kind: EventNewChainTip, TipHeight: tip.Height, TipHash: tip.Hash})
		}

		if s.shouldGuardSlowPeer(len(headers), peerTip) {
			s.waitForTipStall(ctx, 5*time.Second)
			from = s.graph.BlockLocator()
			continue
		}

		if len(result.Added) == 0 && len(from) == 1 && from[0] == peerTip {
			// Peer keeps returning the same batch; nothing more to do.
			return nil
		}

		from = []chainhash.Hash{peerTip}
	}
}

// shouldGuardSlowPeer implements the slow-peer guard of §4.4.5 step 7:
// this peer is meaningfully behind the current tip, its latest header is
// actually on the longest chain, and the guard has not already fired
// during this SyncHeaders call.
func (s *Session) shouldGuardSlowPeer(batchLen int, peerTip chainhash.Hash) bool {
	s.mu.Lock()
	fired := s.slowPeerFired
	s.mu.Unlock()
	if fired {
		return false
	}

	node, ok := s.graph.ByHash(peerTip)
	if !ok {
		return false
	}
	tipHeight := s.graph.Height()
	if node.Height+uint64(4*batchLen) > tipHeight {
		return false
	}

	onLongestChain, ok := s.graph.ByHeight(node.Height)
	if !ok || onLongestChain.Hash != peerTip {
		return false
	}

	s.mu.Lock()
	s.slowPeerFired = true
	s.mu.Unlock()
	return true
}

// waitForTipStall blocks until the graph's tip height has not changed for
// stall continuously, or ctx is done.
func (s *Session) waitForTipStall(ctx context.Context, stall time.Duration) {
	last := s.graph.Height()
	lastChange := time.Now()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			h := s.graph.Height()
			if h != last {
				last = h
				lastChange = time.Now()
				continue
			}
			if time.Since(lastChange) >= stall {
				return
			}
		}
	}
}

// maybeEmitOutOfSync implements the out_of_sync semantics of §4.4.5.
func (s *Session) maybeEmitOutOfSync() {
	s.mu.Lock()
	peerTip := s.peerTip
	havePeerTip := s.havePeerTip
	startingTip := s.startingTip
	s.mu.Unlock()

	if !havePeerTip {
		return
	}

	currentTip := s.graph.Tip()
	if peerTip == startingTip || peerTip == currentTip.Hash {
		return
	}

	node, ok := s.graph.ByHash(peerTip)
	if !ok {
		return
	}
	if currentTip.Height >= node.Height+100 {
		s.emit(Event{Kind: EventOutOfSync})
	}
}

// onValidChain probes each known invalid hash, returning false the
// moment the peer proves it is building on top of one (§4.4.6).
func (s *Session) onValidChain(ctx context.Context, invalidHashes []chainhash.Hash) (bool, error) {
	for _, invalid := range invalidHashes {
		headers, err := s.GetHeaders(ctx, []chainhash.Hash{invalid}, chainhash.Hash{})
		if err != nil {
			return false, err
		}
		for _, h := range headers {
			if h.PrevHash == invalid {
				s.emit(Event{Kind: EventInvalidBlocks, InvalidHashes: []chainhash.Hash{invalid}})
				return false, nil
			}
		}
	}
	return true, nil
}

// OnValidChain is the exported form of onValidChain for pool use.
func (s *Session) OnValidChain(ctx context.Context, invalidHashes []chainhash.Hash) (bool, error) {
	return s.onValidChain(ctx, invalidHashes)
}
