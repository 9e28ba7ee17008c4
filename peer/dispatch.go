// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package peer

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"

	"github.com/matrm/block-headers-client-go/wire"
)

// readLoop owns the Transport's read side for the lifetime of the
// session: it reads raw bytes, deframes as many complete messages as are
// buffered, dispatches each, and tears the session down on any I/O error.
func (s *Session) readLoop() {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 64*1024)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			result := wire.Deframe(buf, s.cfg.Magic)
			for _, ferr := range result.Errors {
				log.Debugf("%s: %v", s.address, ferr)
			}
			for _, f := range result.Messages {
				s.dispatch(f)
			}
			buf = result.Remaining
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("%s: read error: %v", s.address, err)
			}
			s.classifyAndDispose()
			return
		}
	}
}

func (s *Session) dispatch(f wire.Frame) {
	switch f.Command {
	case wire.CmdVersion:
		s.handleVersion(f.Payload)
	case wire.CmdVerAck:
		s.handleVerAck()
	case wire.CmdPing:
		s.handlePing(f.Payload)
	case wire.CmdPong:
		s.handlePong(f.Payload)
	case wire.CmdHeaders:
		s.handleHeaders(f.Payload)
	case wire.CmdAddr:
		s.handleAddr(f.Payload)
	case wire.CmdInv:
		s.handleInv(f.Payload)
	default:
		// Anything else is ignored (§4.4.3).
		log.Tracef("%s: unhandled command %q: %s", s.address, f.Command, spew.Sdump(f.Payload))
	}
}

func (s *Session) handleVersion(payload []byte) {
	s.mu.Lock()
	inHandshake := s.state == StateHandshakePending
	alreadySent := s.verackSent
	s.mu.Unlock()
	if !inHandshake || alreadySent {
		return
	}

	if _, err := wire.DecodeVersion(payload); err != nil {
		log.Debugf("%s: bad version payload: %v", s.address, err)
		return
	}

	s.mu.Lock()
	s.verackSent = true
	s.haveVersion = true
	s.mu.Unlock()

	_ = s.write(wire.CmdVerAck, nil)
}

func (s *Session) handleVerAck() {
	s.mu.Lock()
	if s.state != StateHandshakePending {
		s.mu.Unlock()
		return
	}
	hw := s.handshakeWaiter
	s.mu.Unlock()
	if hw != nil {
		hw.resolve(struct{}{}, nil)
	}
}

func (s *Session) handlePing(payload []byte) {
	_ = s.write(wire.CmdPong, payload)
}

func (s *Session) handlePong(payload []byte) {
	if len(payload) != 8 {
		return
	}
	nonce := binary.LittleEndian.Uint64(payload)

	s.mu.Lock()
	w, ok := s.pingWaiters[nonce]
	sentAt, hadSentAt := s.pingSentAt[nonce]
	if ok {
		delete(s.pingWaiters, nonce)
		delete(s.pingSentAt, nonce)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if !hadSentAt {
		sentAt = time.Now()
	}

	d := time.Since(sentAt)
	w.resolve(d, nil)
	s.emit(Event{Kind: EventPong, PongDuration: d, PongNonce: nonce})
}

func (s *Session) handleHeaders(payload []byte) {
	s.mu.Lock()
	w := s.getHeadersWaiter
	s.getHeadersWaiter = nil
	s.mu.Unlock()
	if w == nil {
		return
	}

	raw, err := wire.DecodeHeaders(payload)
	if err != nil {
		w.resolve(nil, err)
		return
	}
	w.resolve(raw, nil)
}

func (s *Session) handleAddr(payload []byte) {
	addrs, err := wire.DecodeAddr(payload)
	if err != nil {
		log.Debugf("%s: bad addr payload: %v", s.address, err)
		return
	}

	s.mu.Lock()
	w := s.getAddrWaiter
	s.getAddrWaiter = nil
	s.mu.Unlock()

	if w != nil {
		w.resolve(addrs, nil)
		return
	}
	s.emit(Event{Kind: EventAddr, Addrs: addrs})
}

func (s *Session) handleInv(payload []byte) {
	vects, err := wire.DecodeInv(payload)
	if err != nil {
		log.Debugf("%s: bad inv payload: %v", s.address, err)
		return
	}

	var blockHashes []chainhash.Hash
	for _, v := range vects {
		if v.Type == wire.InvTypeBlock {
			blockHashes = append(blockHashes, v.Hash)
		}
	}
	if len(blockHashes) == 0 {
		return
	}
	s.emit(Event{Kind: EventBlockHashes, BlockHashes: blockHashes})
}
