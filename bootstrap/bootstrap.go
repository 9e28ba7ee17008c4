// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package bootstrap implements the one-shot HTTPS bootstrap peer-list
// fetch the pool falls back to when its own peer database is too thin
// to pick connection candidates from.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/juju/loggo"
)

var log = loggo.GetLogger("bootstrap")

// Peer is one entry of the bootstrap list.
type Peer struct {
	Address  string `json:"addr"`
	BanScore int    `json:"banscore"`
}

// Source fetches a bootstrap peer list. The default implementation is a
// one-shot HTTPS GET against a JSON endpoint; tests substitute a fake.
type Source interface {
	Fetch(ctx context.Context) ([]Peer, error)
}

// HTTPSource is the default Source.
type HTTPSource struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration // default 10s
}

// ErrBootstrapFailure wraps any fetch/decode failure; callers are
// expected to fall back to hard-coded seed addresses rather than
// propagate it (§7 BootstrapFailure).
type ErrBootstrapFailure struct {
	Cause error
}

func (e *ErrBootstrapFailure) Error() string {
	return fmt.Sprintf("bootstrap: fetch failed: %v", e.Cause)
}

func (e *ErrBootstrapFailure) Unwrap() error { return e.Cause }

func (s *HTTPSource) Fetch(ctx context.Context) ([]Peer, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, &ErrBootstrapFailure{Cause: err}
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ErrBootstrapFailure{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ErrBootstrapFailure{Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, &ErrBootstrapFailure{Cause: err}
	}

	var peers []Peer
	if err := json.Unmarshal(body, &peers); err != nil {
		return nil, &ErrBootstrapFailure{Cause: err}
	}
	return peers, nil
}

// FetchUsable fetches the list via src and filters out any peer with a
// non-zero ban score, per the external-interfaces contract. A fetch
// failure is logged and yields an empty, non-error result so callers
// fall through to hard-coded seeds.
func FetchUsable(ctx context.Context, src Source) []string {
	peers, err := src.Fetch(ctx)
	if err != nil {
		log.Infof("bootstrap: %v, falling back to seed addresses", err)
		return nil
	}

	usable := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.BanScore != 0 {
			continue
		}
		usable = append(usable, p.Address)
	}
	return usable
}
