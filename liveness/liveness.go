// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package liveness implements the internet-liveness probe: a small
// background loop that periodically asks whether this host currently
// has working internet access, and exposes the last time that was
// confirmed true so other components (PeerSession's keepalive,
// PeerPool's worker loop) can treat recent traffic as liveness evidence
// and skip redundant probing.
package liveness

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/juju/loggo"
)

var log = loggo.GetLogger("liveness")

// DefaultURLs are the well-known endpoints probed in rotation. Any one
// answering is treated as evidence of connectivity.
var DefaultURLs = []string{
	"https://www.google.com/generate_204",
	"https://connectivitycheck.gstatic.com/generate_204",
	"https://www.cloudflare.com/cdn-cgi/trace",
}

// Prober performs one liveness check against a single URL, returning
// whether it succeeded.
type Prober func(ctx context.Context, url string) bool

// HTTPProber is the default Prober: a HEAD request (falling back to GET
// on method-not-allowed). It sets no timeout of its own; each call is
// bounded by ctx (ProbeOnce supplies Config.Timeout that way).
func HTTPProber(client *http.Client) Prober {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context, url string) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusMethodNotAllowed {
			req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return false
			}
			resp, err = client.Do(req)
			if err != nil {
				return false
			}
			defer resp.Body.Close()
		}
		return resp.StatusCode >= 200 && resp.StatusCode < 400
	}
}

// Monitor polls Prober against DefaultURLs (or a caller-supplied list)
// on Interval and records whenever any of them succeeds. It satisfies
// peer.LivenessMonitor.
type Monitor struct {
	urls     []string
	interval time.Duration
	timeout  time.Duration
	prober   Prober

	lastOK atomic.Int64 // unix nanos
}

// Config parameterizes a Monitor.
type Config struct {
	URLs     []string
	Interval time.Duration // default 30s
	Timeout  time.Duration // default 5s
	Prober   Prober        // default HTTPProber(nil)
}

// New constructs a Monitor, seeded as live so callers don't treat
// process startup as an outage.
func New(cfg Config) *Monitor {
	if len(cfg.URLs) == 0 {
		cfg.URLs = DefaultURLs
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Prober == nil {
		cfg.Prober = HTTPProber(nil)
	}
	m := &Monitor{
		urls:     cfg.URLs,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		prober:   cfg.Prober,
	}
	m.lastOK.Store(time.Now().UnixNano())
	return m
}

// LastConnectionAt returns the last time any probe succeeded.
func (m *Monitor) LastConnectionAt() time.Time {
	return time.Unix(0, m.lastOK.Load())
}

// IsOnline reports whether a probe succeeded within the last two poll
// intervals.
func (m *Monitor) IsOnline() bool {
	return time.Since(m.LastConnectionAt()) < m.interval*2
}

// ProbeOnce runs a single immediate check across all configured URLs,
// returning true the moment one succeeds, and updating LastConnectionAt
// on success. Run calls it once per poll interval; the pool's
// connection-failure path consults IsOnline instead.
func (m *Monitor) ProbeOnce(ctx context.Context) bool {
	for _, url := range m.urls {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		ok := m.prober(probeCtx, url)
		cancel()
		if ok {
			m.lastOK.Store(time.Now().UnixNano())
			return true
		}
	}
	return false
}

// Run polls on Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.ProbeOnce(ctx) {
				log.Tracef("liveness: online")
			} else {
				log.Debugf("liveness: no probe succeeded this cycle")
			}
		}
	}
}
