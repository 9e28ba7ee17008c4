// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/matrm/block-headers-client-go/database/headerdb"
)

// record is Metrics' on-disk encoding.
type record struct {
	Pings              []pingRecord `json:"pings"`
	DisconnectsBefore  []int64      `json:"disconnects_before"`
	DisconnectsAfter   []int64      `json:"disconnects_after"`
	LastSeen           int64        `json:"last_seen"`
	LastConnect        int64        `json:"last_connect"`
	LastConnectAndTest int64        `json:"last_connect_and_test"`
	LastDataReceived   int64        `json:"last_data_received"`
	LastOutOfSync      int64        `json:"last_out_of_sync"`
	LastInvalidChain   int64        `json:"last_invalid_chain"`
}

type pingRecord struct {
	At       int64 `json:"at"`
	DurationMS int64 `json:"duration_ms"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (m *Metrics) toRecord() record {
	r := record{
		LastSeen:           unixOrZero(m.lastSeen),
		LastConnect:        unixOrZero(m.lastConnect),
		LastConnectAndTest: unixOrZero(m.lastConnectAndTest),
		LastDataReceived:   unixOrZero(m.lastDataReceived),
		LastOutOfSync:      unixOrZero(m.lastOutOfSync),
		LastInvalidChain:   unixOrZero(m.lastInvalidChain),
	}
	for _, p := range m.pings {
		r.Pings = append(r.Pings, pingRecord{At: p.at.Unix(), DurationMS: p.duration.Milliseconds()})
	}
	for _, t := range m.disconnectsBefore {
		r.DisconnectsBefore = append(r.DisconnectsBefore, t.Unix())
	}
	for _, t := range m.disconnectsAfter {
		r.DisconnectsAfter = append(r.DisconnectsAfter, t.Unix())
	}
	return r
}

func fromRecord(address string, r record) *Metrics {
	m := &Metrics{
		Address:            address,
		lastSeen:           timeOrZero(r.LastSeen),
		lastConnect:        timeOrZero(r.LastConnect),
		lastConnectAndTest: timeOrZero(r.LastConnectAndTest),
		lastDataReceived:   timeOrZero(r.LastDataReceived),
		lastOutOfSync:      timeOrZero(r.LastOutOfSync),
		lastInvalidChain:   timeOrZero(r.LastInvalidChain),
	}
	for _, p := range r.Pings {
		m.pings = append(m.pings, pingSample{at: timeOrZero(p.At), duration: time.Duration(p.DurationMS) * time.Millisecond})
	}
	for _, sec := range r.DisconnectsBefore {
		m.disconnectsBefore = append(m.disconnectsBefore, timeOrZero(sec))
	}
	for _, sec := range r.DisconnectsAfter {
		m.disconnectsAfter = append(m.disconnectsAfter, timeOrZero(sec))
	}
	return m
}

// ratingRebuildCooldown is the 10 s rebuild cooldown for cached ratings.
// No code reads it: Rating and TopRated compute every rating afresh on
// each call, and no rating is cached.
const ratingRebuildCooldown = 10 * time.Second

// Store owns every peer's Metrics record, the blacklist threshold, and
// write-behind persistence. All exported methods are safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	metrics   map[string]*Metrics
	threshold float64
	persist   headerdb.PeerStore
}

// NewStore constructs a Store, computing the blacklist threshold from
// the canonical borderline profiles. persist may be nil to disable
// persistence (useful in tests).
func NewStore(persist headerdb.PeerStore) *Store {
	s := &Store{
		metrics:   make(map[string]*Metrics),
		persist:   persist,
		threshold: blacklistThreshold(),
	}
	return s
}

// Load hydrates the store from the persistent peer store, if any.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	return s.persist.All(ctx, func(address string, value []byte) error {
		var r record
		if err := json.Unmarshal(value, &r); err != nil {
			return nil // skip a corrupt record rather than fail startup
		}
		s.mu.Lock()
		s.metrics[address] = fromRecord(address, r)
		s.mu.Unlock()
		return nil
	})
}

func (s *Store) getOrCreate(address string) *Metrics {
	m, ok := s.metrics[address]
	if !ok {
		m = &Metrics{Address: address}
		s.metrics[address] = m
	}
	return m
}

func (s *Store) enqueuePersist(ctx context.Context, m *Metrics) {
	if s.persist == nil {
		return
	}
	rec := m.toRecord()
	address := m.Address
	go func() {
		b, err := json.Marshal(rec)
		if err != nil {
			return
		}
		_ = s.persist.Put(ctx, address, b)
	}()
}

// mutate centralizes the read-modify-write-then-persist pattern every
// event handler follows (§4.5.2).
func (s *Store) mutate(ctx context.Context, address string, fn func(m *Metrics, now time.Time)) {
	now := time.Now()
	s.mu.Lock()
	m := s.getOrCreate(address)
	fn(m, now)
	s.enqueuePersist(ctx, m)
	s.mu.Unlock()
}

func (s *Store) AddPing(ctx context.Context, address string, d time.Duration) {
	s.mutate(ctx, address, func(m *Metrics, now time.Time) { m.addPing(now, d) })
}

func (s *Store) AddLastConnect(ctx context.Context, address string) {
	s.mutate(ctx, address, func(m *Metrics, now time.Time) { m.addLastConnect(now) })
}

func (s *Store) AddLastConnectAndTest(ctx context.Context, address string) {
	s.mutate(ctx, address, func(m *Metrics, now time.Time) { m.addLastConnectAndTest(now) })
}

func (s *Store) AddDataReceived(ctx context.Context, address string) {
	s.mutate(ctx, address, func(m *Metrics, now time.Time) { m.addDataReceived(now) })
}

func (s *Store) AddOutOfSync(ctx context.Context, address string) {
	s.mutate(ctx, address, func(m *Metrics, now time.Time) { m.addOutOfSync(now) })
}

func (s *Store) AddInvalidChain(ctx context.Context, address string) {
	s.mutate(ctx, address, func(m *Metrics, now time.Time) { m.addInvalidChain(now) })
}

func (s *Store) AddSeen(ctx context.Context, address string) {
	s.mutate(ctx, address, func(m *Metrics, now time.Time) { m.addSeen(now) })
}

func (s *Store) AddSeenBatch(ctx context.Context, addresses []string) {
	for _, a := range addresses {
		s.AddSeen(ctx, a)
	}
}

func (s *Store) AddUnintentionalDisconnect(ctx context.Context, address string) {
	s.mutate(ctx, address, func(m *Metrics, now time.Time) { m.addUnintentionalDisconnect(now) })
}

// Rating returns address's current rating, computing it fresh.
func (s *Store) Rating(address string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[address]
	if !ok {
		return ratingEpsilon
	}
	return m.Rating(time.Now())
}

// IsBlacklisted reports whether address's rating is strictly below the
// blacklist threshold.
func (s *Store) IsBlacklisted(address string) bool {
	return s.Rating(address) < s.threshold
}

// Threshold returns the blacklist rating threshold computed at
// construction.
func (s *Store) Threshold() float64 { return s.threshold }

// Count returns how many addresses are tracked.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metrics)
}

type ranked struct {
	address string
	rating  float64
}

// TopRated returns up to n non-blacklisted addresses, excluding any in
// exclude, ordered by descending rating.
func (s *Store) TopRated(n int, exclude map[string]struct{}) []string {
	now := time.Now()
	s.mu.Lock()
	all := make([]ranked, 0, len(s.metrics))
	for addr, m := range s.metrics {
		if _, skip := exclude[addr]; skip {
			continue
		}
		r := m.Rating(now)
		if r < s.threshold {
			continue
		}
		all = append(all, ranked{addr, r})
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].rating > all[j].rating })
	if n > len(all) {
		n = len(all)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, all[i].address)
	}
	return out
}

// OldestSeen returns up to n addresses with the oldest last_seen
// time first, used by the health monitor to find pruning candidates.
func (s *Store) OldestSeen(n int, exclude map[string]struct{}) []string {
	s.mu.Lock()
	all := make([]ranked, 0, len(s.metrics))
	for addr, m := range s.metrics {
		if _, skip := exclude[addr]; skip {
			continue
		}
		all = append(all, ranked{addr, float64(m.lastSeen.Unix()) + float64(m.lastSeen.Nanosecond())/1e9})
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].rating < all[j].rating })
	if n > len(all) {
		n = len(all)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, all[i].address)
	}
	return out
}

// Forget removes address's metrics record entirely (used when pruning
// surplus addresses in the health monitor).
func (s *Store) Forget(ctx context.Context, address string) {
	s.mu.Lock()
	delete(s.metrics, address)
	s.mu.Unlock()
	if s.persist != nil {
		_ = s.persist.Delete(ctx, address)
	}
}

// Merge records every address in addrs as seen "now" if it is not
// already tracked, without disturbing an existing record. Used when
// ingesting addr/bootstrap results.
func (s *Store) Merge(ctx context.Context, addresses []string) {
	for _, addr := range addresses {
		s.mu.Lock()
		_, exists := s.metrics[addr]
		if !exists {
			s.getOrCreate(addr)
		}
		s.mu.Unlock()
		if !exists {
			s.AddSeen(ctx, addr)
		}
	}
}

// blacklistThreshold evaluates Rating on five canonical borderline
// profiles and returns their maximum (§4.5.1).
func blacklistThreshold() float64 {
	now := time.Now()

	profiles := []*Metrics{
		// Disconnected 3x after connecting in the last 24h, good ping.
		func() *Metrics {
			m := &Metrics{}
			for i := 0; i < 3; i++ {
				m.addPing(now, 80*time.Millisecond)
			}
			for i := 0; i < 3; i++ {
				m.disconnectsAfter = append(m.disconnectsAfter, now.Add(-time.Duration(i)*8*time.Hour))
			}
			m.lastConnect = now.Add(-1 * time.Hour)
			return m
		}(),
		// Out of sync 2 days ago.
		func() *Metrics {
			m := &Metrics{}
			m.addPing(now, 200*time.Millisecond)
			m.lastOutOfSync = now.Add(-2 * day)
			m.lastConnect = now.Add(-2 * day)
			return m
		}(),
		// Invalid chain detected 60 days ago.
		func() *Metrics {
			m := &Metrics{}
			m.addPing(now, 200*time.Millisecond)
			m.lastInvalidChain = now.Add(-60 * day)
			m.lastConnect = now.Add(-60 * day)
			return m
		}(),
		// Disconnected before ever connecting, 20 days ago.
		func() *Metrics {
			m := &Metrics{}
			m.disconnectsBefore = append(m.disconnectsBefore, now.Add(-20*day))
			return m
		}(),
		// Never connected, never seen: the neutral baseline.
		{},
	}

	var max float64
	for _, p := range profiles {
		r := p.Rating(now)
		if r > max {
			max = r
		}
	}
	return max
}
