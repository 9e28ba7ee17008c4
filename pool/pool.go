// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/matrm/block-headers-client-go/graph"
	"github.com/matrm/block-headers-client-go/liveness"
	"github.com/matrm/block-headers-client-go/peer"
	"github.com/matrm/block-headers-client-go/wire"
)

var log = loggo.GetLogger("pool")

// Config parameterizes a Pool (§6 configuration options relevant to
// connection management).
type Config struct {
	TargetConnections      int           // default 8
	NumWorkers             int           // default 2x target
	RecentDisconnectWindow time.Duration // default 1s
	ThinDatabaseThreshold  int           // default 16 addresses
	MaxDatabaseSize        int           // default 4000 addresses
	HealthCheckInterval    time.Duration // default 30m
	DialRateLimit          rate.Limit    // default 4/s, shared across all workers
	DialBurst              int           // default 8
	SeedAddresses          []string
	PeerConfig             peer.Config
}

// DefaultConfig fills in the defaults named in §4.5.3/§4.5.4/§6.
func DefaultConfig() Config {
	return Config{
		TargetConnections:      8,
		NumWorkers:             16,
		RecentDisconnectWindow: time.Second,
		ThinDatabaseThreshold:  16,
		MaxDatabaseSize:        4000,
		HealthCheckInterval:    30 * time.Minute,
		DialRateLimit:          4,
		DialBurst:              8,
		PeerConfig:             peer.DefaultConfig(),
	}
}

// Pool is PeerPool: it owns the verified-session map, the reputation
// Store, and the worker/health/Sybil-defense background tasks.
type Pool struct {
	cfg       Config
	graph     *graph.Graph
	store     *Store
	liveness  *liveness.Monitor
	bootstrap func(ctx context.Context) []string

	dialLimiter *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*peer.Session

	healthStarted bool

	onNewChainTip func(height uint64, hash chainhash.Hash)
}

// New constructs a Pool. bootstrapFn supplies additional candidate
// addresses when the peer database is thin (§4.5.3); it may be nil.
func New(cfg Config, g *graph.Graph, store *Store, lv *liveness.Monitor, bootstrapFn func(ctx context.Context) []string) *Pool {
	if cfg.TargetConnections <= 0 {
		cfg.TargetConnections = 8
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = cfg.TargetConnections * 2
	}
	if cfg.DialRateLimit <= 0 {
		cfg.DialRateLimit = 4
	}
	if cfg.DialBurst <= 0 {
		cfg.DialBurst = 8
	}
	return &Pool{
		cfg:         cfg,
		graph:       g,
		store:       store,
		liveness:    lv,
		bootstrap:   bootstrapFn,
		sessions:    make(map[string]*peer.Session),
		dialLimiter: rate.NewLimiter(cfg.DialRateLimit, cfg.DialBurst),
	}
}

// OnNewChainTip registers a callback invoked whenever any verified
// session reports an advancing chain tip.
func (p *Pool) OnNewChainTip(fn func(height uint64, hash chainhash.Hash)) {
	p.mu.Lock()
	p.onNewChainTip = fn
	p.mu.Unlock()
}

// VerifiedCount returns how many sessions are currently installed in
// the verified map.
func (p *Pool) VerifiedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func addrString(a net.IP, port uint16) string {
	return net.JoinHostPort(a.String(), strconv.Itoa(int(port)))
}

// Run maintains the target connection count until ctx is done: it
// spawns cfg.NumWorkers workers, and once the verified count first
// reaches cfg.TargetConnections starts the health monitor.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	reachedTarget := make(chan struct{})
	var once sync.Once

	for i := 0; i < p.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(runCtx, id, func() {
				if p.VerifiedCount() >= p.cfg.TargetConnections {
					once.Do(func() { close(reachedTarget) })
				}
			})
		}(i)
	}

	go func() {
		select {
		case <-reachedTarget:
			p.startHealthMonitor(runCtx)
		case <-runCtx.Done():
		}
	}()

	<-ctx.Done()
	cancel()
	wg.Wait()

	p.mu.Lock()
	sessions := make([]*peer.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*peer.Session)
	p.mu.Unlock()
	for _, s := range sessions {
		s.Dispose(peer.DisconnectIntentional)
	}

	return nil
}

// workerLoop implements one worker task of §4.5.3.
func (p *Pool) workerLoop(ctx context.Context, id int, onVerified func()) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.VerifiedCount() >= p.cfg.TargetConnections {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		addr := p.pickCandidate(ctx)
		if addr == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		sess, ok := p.verify(ctx, addr)
		if !ok {
			continue
		}

		p.mu.Lock()
		if len(p.sessions) >= p.cfg.TargetConnections {
			p.mu.Unlock()
			sess.Dispose(peer.DisconnectIntentional)
			continue
		}
		p.sessions[addr] = sess
		count := len(p.sessions)
		p.mu.Unlock()

		go p.watchSession(ctx, addr, sess)

		log.Infof("pool: worker %d installed verified session %s (%d/%d)", id, addr, count, p.cfg.TargetConnections)
		onVerified()
	}
}

// verify runs the composite connect -> ping -> onValidChain -> sync
// sequence of §4.5.3 step 2, consulting liveness and sleeping on
// failure per step 3.
func (p *Pool) verify(ctx context.Context, addr string) (*peer.Session, bool) {
	sess := peer.New(addr, p.graph, p.cfg.PeerConfig)

	fail := func(reason string) {
		log.Debugf("pool: verify %s failed: %s", addr, reason)
		sess.Dispose(peer.DisconnectIntentional)
		p.store.AddUnintentionalDisconnect(ctx, addr)
		if p.liveness != nil && !p.liveness.IsOnline() {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}

	if err := p.dialLimiter.Wait(ctx); err != nil {
		return nil, false
	}
	if err := sess.Connect(ctx); err != nil {
		fail(fmt.Sprintf("connect: %v", err))
		return nil, false
	}
	p.store.AddLastConnect(ctx, addr)

	if _, err := sess.Ping(ctx); err != nil {
		fail(fmt.Sprintf("ping: %v", err))
		return nil, false
	}
	p.store.AddLastConnectAndTest(ctx, addr)

	ok, err := sess.OnValidChain(ctx, p.graph.InvalidHashes())
	if err != nil {
		fail(fmt.Sprintf("onValidChain: %v", err))
		return nil, false
	}
	if !ok {
		p.store.AddInvalidChain(ctx, addr)
		fail("peer builds on an invalid chain")
		return nil, false
	}

	if err := sess.SyncHeaders(ctx); err != nil {
		fail(fmt.Sprintf("sync_headers: %v", err))
		return nil, false
	}

	if p.store.Count() < p.cfg.ThinDatabaseThreshold {
		if addrs, err := sess.GetAddr(ctx); err == nil {
			p.ingestNetAddrStrings(ctx, netAddrStrings(addrs))
		}
	}

	return sess, true
}

// netAddrStrings converts decoded wire address records into "ip:port"
// strings suitable for use as session map / store keys.
func netAddrStrings(addrs []wire.NetAddress) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, addrString(a.IP, a.Port))
	}
	return out
}

// pickCandidate implements §4.5.3 step 1: a random pick from the
// top-rated addresses not already in a session, bootstrapping the
// database first if it is too thin.
func (p *Pool) pickCandidate(ctx context.Context) string {
	p.mu.Lock()
	exclude := make(map[string]struct{}, len(p.sessions))
	for a := range p.sessions {
		exclude[a] = struct{}{}
	}
	p.mu.Unlock()

	if p.store.Count()-len(exclude) < p.cfg.ThinDatabaseThreshold {
		p.bootstrapAddresses(ctx)
	}

	top := p.store.TopRated(8, exclude)
	if len(top) == 0 {
		return ""
	}
	return top[rand.Intn(len(top))]
}

// bootstrapAddresses implements §4.5.3's fallback chain: HTTPS
// bootstrap fetch, then configured and hard-coded seeds.
func (p *Pool) bootstrapAddresses(ctx context.Context) {
	var addrs []string
	if p.bootstrap != nil {
		addrs = p.bootstrap(ctx)
	}
	addrs = append(addrs, p.cfg.SeedAddresses...)
	if len(addrs) > 0 {
		p.store.Merge(ctx, addrs)
	}
}

// watchSession drains a verified session's events until it disposes,
// routing each to the Store and to the new-chain-tip callback, and
// removes it from the verified map on disconnect.
func (p *Pool) watchSession(ctx context.Context, addr string, sess *peer.Session) {
	for ev := range sess.Events() {
		switch ev.Kind {
		case peer.EventNewChainTip:
			p.store.AddDataReceived(ctx, addr)
			p.mu.Lock()
			cb := p.onNewChainTip
			p.mu.Unlock()
			if cb != nil {
				cb(ev.TipHeight, ev.TipHash)
			}
		case peer.EventPong:
			p.store.AddPing(ctx, addr, ev.PongDuration)
		case peer.EventOutOfSync:
			p.store.AddOutOfSync(ctx, addr)
		case peer.EventInvalidBlocks:
			p.store.AddInvalidChain(ctx, addr)
		case peer.EventAddr:
			p.ingestNetAddrStrings(ctx, netAddrStrings(ev.Addrs))
		case peer.EventBlockHashes:
			go func() { _ = sess.SyncHeaders(ctx) }()
		case peer.EventDisconnect:
			p.handleDisconnect(ctx, addr, ev.DisconnectReason)
			return
		}
	}
}

func (p *Pool) ingestNetAddrStrings(ctx context.Context, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	p.store.Merge(ctx, addrs)
}

// handleDisconnect removes addr from the verified map and applies the
// Sybil-aware reputation penalty of §4.5.5.
func (p *Pool) handleDisconnect(ctx context.Context, addr string, reason peer.DisconnectReason) {
	p.mu.Lock()
	delete(p.sessions, addr)
	before := len(p.sessions) + 1 // the one that just left was still counted
	p.mu.Unlock()

	if reason != peer.DisconnectUnintentionalAfterConnect {
		return
	}

	window := p.cfg.RecentDisconnectWindow
	if window <= 0 {
		window = time.Second
	}
	time.Sleep(window)

	p.mu.Lock()
	remaining := len(p.sessions)
	p.mu.Unlock()

	// remaining + floor(before/2) - 1 < before  =>  at least
	// floor(before/2) of the previously-connected peers (this one
	// included) dropped in this window.
	if remaining+before/2-1 < before {
		log.Infof("pool: mass-disconnect detected around %s, not penalizing", addr)
		return
	}
	p.store.AddUnintentionalDisconnect(ctx, addr)
}

// startHealthMonitor launches the 30-minute background cycle of
// §4.5.4, once, the first time the target is reached.
func (p *Pool) startHealthMonitor(ctx context.Context) {
	p.mu.Lock()
	if p.healthStarted {
		p.mu.Unlock()
		return
	}
	p.healthStarted = true
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.healthCycle(ctx)
			}
		}
	}()
}

func (p *Pool) healthCycle(ctx context.Context) {
	addr := p.pickCandidate(ctx)
	if addr != "" {
		if sess, ok := p.verify(ctx, addr); ok {
			if addrs, err := sess.GetAddr(ctx); err == nil {
				p.ingestNetAddrStrings(ctx, netAddrStrings(addrs))
			}
			sess.Dispose(peer.DisconnectIntentional)
		}
	}

	if p.store.Count() > p.cfg.MaxDatabaseSize {
		p.mu.Lock()
		exclude := make(map[string]struct{}, len(p.sessions))
		for a := range p.sessions {
			exclude[a] = struct{}{}
		}
		p.mu.Unlock()

		surplus := p.store.Count() - p.cfg.MaxDatabaseSize
		forgotten := p.store.OldestSeen(surplus, exclude)
		for _, a := range forgotten {
			p.store.Forget(ctx, a)
		}
		log.Infof("pool: pruned %s of %s tracked addresses back to max size",
			humanize.Comma(int64(len(forgotten))), humanize.Comma(int64(p.cfg.MaxDatabaseSize)))
	}

	p.mu.Lock()
	sessions := make(map[string]*peer.Session, len(p.sessions))
	for a, s := range p.sessions {
		sessions[a] = s
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	var anySyncing sync.Mutex
	syncing := false
	for a, s := range sessions {
		a, s := a, s
		g.Go(func() error {
			err := s.SyncHeaders(gctx)
			anySyncing.Lock()
			syncing = syncing || err == nil
			anySyncing.Unlock()
			if err != nil {
				log.Debugf("pool: health sync %s: %v", a, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if !syncing {
		pruned := p.graph.PruneBranches()
		if pruned > 0 {
			log.Debugf("pool: pruned %d stale branch node(s)", pruned)
		}
	}
}
