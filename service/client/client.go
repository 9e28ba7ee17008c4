// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package client is the top-level glue: it owns the HeaderGraph and
// PeerPool, the two persistent stores, start/stop lifecycle, and the
// handful of read-only queries and events this library exposes to its
// caller.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrm/block-headers-client-go/bootstrap"
	"github.com/matrm/block-headers-client-go/chainparams"
	"github.com/matrm/block-headers-client-go/database/headerdb"
	headerdblevel "github.com/matrm/block-headers-client-go/database/headerdb/level"
	"github.com/matrm/block-headers-client-go/graph"
	"github.com/matrm/block-headers-client-go/header"
	"github.com/matrm/block-headers-client-go/liveness"
	"github.com/matrm/block-headers-client-go/peer"
	"github.com/matrm/block-headers-client-go/pool"
	"github.com/matrm/block-headers-client-go/service/metrics"
)

const logLevel = "INFO"

var log = loggo.GetLogger("client")

func init() {
	loggo.ConfigureLoggers(logLevel)
}

// Config is the language-neutral configuration surface of §6.
type Config struct {
	Chain                    string
	DatabasePath             string
	InvalidBlocks            []chainhash.Hash
	SeedNodes                []string
	BootstrapURL             string
	TargetConnections        int
	NumWorkers               int
	RecentDisconnectWindowMS int
	DefaultRequestTimeoutMS  int
	DefaultGetAddrTimeoutMS  int
	PrometheusListenAddress  string
	LogLevel                 string
}

// NewDefaultConfig returns a Config with every default named in §6.
func NewDefaultConfig() *Config {
	return &Config{
		Chain:                    "btc",
		TargetConnections:        8,
		RecentDisconnectWindowMS: 1000,
		DefaultRequestTimeoutMS:  8000,
		DefaultGetAddrTimeoutMS:  120000,
		LogLevel:                 logLevel,
	}
}

// NewChainTipEvent is published on every advancing longest-chain
// insertion (§6).
type NewChainTipEvent struct {
	Height  uint64
	HashHex string
}

// Server owns the running instance: the graph, the pool, the stores,
// and the public query surface.
type Server struct {
	mtx sync.RWMutex
	wg  sync.WaitGroup

	cfg    *Config
	params chainparams.Params

	graph      *graph.Graph
	peerStore  headerdb.PeerStore
	headerDB   headerdb.HeaderStore
	metricsSt  *pool.Store
	livenessM  *liveness.Monitor
	peerPool   *pool.Pool

	isRunning bool

	subsMu sync.Mutex
	subs   []chan NewChainTipEvent
}

// NewServer constructs a Server for cfg, resolving the chain params and
// seeding the in-memory HeaderGraph with genesis. It does not open any
// persistent store or dial any peer; call Run for that.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	params, err := chainparams.Get(cfg.Chain, cfg.InvalidBlocks)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	genesis, err := header.Parse(params.GenesisHeader, header.ParseOptions{SkipPoW: true})
	if err != nil {
		return nil, fmt.Errorf("client: parse genesis: %w", err)
	}

	g, err := graph.New(genesis, params.InvalidHashes)
	if err != nil {
		return nil, fmt.Errorf("client: new graph: %w", err)
	}

	return &Server{
		cfg:    cfg,
		params: params,
		graph:  g,
	}, nil
}

func (s *Server) running() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.isRunning
}

func (s *Server) testAndSetRunning(b bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	old := s.isRunning
	s.isRunning = b
	return old != s.isRunning
}

func (s *Server) promRunning() float64 {
	if s.running() {
		return 1
	}
	return 0
}

// Subscribe returns a channel that receives every NewChainTipEvent.
// Callers must keep draining it; Run buffers a small window but will
// drop events to a slow subscriber rather than stall the sync loop.
func (s *Server) Subscribe() <-chan NewChainTipEvent {
	ch := make(chan NewChainTipEvent, 32)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Server) publish(ev NewChainTipEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// GetTip returns the current longest-chain tip.
func (s *Server) GetTip() (height uint64, hashHex string) {
	tip := s.graph.Tip()
	return tip.Height, reversedHex(tip.Hash)
}

// GetHeaderByHeight returns the raw 80-byte header at height on the
// current longest chain.
func (s *Server) GetHeaderByHeight(height uint64) ([]byte, bool) {
	n, ok := s.graph.ByHeight(height)
	if !ok {
		return nil, false
	}
	return n.Raw, true
}

// GetHeaderByHash returns the raw 80-byte header for hash, wherever it
// sits in the graph (not only on the longest chain).
func (s *Server) GetHeaderByHash(hash chainhash.Hash) ([]byte, uint64, bool) {
	n, ok := s.graph.ByHash(hash)
	if !ok {
		return nil, 0, false
	}
	return n.Raw, n.Height, true
}

func reversedHex(h chainhash.Hash) string {
	return h.String()
}

// Run is idempotent and reentrant-safe: a second concurrent call fails
// immediately rather than queuing, matching the underlying graph/pool's
// single-instance assumption. It opens both persistent stores, starts
// the liveness monitor, the Prometheus listener (if configured), and
// the PeerPool, and blocks until ctx is cancelled.
func (s *Server) Run(pctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	if !s.testAndSetRunning(true) {
		return fmt.Errorf("client: already running")
	}
	defer s.testAndSetRunning(false)

	ctx, cancel := context.WithCancel(pctx)
	defer cancel()

	headerHome := s.cfg.DatabasePath
	headerDB := headerdblevel.NewHeaderStore(headerHome)
	if err := headerDB.Open(ctx); err != nil {
		return fmt.Errorf("client: open header store: %w", err)
	}
	defer headerDB.Close()
	s.headerDB = headerDB

	peerDB := headerdblevel.NewPeerStore(headerHome)
	if err := peerDB.Open(ctx); err != nil {
		return fmt.Errorf("client: open peer store: %w", err)
	}
	defer peerDB.Close()
	s.peerStore = peerDB

	if err := s.restoreHeaders(ctx); err != nil {
		return fmt.Errorf("client: restore headers: %w", err)
	}

	s.metricsSt = pool.NewStore(peerDB)
	if err := s.metricsSt.Load(ctx); err != nil {
		log.Errorf("client: load peer metrics: %v", err)
	}

	s.livenessM = liveness.New(liveness.Config{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.livenessM.Run(ctx)
	}()

	peerCfg := peer.DefaultConfig()
	peerCfg.Magic = s.params.Magic
	peerCfg.ProtocolVersion = s.params.ProtocolVersion
	peerCfg.UserAgent = s.params.UserAgent
	peerCfg.Liveness = s.livenessM
	if s.cfg.DefaultRequestTimeoutMS > 0 {
		peerCfg.RequestTimeout = time.Duration(s.cfg.DefaultRequestTimeoutMS) * time.Millisecond
		peerCfg.HandshakeTimeout = peerCfg.RequestTimeout
	}
	if s.cfg.DefaultGetAddrTimeoutMS > 0 {
		peerCfg.GetAddrTimeout = time.Duration(s.cfg.DefaultGetAddrTimeoutMS) * time.Millisecond
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.PeerConfig = peerCfg
	if s.cfg.TargetConnections > 0 {
		poolCfg.TargetConnections = s.cfg.TargetConnections
	}
	if s.cfg.NumWorkers > 0 {
		poolCfg.NumWorkers = s.cfg.NumWorkers
	}
	if s.cfg.RecentDisconnectWindowMS > 0 {
		poolCfg.RecentDisconnectWindow = time.Duration(s.cfg.RecentDisconnectWindowMS) * time.Millisecond
	}
	poolCfg.SeedAddresses = append(append([]string(nil), s.params.Seeds...), s.cfg.SeedNodes...)

	var bootstrapFn func(ctx context.Context) []string
	if s.cfg.BootstrapURL != "" {
		src := &bootstrap.HTTPSource{URL: s.cfg.BootstrapURL}
		bootstrapFn = func(ctx context.Context) []string {
			return bootstrap.FetchUsable(ctx, src)
		}
	}

	s.peerPool = pool.New(poolCfg, s.graph, s.metricsSt, s.livenessM, bootstrapFn)
	s.peerPool.OnNewChainTip(func(height uint64, hash chainhash.Hash) {
		s.publish(NewChainTipEvent{Height: height, HashHex: hash.String()})
		s.persistTipAsync(ctx)
	})

	if s.cfg.PrometheusListenAddress != "" {
		m, err := metrics.New(metrics.Config{ListenAddress: s.cfg.PrometheusListenAddress})
		if err != nil {
			return fmt.Errorf("client: metrics: %w", err)
		}
		collectors := []prometheus.Collector{
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Subsystem: "header_client",
				Name:      "running",
				Help:      "Whether the header-sync client is running.",
			}, s.promRunning),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Subsystem: "header_client",
				Name:      "tip_height",
				Help:      "Current longest-chain tip height.",
			}, func() float64 { h, _ := s.GetTip(); return float64(h) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Subsystem: "header_client",
				Name:      "verified_peers",
				Help:      "Number of verified peer connections.",
			}, func() float64 { return float64(s.peerPool.VerifiedCount()) }),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := m.Run(ctx, collectors); err != nil && err != context.Canceled {
				log.Errorf("client: prometheus terminated with error: %v", err)
			}
		}()
	}

	errC := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.peerPool.Run(ctx); err != nil {
			select {
			case errC <- err:
			default:
			}
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errC:
	}
	cancel()

	log.Infof("client: shutting down")
	s.wg.Wait()
	log.Infof("client: clean shutdown")

	return runErr
}

// restoreHeaders replays the persisted header store into the in-memory
// graph on startup; any entry that fails to parse or doesn't chain is
// simply skipped and will be re-downloaded.
func (s *Server) restoreHeaders(ctx context.Context) error {
	var batch []*header.Header
	err := s.headerDB.Iter(ctx, func(height uint64, raw []byte) error {
		h, err := header.Parse(raw, header.ParseOptions{})
		if err != nil {
			log.Errorf("client: restore: bad header at height %d: %v", height, err)
			return nil
		}
		batch = append(batch, h)
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	_, err = s.graph.AddHeaders(batch)
	return err
}

// persistTipAsync queues a write-behind persist of the full longest
// chain; failures are logged, not fatal, per the accept-then-persist
// ordering in §5.
func (s *Server) persistTipAsync(ctx context.Context) {
	go func() {
		// Walk down from the tip until a height already stored with the
		// same header, so each call writes only what changed.
		tip := s.graph.Tip()
		puts := make(map[uint64][]byte)
		for h := tip.Height; ; h-- {
			n, ok := s.graph.ByHeight(h)
			if !ok {
				break
			}
			if stored, err := s.headerDB.Get(ctx, h); err == nil && string(stored) == string(n.Raw) {
				break
			}
			puts[h] = n.Raw
			if h == 0 {
				break
			}
		}
		if err := s.headerDB.PutBatch(ctx, puts, nil); err != nil {
			log.Errorf("client: persist tip: %v", err)
		}
	}()
}
