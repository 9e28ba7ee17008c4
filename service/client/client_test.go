// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/matrm/block-headers-client-go/chainparams"
	"github.com/matrm/block-headers-client-go/header"
	"github.com/matrm/block-headers-client-go/service/client"
)

func TestNewDefaultConfigMatchesDocumentedDefaults(t *testing.T) {
	cfg := client.NewDefaultConfig()
	if cfg.Chain != "btc" {
		t.Fatalf("Chain = %q, want btc", cfg.Chain)
	}
	if cfg.TargetConnections != 8 {
		t.Fatalf("TargetConnections = %d, want 8", cfg.TargetConnections)
	}
	if cfg.RecentDisconnectWindowMS != 1000 {
		t.Fatalf("RecentDisconnectWindowMS = %d, want 1000", cfg.RecentDisconnectWindowMS)
	}
	if cfg.DefaultRequestTimeoutMS != 8000 {
		t.Fatalf("DefaultRequestTimeoutMS = %d, want 8000", cfg.DefaultRequestTimeoutMS)
	}
	if cfg.DefaultGetAddrTimeoutMS != 120000 {
		t.Fatalf("DefaultGetAddrTimeoutMS = %d, want 120000", cfg.DefaultGetAddrTimeoutMS)
	}
}

func TestNewServerRejectsUnknownChain(t *testing.T) {
	cfg := client.NewDefaultConfig()
	cfg.Chain = "does-not-exist"
	if _, err := client.NewServer(cfg); err == nil {
		t.Fatal("expected an error constructing a Server for an unknown chain")
	}
}

func TestNewServerWithNilConfigUsesDefaults(t *testing.T) {
	s, err := client.NewServer(nil)
	if err != nil {
		t.Fatalf("NewServer(nil): %v", err)
	}
	height, hashHex := s.GetTip()
	if height != 0 {
		t.Fatalf("Height() = %d, want 0 at genesis", height)
	}
	if hashHex == "" {
		t.Fatal("expected a non-empty genesis tip hash")
	}
}

func TestNewServerSeedsGenesisMatchingChainParams(t *testing.T) {
	cfg := client.NewDefaultConfig()
	s, err := client.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	params, err := chainparams.Get("btc", nil)
	if err != nil {
		t.Fatalf("chainparams.Get: %v", err)
	}
	_, hashHex := s.GetTip()
	if hashHex != params.GenesisHash.String() {
		t.Fatalf("genesis tip hash = %s, want %s", hashHex, params.GenesisHash.String())
	}

	raw, ok := s.GetHeaderByHeight(0)
	if !ok {
		t.Fatal("expected a header at height 0")
	}
	if header.Hash(raw) != params.GenesisHash {
		t.Fatal("GetHeaderByHeight(0) does not hash to the genesis hash")
	}

	rawByHash, gotHeight, ok := s.GetHeaderByHash(params.GenesisHash)
	if !ok || gotHeight != 0 {
		t.Fatalf("GetHeaderByHash(genesis): ok=%v height=%d", ok, gotHeight)
	}
	if header.Hash(rawByHash) != params.GenesisHash {
		t.Fatal("GetHeaderByHash(genesis) returned the wrong header")
	}
}

func TestGetHeaderByHashUnknownReturnsFalse(t *testing.T) {
	s, err := client.NewServer(nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	var bogus [32]byte
	bogus[0] = 0xff
	if _, _, ok := s.GetHeaderByHash(bogus); ok {
		t.Fatal("expected GetHeaderByHash to report not-found for an unknown hash")
	}
}

func TestSubscribeReturnsIndependentChannels(t *testing.T) {
	s, err := client.NewServer(nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	a := s.Subscribe()
	b := s.Subscribe()
	select {
	case <-a:
		t.Fatal("a freshly subscribed channel should not have a pending event")
	default:
	}
	select {
	case <-b:
		t.Fatal("a freshly subscribed channel should not have a pending event")
	default:
	}
}

func TestRunRejectsConcurrentInvocation(t *testing.T) {
	cfg := client.NewDefaultConfig()
	cfg.DatabasePath = t.TempDir()
	cfg.TargetConnections = 1
	cfg.NumWorkers = 1
	s, err := client.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the first Run a moment to flip the running flag before the
	// second, concurrent call observes it.
	time.Sleep(30 * time.Millisecond)
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected a concurrent Run call to fail immediately")
	}

	select {
	case err := <-done:
		if err != context.DeadlineExceeded {
			t.Fatalf("first Run returned %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Run did not return after its context expired")
	}
}

func TestRunIsReentrantAfterACleanStop(t *testing.T) {
	cfg := client.NewDefaultConfig()
	cfg.DatabasePath = t.TempDir()
	cfg.TargetConnections = 1
	cfg.NumWorkers = 1
	s, err := client.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err := s.Run(ctx)
		cancel()
		if err != context.DeadlineExceeded {
			t.Fatalf("Run #%d returned %v, want context.DeadlineExceeded", i, err)
		}
	}
}
