// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matrm/block-headers-client-go/pool"
)

// fakePeerStore is an in-memory stand-in for headerdb.PeerStore.
type fakePeerStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakePeerStore() *fakePeerStore {
	return &fakePeerStore{data: make(map[string][]byte)}
}

func (f *fakePeerStore) Open(ctx context.Context) error  { return nil }
func (f *fakePeerStore) Close() error                    { return nil }

func (f *fakePeerStore) Put(ctx context.Context, address string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), value...)
	f.data[address] = cp
	return nil
}

func (f *fakePeerStore) Get(ctx context.Context, address string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[address], nil
}

func (f *fakePeerStore) Delete(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, address)
	return nil
}

func (f *fakePeerStore) All(ctx context.Context, fn func(address string, value []byte) error) error {
	f.mu.Lock()
	snapshot := make(map[string][]byte, len(f.data))
	for k, v := range f.data {
		snapshot[k] = v
	}
	f.mu.Unlock()
	for addr, v := range snapshot {
		if err := fn(addr, v); err != nil {
			return err
		}
	}
	return nil
}

// waitForPersist polls until the given address has a persisted record,
// since Store's write-behind persistence happens on a background
// goroutine.
func waitForPersist(t *testing.T, fp *fakePeerStore, address string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fp.mu.Lock()
		_, ok := fp.data[address]
		fp.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to be persisted", address)
}

func TestNewStoreComputesPositiveThreshold(t *testing.T) {
	s := pool.NewStore(nil)
	if s.Threshold() <= 0 {
		t.Fatalf("Threshold() = %v, want > 0", s.Threshold())
	}
}

func TestIsBlacklistedForCleanAndTroubledPeers(t *testing.T) {
	ctx := context.Background()
	s := pool.NewStore(nil)

	s.AddPing(ctx, "clean:8333", 20*time.Millisecond)
	s.AddLastConnect(ctx, "clean:8333")
	if s.IsBlacklisted("clean:8333") {
		t.Fatal("a clean, recently-connected peer should not be blacklisted")
	}

	for i := 0; i < 8; i++ {
		s.AddUnintentionalDisconnect(ctx, "troubled:8333")
	}
	s.AddLastConnect(ctx, "troubled:8333")
	if !s.IsBlacklisted("troubled:8333") {
		t.Fatalf("a peer with repeated recent disconnects should be blacklisted, rating=%v threshold=%v",
			s.Rating("troubled:8333"), s.Threshold())
	}
}

func TestRatingDefaultsToEpsilonForUnknownAddress(t *testing.T) {
	s := pool.NewStore(nil)
	if r := s.Rating("never-seen:8333"); r <= 0 {
		t.Fatalf("Rating() for an unknown address = %v, want > 0", r)
	}
}

func TestTopRatedOrdersDescendingAndExcludesBlacklisted(t *testing.T) {
	ctx := context.Background()
	s := pool.NewStore(nil)

	s.AddPing(ctx, "best:8333", 10*time.Millisecond)
	s.AddLastConnect(ctx, "best:8333")

	s.AddPing(ctx, "worse:8333", 500*time.Millisecond)
	s.AddLastConnect(ctx, "worse:8333")

	for i := 0; i < 8; i++ {
		s.AddUnintentionalDisconnect(ctx, "bad:8333")
	}
	s.AddLastConnect(ctx, "bad:8333")

	top := s.TopRated(10, nil)
	if len(top) < 2 {
		t.Fatalf("expected at least 2 non-blacklisted addresses, got %v", top)
	}
	if top[0] != "best:8333" {
		t.Fatalf("TopRated()[0] = %q, want \"best:8333\": %v", top[0], top)
	}
	for _, addr := range top {
		if addr == "bad:8333" {
			t.Fatal("TopRated must exclude a blacklisted address")
		}
	}
}

func TestTopRatedRespectsExcludeSet(t *testing.T) {
	ctx := context.Background()
	s := pool.NewStore(nil)
	s.AddPing(ctx, "a:8333", 10*time.Millisecond)
	s.AddLastConnect(ctx, "a:8333")
	s.AddPing(ctx, "b:8333", 10*time.Millisecond)
	s.AddLastConnect(ctx, "b:8333")

	top := s.TopRated(10, map[string]struct{}{"a:8333": {}})
	for _, addr := range top {
		if addr == "a:8333" {
			t.Fatal("TopRated must honor the exclude set")
		}
	}
}

func TestOldestSeenOrdersAscendingBySeenTime(t *testing.T) {
	ctx := context.Background()
	s := pool.NewStore(nil)

	s.AddSeen(ctx, "oldest:8333")
	time.Sleep(5 * time.Millisecond)
	s.AddSeen(ctx, "middle:8333")
	time.Sleep(5 * time.Millisecond)
	s.AddSeen(ctx, "newest:8333")

	oldest := s.OldestSeen(3, nil)
	if len(oldest) != 3 || oldest[0] != "oldest:8333" || oldest[2] != "newest:8333" {
		t.Fatalf("OldestSeen() = %v, want [oldest middle newest]", oldest)
	}
}

func TestForgetRemovesFromMemoryAndPersistence(t *testing.T) {
	ctx := context.Background()
	fp := newFakePeerStore()
	s := pool.NewStore(fp)

	s.AddSeen(ctx, "gone:8333")
	waitForPersist(t, fp, "gone:8333")
	if s.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", s.Count())
	}

	s.Forget(ctx, "gone:8333")
	if s.Count() != 0 {
		t.Fatalf("Count() = %d after Forget, want 0", s.Count())
	}
	fp.mu.Lock()
	_, stillThere := fp.data["gone:8333"]
	fp.mu.Unlock()
	if stillThere {
		t.Fatal("Forget should delete the persisted record too")
	}
}

func TestLoadHydratesFromPersistentStore(t *testing.T) {
	ctx := context.Background()
	fp := newFakePeerStore()
	seed := pool.NewStore(fp)
	seed.AddPing(ctx, "restored:8333", 40*time.Millisecond)
	waitForPersist(t, fp, "restored:8333")

	fresh := pool.NewStore(fp)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fresh.Count() != 1 {
		t.Fatalf("Count() after Load = %d, want 1", fresh.Count())
	}
}

func TestMergeOnlyTouchesUntrackedAddresses(t *testing.T) {
	ctx := context.Background()
	s := pool.NewStore(nil)

	s.AddPing(ctx, "known:8333", 10*time.Millisecond)
	before := s.Rating("known:8333")

	s.Merge(ctx, []string{"known:8333", "fresh:8333"})

	after := s.Rating("known:8333")
	if before != after {
		t.Fatalf("Merge must not disturb an already-tracked address's rating: before=%v after=%v", before, after)
	}
	if s.Count() != 2 {
		t.Fatalf("Count() = %d, want 2 after merging one new address", s.Count())
	}
}
