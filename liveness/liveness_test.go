// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package liveness_test

import (
	"context"
	"testing"
	"time"

	"github.com/matrm/block-headers-client-go/liveness"
)

func scriptedProber(results ...bool) liveness.Prober {
	i := 0
	return func(ctx context.Context, url string) bool {
		if i >= len(results) {
			return false
		}
		r := results[i]
		i++
		return r
	}
}

func TestNewSeedsAsOnline(t *testing.T) {
	m := liveness.New(liveness.Config{Prober: scriptedProber(false)})
	if !m.IsOnline() {
		t.Fatal("a freshly constructed Monitor should report online")
	}
}

func TestProbeOnceStopsAtFirstSuccess(t *testing.T) {
	calls := 0
	prober := func(ctx context.Context, url string) bool {
		calls++
		return calls == 2
	}
	m := liveness.New(liveness.Config{
		URLs:   []string{"a", "b", "c"},
		Prober: prober,
	})
	if !m.ProbeOnce(context.Background()) {
		t.Fatal("ProbeOnce should succeed once any URL succeeds")
	}
	if calls != 2 {
		t.Fatalf("probed %d URLs, want to stop at the 2nd", calls)
	}
}

func TestProbeOnceReturnsFalseWhenAllFail(t *testing.T) {
	m := liveness.New(liveness.Config{
		URLs:   []string{"a", "b"},
		Prober: scriptedProber(false, false),
	})
	if m.ProbeOnce(context.Background()) {
		t.Fatal("ProbeOnce should fail when every URL fails")
	}
}

func TestIsOnlineExpiresAfterTwoIntervalsWithoutASuccessfulProbe(t *testing.T) {
	m := liveness.New(liveness.Config{
		Interval: 10 * time.Millisecond,
		Prober:   scriptedProber(false),
	})
	if !m.IsOnline() {
		t.Fatal("should still be within the seeded-online grace period")
	}
	time.Sleep(30 * time.Millisecond)
	if m.IsOnline() {
		t.Fatal("should report offline once more than 2 intervals have passed without a successful probe")
	}
}

func TestLastConnectionAtAdvancesOnSuccess(t *testing.T) {
	m := liveness.New(liveness.Config{Prober: scriptedProber(false)})
	before := m.LastConnectionAt()
	time.Sleep(5 * time.Millisecond)

	m2 := liveness.New(liveness.Config{Prober: scriptedProber(true)})
	if !m2.ProbeOnce(context.Background()) {
		t.Fatal("expected the probe to succeed")
	}
	if !m2.LastConnectionAt().After(before) {
		t.Fatal("a successful probe should advance LastConnectionAt")
	}
}

func TestHTTPProberFailsOnUnreachableAddress(t *testing.T) {
	// HTTPProber against a closed local port must fail cleanly rather
	// than hang or panic.
	prober := liveness.HTTPProber(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if prober(ctx, "http://127.0.0.1:1") {
		t.Fatal("expected a connection to a closed local port to fail")
	}
}
