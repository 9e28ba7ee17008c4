// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package pool implements PeerPool: per-address reputation (PeerMetrics
// and rating), the worker pool that maintains a target number of
// verified sessions, the 30-minute health monitor, and the
// mass-disconnect Sybil defense.
package pool

import (
	"math"
	"time"
)

const maxDequeLen = 10

// pingSample is one ping/pong round trip observation.
type pingSample struct {
	at       time.Time
	duration time.Duration
}

// Metrics is the full reputation record kept for one peer address.
// Every field is read-modify-written under the owning Store's lock;
// Metrics itself has no internal locking.
type Metrics struct {
	Address string

	pings              []pingSample
	disconnectsBefore  []time.Time
	disconnectsAfter   []time.Time
	lastSeen           time.Time
	lastConnect        time.Time
	lastConnectAndTest time.Time
	lastDataReceived   time.Time
	lastOutOfSync      time.Time
	lastInvalidChain   time.Time

	ratingCache     float64
	ratingCacheAt   time.Time
	blacklistedHint bool
}

func pushCapped[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > maxDequeLen {
		s = s[len(s)-maxDequeLen:]
	}
	return s
}

func (m *Metrics) touchSeen(now time.Time) {
	if now.After(m.lastSeen) {
		m.lastSeen = now
	}
}

func (m *Metrics) addPing(now time.Time, d time.Duration) {
	m.pings = pushCapped(m.pings, pingSample{at: now, duration: d})
	m.touchSeen(now)
}

func (m *Metrics) addLastConnect(now time.Time) {
	m.lastConnect = now
	m.touchSeen(now)
}

func (m *Metrics) addLastConnectAndTest(now time.Time) {
	m.lastConnectAndTest = now
	m.touchSeen(now)
}

func (m *Metrics) addDataReceived(now time.Time) {
	m.lastDataReceived = now
	m.touchSeen(now)
}

func (m *Metrics) addOutOfSync(now time.Time) {
	m.lastOutOfSync = now
	m.touchSeen(now)
}

func (m *Metrics) addInvalidChain(now time.Time) {
	m.lastInvalidChain = now
	m.touchSeen(now)
}

func (m *Metrics) addSeen(now time.Time) {
	m.touchSeen(now)
}

// addUnintentionalDisconnect routes the event by recency of connect
// activity: within 4 weeks of the most recent connect/ping, it is an
// after-connect disconnect; otherwise before-connect (§4.5.2).
func (m *Metrics) addUnintentionalDisconnect(now time.Time) {
	mostRecentActivity := m.lastConnect
	if lastPing := m.lastPingTime(); lastPing.After(mostRecentActivity) {
		mostRecentActivity = lastPing
	}
	if now.Sub(mostRecentActivity) <= 4*7*24*time.Hour {
		m.disconnectsAfter = pushCapped(m.disconnectsAfter, now)
	} else {
		m.disconnectsBefore = pushCapped(m.disconnectsBefore, now)
	}
	m.touchSeen(now)
}

func (m *Metrics) lastPingTime() time.Time {
	if len(m.pings) == 0 {
		return time.Time{}
	}
	return m.pings[len(m.pings)-1].at
}

const day = 24 * time.Hour

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// daysSince returns the number of days (float) between t and now, or a
// very large number if t is zero (never happened).
func daysSince(now time.Time, t time.Time) float64 {
	if t.IsZero() {
		return math.Inf(1)
	}
	return now.Sub(t).Hours() / 24
}

// pingSubscore implements §4.5.1's ping row: a recency-weighted average
// over up to the last 10 pings of a latency sigmoid, floored at 0.1,
// defaulting to 0.25 when there is no ping history.
func (m *Metrics) pingSubscore(now time.Time) float64 {
	if len(m.pings) == 0 {
		return 0.25
	}

	var weightedSum, weightSum float64
	for _, p := range m.pings {
		age := now.Sub(p.at)
		weight := math.Exp(-age.Hours() / 24 / 7)
		ms := float64(p.duration.Milliseconds())
		score := 1 / (1 + math.Exp(0.0022*(ms-2000)))
		if score < 0.1 {
			score = 0.1
		}
		weightedSum += weight * score
		weightSum += weight
	}
	if weightSum == 0 {
		return 0.25
	}
	return weightedSum / weightSum
}

// disconnectBeforeSubscore implements the disconnect-before-connect row.
func (m *Metrics) disconnectBeforeSubscore(now time.Time) float64 {
	if len(m.disconnectsBefore) == 0 {
		return 1.0
	}
	last := m.disconnectsBefore[len(m.disconnectsBefore)-1]
	ageDays := daysSince(now, last)
	if last.Before(m.lastSeen) {
		// The peer was subsequently seen through other peers;
		// treat as likely reputable.
		ageDays += 10
	}
	return sigmoid(0.4 * (ageDays - 22))
}

// disconnectAfterSubscore implements the disconnect-after-connect row:
// clustered recent disconnects crash the score.
func (m *Metrics) disconnectAfterSubscore(now time.Time) float64 {
	events := m.disconnectsAfter
	if len(events) == 0 {
		return 1.0
	}

	var maxCombined float64
	for i, ti := range events {
		recency := math.Exp(-now.Sub(ti).Hours() / 24 / 7)
		var amplification float64
		for j, tj := range events {
			if i == j {
				continue
			}
			diff := ti.Sub(tj)
			if diff < 0 {
				diff = -diff
			}
			amplification += math.Exp(-diff.Hours() / 4)
		}
		// An event always at least amplifies itself.
		amplification += 1
		combined := recency * amplification
		if combined > maxCombined {
			maxCombined = combined
		}
	}
	return 1 / (1 + 0.5*math.Pow(2.7*maxCombined, 5))
}

func (m *Metrics) outOfSyncSubscore(now time.Time) float64 {
	if m.lastOutOfSync.IsZero() {
		return 1.0
	}
	return sigmoid(0.98 * (daysSince(now, m.lastOutOfSync) - 3))
}

func (m *Metrics) invalidChainSubscore(now time.Time) float64 {
	if m.lastInvalidChain.IsZero() {
		return 1.0
	}
	return sigmoid(0.049 * (daysSince(now, m.lastInvalidChain) - 70))
}

// connectRecencySubscore rescales its sigmoid into [0.8, 1], neutral at
// 0.5 if the peer has never connected.
func (m *Metrics) connectRecencySubscore(now time.Time) float64 {
	latest := m.lastConnect
	if m.lastConnectAndTest.After(latest) {
		latest = m.lastConnectAndTest
	}
	if m.lastDataReceived.After(latest) {
		latest = m.lastDataReceived
	}
	if latest.IsZero() {
		return 0.5
	}
	s := sigmoid(0.25 * (daysSince(now, latest) - 30))
	return 0.8 + 0.2*s
}

const ratingEpsilon = 1e-6

type subscoreWeight struct {
	score  float64
	weight float64
}

// Rating computes the weighted geometric mean of all six subscores,
// each floored at ratingEpsilon.
func (m *Metrics) Rating(now time.Time) float64 {
	subs := []subscoreWeight{
		{m.pingSubscore(now), 0.60},
		{m.disconnectBeforeSubscore(now), 0.30},
		{m.disconnectAfterSubscore(now), 0.30},
		{m.outOfSyncSubscore(now), 0.38},
		{m.invalidChainSubscore(now), 0.50},
		{m.connectRecencySubscore(now), 0.20},
	}

	var logSum, weightSum float64
	for _, sw := range subs {
		v := sw.score
		if v < ratingEpsilon {
			v = ratingEpsilon
		}
		logSum += sw.weight * math.Log(v)
		weightSum += sw.weight
	}
	if weightSum == 0 {
		return ratingEpsilon
	}
	return math.Exp(logSum / weightSum)
}
