// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package header_test

import (
	"encoding/hex"
	"testing"

	"github.com/matrm/block-headers-client-go/header"
)

// easyFixtureHex is a synthetic 80-byte header with a very easy target
// (bits 0x207fffff) so any small nonce satisfies proof of work; used for
// round-trip and hashing tests where PoW difficulty is irrelevant.
const easyFixtureHex = "0100000000000000000000000000000000000000000000000000000000000000000000001111" +
	"11111111111111111111111111111111111111111111111111111111111100105e5fffff7f2001000000"

const easyFixtureHashHex = "348b6b323d4c912c9984ad39725dac2bbea8b8aee7c4bfaae05ced034299af9f"

// hardFixtureHex carries a tighter target (bits 0x1f008000) and a nonce
// found by brute force so that a single corrupted byte reliably fails the
// proof-of-work check, unlike easyFixtureHex's near-maximal target.
const hardFixtureHex = "01000000000000000000000000000000000000000000000000000000000000000000000022222222" +
	"2222222222222222222222222222222222222222222222222222222200f153650080001ff2b60200"

func decodeFixture(t *testing.T, h string) []byte {
	t.Helper()
	b, err := hex.DecodeString(h)
	if err != nil {
		t.Fatalf("decode fixture hex: %v", err)
	}
	if len(b) != header.Size {
		t.Fatalf("fixture wrong length: got %d want %d", len(b), header.Size)
	}
	return b
}

func TestParseInvalidSize(t *testing.T) {
	_, err := header.Parse(make([]byte, header.Size-1), header.ParseOptions{})
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	raw := decodeFixture(t, easyFixtureHex)

	h, err := header.Parse(raw, header.ParseOptions{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got := h.Serialize()
	if hex.EncodeToString(got) != hex.EncodeToString(raw) {
		t.Fatalf("round trip mismatch:\n got  %x\n want %x", got, raw)
	}
}

func TestParseRejectsBadProofOfWork(t *testing.T) {
	raw := decodeFixture(t, hardFixtureHex)

	// The unmodified fixture must pass.
	if _, err := header.Parse(raw, header.ParseOptions{}); err != nil {
		t.Fatalf("Parse valid fixture: %v", err)
	}

	// Corrupting the nonce must fail the PoW check under a target this
	// tight.
	corrupted := append([]byte(nil), raw...)
	corrupted[79] ^= 0xff
	if _, err := header.Parse(corrupted, header.ParseOptions{}); err == nil {
		t.Fatal("expected proof-of-work rejection after corrupting nonce")
	}

	// SkipPoW must accept the same malformed bytes.
	if _, err := header.Parse(corrupted, header.ParseOptions{SkipPoW: true}); err != nil {
		t.Fatalf("SkipPoW parse: %v", err)
	}
}

func TestHashIsStableAndDeterministic(t *testing.T) {
	raw := decodeFixture(t, easyFixtureHex)
	h1 := header.Hash(raw)
	h2 := header.Hash(raw)
	if h1 != h2 {
		t.Fatalf("Hash is not deterministic: %v != %v", h1, h2)
	}
	if h1.String() != easyFixtureHashHex {
		t.Fatalf("fixture hash mismatch: got %s want %s", h1.String(), easyFixtureHashHex)
	}
}

func TestTargetMonotonicWithBits(t *testing.T) {
	// A larger exponent byte (all else equal) must decode to a larger
	// target.
	small := header.Target(0x1d00ffff)
	big := header.Target(0x1e00ffff)
	if big.Cmp(small) <= 0 {
		t.Fatalf("expected larger bits exponent to produce a larger target")
	}
}

func TestWorkDecreasesAsTargetGrows(t *testing.T) {
	easyWork, err := header.Work(0x1e00ffff) // larger target, less work
	if err != nil {
		t.Fatalf("Work(easy): %v", err)
	}
	hardWork, err := header.Work(0x1d00ffff) // smaller target, more work
	if err != nil {
		t.Fatalf("Work(hard): %v", err)
	}
	if hardWork.Cmp(easyWork) <= 0 {
		t.Fatalf("expected harder target to require more cumulative work")
	}
}

func TestWorkZeroTarget(t *testing.T) {
	// A zero coefficient decodes to a zero target regardless of exponent.
	if _, err := header.Work(0x01000000); err != header.ErrZeroTarget {
		t.Fatalf("expected ErrZeroTarget, got %v", err)
	}
}

func TestCompactBitsRoundTrip(t *testing.T) {
	const bits = 0x1d00ffff
	target := header.Target(bits)
	got := header.CompactBits(target)
	if got != bits {
		t.Fatalf("CompactBits round trip: got %08x want %08x", got, bits)
	}
}
