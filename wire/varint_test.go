// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package wire_test

import (
	"testing"

	"github.com/matrm/block-headers-client-go/wire"
)

func TestVarIntRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 0xfc, 0xfd, 0xfe, 0xff,
		0xffff, 0x10000, 0xffffffff, 0x100000000,
		1 << 40, ^uint64(0),
	}
	for _, v := range values {
		b := wire.WriteVarInt(nil, v)
		if len(b) != wire.VarIntSize(v) {
			t.Errorf("v=%d: WriteVarInt produced %d bytes, VarIntSize says %d", v, len(b), wire.VarIntSize(v))
		}
		got, n, err := wire.ReadVarInt(b)
		if err != nil {
			t.Fatalf("v=%d: ReadVarInt: %v", v, err)
		}
		if got != v {
			t.Errorf("v=%d: round trip got %d", v, got)
		}
		if n != len(b) {
			t.Errorf("v=%d: consumed %d, want %d", v, n, len(b))
		}
	}
}

func TestVarIntCanonicalPrefixSizes(t *testing.T) {
	cases := []struct {
		v    uint64
		size int
	}{
		{0, 1}, {0xfc, 1}, {0xfd, 3}, {0xffff, 3}, {0x10000, 5}, {0xffffffff, 5}, {0x100000000, 9},
	}
	for _, c := range cases {
		if got := wire.VarIntSize(c.v); got != c.size {
			t.Errorf("VarIntSize(%d) = %d, want %d", c.v, got, c.size)
		}
	}
}

func TestReadVarIntTruncated(t *testing.T) {
	cases := [][]byte{
		{},
		{0xfd, 0x01},
		{0xfe, 0x01, 0x02, 0x03},
		{0xff, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
	}
	for _, b := range cases {
		if _, _, err := wire.ReadVarInt(b); err == nil {
			t.Errorf("ReadVarInt(%x): expected error for truncated input", b)
		}
	}
}

func TestVarStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "/block-headers-client:0.1.0/"} {
		b := wire.WriteVarString(nil, s)
		got, n, err := wire.ReadVarString(b)
		if err != nil {
			t.Fatalf("s=%q: ReadVarString: %v", s, err)
		}
		if got != s {
			t.Errorf("s=%q: got %q", s, got)
		}
		if n != len(b) {
			t.Errorf("s=%q: consumed %d want %d", s, n, len(b))
		}
	}
}

func TestReadVarStringTruncatedBody(t *testing.T) {
	b := wire.WriteVarInt(nil, 10) // claims 10 bytes, provides none
	if _, _, err := wire.ReadVarString(b); err == nil {
		t.Fatal("expected error for truncated varstring body")
	}
}
