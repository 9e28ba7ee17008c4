// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package header implements the 80-byte Bitcoin-family block header codec:
// parsing, serialization, hashing and proof-of-work/target/work derivation.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Size is the fixed wire size of a block header.
const Size = 80

var (
	// ErrInvalidSize is returned when the input buffer is not exactly
	// Size bytes long.
	ErrInvalidSize = errors.New("header: invalid size")

	// ErrInvalidProofOfWork is returned when a header's hash does not
	// satisfy its own encoded target.
	ErrInvalidProofOfWork = errors.New("header: invalid proof of work")

	// ErrZeroTarget is returned by Work when a header's bits field
	// decodes to a zero or negative target; this should never happen
	// for a header that already passed ParseOptions verification.
	ErrZeroTarget = errors.New("header: zero target")
)

// Header is a parsed 80-byte Bitcoin-family block header.
type Header struct {
	Version    int32
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
}

// ParseOptions controls Parse's behavior.
type ParseOptions struct {
	// SkipPoW disables the hash<=target check. Used by tests and by
	// storage layers reconstructing headers already known to be valid.
	SkipPoW bool
}

// Parse decodes exactly Size bytes into a Header, verifying proof of work
// unless opts.SkipPoW is set.
func Parse(b []byte, opts ParseOptions) (*Header, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSize, len(b))
	}

	h := &Header{
		Version:   int32(binary.LittleEndian.Uint32(b[0:4])),
		Timestamp: binary.LittleEndian.Uint32(b[68:72]),
		Bits:      binary.LittleEndian.Uint32(b[72:76]),
		Nonce:     binary.LittleEndian.Uint32(b[76:80]),
	}
	copy(h.PrevHash[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])

	if !opts.SkipPoW {
		hash := Hash(b)
		target := Target(h.Bits)
		hashInt := new(big.Int).SetBytes(reverse(hash[:]))
		if target.Sign() <= 0 || hashInt.Cmp(target) > 0 {
			return nil, fmt.Errorf("%w: hash %v bits %08x", ErrInvalidProofOfWork, hash, h.Bits)
		}
	}

	return h, nil
}

// Serialize encodes h back into its canonical 80-byte wire form. Parse and
// Serialize are inverses for any Header produced by Parse.
func (h *Header) Serialize() []byte {
	b := make([]byte, Size)
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Version))
	copy(b[4:36], h.PrevHash[:])
	copy(b[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(b[68:72], h.Timestamp)
	binary.LittleEndian.PutUint32(b[72:76], h.Bits)
	binary.LittleEndian.PutUint32(b[76:80], h.Nonce)
	return b
}

// Hash computes the double-SHA-256 hash of an 80-byte serialized header.
// The returned chainhash.Hash prints as the reversed (big-endian) hex
// string used throughout the wire protocol and block explorers.
func Hash(serialized []byte) chainhash.Hash {
	return chainhash.DoubleHashH(serialized)
}

// HeaderHash is a convenience wrapper computing Hash(h.Serialize()).
func (h *Header) HeaderHash() chainhash.Hash {
	return Hash(h.Serialize())
}

// Target decodes the compact "bits" encoding into the full-width integer
// target: coefficient * 2^(8*(exponent-3)).
func Target(bits uint32) *big.Int {
	return blockchain.CompactToBig(bits)
}

// CompactBits re-encodes a target as the compact "bits" form.
func CompactBits(target *big.Int) uint32 {
	return blockchain.BigToCompact(target)
}

// Work returns floor(2^256 / target), the expected number of hashes
// required to produce one header meeting this target.
func Work(bits uint32) (*big.Int, error) {
	target := Target(bits)
	if target.Sign() <= 0 {
		return nil, ErrZeroTarget
	}

	numerator := new(big.Int).Lsh(big.NewInt(1), 256)
	return new(big.Int).Div(numerator, target), nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
