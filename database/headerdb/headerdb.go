// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package headerdb defines the two persistent stores named in the
// external-interfaces contract: the header store (height -> 80-byte
// serialized header) and the peer metrics store (address -> encoded
// metrics record). Both stores live under a path segment that includes
// a schema version, so an incompatible on-disk change just means a
// fresh directory rather than a migration.
package headerdb

import "context"

// HeaderStore persists the canonical height-indexed header chain. The
// in-memory HeaderGraph is authoritative the instant a header is
// accepted; writes here are write-behind and advisory for restart only.
type HeaderStore interface {
	Open(ctx context.Context) error
	Close() error

	// PutBatch durably applies puts and deletes atomically. Values in
	// puts are exactly 80 bytes.
	PutBatch(ctx context.Context, puts map[uint64][]byte, dels []uint64) error

	// Get returns the 80-byte header at height, or a NotFoundError.
	Get(ctx context.Context, height uint64) ([]byte, error)

	// Iter visits every stored (height, header) pair in ascending
	// height order.
	Iter(ctx context.Context, fn func(height uint64, raw []byte) error) error
}

// PeerStore persists the PeerPool's metrics records, keyed by the
// peer's "ip:port" address. Values are opaque to this package; the pool
// owns their encoding.
type PeerStore interface {
	Open(ctx context.Context) error
	Close() error

	Put(ctx context.Context, address string, value []byte) error
	Get(ctx context.Context, address string) ([]byte, error)
	Delete(ctx context.Context, address string) error

	// All visits every stored (address, value) pair; order is
	// unspecified.
	All(ctx context.Context, fn func(address string, value []byte) error) error
}
