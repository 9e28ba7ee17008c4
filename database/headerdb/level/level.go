// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package level implements headerdb.HeaderStore and headerdb.PeerStore
// on top of goleveldb, one table per store, with the persisted layout
// "<home>/<version>/headers" and "<home>/<version>/nodes/legacy". The
// chain name is not part of the path.
package level

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/matrm/block-headers-client-go/database"
	dblevel "github.com/matrm/block-headers-client-go/database/level"
)

func notFoundHeader(height uint64) error {
	return database.NotFoundError(fmt.Sprintf("headerdb: no header at height %d", height))
}

func notFoundPeer(address string) error {
	return database.NotFoundError(fmt.Sprintf("peerdb: no record for %s", address))
}

var log = loggo.GetLogger("headerdb/level")

const schemaVersion = 1

const (
	tableHeaders = "headers"
	tablePeers   = "nodes/legacy"
)

// heightKey encodes height as a big-endian 8-byte key so lexicographic
// leveldb iteration order matches numeric height order.
func heightKey(height uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return b[:]
}

func keyHeight(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

// HeaderStore is the leveldb-backed headerdb.HeaderStore.
type HeaderStore struct {
	home string
	db   *dblevel.Database
}

// NewHeaderStore constructs a HeaderStore rooted at home; Open must be
// called before use.
func NewHeaderStore(home string) *HeaderStore {
	return &HeaderStore{home: home}
}

func (s *HeaderStore) Open(ctx context.Context) error {
	db, err := dblevel.New(ctx, s.home, schemaVersion, tableHeaders)
	if err != nil {
		return fmt.Errorf("headerdb: open: %w", err)
	}
	s.db = db
	log.Debugf("headerdb: opened header store at %s", s.home)
	return nil
}

func (s *HeaderStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *HeaderStore) table() *leveldb.DB {
	return s.db.DB()[tableHeaders]
}

func (s *HeaderStore) PutBatch(ctx context.Context, puts map[uint64][]byte, dels []uint64) error {
	if len(puts) == 0 && len(dels) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for height, raw := range puts {
		batch.Put(heightKey(height), raw)
	}
	for _, height := range dels {
		batch.Delete(heightKey(height))
	}
	if err := s.table().Write(batch, nil); err != nil {
		return fmt.Errorf("headerdb: put batch: %w", err)
	}
	return nil
}

func (s *HeaderStore) Get(ctx context.Context, height uint64) ([]byte, error) {
	v, err := s.table().Get(heightKey(height), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, notFoundHeader(height)
		}
		return nil, fmt.Errorf("headerdb: get: %w", err)
	}
	return append([]byte(nil), v...), nil
}

func (s *HeaderStore) Iter(ctx context.Context, fn func(height uint64, raw []byte) error) error {
	it := s.table().NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		if err := fn(keyHeight(it.Key()), append([]byte(nil), it.Value()...)); err != nil {
			return err
		}
	}
	return it.Error()
}

// PeerStore is the leveldb-backed headerdb.PeerStore.
type PeerStore struct {
	home string
	db   *dblevel.Database
}

func NewPeerStore(home string) *PeerStore {
	return &PeerStore{home: home}
}

func (s *PeerStore) Open(ctx context.Context) error {
	db, err := dblevel.New(ctx, s.home, schemaVersion, tablePeers)
	if err != nil {
		return fmt.Errorf("peerdb: open: %w", err)
	}
	s.db = db
	log.Debugf("headerdb: opened peer store at %s", s.home)
	return nil
}

func (s *PeerStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PeerStore) table() *leveldb.DB {
	return s.db.DB()[tablePeers]
}

func (s *PeerStore) Put(ctx context.Context, address string, value []byte) error {
	if err := s.table().Put([]byte(address), value, nil); err != nil {
		return fmt.Errorf("peerdb: put: %w", err)
	}
	return nil
}

func (s *PeerStore) Get(ctx context.Context, address string) ([]byte, error) {
	v, err := s.table().Get([]byte(address), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, notFoundPeer(address)
		}
		return nil, fmt.Errorf("peerdb: get: %w", err)
	}
	return append([]byte(nil), v...), nil
}

func (s *PeerStore) Delete(ctx context.Context, address string) error {
	if err := s.table().Delete([]byte(address), nil); err != nil {
		return fmt.Errorf("peerdb: delete: %w", err)
	}
	return nil
}

func (s *PeerStore) All(ctx context.Context, fn func(address string, value []byte) error) error {
	it := s.table().NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		addr := string(append([]byte(nil), it.Key()...))
		val := append([]byte(nil), it.Value()...)
		if err := fn(addr, val); err != nil {
			return err
		}
	}
	return it.Error()
}
