// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package level is the generic per-table leveldb pool that every
// concrete store (headerdb's headers table and peers table) is built
// on. It owns the on-disk layout convention: one leveldb instance per
// named table, rooted at <home>/<version>/<table>.
package level

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"
)

var log = loggo.GetLogger("level")

// Pool maps a table name to its opened leveldb handle.
type Pool map[string]*leveldb.DB

// Database is a set of leveldb tables sharing a version directory.
type Database struct {
	home    string
	version int
	pool    Pool
}

// New opens (creating if necessary) one leveldb instance per name under
// home/<version>/<name>.
func New(ctx context.Context, home string, version int, names ...string) (*Database, error) {
	versionDir := filepath.Join(home, fmt.Sprintf("%d", version))
	if err := os.MkdirAll(versionDir, 0o700); err != nil {
		return nil, fmt.Errorf("level: mkdir: %w", err)
	}

	pool := make(Pool, len(names))
	for _, name := range names {
		dir := filepath.Join(versionDir, name)
		db, err := leveldb.OpenFile(dir, nil)
		if err != nil {
			for _, opened := range pool {
				opened.Close()
			}
			return nil, fmt.Errorf("level: open %s: %w", name, err)
		}
		pool[name] = db
	}

	log.Debugf("level: opened %d table(s) under %s", len(pool), versionDir)
	return &Database{home: home, version: version, pool: pool}, nil
}

// DB returns the underlying table pool.
func (d *Database) DB() Pool { return d.pool }

// Close closes every table, returning the first error encountered.
func (d *Database) Close() error {
	var first error
	for name, db := range d.pool {
		if err := db.Close(); err != nil && first == nil {
			first = fmt.Errorf("level: close %s: %w", name, err)
		}
	}
	return first
}
