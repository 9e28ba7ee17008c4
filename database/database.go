// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package database holds the small set of types and typed errors shared
// by every persistent store: the header store and the peer metrics
// store alike.
package database

import (
	"errors"
	"time"
)

// ByteArray is a fixed-purpose alias used for keys and values that are
// conceptually opaque bytes (hashes, encoded records) rather than text.
type ByteArray []byte

// Timestamp wraps time.Time with the JSON representation the stores use
// on disk (Unix seconds), so stored records stay stable across the
// standard library's RFC3339 formatting changes.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns a Timestamp truncated to second precision, which
// is all the on-disk format preserves.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.Truncate(time.Second)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(formatUnix(t.Unix())), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	sec, err := parseUnix(b)
	if err != nil {
		return err
	}
	t.Time = time.Unix(sec, 0).UTC()
	return nil
}

func formatUnix(sec int64) string {
	return itoa(sec)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func parseUnix(b []byte) (int64, error) {
	var v int64
	neg := false
	i := 0
	if len(b) > 0 && b[0] == '-' {
		neg = true
		i = 1
	}
	if i == len(b) {
		return 0, errors.New("database: empty timestamp")
	}
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, errors.New("database: invalid timestamp")
		}
		v = v*10 + int64(b[i]-'0')
	}
	if neg {
		v = -v
	}
	return v, nil
}

// NotFoundError is returned when a requested record does not exist.
type NotFoundError string

func (e NotFoundError) Error() string { return string(e) }

// DuplicateError is returned when an insert would violate a uniqueness
// rule the store enforces (e.g. re-inserting an existing header).
type DuplicateError string

func (e DuplicateError) Error() string { return string(e) }

// ErrZeroRows is returned by bulk operations that were asked to operate
// on an empty input set.
var ErrZeroRows = errors.New("database: zero rows")
