// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
)

// ReadVarInt reads a canonical 1/3/5/9-byte variable-length integer from b,
// returning the decoded value and the number of bytes consumed.
func ReadVarInt(b []byte) (uint64, int, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("varint: empty buffer")
	}

	switch b[0] {
	case 0xff:
		if len(b) < 9 {
			return 0, 0, fmt.Errorf("varint: need 9 bytes, have %d", len(b))
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, nil
	case 0xfe:
		if len(b) < 5 {
			return 0, 0, fmt.Errorf("varint: need 5 bytes, have %d", len(b))
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5, nil
	case 0xfd:
		if len(b) < 3 {
			return 0, 0, fmt.Errorf("varint: need 3 bytes, have %d", len(b))
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, nil
	default:
		return uint64(b[0]), 1, nil
	}
}

// WriteVarInt appends the canonical variable-length encoding of v to b,
// returning the extended slice.
func WriteVarInt(b []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(b, byte(v))
	case v <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(v))
		return append(b, buf...)
	case v <= 0xffffffff:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(v))
		return append(b, buf...)
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], v)
		return append(b, buf...)
	}
}

// VarIntSize returns the number of bytes WriteVarInt would emit for v.
func VarIntSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// ReadVarString reads a varint-length-prefixed UTF-8 string.
func ReadVarString(b []byte) (string, int, error) {
	n, consumed, err := ReadVarInt(b)
	if err != nil {
		return "", 0, fmt.Errorf("varstring length: %w", err)
	}
	if uint64(len(b)-consumed) < n {
		return "", 0, fmt.Errorf("varstring: need %d bytes, have %d", n, len(b)-consumed)
	}
	return string(b[consumed : consumed+int(n)]), consumed + int(n), nil
}

// WriteVarString appends a varint-length-prefixed string to b.
func WriteVarString(b []byte, s string) []byte {
	b = WriteVarInt(b, uint64(len(s)))
	return append(b, s...)
}
