// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package wire implements the Bitcoin-family peer-to-peer wire protocol:
// message framing, checksums, variable-length integers, network address
// records and the payload codecs for the handful of messages this client
// speaks (version, verack, ping/pong, getheaders, headers, getaddr, addr,
// inv).
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Magic identifies a peer-to-peer network by its 4-byte magic constant.
type Magic uint32

// FrameHeaderSize is the size of the 24-byte frame header preceding every
// message payload: 4-byte magic, 12-byte command, 4-byte LE length, 4-byte
// checksum.
const FrameHeaderSize = 4 + 12 + 4 + 4

// MaxPayloadSize bounds a single message's payload to guard against a
// malicious peer declaring an enormous length.
const MaxPayloadSize = 32 * 1024 * 1024

// Frame is one decoded message: its 12-byte command (NUL-trimmed) and raw
// payload.
type Frame struct {
	Command string
	Payload []byte
}

// FrameError records a frame whose payload did not match its declared
// checksum, so the caller can log it without losing framing sync.
type FrameError struct {
	Command string
	Reason  string
}

func (e FrameError) Error() string {
	return fmt.Sprintf("wire: frame error on %q: %s", e.Command, e.Reason)
}

func checksum(payload []byte) [4]byte {
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	var c [4]byte
	copy(c[:], h2[:4])
	return c
}

func commandBytes(command string) [12]byte {
	var c [12]byte
	copy(c[:], command)
	return c
}

func commandString(c [12]byte) string {
	return string(bytes.TrimRight(c[:], "\x00"))
}

// EncodeFrame encodes command and payload into a complete wire message: 24-byte
// header followed by the payload.
func EncodeFrame(magic Magic, command string, payload []byte) []byte {
	out := make([]byte, 0, FrameHeaderSize+len(payload))
	var magicBuf [4]byte
	binary.LittleEndian.PutUint32(magicBuf[:], uint32(magic))
	out = append(out, magicBuf[:]...)

	cmd := commandBytes(command)
	out = append(out, cmd[:]...)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)

	cksum := checksum(payload)
	out = append(out, cksum[:]...)

	return append(out, payload...)
}

// DeframeResult is the outcome of a single Deframe call.
type DeframeResult struct {
	Messages  []Frame
	Remaining []byte
	Errors    []FrameError
}

// Deframe slides forward through buf looking for magic, extracting as many
// complete frames as are present. It is pure and restartable: callers
// append newly received bytes to Remaining before calling Deframe again.
//
// If magic is found but the declared payload length would exceed the
// remaining buffer, Deframe stops and returns the buffer from that point
// as Remaining so the caller can wait for more bytes. If a frame's
// checksum fails, the frame is recorded as an error and framing resumes
// immediately after it (the declared length is still trusted to skip
// past the bad payload).
func Deframe(buf []byte, magic Magic) DeframeResult {
	var result DeframeResult

	var magicBuf [4]byte
	binary.LittleEndian.PutUint32(magicBuf[:], uint32(magic))

	for {
		idx := bytes.Index(buf, magicBuf[:])
		if idx < 0 {
			// No magic anywhere in the buffer; keep only the last
			// 3 bytes in case a partial magic straddles a future
			// read.
			if len(buf) > 3 {
				buf = buf[len(buf)-3:]
			}
			result.Remaining = buf
			return result
		}
		buf = buf[idx:]

		if len(buf) < FrameHeaderSize {
			result.Remaining = buf
			return result
		}

		length := binary.LittleEndian.Uint32(buf[16:20])
		if length > MaxPayloadSize {
			// Treat as garbage magic match; skip one byte and
			// keep scanning rather than stalling forever.
			buf = buf[1:]
			continue
		}
		total := FrameHeaderSize + int(length)
		if len(buf) < total {
			result.Remaining = buf
			return result
		}

		var cmdArr [12]byte
		copy(cmdArr[:], buf[4:16])
		command := commandString(cmdArr)
		declaredChecksum := buf[20:24]
		payload := buf[FrameHeaderSize:total]

		actual := checksum(payload)
		if !bytes.Equal(actual[:], declaredChecksum) {
			result.Errors = append(result.Errors, FrameError{
				Command: command,
				Reason:  "checksum mismatch",
			})
			buf = buf[total:]
			continue
		}

		result.Messages = append(result.Messages, Frame{
			Command: command,
			Payload: append([]byte(nil), payload...),
		})
		buf = buf[total:]
	}
}
