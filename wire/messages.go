// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/matrm/block-headers-client-go/header"
)

// Command names for the messages this client speaks.
const (
	CmdVersion    = "version"
	CmdVerAck     = "verack"
	CmdPing       = "ping"
	CmdPong       = "pong"
	CmdGetHeaders = "getheaders"
	CmdHeaders    = "headers"
	CmdGetAddr    = "getaddr"
	CmdAddr       = "addr"
	CmdInv        = "inv"
)

// InvType identifies the kind of item an inv/getdata vector refers to.
type InvType uint32

const (
	InvTypeError InvType = 0
	InvTypeTx    InvType = 1
	InvTypeBlock InvType = 2
)

// MalformedPayload is returned by every payload decoder on invalid input.
// It never implies the connection should be torn down; only a waiting
// correlator is failed.
type MalformedPayload struct {
	Command string
	Reason  string
}

func (e *MalformedPayload) Error() string {
	return fmt.Sprintf("wire: malformed %s payload: %s", e.Command, e.Reason)
}

func malformed(command, reason string) error {
	return &MalformedPayload{Command: command, Reason: reason}
}

// reverseHash returns a copy of a 32-byte hash with byte order reversed,
// matching the wire protocol's little-endian-on-the-wire, big-endian
// display convention for hashes.
func reverseHash(h chainhash.Hash) chainhash.Hash {
	var out chainhash.Hash
	for i := range h {
		out[len(h)-1-i] = h[i]
	}
	return out
}

// VersionMessage is the payload of the version handshake message.
type VersionMessage struct {
	ProtocolVersion int32
	Services        uint64
	Timestamp       int64
	AddrRecv        NetAddress
	AddrFrom        NetAddress
	Nonce           uint64
	UserAgent       string
	StartHeight     int32
	Relay           bool
}

func EncodeVersion(m VersionMessage) []byte {
	b := make([]byte, 0, 128)
	var buf8 [8]byte

	binary.LittleEndian.PutUint32(buf8[:4], uint32(m.ProtocolVersion))
	b = append(b, buf8[:4]...)

	binary.LittleEndian.PutUint64(buf8[:], m.Services)
	b = append(b, buf8[:]...)

	binary.LittleEndian.PutUint64(buf8[:], uint64(m.Timestamp))
	b = append(b, buf8[:]...)

	b = WriteNetAddress(b, m.AddrRecv)
	b = WriteNetAddress(b, m.AddrFrom)

	binary.LittleEndian.PutUint64(buf8[:], m.Nonce)
	b = append(b, buf8[:]...)

	b = WriteVarString(b, m.UserAgent)

	binary.LittleEndian.PutUint32(buf8[:4], uint32(m.StartHeight))
	b = append(b, buf8[:4]...)

	if m.Relay {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b
}

func DecodeVersion(payload []byte) (*VersionMessage, error) {
	var m VersionMessage
	off := 0

	need := func(n int) error {
		if len(payload)-off < n {
			return malformed(CmdVersion, "truncated")
		}
		return nil
	}

	if err := need(4); err != nil {
		return nil, err
	}
	m.ProtocolVersion = int32(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4

	if err := need(8); err != nil {
		return nil, err
	}
	m.Services = binary.LittleEndian.Uint64(payload[off : off+8])
	off += 8

	if err := need(8); err != nil {
		return nil, err
	}
	m.Timestamp = int64(binary.LittleEndian.Uint64(payload[off : off+8]))
	off += 8

	a, n, err := ReadNetAddress(payload[off:])
	if err != nil {
		return nil, malformed(CmdVersion, "addr_recv: "+err.Error())
	}
	m.AddrRecv = a
	off += n

	a, n, err = ReadNetAddress(payload[off:])
	if err != nil {
		return nil, malformed(CmdVersion, "addr_from: "+err.Error())
	}
	m.AddrFrom = a
	off += n

	if err := need(8); err != nil {
		return nil, err
	}
	m.Nonce = binary.LittleEndian.Uint64(payload[off : off+8])
	off += 8

	ua, n, err := ReadVarString(payload[off:])
	if err != nil {
		return nil, malformed(CmdVersion, "user_agent: "+err.Error())
	}
	m.UserAgent = ua
	off += n

	if err := need(4); err != nil {
		return nil, err
	}
	m.StartHeight = int32(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4

	if off < len(payload) {
		m.Relay = payload[off] != 0
	} else {
		m.Relay = true // pre-70001 peers omit the field; default to relay
	}

	return &m, nil
}

// EncodePing and DecodePingPong carry the 8-byte nonce that ping and
// pong payloads share.
func EncodePing(nonce uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, nonce)
	return b
}

func DecodePingPong(command string, payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, malformed(command, "expected 8-byte nonce")
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// EncodeGetHeaders builds a getheaders payload: protocol version, a
// count-prefixed list of reversed block-locator hashes, and a reversed
// stop hash (zero hash means "as many as you have").
func EncodeGetHeaders(version int32, locator []chainhash.Hash, stop chainhash.Hash) []byte {
	b := make([]byte, 0, 4+VarIntSize(uint64(len(locator)))+32*(len(locator)+1))
	var buf4 [4]byte
	binary.LittleEndian.PutUint32(buf4[:], uint32(version))
	b = append(b, buf4[:]...)

	b = WriteVarInt(b, uint64(len(locator)))
	for _, h := range locator {
		rh := reverseHash(h)
		b = append(b, rh[:]...)
	}
	rs := reverseHash(stop)
	b = append(b, rs[:]...)
	return b
}

type GetHeadersMessage struct {
	Version int32
	Locator []chainhash.Hash
	Stop    chainhash.Hash
}

func DecodeGetHeaders(payload []byte) (*GetHeadersMessage, error) {
	if len(payload) < 5 {
		return nil, malformed(CmdGetHeaders, "truncated")
	}
	m := &GetHeadersMessage{
		Version: int32(binary.LittleEndian.Uint32(payload[0:4])),
	}
	off := 4
	count, n, err := ReadVarInt(payload[off:])
	if err != nil {
		return nil, malformed(CmdGetHeaders, "locator count: "+err.Error())
	}
	off += n

	for i := uint64(0); i < count; i++ {
		if len(payload)-off < 32 {
			return nil, malformed(CmdGetHeaders, "truncated locator hash")
		}
		var h chainhash.Hash
		copy(h[:], payload[off:off+32])
		m.Locator = append(m.Locator, reverseHash(h))
		off += 32
	}

	if len(payload)-off < 32 {
		return nil, malformed(CmdGetHeaders, "truncated stop hash")
	}
	var stop chainhash.Hash
	copy(stop[:], payload[off:off+32])
	m.Stop = reverseHash(stop)

	return m, nil
}

// EncodeHeaders builds a headers payload from raw 80-byte serialized
// headers; tx_count is always encoded as 0 since this client never
// carries block bodies.
func EncodeHeaders(headers [][]byte) []byte {
	b := make([]byte, 0, VarIntSize(uint64(len(headers)))+len(headers)*(header.Size+1))
	b = WriteVarInt(b, uint64(len(headers)))
	for _, h := range headers {
		b = append(b, h...)
		b = WriteVarInt(b, 0)
	}
	return b
}

// DecodeHeaders parses a headers payload into raw 80-byte header buffers;
// each entry's tx_count is read and discarded.
func DecodeHeaders(payload []byte) ([][]byte, error) {
	count, off, err := ReadVarInt(payload)
	if err != nil {
		return nil, malformed(CmdHeaders, "count: "+err.Error())
	}

	headers := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(payload)-off < header.Size {
			return nil, malformed(CmdHeaders, "truncated header")
		}
		h := append([]byte(nil), payload[off:off+header.Size]...)
		off += header.Size

		_, n, err := ReadVarInt(payload[off:])
		if err != nil {
			return nil, malformed(CmdHeaders, "tx_count: "+err.Error())
		}
		off += n

		headers = append(headers, h)
	}
	return headers, nil
}

// InvVect is one entry of an inv message.
type InvVect struct {
	Type InvType
	Hash chainhash.Hash
}

func DecodeInv(payload []byte) ([]InvVect, error) {
	count, off, err := ReadVarInt(payload)
	if err != nil {
		return nil, malformed(CmdInv, "count: "+err.Error())
	}
	out := make([]InvVect, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(payload)-off < 36 {
			return nil, malformed(CmdInv, "truncated vector")
		}
		typ := InvType(binary.LittleEndian.Uint32(payload[off : off+4]))
		var h chainhash.Hash
		copy(h[:], payload[off+4:off+36])
		out = append(out, InvVect{Type: typ, Hash: reverseHash(h)})
		off += 36
	}
	return out, nil
}

func EncodeInv(vects []InvVect) []byte {
	b := make([]byte, 0, VarIntSize(uint64(len(vects)))+36*len(vects))
	b = WriteVarInt(b, uint64(len(vects)))
	for _, v := range vects {
		var buf4 [4]byte
		binary.LittleEndian.PutUint32(buf4[:], uint32(v.Type))
		b = append(b, buf4[:]...)
		rh := reverseHash(v.Hash)
		b = append(b, rh[:]...)
	}
	return b
}

// DecodeAddr parses a count-prefixed list of timestamped network
// addresses.
func DecodeAddr(payload []byte) ([]NetAddress, error) {
	count, off, err := ReadVarInt(payload)
	if err != nil {
		return nil, malformed(CmdAddr, "count: "+err.Error())
	}
	out := make([]NetAddress, 0, count)
	for i := uint64(0); i < count; i++ {
		a, n, err := ReadTimestampedNetAddress(payload[off:])
		if err != nil {
			return nil, malformed(CmdAddr, "entry: "+err.Error())
		}
		out = append(out, a)
		off += n
	}
	return out, nil
}

func EncodeAddr(addrs []NetAddress) []byte {
	b := make([]byte, 0, VarIntSize(uint64(len(addrs)))+30*len(addrs))
	b = WriteVarInt(b, uint64(len(addrs)))
	for _, a := range addrs {
		b = WriteTimestampedNetAddress(b, a)
	}
	return b
}
