// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// NetAddress is a network address record as carried in version and addr
// messages: 8-byte LE services, 16-byte IP (IPv4 mapped as ::ffff:a.b.c.d),
// 2-byte big-endian port.
type NetAddress struct {
	Timestamp uint32 // present only in addr entries, zero in version
	Services  uint64
	IP        net.IP
	Port      uint16
}

// netAddrSize is the byte size of the services+ip+port triple, without the
// optional leading timestamp used only by addr entries.
const netAddrSize = 8 + 16 + 2

func encodeIP(ip net.IP) [16]byte {
	var out [16]byte
	v4 := ip.To4()
	if v4 != nil {
		// ::ffff:a.b.c.d
		out[10] = 0xff
		out[11] = 0xff
		copy(out[12:], v4)
		return out
	}
	v6 := ip.To16()
	if v6 != nil {
		copy(out[:], v6)
	}
	return out
}

func decodeIP(b [16]byte) net.IP {
	ip := net.IP(append([]byte(nil), b[:]...))
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// WriteNetAddress appends the services+ip+port encoding (no timestamp) used
// inside the version message.
func WriteNetAddress(b []byte, a NetAddress) []byte {
	buf := make([]byte, netAddrSize)
	binary.LittleEndian.PutUint64(buf[0:8], a.Services)
	ipb := encodeIP(a.IP)
	copy(buf[8:24], ipb[:])
	binary.BigEndian.PutUint16(buf[24:26], a.Port)
	return append(b, buf...)
}

// ReadNetAddress decodes the services+ip+port triple (no timestamp).
func ReadNetAddress(b []byte) (NetAddress, int, error) {
	if len(b) < netAddrSize {
		return NetAddress{}, 0, fmt.Errorf("netaddr: need %d bytes, have %d", netAddrSize, len(b))
	}
	var a NetAddress
	a.Services = binary.LittleEndian.Uint64(b[0:8])
	var ipb [16]byte
	copy(ipb[:], b[8:24])
	a.IP = decodeIP(ipb)
	a.Port = binary.BigEndian.Uint16(b[24:26])
	return a, netAddrSize, nil
}

// WriteTimestampedNetAddress appends a timestamp-prefixed address record, as
// used in addr message entries.
func WriteTimestampedNetAddress(b []byte, a NetAddress) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.Timestamp)
	b = append(b, buf...)
	return WriteNetAddress(b, a)
}

// ReadTimestampedNetAddress decodes a timestamp-prefixed address record.
func ReadTimestampedNetAddress(b []byte) (NetAddress, int, error) {
	if len(b) < 4 {
		return NetAddress{}, 0, fmt.Errorf("netaddr: need 4 timestamp bytes, have %d", len(b))
	}
	ts := binary.LittleEndian.Uint32(b[0:4])
	a, n, err := ReadNetAddress(b[4:])
	if err != nil {
		return NetAddress{}, 0, err
	}
	a.Timestamp = ts
	return a, 4 + n, nil
}
