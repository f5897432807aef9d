/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package userscheme is the bridge that lets a user-space process
// implement a scheme: a packet queue feeding its read(), a completion
// map so each caller blocks only on its own request, and the memory
// capture machinery that lets the server dereference a caller's
// buffers without copying.
package userscheme

import "encoding/binary"

// PacketSize is the wire size of one Packet: seven 8-byte little
// endian slots, matching the fixed 56-byte record at offsets
// 0/8/16/20/24/32/40/48 (uid/gid share one 8-byte slot as two u32s).
const PacketSize = 56

// Packet is the fixed record crossing the user-scheme boundary. A is
// the syscall number on request, the sign-encoded result on reply; B,
// C, D carry arguments.
type Packet struct {
	ID  uint64
	PID uint64
	UID uint32
	GID uint32
	A   uintptr
	B   uintptr
	C   uintptr
	D   uintptr
}

// Encode writes p into buf, which must be at least PacketSize bytes,
// using the same fixed-offset little-endian layout
// entry.DecodeHeader uses for the ingest wire format.
func (p Packet) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], p.ID)
	binary.LittleEndian.PutUint64(buf[8:16], p.PID)
	binary.LittleEndian.PutUint32(buf[16:20], p.UID)
	binary.LittleEndian.PutUint32(buf[20:24], p.GID)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(p.A))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(p.B))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(p.C))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(p.D))
}

// DecodePacket reads one Packet from buf, which must be at least
// PacketSize bytes. Partial packets are the caller's responsibility to
// reject before calling this.
func DecodePacket(buf []byte) Packet {
	return Packet{
		ID:  binary.LittleEndian.Uint64(buf[0:8]),
		PID: binary.LittleEndian.Uint64(buf[8:16]),
		UID: binary.LittleEndian.Uint32(buf[16:20]),
		GID: binary.LittleEndian.Uint32(buf[20:24]),
		A:   uintptr(binary.LittleEndian.Uint64(buf[24:32])),
		B:   uintptr(binary.LittleEndian.Uint64(buf[32:40])),
		C:   uintptr(binary.LittleEndian.Uint64(buf[40:48])),
		D:   uintptr(binary.LittleEndian.Uint64(buf[48:56])),
	}
}

// DecodePackets splits buf into whole Packets, rejecting a trailing
// partial record rather than silently dropping it.
func DecodePackets(buf []byte) ([]Packet, error) {
	if len(buf)%PacketSize != 0 {
		return nil, ErrPartialPacket
	}
	out := make([]Packet, len(buf)/PacketSize)
	for i := range out {
		out[i] = DecodePacket(buf[i*PacketSize : (i+1)*PacketSize])
	}
	return out, nil
}
