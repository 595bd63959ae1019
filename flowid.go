// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vswitch

import (
	"fmt"
	"hash/fnv"
	"net/netip"
)

// FlowID is the canonical 5-tuple of a frame's inner L3/L4 headers. It is
// comparable and used as the key type for every flow table.
type FlowID struct {
	Proto   uint8
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Reverse returns the flow id with its source and destination fields
// swapped. Reversal is an involution: id.Reverse().Reverse() == id.
func (id FlowID) Reverse() FlowID {
	return FlowID{
		Proto:   id.Proto,
		Src:     id.Dst,
		Dst:     id.Src,
		SrcPort: id.DstPort,
		DstPort: id.SrcPort,
	}
}

// IsZero reports whether the frame the id was derived from carried no
// flow-addressable inner headers (e.g. ARP).
func (id FlowID) IsZero() bool {
	return !id.Src.IsValid() && !id.Dst.IsValid()
}

func (id FlowID) String() string {
	return fmt.Sprintf("%d:%s:%d:%s:%d",
		id.Proto, id.Src, id.SrcPort, id.Dst, id.DstPort)
}

// Hash16 returns a stable 16-bit hash of the flow id, usable as flow
// entropy for underlay path selection.
func (id FlowID) Hash16() uint16 {
	h := id.hash()
	return uint16(h ^ (h >> 16) ^ (h >> 32) ^ (h >> 48))
}

// hash returns a stable hash of the flow id, used to pick a flow table
// shard.
func (id FlowID) hash() uint64 {
	h := fnv.New64a()
	var b [1]byte
	b[0] = id.Proto
	_, _ = h.Write(b[:])
	src := id.Src.As16()
	_, _ = h.Write(src[:])
	dst := id.Dst.As16()
	_, _ = h.Write(dst[:])
	var ports [4]byte
	ports[0] = byte(id.SrcPort >> 8)
	ports[1] = byte(id.SrcPort)
	ports[2] = byte(id.DstPort >> 8)
	ports[3] = byte(id.DstPort)
	_, _ = h.Write(ports[:])
	return h.Sum64()
}
