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
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func addrPtr(s string) *netip.Addr {
	a := netip.MustParseAddr(s)
	return &a
}

func portPtr(p uint16) *uint16 {
	return &p
}

func TestTransformCompose(t *testing.T) {
	t.Run("LaterSetWins", func(t *testing.T) {
		a := Transform{IPSrc: addrPtr("10.0.0.1")}
		b := Transform{IPSrc: addrPtr("192.0.2.5"), SrcPort: portPtr(4000)}

		c := Compose(a, b)
		require.Equal(t, "192.0.2.5", c.IPSrc.String())
		require.Equal(t, uint16(4000), *c.SrcPort)
	})

	t.Run("PushThenPopIsIdentity", func(t *testing.T) {
		push := Transform{Encap: &EncapSpec{
			SrcIP: netip.MustParseAddr("fd00::1"),
			DstIP: netip.MustParseAddr("fd00::2"),
			Vni:   MustVni(99),
		}}
		pop := Transform{Decap: true}

		c := Compose(push, pop)
		require.True(t, c.IsIdentity())
	})

	t.Run("PopSurvivesWithoutPush", func(t *testing.T) {
		c := Compose(Transform{IPDst: addrPtr("10.0.0.2")}, Transform{Decap: true})
		require.True(t, c.Decap)
		require.Nil(t, c.Encap)
	})

	t.Run("Associative", func(t *testing.T) {
		a := Transform{IPSrc: addrPtr("10.0.0.1")}
		b := Transform{IPSrc: addrPtr("192.0.2.5"), DstPort: portPtr(80)}
		c := Transform{SrcPort: portPtr(3000), Decap: true}

		left := Compose(Compose(a, b), c)
		right := Compose(a, Compose(b, c))

		id := FlowID{
			Proto:   6,
			Src:     netip.MustParseAddr("10.0.0.9"),
			Dst:     netip.MustParseAddr("10.0.0.10"),
			SrcPort: 1,
			DstPort: 2,
		}
		require.Equal(t, left.TransformFlow(id), right.TransformFlow(id))
		require.Equal(t, left.Decap, right.Decap)
		require.Equal(t, left.Encap, right.Encap)
	})
}

func TestTransformTTLDelta(t *testing.T) {
	// Deltas accumulate under composition and invert by negation.
	c := Compose(Transform{TTLDelta: -1}, Transform{TTLDelta: -1})
	require.Equal(t, int8(-2), c.TTLDelta)

	inv, exact := c.Invert()
	require.True(t, exact)
	require.Equal(t, int8(2), inv.TTLDelta)

	b := buildEtherIPv4TCP(testGuestMAC, testGwMAC, testGuestIP, testServerIP,
		33000, 80, 0, 1, 0, nil)
	pf, err := Parse(newTestFrame(t, b), Outbound)
	require.NoError(t, err)

	require.NoError(t, Transform{TTLDelta: -1}.Apply(pf))
	require.Equal(t, uint8(63), pf.IP4.TTL())
	// The header checksum is repaired after the edit.
	require.Equal(t, uint16(0xffff), pf.IP4.CalculateChecksum())
}

func TestTransformInvert(t *testing.T) {
	fwd := Transform{
		IPSrc:   addrPtr("10.0.0.2"),
		SrcPort: portPtr(40000),
	}
	inv, exact := fwd.Invert()
	require.True(t, exact)
	require.Equal(t, "10.0.0.2", inv.IPDst.String())
	require.Equal(t, uint16(40000), *inv.DstPort)
	require.Nil(t, inv.IPSrc)

	// Push inverts to pop, but a pop's inverse is inexact.
	push := Transform{Encap: &EncapSpec{Vni: MustVni(7)}}
	inv, exact = push.Invert()
	require.True(t, exact)
	require.True(t, inv.Decap)

	_, exact = Transform{Decap: true}.Invert()
	require.False(t, exact)
}

func TestTransformFlow(t *testing.T) {
	ht := Transform{
		IPSrc:   addrPtr("192.0.2.5"),
		SrcPort: portPtr(4000),
	}
	id := FlowID{
		Proto:   6,
		Src:     netip.MustParseAddr("10.0.0.2"),
		Dst:     netip.MustParseAddr("10.0.0.3"),
		SrcPort: 33000,
		DstPort: 80,
	}

	got := ht.TransformFlow(id)
	require.Equal(t, "192.0.2.5", got.Src.String())
	require.Equal(t, uint16(4000), got.SrcPort)
	require.Equal(t, id.Dst, got.Dst)
	require.Equal(t, id.DstPort, got.DstPort)
}

func TestFlowIDReverse(t *testing.T) {
	id := FlowID{
		Proto:   6,
		Src:     netip.MustParseAddr("10.0.0.2"),
		Dst:     netip.MustParseAddr("10.0.0.3"),
		SrcPort: 33000,
		DstPort: 80,
	}

	rev := id.Reverse()
	require.Equal(t, id.Dst, rev.Src)
	require.Equal(t, id.SrcPort, rev.DstPort)

	// Reversal is an involution.
	require.Equal(t, id, rev.Reverse())

	require.True(t, FlowID{}.IsZero())
	require.False(t, id.IsZero())
}
