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
	"testing"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/require"
)

func tcpFrame(t *testing.T) *ParsedFrame {
	t.Helper()
	b := buildEtherIPv4TCP(testGuestMAC, testGwMAC, testGuestIP, testServerIP,
		33000, 80, header.TCPFlagSyn, 1000, 0, nil)
	pf, err := Parse(newTestFrame(t, b), Outbound)
	require.NoError(t, err)
	return pf
}

func TestRuleTablePriorityOrder(t *testing.T) {
	rt := newRuleTable()

	low := NewRule(100, Deny())
	high := NewRule(10, Allow())
	rt.add(low, 1)
	rt.add(high, 2)

	pf := tcpFrame(t)
	got := rt.findMatch(pf, NewMeta())
	require.NotNil(t, got)
	require.Equal(t, uint64(2), got.ID())
}

// Equal-priority rules keep their insertion order; permuting unrelated
// rules around them does not change which one matches first.
func TestRuleTableInsertionTiebreak(t *testing.T) {
	rt := newRuleTable()

	first := NewRule(50, Allow())
	second := NewRule(50, Deny())
	rt.add(NewRule(200, Deny()), 1)
	rt.add(first, 2)
	rt.add(NewRule(10, Allow(), MatchProtocol(17)), 3) // never matches TCP
	rt.add(second, 4)

	pf := tcpFrame(t)
	got := rt.findMatch(pf, NewMeta())
	require.NotNil(t, got)
	require.Equal(t, uint64(2), got.ID())
}

func TestRuleTableFirstMatchTerminates(t *testing.T) {
	rt := newRuleTable()
	rt.add(NewRule(10, Deny(), MatchDstPort(PortRange{From: 80, To: 80})), 1)
	rt.add(NewRule(20, Allow()), 2)

	pf := tcpFrame(t)
	got := rt.findMatch(pf, NewMeta())
	require.Equal(t, uint64(1), got.ID())
	require.Equal(t, ActionDeny, got.Action().Kind())
}

func TestRuleTableRemove(t *testing.T) {
	rt := newRuleTable()
	rt.add(NewRule(10, Allow()), 1)

	require.True(t, rt.remove(1))
	require.False(t, rt.remove(1))
	require.Equal(t, 0, rt.len())

	require.Nil(t, rt.findMatch(tcpFrame(t), NewMeta()))
}

func TestRuleAllPredicatesMustMatch(t *testing.T) {
	pf := tcpFrame(t)
	meta := NewMeta()

	r := NewRule(10, Allow(),
		MatchProtocol(uint8(header.TCPProtocolNumber)),
		MatchDstPort(PortRange{From: 80, To: 80}),
		MatchSrcIP(testGuestIP))
	require.True(t, r.Match(pf, meta))

	r = NewRule(10, Allow(),
		MatchProtocol(uint8(header.TCPProtocolNumber)),
		MatchDstPort(PortRange{From: 443, To: 443}))
	require.False(t, r.Match(pf, meta))
}

func TestPredicates(t *testing.T) {
	pf := tcpFrame(t)
	meta := NewMeta()

	require.True(t, MatchProtocol(6).Match(pf, meta))
	require.False(t, MatchProtocol(17).Match(pf, meta))

	require.True(t, MatchEtherType(0x0800).Match(pf, meta))
	require.False(t, MatchEtherType(0x0806).Match(pf, meta))

	require.True(t, MatchSrcPrefix(mustPrefix("10.0.0.0/24")).Match(pf, meta))
	require.False(t, MatchSrcPrefix(mustPrefix("192.0.2.0/24")).Match(pf, meta))

	require.True(t, MatchSrcPort(PortRange{From: 32000, To: 34000}).Match(pf, meta))
	require.False(t, MatchSrcPort(PortRange{From: 1, To: 1024}).Match(pf, meta))

	require.True(t, MatchEncapsulated(false).Match(pf, meta))
	require.False(t, MatchEncapsulated(true).Match(pf, meta))

	require.False(t, Not(MatchProtocol(6)).Match(pf, meta))
	require.True(t, Not(MatchProtocol(17)).Match(pf, meta))

	require.False(t, MatchMeta("k", "v").Match(pf, meta))
	meta.Set("k", "v")
	require.True(t, MatchMeta("k", "v").Match(pf, meta))
}
