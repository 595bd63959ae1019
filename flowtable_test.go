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
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testFlowID(i int) FlowID {
	return FlowID{
		Proto:   6,
		Src:     netip.MustParseAddr(fmt.Sprintf("10.0.%d.%d", i/256, i%256)),
		Dst:     netip.MustParseAddr("10.0.0.1"),
		SrcPort: uint16(1024 + i),
		DstPort: 80,
	}
}

func TestFlowTableCapacity(t *testing.T) {
	const maxEntries = 16

	var evicted []FlowID
	ft := newFlowTable("test", maxEntries, time.Minute, func(id FlowID, _ int) {
		evicted = append(evicted, id)
	})

	now := time.Now()
	for i := 0; i < maxEntries; i++ {
		require.NoError(t, ft.add(testFlowID(i), i, now.Add(time.Duration(i)*time.Millisecond)))
	}
	require.Equal(t, maxEntries, ft.len())
	require.Empty(t, evicted)

	// One past capacity: an entry is evicted, the new entry is present,
	// and the total still equals the cap.
	require.NoError(t, ft.add(testFlowID(maxEntries), maxEntries, now.Add(time.Second)))
	require.Equal(t, maxEntries, ft.len())
	require.Len(t, evicted, 1)

	_, ok := ft.get(testFlowID(maxEntries), now.Add(time.Second))
	require.True(t, ok)
}

func TestFlowTableRefreshDoesNotGrow(t *testing.T) {
	ft := newFlowTable[int]("test", 4, time.Minute, nil)
	now := time.Now()

	id := testFlowID(0)
	require.NoError(t, ft.add(id, 1, now))
	require.NoError(t, ft.add(id, 2, now))
	require.Equal(t, 1, ft.len())

	v, ok := ft.get(id, now)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestFlowTableExpiry(t *testing.T) {
	const ttl = time.Minute

	ft := newFlowTable[int]("test", 16, ttl, nil)
	now := time.Now()

	require.NoError(t, ft.add(testFlowID(0), 0, now))
	require.NoError(t, ft.add(testFlowID(1), 1, now))

	// Keep one entry warm.
	_, ok := ft.get(testFlowID(1), now.Add(30*time.Second))
	require.True(t, ok)

	// An entry idle for exactly the TTL survives.
	require.Equal(t, 0, ft.expire(now.Add(ttl)))
	require.Equal(t, 2, ft.len())

	// One tick past the TTL it goes.
	require.Equal(t, 1, ft.expire(now.Add(ttl+time.Second)))
	require.Equal(t, 1, ft.len())

	_, ok = ft.get(testFlowID(1), now.Add(ttl))
	require.True(t, ok)
}

func TestFlowTableRemove(t *testing.T) {
	ft := newFlowTable[int]("test", 16, time.Minute, nil)
	now := time.Now()

	require.NoError(t, ft.add(testFlowID(0), 7, now))

	v, ok := ft.remove(testFlowID(0))
	require.True(t, ok)
	require.Equal(t, 7, v)
	require.Equal(t, 0, ft.len())

	_, ok = ft.remove(testFlowID(0))
	require.False(t, ok)
}

func TestFlowTableRemoveWhere(t *testing.T) {
	ft := newFlowTable[int]("test", 64, time.Minute, nil)
	now := time.Now()

	for i := 0; i < 10; i++ {
		require.NoError(t, ft.add(testFlowID(i), i, now))
	}

	removed := ft.removeWhere(func(_ FlowID, v int) bool {
		return v%2 == 0
	})
	require.Equal(t, 5, removed)
	require.Equal(t, 5, ft.len())
}

func TestFlowTableZeroCapacity(t *testing.T) {
	ft := newFlowTable[int]("test", 0, time.Minute, nil)
	require.ErrorIs(t, ft.add(testFlowID(0), 0, time.Now()), ErrCapacity)
}
