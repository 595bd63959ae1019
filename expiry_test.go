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
	"context"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

func TestExpiryRunner(t *testing.T) {
	logger := slogt.New(t)
	clock := newFakeClock()

	pb := NewPortBuilder("test0", logger).WithClock(clock)
	_, err := pb.AddLayer("filter", LayerConfig{
		DefaultIn:  DefaultAllow,
		DefaultOut: DefaultAllow,
	})
	require.NoError(t, err)

	port, err := pb.Create(nil)
	require.NoError(t, err)
	port.Start()

	_, err = port.Process(Outbound, outboundSYN(t))
	require.NoError(t, err)
	require.Equal(t, 1, port.UftLen(Outbound))

	runner := NewExpiryRunner(context.Background(), logger, clock, 10*time.Millisecond)
	t.Cleanup(func() {
		require.NoError(t, runner.Close())
	})
	runner.Register(port)

	clock.Advance(DefaultFlowTTL + time.Second)

	require.Eventually(t, func() bool {
		return port.UftLen(Outbound) == 0
	}, time.Second, 10*time.Millisecond)
}
