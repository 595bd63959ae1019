// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vswitch

import "time"

// Clock is the time capability surface. The engine never reads the
// system clock directly so an embedding with its own notion of ticks
// (or a test) can supply one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host monotonic clock.
type SystemClock struct{}

var _ Clock = SystemClock{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
