// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vswitch

// Meta is the pipeline metadata map threaded through a single frame's
// traversal. Layers communicate with downstream layers through it (for
// example a routing decision consumed by the overlay); it never touches
// the frame itself.
type Meta struct {
	kv map[string]string
}

// NewMeta creates an empty metadata map.
func NewMeta() *Meta {
	return &Meta{kv: make(map[string]string)}
}

// Get returns the value stored under key.
func (m *Meta) Get(key string) (string, bool) {
	v, ok := m.kv[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (m *Meta) Set(key, value string) {
	m.kv[key] = value
}

// Delete removes key from the map.
func (m *Meta) Delete(key string) {
	delete(m.kv, key)
}
