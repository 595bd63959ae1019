// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vpc

import (
	"net/netip"
	"sync"
)

// Virt2Phys maps guest virtual IPs to their physical network addresses.
// One mapping table is shared by every port on a host; the control
// plane updates it as guests move.
type Virt2Phys struct {
	mu sync.RWMutex
	m  map[netip.Addr]PhysNet
}

// NewVirt2Phys creates an empty mapping table.
func NewVirt2Phys() *Virt2Phys {
	return &Virt2Phys{m: make(map[netip.Addr]PhysNet)}
}

// Set installs or replaces the mapping for a virtual IP.
func (v *Virt2Phys) Set(virt netip.Addr, phys PhysNet) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[virt] = phys
}

// Get looks up the physical address of a virtual IP.
func (v *Virt2Phys) Get(virt netip.Addr) (PhysNet, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.m[virt]
	return p, ok
}

// Delete removes the mapping for a virtual IP.
func (v *Virt2Phys) Delete(virt netip.Addr) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.m, virt)
}

// Dump returns a copy of every mapping.
func (v *Virt2Phys) Dump() map[netip.Addr]PhysNet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[netip.Addr]PhysNet, len(v.m))
	for k, p := range v.m {
		out[k] = p
	}
	return out
}
