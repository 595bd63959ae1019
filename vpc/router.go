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
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/noisysockets/netutil/triemap"

	"github.com/noisysockets/vswitch"
)

// RouterLayerName is the name of the routing layer.
const RouterLayerName = "router"

// RouterTargetKey is the metadata key the routing decision is published
// under for downstream layers.
const RouterTargetKey = "router-target"

// RouterTargetKind enumerates where a routed frame is headed.
type RouterTargetKind int

const (
	// TargetInternetGateway sends the frame through boundary services.
	TargetInternetGateway RouterTargetKind = iota
	// TargetVpcSubnet delivers the frame to a guest on a VPC subnet.
	TargetVpcSubnet
	// TargetIP delivers the frame to a specific virtual IP.
	TargetIP
)

// RouterTarget is a routing decision.
type RouterTarget struct {
	Kind   RouterTargetKind
	Subnet netip.Prefix
	Addr   netip.Addr
}

// Encode renders the target in its metadata form.
func (t RouterTarget) Encode() string {
	switch t.Kind {
	case TargetInternetGateway:
		return "ig"
	case TargetVpcSubnet:
		return "sub=" + t.Subnet.String()
	default:
		return "ip=" + t.Addr.String()
	}
}

// DecodeRouterTarget parses a metadata form target.
func DecodeRouterTarget(s string) (RouterTarget, error) {
	if s == "ig" {
		return RouterTarget{Kind: TargetInternetGateway}, nil
	}
	if rest, ok := strings.CutPrefix(s, "sub="); ok {
		prefix, err := netip.ParsePrefix(rest)
		if err != nil {
			return RouterTarget{}, fmt.Errorf("bad subnet target %q: %w", s, err)
		}
		return RouterTarget{Kind: TargetVpcSubnet, Subnet: prefix}, nil
	}
	if rest, ok := strings.CutPrefix(s, "ip="); ok {
		addr, err := netip.ParseAddr(rest)
		if err != nil {
			return RouterTarget{}, fmt.Errorf("bad ip target %q: %w", s, err)
		}
		return RouterTarget{Kind: TargetIP, Addr: addr}, nil
	}
	return RouterTarget{}, fmt.Errorf("unknown router target %q", s)
}

// RouterTable is a port's routing table: longest prefix match from
// destination to target. Mutations atomically rebuild the match trie.
type RouterTable struct {
	mu      sync.RWMutex
	entries map[netip.Prefix]RouterTarget
	lpm     *triemap.TrieMap[RouterTarget]
}

// NewRouterTable creates an empty routing table.
func NewRouterTable() *RouterTable {
	return &RouterTable{
		entries: make(map[netip.Prefix]RouterTarget),
		lpm:     triemap.New[RouterTarget](),
	}
}

// AddEntry installs a route.
func (t *RouterTable) AddEntry(dest netip.Prefix, target RouterTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[dest] = target
	t.rebuildLocked()
}

// DeleteEntry removes a route.
func (t *RouterTable) DeleteEntry(dest netip.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, dest)
	t.rebuildLocked()
}

func (t *RouterTable) rebuildLocked() {
	lpm := triemap.New[RouterTarget]()
	for dest, target := range t.entries {
		lpm.Insert(dest, target)
	}
	t.lpm = lpm
}

// Lookup resolves the target for a destination address.
func (t *RouterTable) Lookup(dst netip.Addr) (RouterTarget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lpm.Get(dst)
}

// Dump returns a copy of every route.
func (t *RouterTable) Dump() map[netip.Prefix]RouterTarget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[netip.Prefix]RouterTarget, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

var _ vswitch.MetaGen = (*routerAction)(nil)

// routerAction resolves the routing decision for an outbound frame. A
// destination with no route rejects the frame.
type routerAction struct {
	table *RouterTable
}

func (a *routerAction) Mod(_ vswitch.FlowID, pf *vswitch.ParsedFrame, meta *vswitch.Meta) (bool, error) {
	dst := pf.DstIP()
	if !dst.IsValid() {
		return false, nil
	}
	target, ok := a.table.Lookup(dst)
	if !ok {
		return false, nil
	}
	meta.Set(RouterTargetKey, target.Encode())
	return true, nil
}

// SetupRouter adds the routing layer, publishing decisions from the
// given table.
func SetupRouter(pb *vswitch.PortBuilder, table *RouterTable) error {
	_, err := pb.AddLayer(RouterLayerName, vswitch.LayerConfig{
		DefaultIn:  vswitch.DefaultAllow,
		DefaultOut: vswitch.DefaultDeny,
	})
	if err != nil {
		return err
	}

	_, err = pb.AddRule(RouterLayerName, vswitch.Outbound,
		vswitch.NewRule(10, vswitch.Modify(&routerAction{table: table})))
	return err
}
