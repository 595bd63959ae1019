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

	"github.com/noisysockets/vswitch"
	"github.com/noisysockets/vswitch/internal/util"
)

// OverlayLayerName is the name of the overlay layer: outbound frames
// are wrapped in Geneve over the IPv6 underlay, inbound frames are
// unwrapped.
const OverlayLayerName = "overlay"

var _ vswitch.StatefulGen = (*overlayAction)(nil)

// overlayAction resolves, per flow, where on the physical network the
// frame should be tunneled: boundary services for internet-bound
// traffic, the destination guest's host otherwise.
type overlayAction struct {
	cfg *Config
	v2p *Virt2Phys
}

func (a *overlayAction) GenDesc(id vswitch.FlowID, _ *vswitch.ParsedFrame, meta *vswitch.Meta) (vswitch.StatefulDesc, error) {
	encoded, ok := meta.Get(RouterTargetKey)
	if !ok {
		return vswitch.StatefulDesc{}, fmt.Errorf("no routing decision for %s", id)
	}
	target, err := DecodeRouterTarget(encoded)
	if err != nil {
		return vswitch.StatefulDesc{}, err
	}

	var phys PhysNet
	switch target.Kind {
	case TargetInternetGateway:
		phys = a.cfg.BoundaryServices
	default:
		dst := id.Dst
		if target.Kind == TargetIP {
			dst = target.Addr
		}
		phys, ok = a.v2p.Get(dst)
		if !ok {
			return vswitch.StatefulDesc{}, fmt.Errorf("no physical mapping for %s", dst)
		}
	}

	// The inner destination MAC becomes the receiving guest's; the
	// outer MACs are left zero for the underlay routing layer to fill.
	dstMAC := util.MACTo(phys.MAC)

	// Pick the outer source port from the flow so the underlay can
	// spread flows across paths.
	entropy := 0xC000 | (id.Hash16() & 0x3FFF)

	return vswitch.StatefulDesc{
		Out: vswitch.Transform{
			EtherDst: &dstMAC,
			Encap: &vswitch.EncapSpec{
				SrcIP:   a.cfg.PhysIP,
				DstIP:   phys.IP,
				SrcPort: entropy,
				Vni:     phys.Vni,
			},
		},
		In: vswitch.Transform{Decap: true},
	}, nil
}

// SetupOverlay adds the overlay layer.
func SetupOverlay(pb *vswitch.PortBuilder, cfg *Config, v2p *Virt2Phys) error {
	_, err := pb.AddLayer(OverlayLayerName, vswitch.LayerConfig{
		// Frames arriving without encapsulation (hairpin traffic in
		// tests, passthrough deployments) are left alone.
		DefaultIn:  vswitch.DefaultAllow,
		DefaultOut: vswitch.DefaultDeny,
	})
	if err != nil {
		return err
	}

	if _, err := pb.AddRule(OverlayLayerName, vswitch.Outbound,
		vswitch.NewRule(10, vswitch.Stateful(&overlayAction{cfg: cfg, v2p: v2p}))); err != nil {
		return err
	}

	_, err = pb.AddRule(OverlayLayerName, vswitch.Inbound,
		vswitch.NewRule(10,
			vswitch.Static(vswitch.Transform{Decap: true}),
			vswitch.MatchEncapsulated(true)))
	return err
}
