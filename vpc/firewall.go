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
	"github.com/noisysockets/vswitch"
)

// FirewallLayerName is the name of the stateful firewall layer.
const FirewallLayerName = "firewall"

// FirewallActionName is the registry name of the connection tracking
// allow action, referenced by control-plane rules.
const FirewallActionName = "fw"

var _ vswitch.StatefulGen = (*firewallAction)(nil)

// firewallAction is a connection tracking allow: it rewrites nothing,
// but installing the flow pair means return traffic for an allowed
// connection passes the opposite direction's default deny.
type firewallAction struct{}

func (firewallAction) GenDesc(_ vswitch.FlowID, _ *vswitch.ParsedFrame, _ *vswitch.Meta) (vswitch.StatefulDesc, error) {
	return vswitch.StatefulDesc{}, nil
}

// SetupFirewall adds the firewall layer: default deny inbound, with an
// explicit lowest-priority connection tracking allow for all outbound
// traffic, the posture a fresh VPC guest starts with.
func SetupFirewall(pb *vswitch.PortBuilder, flowTableSize int) error {
	l, err := pb.AddLayer(FirewallLayerName, vswitch.LayerConfig{
		DefaultIn:     vswitch.DefaultDeny,
		DefaultOut:    vswitch.DefaultDeny,
		FlowTableSize: flowTableSize,
	})
	if err != nil {
		return err
	}

	allow := vswitch.Stateful(firewallAction{})
	l.RegisterAction(FirewallActionName, allow)

	_, err = pb.AddRule(FirewallLayerName, vswitch.Outbound,
		vswitch.NewRule(65535, allow))
	return err
}
