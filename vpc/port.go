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
	"log/slog"

	"github.com/noisysockets/netutil/defaults"
	"github.com/noisysockets/netutil/ptr"

	"github.com/noisysockets/vswitch"
)

// PortOptions sizes a VPC port's caches.
type PortOptions struct {
	// FirewallFlowTableSize bounds the firewall's connection table.
	FirewallFlowTableSize *int
	// NATFlowTableSize bounds the NAT translation table.
	NATFlowTableSize *int
	// PortConfig carries the engine-level sizing knobs.
	PortConfig *vswitch.PortConfig
}

// Default values (if not set).
var defaultPortOptions = PortOptions{
	FirewallFlowTableSize: ptr.To(8096),
	NATFlowTableSize:      ptr.To(8096),
}

// Port is a guest port configured as a VPC attachment. It embeds the
// engine port and carries the port's routing table.
type Port struct {
	*vswitch.Port
	// Router is the port's routing table; the control plane adds
	// entries as the VPC's route set changes.
	Router *RouterTable
}

// NewPort assembles the VPC pipeline on a new port: firewall closest to
// the guest, then gateway services, routing, source NAT, and the
// overlay against the physical network. The port is returned in the
// Ready state.
func NewPort(name string, logger *slog.Logger, cfg *Config, v2p *Virt2Phys, opts *PortOptions) (*Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid VPC config: %w", err)
	}

	if opts == nil {
		opts = &PortOptions{}
	}
	opts, err := defaults.WithDefaults(opts, &defaultPortOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to populate options with defaults: %w", err)
	}

	router := NewRouterTable()

	pb := vswitch.NewPortBuilder(name, logger)
	if err := SetupFirewall(pb, *opts.FirewallFlowTableSize); err != nil {
		return nil, fmt.Errorf("failed to add firewall layer: %w", err)
	}
	if err := SetupGateway(pb, cfg); err != nil {
		return nil, fmt.Errorf("failed to add gateway layer: %w", err)
	}
	if err := SetupRouter(pb, router); err != nil {
		return nil, fmt.Errorf("failed to add router layer: %w", err)
	}
	if err := SetupNAT(pb, cfg, *opts.NATFlowTableSize); err != nil {
		return nil, fmt.Errorf("failed to add NAT layer: %w", err)
	}
	if err := SetupOverlay(pb, cfg, v2p); err != nil {
		return nil, fmt.Errorf("failed to add overlay layer: %w", err)
	}

	port, err := pb.Create(opts.PortConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create port: %w", err)
	}

	return &Port{Port: port, Router: router}, nil
}
