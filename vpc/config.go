// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package vpc configures the generic engine as a virtual private cloud
// port: stateful firewall, virtual gateway services, source NAT,
// routing, and Geneve overlay encapsulation over an IPv6 underlay.
package vpc

import (
	"errors"
	"net/netip"

	"github.com/noisysockets/vswitch"
)

// SNATConfig describes the port's source NAT allocation: the shared
// external IP and the slice of its port space this guest may lease.
type SNATConfig struct {
	ExternalIP netip.Addr
	Ports      vswitch.PortRange
}

// PhysNet is a guest's physical network address: the MAC and underlay
// IPv6 address of the host it lives on, and the virtual network it
// belongs to.
type PhysNet struct {
	MAC [6]byte
	IP  netip.Addr
	Vni vswitch.Vni
}

// Config is the VPC configuration for one guest port.
type Config struct {
	// PrivateIP and PrivateMAC identify the guest inside its VPC subnet.
	PrivateIP  netip.Addr
	PrivateMAC [6]byte
	// VPCSubnet is the subnet the guest lives in.
	VPCSubnet netip.Prefix
	// GatewayIP and GatewayMAC identify the virtual gateway the engine
	// impersonates.
	GatewayIP  netip.Addr
	GatewayMAC [6]byte
	// SNAT configures source NAT for internet-bound traffic; nil
	// disables it.
	SNAT *SNATConfig
	// Vni is the guest's virtual network.
	Vni vswitch.Vni
	// PhysIP is the underlay IPv6 address of the host this guest lives
	// on.
	PhysIP netip.Addr
	// BoundaryServices is where internet-bound traffic is tunneled.
	BoundaryServices PhysNet
	// DNSZone holds names the virtual gateway resolver answers
	// authoritatively. Keys are fully qualified, lower case.
	DNSZone map[string]netip.Addr
}

// Validate checks the configuration for the fields every layer depends
// on.
func (c *Config) Validate() error {
	if !c.PrivateIP.IsValid() {
		return errors.New("private IP is required")
	}
	if !c.GatewayIP.IsValid() {
		return errors.New("gateway IP is required")
	}
	if !c.VPCSubnet.IsValid() {
		return errors.New("VPC subnet is required")
	}
	if !c.PhysIP.IsValid() || !c.PhysIP.Is6() {
		return errors.New("underlay address must be IPv6")
	}
	if c.SNAT != nil {
		if !c.SNAT.ExternalIP.IsValid() {
			return errors.New("SNAT external IP is required")
		}
		if c.SNAT.Ports.From > c.SNAT.Ports.To {
			return errors.New("SNAT port range is inverted")
		}
	}
	return nil
}
