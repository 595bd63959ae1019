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
	"encoding/binary"
	"fmt"
)

const (
	// GeneveMinimumSize is the size of a Geneve header without options.
	GeneveMinimumSize = 8

	// GenevePort is the well-known UDP destination port for Geneve.
	GenevePort = 6081

	// geneveProtocolTransEther is the "Trans Ether Bridging" protocol
	// type carried by an encapsulated L2 frame.
	geneveProtocolTransEther = 0x6558

	vniMax = 1<<24 - 1
)

// Vni is a 24-bit Geneve Virtual Network Identifier.
type Vni uint32

// NewVni returns a Vni, or an error when the value exceeds the 24-bit
// maximum.
func NewVni(v uint32) (Vni, error) {
	if v > vniMax {
		return 0, fmt.Errorf("VNI value exceeds maximum: %d", v)
	}
	return Vni(v), nil
}

// MustVni is like NewVni but panics on an out of range value. For use in
// tests and static configuration only; never on the datapath.
func MustVni(v uint32) Vni {
	vni, err := NewVni(v)
	if err != nil {
		panic(err)
	}
	return vni
}

func (v Vni) String() string {
	return fmt.Sprintf("%d", uint32(v))
}

// Geneve represents a Geneve tunnel header stored in a byte array.
type Geneve []byte

// GeneveFields contains the fields of a Geneve header. It is used to
// describe the header to Encode.
type GeneveFields struct {
	// Vni is the virtual network identifier.
	Vni Vni
}

// OptionsLength returns the length of the variable options in bytes.
func (g Geneve) OptionsLength() int {
	return int(g[0]&0x3f) * 4
}

// HeaderLength returns the total header length, options included.
func (g Geneve) HeaderLength() int {
	return GeneveMinimumSize + g.OptionsLength()
}

// ProtocolType returns the protocol type of the encapsulated payload.
func (g Geneve) ProtocolType() uint16 {
	return binary.BigEndian.Uint16(g[2:4])
}

// Vni returns the virtual network identifier.
func (g Geneve) Vni() Vni {
	return Vni(uint32(g[4])<<16 | uint32(g[5])<<8 | uint32(g[6]))
}

// IsValid performs basic validation of the header.
func (g Geneve) IsValid() bool {
	if len(g) < GeneveMinimumSize {
		return false
	}
	// Version must be 0.
	return g[0]>>6 == 0
}

// Encode encodes all the fields of the Geneve header.
func (g Geneve) Encode(f *GeneveFields) {
	g[0] = 0
	g[1] = 0
	binary.BigEndian.PutUint16(g[2:4], geneveProtocolTransEther)
	g[4] = byte(f.Vni >> 16)
	g[5] = byte(f.Vni >> 8)
	g[6] = byte(f.Vni)
	g[7] = 0
}
