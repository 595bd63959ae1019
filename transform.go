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
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"

	"github.com/noisysockets/vswitch/internal/util"
)

// EncapSpec describes the outer headers pushed in front of a frame:
// Ethernet + IPv6 underlay + UDP + Geneve.
type EncapSpec struct {
	SrcMAC  tcpip.LinkAddress
	DstMAC  tcpip.LinkAddress
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	Vni     Vni
}

// Transform is a header transformation: a set of inner field rewrites
// plus an optional outer header pop (Decap) and push (Encap). A single
// transform applies in that order: pop, rewrite, push.
//
// The zero Transform is the identity.
type Transform struct {
	EtherSrc *tcpip.LinkAddress
	EtherDst *tcpip.LinkAddress
	IPSrc    *netip.Addr
	IPDst    *netip.Addr
	SrcPort  *uint16
	DstPort  *uint16
	// TTLDelta adjusts the inner TTL / hop limit by a signed amount.
	TTLDelta int8
	Decap    bool
	Encap    *EncapSpec
}

// IsIdentity reports whether applying the transform changes nothing.
func (t Transform) IsIdentity() bool {
	return t.EtherSrc == nil && t.EtherDst == nil &&
		t.IPSrc == nil && t.IPDst == nil &&
		t.SrcPort == nil && t.DstPort == nil &&
		t.TTLDelta == 0 && !t.Decap && t.Encap == nil
}

// ChangesLength reports whether the transform pushes or pops headers.
func (t Transform) ChangesLength() bool {
	return t.Decap || t.Encap != nil
}

// Compose returns the transform equivalent to applying t then next.
// Composition is associative over the observable frame: a later field
// set wins over an earlier one, and a push followed by a pop cancels to
// identity.
func Compose(t, next Transform) Transform {
	out := t
	if next.EtherSrc != nil {
		out.EtherSrc = next.EtherSrc
	}
	if next.EtherDst != nil {
		out.EtherDst = next.EtherDst
	}
	if next.IPSrc != nil {
		out.IPSrc = next.IPSrc
	}
	if next.IPDst != nil {
		out.IPDst = next.IPDst
	}
	if next.SrcPort != nil {
		out.SrcPort = next.SrcPort
	}
	if next.DstPort != nil {
		out.DstPort = next.DstPort
	}
	// Deltas accumulate rather than replace.
	out.TTLDelta += next.TTLDelta
	if next.Decap {
		if out.Encap != nil {
			// Push then pop reduces to identity.
			out.Encap = nil
		} else {
			out.Decap = true
		}
	}
	if next.Encap != nil {
		out.Encap = next.Encap
	}
	return out
}

// Invert returns the transform for the reverse direction: src and dst
// rewrites swap roles, a push becomes a pop. A pop carries no memory of
// the headers it removed, so its inverse is reported inexact.
func (t Transform) Invert() (Transform, bool) {
	inv := Transform{
		EtherSrc: t.EtherDst,
		EtherDst: t.EtherSrc,
		IPSrc:    t.IPDst,
		IPDst:    t.IPSrc,
		SrcPort:  t.DstPort,
		DstPort:  t.SrcPort,
		TTLDelta: -t.TTLDelta,
	}
	if t.Encap != nil {
		inv.Decap = true
	}
	return inv, !t.Decap
}

// TransformFlow returns the flow id as it would read after applying the
// transform's inner field rewrites.
func (t Transform) TransformFlow(id FlowID) FlowID {
	if t.IPSrc != nil {
		id.Src = *t.IPSrc
	}
	if t.IPDst != nil {
		id.Dst = *t.IPDst
	}
	if t.SrcPort != nil {
		id.SrcPort = *t.SrcPort
	}
	if t.DstPort != nil {
		id.DstPort = *t.DstPort
	}
	return id
}

// Apply mutates the frame under pf according to the transform and keeps
// the descriptor's views consistent. Checksums affected by field
// rewrites are recomputed; the outer UDP checksum is left zero, the way
// hardware offload would.
func (t Transform) Apply(pf *ParsedFrame) error {
	if t.Decap {
		if err := pf.decap(); err != nil {
			return err
		}
	}

	if t.EtherSrc != nil && pf.Ether != nil {
		// dst MAC occupies bytes 0-5, src MAC bytes 6-11.
		copy(pf.Ether[6:12], *t.EtherSrc)
	}
	if t.EtherDst != nil && pf.Ether != nil {
		copy(pf.Ether[0:6], *t.EtherDst)
	}

	l3Dirty := false
	if t.IPSrc != nil {
		l3Dirty = true
		switch {
		case pf.IP4 != nil && t.IPSrc.Is4():
			pf.IP4.SetSourceAddress(util.AddrTo(*t.IPSrc))
		case pf.IP6 != nil && t.IPSrc.Is6():
			pf.IP6.SetSourceAddress(util.AddrTo(*t.IPSrc))
		}
	}
	if t.IPDst != nil {
		l3Dirty = true
		switch {
		case pf.IP4 != nil && t.IPDst.Is4():
			pf.IP4.SetDestinationAddress(util.AddrTo(*t.IPDst))
		case pf.IP6 != nil && t.IPDst.Is6():
			pf.IP6.SetDestinationAddress(util.AddrTo(*t.IPDst))
		}
	}

	if t.TTLDelta != 0 {
		switch {
		case pf.IP4 != nil:
			l3Dirty = true
			pf.IP4.SetTTL(addTTL(pf.IP4.TTL(), t.TTLDelta))
		case pf.IP6 != nil:
			pf.IP6.SetHopLimit(addTTL(pf.IP6.HopLimit(), t.TTLDelta))
		}
	}

	l4Dirty := false
	if t.SrcPort != nil {
		l4Dirty = true
		switch {
		case pf.TCP != nil:
			pf.TCP.SetSourcePort(*t.SrcPort)
		case pf.UDP != nil:
			pf.UDP.SetSourcePort(*t.SrcPort)
		}
	}
	if t.DstPort != nil {
		l4Dirty = true
		switch {
		case pf.TCP != nil:
			pf.TCP.SetDestinationPort(*t.DstPort)
		case pf.UDP != nil:
			pf.UDP.SetDestinationPort(*t.DstPort)
		}
	}

	if l3Dirty || l4Dirty {
		pf.fixChecksums()
	}

	if t.Encap != nil {
		if err := pf.encap(t.Encap); err != nil {
			return err
		}
	}
	return nil
}

// addTTL applies a signed delta to a TTL, saturating at the byte
// bounds.
func addTTL(ttl uint8, delta int8) uint8 {
	v := int(ttl) + int(delta)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// decap strips the outer headers, reclaiming them as headroom. The inner
// views do not move.
func (pf *ParsedFrame) decap() error {
	if pf.OuterGeneve == nil {
		return nil
	}
	if err := pf.frame.TrimFront(pf.innerOffset); err != nil {
		return err
	}
	pf.innerOffset = 0
	pf.OuterEther = nil
	pf.OuterIP = nil
	pf.OuterUDP = nil
	pf.OuterGeneve = nil
	return nil
}

// encap pushes outer Ethernet + IPv6 + UDP + Geneve headers in front of
// the frame.
func (pf *ParsedFrame) encap(spec *EncapSpec) error {
	const outerLen = header.EthernetMinimumSize + header.IPv6MinimumSize +
		header.UDPMinimumSize + GeneveMinimumSize

	innerLen := pf.frame.Size - pf.innerOffset
	prefix, err := pf.frame.Prepend(outerLen)
	if err != nil {
		return err
	}

	eth := header.Ethernet(prefix[:header.EthernetMinimumSize])
	eth.Encode(&header.EthernetFields{
		SrcAddr: spec.SrcMAC,
		DstAddr: spec.DstMAC,
		Type:    header.IPv6ProtocolNumber,
	})

	payloadLen := header.UDPMinimumSize + GeneveMinimumSize + innerLen
	ip6 := header.IPv6(prefix[header.EthernetMinimumSize:])
	ip6.Encode(&header.IPv6Fields{
		PayloadLength:     uint16(payloadLen),
		TransportProtocol: header.UDPProtocolNumber,
		HopLimit:          64,
		SrcAddr:           util.AddrTo(spec.SrcIP),
		DstAddr:           util.AddrTo(spec.DstIP),
	})

	udpOff := header.EthernetMinimumSize + header.IPv6MinimumSize
	udp := header.UDP(prefix[udpOff:])
	udp.Encode(&header.UDPFields{
		SrcPort: spec.SrcPort,
		DstPort: GenevePort,
		Length:  uint16(payloadLen),
		// Tunnel UDP checksum is left to NIC offload.
		Checksum: 0,
	})

	gnv := Geneve(prefix[udpOff+header.UDPMinimumSize:])
	gnv.Encode(&GeneveFields{Vni: spec.Vni})

	pf.OuterEther = eth
	pf.OuterIP = ip6[:header.IPv6MinimumSize]
	pf.OuterUDP = udp[:header.UDPMinimumSize]
	pf.OuterGeneve = gnv[:GeneveMinimumSize]
	pf.innerOffset += outerLen
	return nil
}

// fixChecksums recomputes the inner IPv4 header checksum and the TCP/UDP
// checksum after field rewrites.
func (pf *ParsedFrame) fixChecksums() {
	if pf.IP4 != nil {
		pf.IP4.SetChecksum(0)
		pf.IP4.SetChecksum(^pf.IP4.CalculateChecksum())
	}

	var src, dst tcpip.Address
	switch {
	case pf.IP4 != nil:
		src = pf.IP4.SourceAddress()
		dst = pf.IP4.DestinationAddress()
	case pf.IP6 != nil:
		src = pf.IP6.SourceAddress()
		dst = pf.IP6.DestinationAddress()
	default:
		return
	}

	switch {
	case pf.TCP != nil:
		pf.TCP.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(
			header.TCPProtocolNumber, src, dst, uint16(len(pf.TCP)))
		pf.TCP.SetChecksum(^checksum.Checksum(pf.TCP, xsum))
	case pf.UDP != nil:
		// A zero UDP checksum means "not computed" on IPv4; keep it.
		if pf.UDP.Checksum() == 0 && pf.IP4 != nil {
			return
		}
		udpLen := pf.UDP.Length()
		if int(udpLen) > len(pf.UDP) {
			udpLen = uint16(len(pf.UDP))
		}
		seg := pf.UDP[:udpLen]
		pf.UDP.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(
			header.UDPProtocolNumber, src, dst, udpLen)
		pf.UDP.SetChecksum(^checksum.Checksum(seg, xsum))
	}
}
