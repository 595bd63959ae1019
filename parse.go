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

	"github.com/noisysockets/netstack/pkg/tcpip/header"

	"github.com/noisysockets/vswitch/internal/util"
)

// ParsedFrame is a descriptor over a frame's headers. Every header field
// is a view into the frame's backing buffer, so mutating a view mutates
// the frame. Header pushes and pops only move the frame's front, never
// the inner bytes, so inner views stay valid across transformation.
type ParsedFrame struct {
	frame *Frame

	// Outer headers, present only on encapsulated inbound traffic.
	OuterEther  header.Ethernet
	OuterIP     header.IPv6
	OuterUDP    header.UDP
	OuterGeneve Geneve

	// Inner headers. Absent headers are nil rather than an error;
	// predicates that require them simply fail to match.
	Ether  header.Ethernet
	ARP    header.ARP
	IP4    header.IPv4
	IP6    header.IPv6
	TCP    header.TCP
	UDP    header.UDP
	ICMPv4 header.ICMPv4
	ICMPv6 header.ICMPv6

	// EtherType is the inner Ethernet type.
	EtherType uint16
	// UnknownEtherType is set when the inner Ethernet type is one the
	// engine does not understand. The frame is not an error; policy
	// decides whether it is bypassed or dropped.
	UnknownEtherType bool

	// innerOffset is the offset of the inner Ethernet header from the
	// front of the frame.
	innerOffset int
}

// Parse builds a header descriptor over the frame. It performs bounded
// reads only and never mutates the frame. Inbound frames are checked for
// a Geneve encapsulation (Ethernet + IPv6 + UDP/6081 + Geneve); anything
// else is treated as a bare inner frame.
func Parse(frame *Frame, dir Direction) (*ParsedFrame, error) {
	b := frame.Bytes()
	pf := &ParsedFrame{frame: frame}

	if len(b) < header.EthernetMinimumSize {
		return nil, ErrTooShort
	}

	off := 0
	if dir == Inbound {
		off = parseOuter(pf, b)
	}
	pf.innerOffset = off

	if err := pf.parseInner(b[off:]); err != nil {
		return nil, err
	}
	return pf, nil
}

// parseOuter attempts to recognize a Geneve encapsulation at the front of
// the frame. It returns the offset of the inner Ethernet header, or 0
// when the frame is not encapsulated.
func parseOuter(pf *ParsedFrame, b []byte) int {
	const outerFixed = header.EthernetMinimumSize + header.IPv6MinimumSize + header.UDPMinimumSize

	eth := header.Ethernet(b)
	if uint16(eth.Type()) != uint16(header.IPv6ProtocolNumber) {
		return 0
	}
	if len(b) < outerFixed+GeneveMinimumSize {
		return 0
	}

	ip6 := header.IPv6(b[header.EthernetMinimumSize:])
	if ip6.TransportProtocol() != header.UDPProtocolNumber {
		return 0
	}

	udp := header.UDP(b[header.EthernetMinimumSize+header.IPv6MinimumSize:])
	if udp.DestinationPort() != GenevePort {
		return 0
	}

	gnv := Geneve(b[outerFixed:])
	if !gnv.IsValid() || len(b) < outerFixed+gnv.HeaderLength()+header.EthernetMinimumSize {
		return 0
	}

	pf.OuterEther = header.Ethernet(b[:header.EthernetMinimumSize])
	pf.OuterIP = ip6[:header.IPv6MinimumSize]
	pf.OuterUDP = udp[:header.UDPMinimumSize]
	pf.OuterGeneve = gnv[:gnv.HeaderLength()]

	return outerFixed + gnv.HeaderLength()
}

func (pf *ParsedFrame) parseInner(b []byte) error {
	if len(b) < header.EthernetMinimumSize {
		return ErrTooShort
	}
	pf.Ether = header.Ethernet(b[:header.EthernetMinimumSize])
	pf.EtherType = uint16(pf.Ether.Type())

	rest := b[header.EthernetMinimumSize:]
	switch pf.EtherType {
	case uint16(header.ARPProtocolNumber):
		if len(rest) < header.ARPSize {
			return ErrTooShort
		}
		pf.ARP = header.ARP(rest[:header.ARPSize])
		return nil

	case uint16(header.IPv4ProtocolNumber):
		if len(rest) < header.IPv4MinimumSize {
			return ErrTooShort
		}
		ip := header.IPv4(rest)
		hlen := int(ip.HeaderLength())
		if hlen < header.IPv4MinimumSize || len(rest) < hlen {
			return ErrTooShort
		}
		pf.IP4 = ip
		rest = rest[hlen:]
		return pf.parseTransport(uint8(ip.Protocol()), rest)

	case uint16(header.IPv6ProtocolNumber):
		if len(rest) < header.IPv6MinimumSize {
			return ErrTooShort
		}
		ip := header.IPv6(rest)
		pf.IP6 = ip
		rest = rest[header.IPv6MinimumSize:]
		return pf.parseTransport(ip.NextHeader(), rest)

	default:
		pf.UnknownEtherType = true
		return nil
	}
}

func (pf *ParsedFrame) parseTransport(proto uint8, rest []byte) error {
	switch proto {
	case uint8(header.TCPProtocolNumber):
		if len(rest) < header.TCPMinimumSize {
			return ErrTooShort
		}
		// The view keeps the payload so checksums cover the whole
		// segment.
		pf.TCP = header.TCP(rest)

	case uint8(header.UDPProtocolNumber):
		if len(rest) < header.UDPMinimumSize {
			return ErrTooShort
		}
		pf.UDP = header.UDP(rest)

	case uint8(header.ICMPv4ProtocolNumber):
		if len(rest) < header.ICMPv4MinimumSize {
			return ErrTooShort
		}
		pf.ICMPv4 = header.ICMPv4(rest)

	case uint8(header.ICMPv6ProtocolNumber):
		if len(rest) < header.ICMPv6MinimumSize {
			return ErrTooShort
		}
		pf.ICMPv6 = header.ICMPv6(rest)
	}
	// An unrecognized transport is not an error; the frame simply has
	// no flow id ports.
	return nil
}

// Frame returns the frame the descriptor was parsed from.
func (pf *ParsedFrame) Frame() *Frame {
	return pf.frame
}

// InnerBytes returns the frame data from the inner Ethernet header on,
// i.e. the frame with any encapsulation stripped.
func (pf *ParsedFrame) InnerBytes() []byte {
	return pf.frame.Bytes()[pf.innerOffset:]
}

// IsEncapsulated reports whether the frame carries outer tunnel headers.
func (pf *ParsedFrame) IsEncapsulated() bool {
	return pf.OuterGeneve != nil
}

// SrcIP returns the inner source IP, or the zero Addr when the frame has
// no inner IP header.
func (pf *ParsedFrame) SrcIP() netip.Addr {
	switch {
	case pf.IP4 != nil:
		return util.AddrFrom(pf.IP4.SourceAddress())
	case pf.IP6 != nil:
		return util.AddrFrom(pf.IP6.SourceAddress())
	}
	return netip.Addr{}
}

// DstIP returns the inner destination IP, or the zero Addr when the frame
// has no inner IP header.
func (pf *ParsedFrame) DstIP() netip.Addr {
	switch {
	case pf.IP4 != nil:
		return util.AddrFrom(pf.IP4.DestinationAddress())
	case pf.IP6 != nil:
		return util.AddrFrom(pf.IP6.DestinationAddress())
	}
	return netip.Addr{}
}

// FlowID derives the inner 5-tuple. Frames without inner L3 headers
// (e.g. ARP) yield the zero FlowID.
func (pf *ParsedFrame) FlowID() FlowID {
	var id FlowID
	switch {
	case pf.IP4 != nil:
		id.Proto = uint8(pf.IP4.Protocol())
	case pf.IP6 != nil:
		id.Proto = pf.IP6.NextHeader()
	default:
		return id
	}
	id.Src = pf.SrcIP()
	id.Dst = pf.DstIP()

	switch {
	case pf.TCP != nil:
		id.SrcPort = pf.TCP.SourcePort()
		id.DstPort = pf.TCP.DestinationPort()
	case pf.UDP != nil:
		id.SrcPort = pf.UDP.SourcePort()
		id.DstPort = pf.UDP.DestinationPort()
	case pf.ICMPv4 != nil:
		// Echo flows are keyed by their identifier so a reply maps to
		// the reverse of its request.
		switch pf.ICMPv4.Type() {
		case header.ICMPv4Echo, header.ICMPv4EchoReply:
			ident := pf.ICMPv4.Ident()
			id.SrcPort = ident
			id.DstPort = ident
		}
	case pf.ICMPv6 != nil:
		switch pf.ICMPv6.Type() {
		case header.ICMPv6EchoRequest, header.ICMPv6EchoReply:
			ident := pf.ICMPv6.Ident()
			id.SrcPort = ident
			id.DstPort = ident
		}
	}
	return id
}
