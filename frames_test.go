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
	"testing"

	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/require"

	"github.com/noisysockets/vswitch/internal/util"
)

func mustPrefix(s string) netip.Prefix {
	return netip.MustParsePrefix(s)
}

func newTestFrame(t *testing.T, b []byte) *Frame {
	t.Helper()
	f := &Frame{}
	f.Reset()
	require.NoError(t, f.SetPayload(b))
	return f
}

func buildEtherIPv4TCP(srcMAC, dstMAC [6]byte, src, dst netip.Addr, srcPort, dstPort uint16, flags header.TCPFlags, seq, ack uint32, payload []byte) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+header.TCPMinimumSize+len(payload))

	eth := header.Ethernet(b)
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(srcMAC[:]),
		DstAddr: tcpip.LinkAddress(dstMAC[:]),
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(b[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + header.TCPMinimumSize + len(payload)),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     util.AddrTo(src),
		DstAddr:     util.AddrTo(dst),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	tcpOff := header.EthernetMinimumSize + header.IPv4MinimumSize
	tcp := header.TCP(b[tcpOff:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 65535,
	})
	copy(b[tcpOff+header.TCPMinimumSize:], payload)

	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		util.AddrTo(src), util.AddrTo(dst),
		uint16(header.TCPMinimumSize+len(payload)))
	tcp.SetChecksum(^checksum.Checksum(b[tcpOff:], xsum))

	return b
}

func buildEtherIPv4UDP(srcMAC, dstMAC [6]byte, src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+header.UDPMinimumSize+len(payload))

	eth := header.Ethernet(b)
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(srcMAC[:]),
		DstAddr: tcpip.LinkAddress(dstMAC[:]),
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(b[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     util.AddrTo(src),
		DstAddr:     util.AddrTo(dst),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	udpOff := header.EthernetMinimumSize + header.IPv4MinimumSize
	udpLen := uint16(header.UDPMinimumSize + len(payload))
	udp := header.UDP(b[udpOff:])
	udp.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  udpLen,
	})
	copy(b[udpOff+header.UDPMinimumSize:], payload)

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		util.AddrTo(src), util.AddrTo(dst), udpLen)
	udp.SetChecksum(^checksum.Checksum(b[udpOff:], xsum))

	return b
}

func buildEtherIPv4ICMPEcho(srcMAC, dstMAC [6]byte, src, dst netip.Addr, ident, seq uint16, data []byte) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+header.ICMPv4MinimumSize+len(data))

	eth := header.Ethernet(b)
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(srcMAC[:]),
		DstAddr: tcpip.LinkAddress(dstMAC[:]),
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(b[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + header.ICMPv4MinimumSize + len(data)),
		TTL:         64,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     util.AddrTo(src),
		DstAddr:     util.AddrTo(dst),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	icmp := header.ICMPv4(b[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	icmp.SetType(header.ICMPv4Echo)
	icmp.SetIdent(ident)
	icmp.SetSequence(seq)
	copy(icmp[header.ICMPv4MinimumSize:], data)
	icmp.SetChecksum(^checksum.Checksum(icmp, 0))

	return b
}

func buildARPRequest(sha [6]byte, spa, tpa netip.Addr) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.ARPSize)

	eth := header.Ethernet(b)
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(sha[:]),
		DstAddr: tcpip.LinkAddress([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}),
		Type:    header.ARPProtocolNumber,
	})

	arp := header.ARP(b[header.EthernetMinimumSize:])
	arp.SetIPv4OverEthernet()
	arp.SetOp(header.ARPRequest)
	copy(arp.HardwareAddressSender(), sha[:])
	copy(arp.ProtocolAddressSender(), spa.AsSlice())
	copy(arp.ProtocolAddressTarget(), tpa.AsSlice())

	return b
}

func encapGeneve(srcIP, dstIP netip.Addr, srcPort uint16, vni Vni, inner []byte) []byte {
	const outerLen = header.EthernetMinimumSize + header.IPv6MinimumSize +
		header.UDPMinimumSize + GeneveMinimumSize

	b := make([]byte, outerLen+len(inner))

	eth := header.Ethernet(b)
	eth.Encode(&header.EthernetFields{
		Type: header.IPv6ProtocolNumber,
	})

	payloadLen := header.UDPMinimumSize + GeneveMinimumSize + len(inner)
	ip6 := header.IPv6(b[header.EthernetMinimumSize:])
	ip6.Encode(&header.IPv6Fields{
		PayloadLength:     uint16(payloadLen),
		TransportProtocol: header.UDPProtocolNumber,
		HopLimit:          64,
		SrcAddr:           util.AddrTo(srcIP),
		DstAddr:           util.AddrTo(dstIP),
	})

	udpOff := header.EthernetMinimumSize + header.IPv6MinimumSize
	udp := header.UDP(b[udpOff:])
	udp.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: GenevePort,
		Length:  uint16(payloadLen),
	})

	gnv := Geneve(b[udpOff+header.UDPMinimumSize:])
	gnv.Encode(&GeneveFields{Vni: vni})

	copy(b[outerLen:], inner)
	return b
}
