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
	"errors"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"

	"github.com/noisysockets/vswitch"
	"github.com/noisysockets/vswitch/internal/util"
)

// GatewayLayerName is the name of the virtual gateway layer. The
// gateway has no wire presence: ARP, ICMP echo, and DNS directed at it
// are answered by hairpin, everything else passes through.
const GatewayLayerName = "gateway"

const dnsPort = 53

var (
	errNotGatewayARP  = errors.New("not an ARP request for the gateway")
	errNotEchoRequest = errors.New("not an ICMP echo request")
	errNotDNSQuery    = errors.New("not a DNS query")
)

// SetupGateway adds the gateway layer.
func SetupGateway(pb *vswitch.PortBuilder, cfg *Config) error {
	_, err := pb.AddLayer(GatewayLayerName, vswitch.LayerConfig{
		DefaultIn:  vswitch.DefaultAllow,
		DefaultOut: vswitch.DefaultAllow,
	})
	if err != nil {
		return err
	}

	rules := []*vswitch.Rule{
		vswitch.NewRule(10,
			vswitch.Hairpin(&arpReply{cfg: cfg}),
			vswitch.MatchEtherType(uint16(header.ARPProtocolNumber)),
			&arpRequestFor{tpa: cfg.GatewayIP}),
		vswitch.NewRule(10,
			vswitch.Hairpin(&icmpEchoReply{cfg: cfg}),
			vswitch.MatchProtocol(uint8(header.ICMPv4ProtocolNumber)),
			vswitch.MatchDstIP(cfg.GatewayIP),
			&icmpEchoRequest{}),
		vswitch.NewRule(10,
			vswitch.Hairpin(&dnsResponder{cfg: cfg}),
			vswitch.MatchProtocol(uint8(header.UDPProtocolNumber)),
			vswitch.MatchDstIP(cfg.GatewayIP),
			vswitch.MatchDstPort(vswitch.PortRange{From: dnsPort, To: dnsPort})),
	}
	for _, r := range rules {
		if _, err := pb.AddRule(GatewayLayerName, vswitch.Outbound, r); err != nil {
			return err
		}
	}
	return nil
}

var _ vswitch.Predicate = (*arpRequestFor)(nil)

// arpRequestFor matches Ethernet/IPv4 ARP requests asking for tpa.
type arpRequestFor struct {
	tpa netip.Addr
}

func (m *arpRequestFor) Match(pf *vswitch.ParsedFrame, _ *vswitch.Meta) bool {
	arp := pf.ARP
	if arp == nil || !arp.IsValid() || arp.Op() != header.ARPRequest {
		return false
	}
	tpa, ok := netip.AddrFromSlice(arp.ProtocolAddressTarget())
	return ok && tpa == m.tpa
}

func (m *arpRequestFor) String() string {
	return "arp.tpa=" + m.tpa.String()
}

var _ vswitch.Predicate = (*icmpEchoRequest)(nil)

type icmpEchoRequest struct{}

func (icmpEchoRequest) Match(pf *vswitch.ParsedFrame, _ *vswitch.Meta) bool {
	return pf.ICMPv4 != nil && pf.ICMPv4.Type() == header.ICMPv4Echo
}

func (icmpEchoRequest) String() string {
	return "icmp.echo-request"
}

var _ vswitch.HairpinGen = (*arpReply)(nil)

// arpReply answers an ARP request with the gateway's MAC.
type arpReply struct {
	cfg *Config
}

func (a *arpReply) GenReply(pf *vswitch.ParsedFrame, _ *vswitch.Meta, pool *vswitch.FramePool) (*vswitch.Frame, error) {
	req := pf.ARP
	if req == nil || !req.IsValid() {
		return nil, errNotGatewayARP
	}

	reply := pool.Borrow()
	reply.Size = header.EthernetMinimumSize + header.ARPSize
	b := reply.Bytes()

	gwMAC := util.MACTo(a.cfg.GatewayMAC)
	sha := make([]byte, 6)
	copy(sha, req.HardwareAddressSender())
	spa := make([]byte, 4)
	copy(spa, req.ProtocolAddressSender())

	eth := header.Ethernet(b[:header.EthernetMinimumSize])
	eth.Encode(&header.EthernetFields{
		SrcAddr: gwMAC,
		DstAddr: pf.Ether.SourceAddress(),
		Type:    header.ARPProtocolNumber,
	})

	arp := header.ARP(b[header.EthernetMinimumSize:])
	arp.SetIPv4OverEthernet()
	arp.SetOp(header.ARPReply)
	copy(arp.HardwareAddressSender(), gwMAC)
	copy(arp.ProtocolAddressSender(), a.cfg.GatewayIP.AsSlice())
	copy(arp.HardwareAddressTarget(), sha)
	copy(arp.ProtocolAddressTarget(), spa)

	return reply, nil
}

var _ vswitch.HairpinGen = (*icmpEchoReply)(nil)

// icmpEchoReply answers a ping to the gateway IP. The request's IP
// header, identifier, sequence and data carry over per RFC 792: the
// addresses are reversed, the type flipped, and the checksums redone.
type icmpEchoReply struct {
	cfg *Config
}

func (a *icmpEchoReply) GenReply(pf *vswitch.ParsedFrame, _ *vswitch.Meta, pool *vswitch.FramePool) (*vswitch.Frame, error) {
	if pf.ICMPv4 == nil || pf.ICMPv4.Type() != header.ICMPv4Echo || pf.IP4 == nil {
		return nil, errNotEchoRequest
	}

	reply := pool.Borrow()
	if err := reply.SetPayload(pf.InnerBytes()); err != nil {
		reply.Release()
		return nil, err
	}
	b := reply.Bytes()

	eth := header.Ethernet(b[:header.EthernetMinimumSize])
	eth.Encode(&header.EthernetFields{
		SrcAddr: util.MACTo(a.cfg.GatewayMAC),
		DstAddr: pf.Ether.SourceAddress(),
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(b[header.EthernetMinimumSize:])
	src := ip.SourceAddress()
	ip.SetSourceAddress(ip.DestinationAddress())
	ip.SetDestinationAddress(src)
	ip.SetTTL(64)
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	icmp := header.ICMPv4(b[header.EthernetMinimumSize+int(ip.HeaderLength()):])
	icmp.SetType(header.ICMPv4EchoReply)
	icmp.SetChecksum(0)
	icmp.SetChecksum(^checksum.Checksum(icmp, 0))

	return reply, nil
}

var _ vswitch.HairpinGen = (*dnsResponder)(nil)

// dnsResponder answers A/AAAA queries sent to the gateway resolver from
// the port's static zone.
type dnsResponder struct {
	cfg *Config
}

func (a *dnsResponder) GenReply(pf *vswitch.ParsedFrame, _ *vswitch.Meta, pool *vswitch.FramePool) (*vswitch.Frame, error) {
	if pf.UDP == nil || pf.IP4 == nil {
		return nil, errNotDNSQuery
	}

	udpLen := int(pf.UDP.Length())
	if udpLen < header.UDPMinimumSize || udpLen > len(pf.UDP) {
		return nil, errNotDNSQuery
	}

	var query dns.Msg
	if err := query.Unpack(pf.UDP[header.UDPMinimumSize:udpLen]); err != nil {
		return nil, errNotDNSQuery
	}

	resp := new(dns.Msg)
	resp.SetReply(&query)
	resp.Authoritative = true

	for _, q := range query.Question {
		name := strings.ToLower(strings.TrimSuffix(q.Name, "."))
		addr, ok := a.cfg.DNSZone[name]
		if !ok {
			continue
		}
		hdr := dns.RR_Header{
			Name:  q.Name,
			Class: dns.ClassINET,
			Ttl:   300,
		}
		switch {
		case q.Qtype == dns.TypeA && addr.Is4():
			hdr.Rrtype = dns.TypeA
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: hdr,
				A:   net.IP(addr.AsSlice()),
			})
		case q.Qtype == dns.TypeAAAA && addr.Is6():
			hdr.Rrtype = dns.TypeAAAA
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  hdr,
				AAAA: net.IP(addr.AsSlice()),
			})
		}
	}
	if len(resp.Answer) == 0 {
		resp.Rcode = dns.RcodeNameError
	}

	packed, err := resp.Pack()
	if err != nil {
		return nil, err
	}

	return buildUDP4Reply(pool, udp4Reply{
		srcMAC:  util.MACTo(a.cfg.GatewayMAC),
		dstMAC:  pf.Ether.SourceAddress(),
		srcIP:   a.cfg.GatewayIP,
		dstIP:   pf.SrcIP(),
		srcPort: dnsPort,
		dstPort: pf.UDP.SourcePort(),
		payload: packed,
	})
}

type udp4Reply struct {
	srcMAC  tcpip.LinkAddress
	dstMAC  tcpip.LinkAddress
	srcIP   netip.Addr
	dstIP   netip.Addr
	srcPort uint16
	dstPort uint16
	payload []byte
}

// buildUDP4Reply synthesizes an Ethernet + IPv4 + UDP frame.
func buildUDP4Reply(pool *vswitch.FramePool, r udp4Reply) (*vswitch.Frame, error) {
	const hdrLen = header.EthernetMinimumSize + header.IPv4MinimumSize + header.UDPMinimumSize

	if hdrLen+len(r.payload) > vswitch.MaxFrameSize-vswitch.FrameHeadroom {
		return nil, vswitch.ErrNoHeadroom
	}

	f := pool.Borrow()
	f.Size = hdrLen + len(r.payload)
	b := f.Bytes()

	eth := header.Ethernet(b[:header.EthernetMinimumSize])
	eth.Encode(&header.EthernetFields{
		SrcAddr: r.srcMAC,
		DstAddr: r.dstMAC,
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(b[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + header.UDPMinimumSize + len(r.payload)),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     util.AddrTo(r.srcIP),
		DstAddr:     util.AddrTo(r.dstIP),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	udpLen := uint16(header.UDPMinimumSize + len(r.payload))
	udp := header.UDP(b[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: r.srcPort,
		DstPort: r.dstPort,
		Length:  udpLen,
	})
	copy(b[hdrLen:], r.payload)

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		util.AddrTo(r.srcIP), util.AddrTo(r.dstIP), udpLen)
	udp.SetChecksum(^checksum.Checksum(udp[:udpLen], xsum))

	return f, nil
}
