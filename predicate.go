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
	"fmt"
	"net/netip"
	"strings"

	"github.com/noisysockets/netutil/triemap"
)

// Predicate is a matcher over a frame's parsed headers and the pipeline
// metadata. Predicates are pure: they never mutate the frame or the
// metadata.
type Predicate interface {
	Match(pf *ParsedFrame, meta *Meta) bool
	String() string
}

var (
	_ Predicate = (*protocolMatcher)(nil)
	_ Predicate = (*etherTypeMatcher)(nil)
	_ Predicate = (*ipMatcher)(nil)
	_ Predicate = (*prefixMatcher)(nil)
	_ Predicate = (*portMatcher)(nil)
	_ Predicate = (*encapMatcher)(nil)
	_ Predicate = (*metaMatcher)(nil)
	_ Predicate = (*notMatcher)(nil)
)

type protocolMatcher struct {
	protos []uint8
}

// MatchProtocol matches frames whose inner IP protocol is one of protos.
func MatchProtocol(protos ...uint8) Predicate {
	return &protocolMatcher{protos: protos}
}

func (m *protocolMatcher) Match(pf *ParsedFrame, _ *Meta) bool {
	var proto uint8
	switch {
	case pf.IP4 != nil:
		proto = uint8(pf.IP4.Protocol())
	case pf.IP6 != nil:
		proto = pf.IP6.NextHeader()
	default:
		return false
	}
	for _, p := range m.protos {
		if p == proto {
			return true
		}
	}
	return false
}

func (m *protocolMatcher) String() string {
	return fmt.Sprintf("proto=%v", m.protos)
}

type etherTypeMatcher struct {
	types []uint16
}

// MatchEtherType matches frames whose inner Ethernet type is one of
// types.
func MatchEtherType(types ...uint16) Predicate {
	return &etherTypeMatcher{types: types}
}

func (m *etherTypeMatcher) Match(pf *ParsedFrame, _ *Meta) bool {
	for _, t := range m.types {
		if t == pf.EtherType {
			return true
		}
	}
	return false
}

func (m *etherTypeMatcher) String() string {
	return fmt.Sprintf("ethertype=%#x", m.types)
}

type ipMatcher struct {
	src   bool
	addrs []netip.Addr
}

// MatchSrcIP matches frames whose inner source IP is one of addrs.
func MatchSrcIP(addrs ...netip.Addr) Predicate {
	return &ipMatcher{src: true, addrs: addrs}
}

// MatchDstIP matches frames whose inner destination IP is one of addrs.
func MatchDstIP(addrs ...netip.Addr) Predicate {
	return &ipMatcher{addrs: addrs}
}

func (m *ipMatcher) Match(pf *ParsedFrame, _ *Meta) bool {
	addr := pf.DstIP()
	if m.src {
		addr = pf.SrcIP()
	}
	if !addr.IsValid() {
		return false
	}
	for _, a := range m.addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func (m *ipMatcher) String() string {
	which := "dst"
	if m.src {
		which = "src"
	}
	parts := make([]string, len(m.addrs))
	for i, a := range m.addrs {
		parts[i] = a.String()
	}
	return fmt.Sprintf("ip.%s=%s", which, strings.Join(parts, ","))
}

type prefixMatcher struct {
	src      bool
	prefixes *triemap.TrieMap[struct{}]
	label    string
}

// MatchSrcPrefix matches frames whose inner source IP falls inside one of
// the prefixes.
func MatchSrcPrefix(prefixes ...netip.Prefix) Predicate {
	return newPrefixMatcher(true, prefixes)
}

// MatchDstPrefix matches frames whose inner destination IP falls inside
// one of the prefixes.
func MatchDstPrefix(prefixes ...netip.Prefix) Predicate {
	return newPrefixMatcher(false, prefixes)
}

func newPrefixMatcher(src bool, prefixes []netip.Prefix) *prefixMatcher {
	tm := triemap.New[struct{}]()
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		tm.Insert(p, struct{}{})
		parts[i] = p.String()
	}
	return &prefixMatcher{src: src, prefixes: tm, label: strings.Join(parts, ",")}
}

func (m *prefixMatcher) Match(pf *ParsedFrame, _ *Meta) bool {
	addr := pf.DstIP()
	if m.src {
		addr = pf.SrcIP()
	}
	if !addr.IsValid() {
		return false
	}
	_, ok := m.prefixes.Get(addr)
	return ok
}

func (m *prefixMatcher) String() string {
	which := "dst"
	if m.src {
		which = "src"
	}
	return fmt.Sprintf("cidr.%s=%s", which, m.label)
}

// PortRange is an inclusive transport port range.
type PortRange struct {
	From uint16
	To   uint16
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.From && port <= r.To
}

type portMatcher struct {
	src    bool
	ranges []PortRange
}

// MatchSrcPort matches frames whose transport source port falls inside
// one of the ranges.
func MatchSrcPort(ranges ...PortRange) Predicate {
	return &portMatcher{src: true, ranges: ranges}
}

// MatchDstPort matches frames whose transport destination port falls
// inside one of the ranges.
func MatchDstPort(ranges ...PortRange) Predicate {
	return &portMatcher{ranges: ranges}
}

func (m *portMatcher) Match(pf *ParsedFrame, _ *Meta) bool {
	var port uint16
	switch {
	case pf.TCP != nil:
		if m.src {
			port = pf.TCP.SourcePort()
		} else {
			port = pf.TCP.DestinationPort()
		}
	case pf.UDP != nil:
		if m.src {
			port = pf.UDP.SourcePort()
		} else {
			port = pf.UDP.DestinationPort()
		}
	default:
		return false
	}
	for _, r := range m.ranges {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

func (m *portMatcher) String() string {
	which := "dst"
	if m.src {
		which = "src"
	}
	return fmt.Sprintf("port.%s=%v", which, m.ranges)
}

type encapMatcher struct {
	encapsulated bool
}

// MatchEncapsulated matches frames by whether they carry outer tunnel
// headers.
func MatchEncapsulated(encapsulated bool) Predicate {
	return &encapMatcher{encapsulated: encapsulated}
}

func (m *encapMatcher) Match(pf *ParsedFrame, _ *Meta) bool {
	return pf.IsEncapsulated() == m.encapsulated
}

func (m *encapMatcher) String() string {
	return fmt.Sprintf("encap=%t", m.encapsulated)
}

type metaMatcher struct {
	key   string
	value string
}

// MatchMeta matches frames whose pipeline metadata holds value under key.
func MatchMeta(key, value string) Predicate {
	return &metaMatcher{key: key, value: value}
}

func (m *metaMatcher) Match(_ *ParsedFrame, meta *Meta) bool {
	v, ok := meta.Get(m.key)
	return ok && v == m.value
}

func (m *metaMatcher) String() string {
	return fmt.Sprintf("meta.%s=%s", m.key, m.value)
}

type notMatcher struct {
	inner Predicate
}

// Not inverts the result of another predicate.
func Not(inner Predicate) Predicate {
	return &notMatcher{inner: inner}
}

func (m *notMatcher) Match(pf *ParsedFrame, meta *Meta) bool {
	return !m.inner.Match(pf, meta)
}

func (m *notMatcher) String() string {
	return "!" + m.inner.String()
}
