// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package admin_test

import (
	"net/netip"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/require"

	"github.com/noisysockets/vswitch"
	"github.com/noisysockets/vswitch/admin"
)

func command(t *testing.T, h *admin.Handler, tag admin.Tag, req, resp any) error {
	t.Helper()

	data, err := admin.EncodeRequest(tag, req)
	require.NoError(t, err)

	buf := make([]byte, 65536)
	n, err := h.Command(tag, data, buf)
	if err != nil {
		return err
	}
	return admin.DecodeResponse(buf[:n], resp)
}

func TestHandlerPortLifecycle(t *testing.T) {
	h := admin.NewHandler(slogt.New(t))

	// No ports yet.
	var ports admin.ListPortsResponse
	require.NoError(t, command(t, h, admin.TagListPorts, nil, &ports))
	require.Empty(t, ports.Ports)

	require.NoError(t, command(t, h, admin.TagCreatePort,
		admin.CreatePortRequest{Name: "port0"}, nil))

	// A duplicate is refused.
	err := command(t, h, admin.TagCreatePort,
		admin.CreatePortRequest{Name: "port0"}, nil)
	var cerr *admin.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, admin.CodePortExists, cerr.Code)

	require.NoError(t, command(t, h, admin.TagListPorts, nil, &ports))
	require.Len(t, ports.Ports, 1)
	require.Equal(t, "port0", ports.Ports[0].Name)
	require.Equal(t, "running", ports.Ports[0].State)

	require.NoError(t, command(t, h, admin.TagDeletePort,
		admin.DeletePortRequest{Name: "port0"}, nil))

	err = command(t, h, admin.TagDeletePort,
		admin.DeletePortRequest{Name: "port0"}, nil)
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, admin.CodePortNotFound, cerr.Code)
}

func TestHandlerLayersAndRules(t *testing.T) {
	h := admin.NewHandler(slogt.New(t))

	require.NoError(t, command(t, h, admin.TagCreatePort,
		admin.CreatePortRequest{Name: "port0"}, nil))
	require.NoError(t, command(t, h, admin.TagAddLayer, admin.AddLayerRequest{
		Port:       "port0",
		Layer:      "filter",
		Where:      "last",
		DefaultIn:  "deny",
		DefaultOut: "deny",
	}, nil))

	var addResp admin.AddRuleResponse
	require.NoError(t, command(t, h, admin.TagAddRule, admin.AddRuleRequest{
		Port:  "port0",
		Layer: "filter",
		Dir:   "out",
		Rule: admin.RuleSpec{
			Priority:  10,
			Protocols: []uint8{6},
			DstPorts:  []admin.PortRangeSpec{{From: 80, To: 80}},
			Action:    admin.ActionSpec{Kind: "allow"},
		},
	}, &addResp))
	require.NotZero(t, addResp.ID)

	var layers admin.ListLayersResponse
	require.NoError(t, command(t, h, admin.TagListLayers,
		admin.ListLayersRequest{Port: "port0"}, &layers))
	require.Len(t, layers.Layers, 1)
	require.Equal(t, "filter", layers.Layers[0].Name)
	require.Equal(t, 1, layers.Layers[0].RulesOut)
	require.Equal(t, "deny", layers.Layers[0].DefaultIn)

	var rules admin.ListRulesResponse
	require.NoError(t, command(t, h, admin.TagListRules,
		admin.ListRulesRequest{Port: "port0", Layer: "filter", Dir: "out"}, &rules))
	require.Len(t, rules.Rules, 1)
	require.Equal(t, addResp.ID, rules.Rules[0].ID)

	// The rule actually gates traffic.
	p, ok := h.Port("port0")
	require.True(t, ok)

	frame := allowedFrame(t)
	res, err := p.Process(vswitch.Outbound, frame)
	require.NoError(t, err)
	require.Equal(t, vswitch.VerdictEmit, res.Verdict)

	var uft admin.DumpUftResponse
	require.NoError(t, command(t, h, admin.TagDumpUft,
		admin.DumpUftRequest{Port: "port0"}, &uft))
	require.Len(t, uft.Out, 1)
	require.Equal(t, uint16(80), uft.Out[0].DstPort)

	var tcpFlows admin.DumpTCPFlowsResponse
	require.NoError(t, command(t, h, admin.TagDumpTCPFlows,
		admin.DumpTCPFlowsRequest{Port: "port0"}, &tcpFlows))
	require.Len(t, tcpFlows.Flows, 1)
	require.Equal(t, "SYN_SENT", tcpFlows.Flows[0].State)

	require.NoError(t, command(t, h, admin.TagClearUft,
		admin.ClearUftRequest{Port: "port0"}, nil))
	require.NoError(t, command(t, h, admin.TagDumpUft,
		admin.DumpUftRequest{Port: "port0"}, &uft))
	require.Empty(t, uft.Out)

	// Removing the rule leaves the layer empty.
	require.NoError(t, command(t, h, admin.TagRemoveRule, admin.RemoveRuleRequest{
		Port: "port0", Layer: "filter", Dir: "out", ID: addResp.ID,
	}, nil))
	err = command(t, h, admin.TagRemoveRule, admin.RemoveRuleRequest{
		Port: "port0", Layer: "filter", Dir: "out", ID: addResp.ID,
	}, nil)
	var cerr *admin.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, admin.CodeRuleNotFound, cerr.Code)
}

func TestHandlerSetRules(t *testing.T) {
	h := admin.NewHandler(slogt.New(t))

	require.NoError(t, command(t, h, admin.TagCreatePort,
		admin.CreatePortRequest{Name: "port0"}, nil))
	require.NoError(t, command(t, h, admin.TagAddLayer, admin.AddLayerRequest{
		Port: "port0", Layer: "filter", DefaultIn: "deny", DefaultOut: "deny",
	}, nil))

	require.NoError(t, command(t, h, admin.TagSetRules, admin.SetRulesRequest{
		Port: "port0", Layer: "filter", Dir: "out",
		Rules: []admin.RuleSpec{
			{Priority: 65535, Action: admin.ActionSpec{Kind: "deny"}},
			{Priority: 1000, Protocols: []uint8{6}, Action: admin.ActionSpec{Kind: "allow"}},
		},
	}, nil))

	var rules admin.ListRulesResponse
	require.NoError(t, command(t, h, admin.TagListRules,
		admin.ListRulesRequest{Port: "port0", Layer: "filter", Dir: "out"}, &rules))
	require.Len(t, rules.Rules, 2)
	// Evaluation order: ascending priority.
	require.Equal(t, uint16(1000), rules.Rules[0].Priority)
}

func TestHandlerBufferTooSmall(t *testing.T) {
	h := admin.NewHandler(slogt.New(t))

	data, err := admin.EncodeRequest(admin.TagListPorts, nil)
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = h.Command(admin.TagListPorts, data, buf)

	var cerr *admin.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, admin.CodeBufferTooSmall, cerr.Code)
	require.Greater(t, cerr.Needed, 1)

	// Retrying with the reported size succeeds.
	buf = make([]byte, cerr.Needed)
	n, err := h.Command(admin.TagListPorts, data, buf)
	require.NoError(t, err)
	require.Equal(t, cerr.Needed, n)
}

func TestHandlerUnknownLayer(t *testing.T) {
	h := admin.NewHandler(slogt.New(t))
	require.NoError(t, command(t, h, admin.TagCreatePort,
		admin.CreatePortRequest{Name: "port0"}, nil))

	err := command(t, h, admin.TagListRules,
		admin.ListRulesRequest{Port: "port0", Layer: "nope", Dir: "in"}, nil)
	var cerr *admin.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, admin.CodeLayerNotFound, cerr.Code)
}

func allowedFrame(t *testing.T) *vswitch.Frame {
	t.Helper()

	src := netip.MustParseAddr("10.0.0.2")
	dst := netip.MustParseAddr("10.0.0.3")

	b := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+header.TCPMinimumSize)

	eth := header.Ethernet(b)
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress("\xa8\x40\x25\xf7\x00\x65"),
		DstAddr: tcpip.LinkAddress("\xa8\x40\x25\xf7\x00\x01"),
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(b[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + header.TCPMinimumSize),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(src.As4()),
		DstAddr:     tcpip.AddrFrom4(dst.As4()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	tcpOff := header.EthernetMinimumSize + header.IPv4MinimumSize
	tcpHdr := header.TCP(b[tcpOff:])
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:    33000,
		DstPort:    80,
		SeqNum:     1000,
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagSyn,
		WindowSize: 65535,
	})
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		tcpip.AddrFrom4(src.As4()), tcpip.AddrFrom4(dst.As4()),
		uint16(header.TCPMinimumSize))
	tcpHdr.SetChecksum(^checksum.Checksum(b[tcpOff:], xsum))

	f := &vswitch.Frame{}
	f.Reset()
	require.NoError(t, f.SetPayload(b))
	return f
}
