// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package admin

import (
	"net/netip"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := AddRuleRequest{
		Port:  "port0",
		Layer: "firewall",
		Dir:   "in",
		Rule: RuleSpec{
			Priority:    10,
			Protocols:   []uint8{6},
			DstPrefixes: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")},
			DstPorts:    []PortRangeSpec{{From: 80, To: 80}, {From: 443, To: 443}},
			Action:      ActionSpec{Kind: "named", Name: "fw"},
		},
	}

	data, err := EncodeRequest(TagAddRule, req)
	require.NoError(t, err)

	tag, body, cerr := DecodeRequest(data)
	require.Nil(t, cerr)
	require.Equal(t, TagAddRule, tag)

	var got AddRuleRequest
	require.Nil(t, unmarshalBody(body, &got))
	require.Equal(t, req, got)

	// The encoding is canonical: re-serializing yields identical bytes.
	again, err := EncodeRequest(TagAddRule, got)
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := DumpUftResponse{
		Out: []FlowInfo{{
			Proto:   6,
			Src:     netip.MustParseAddr("10.0.0.2"),
			Dst:     netip.MustParseAddr("10.0.0.3"),
			SrcPort: 33000,
			DstPort: 80,
			Hits:    42,
		}},
	}

	data, err := EncodeResponse(resp)
	require.NoError(t, err)

	var got DumpUftResponse
	require.NoError(t, DecodeResponse(data, &got))
	require.Equal(t, resp, got)

	again, err := EncodeResponse(got)
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestErrorResponseRoundTrip(t *testing.T) {
	data, err := EncodeErrorResponse(&Error{
		Code:    CodePortNotFound,
		Message: "port0",
	})
	require.NoError(t, err)

	err = DecodeResponse(data, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, CodePortNotFound, cerr.Code)
	require.Equal(t, "port0", cerr.Message)
}

func TestVersionMismatchRejected(t *testing.T) {
	data, err := encMode.Marshal(requestEnvelope{
		Version: APIVersion + 1,
		Tag:     TagListPorts,
	})
	require.NoError(t, err)

	_, _, cerr := DecodeRequest(data)
	require.NotNil(t, cerr)
	require.Equal(t, CodeBadArgument, cerr.Code)
}

func TestMalformedRequestRejected(t *testing.T) {
	_, _, cerr := DecodeRequest([]byte{0xff, 0x00, 0x01})
	require.NotNil(t, cerr)
	require.Equal(t, CodeBadArgument, cerr.Code)
}

func TestEveryCommandRoundTrips(t *testing.T) {
	requests := map[Tag]any{
		TagListPorts:    nil,
		TagCreatePort:   CreatePortRequest{Name: "port0", Spec: PortSpec{UftSize: 16}},
		TagDeletePort:   DeletePortRequest{Name: "port0"},
		TagAddLayer:     AddLayerRequest{Port: "port0", Layer: "filter", Where: "last", DefaultIn: "deny", DefaultOut: "allow"},
		TagRemoveLayer:  RemoveLayerRequest{Port: "port0", Layer: "filter"},
		TagAddRule:      AddRuleRequest{Port: "port0", Layer: "filter", Dir: "out", Rule: RuleSpec{Priority: 1, Action: ActionSpec{Kind: "allow"}}},
		TagRemoveRule:   RemoveRuleRequest{Port: "port0", Layer: "filter", Dir: "out", ID: 7},
		TagSetRules:     SetRulesRequest{Port: "port0", Layer: "filter", Dir: "in"},
		TagListLayers:   ListLayersRequest{Port: "port0"},
		TagListRules:    ListRulesRequest{Port: "port0", Layer: "filter", Dir: "in"},
		TagDumpLayer:    DumpLayerRequest{Port: "port0", Layer: "filter"},
		TagDumpUft:      DumpUftRequest{Port: "port0"},
		TagDumpTCPFlows: DumpTCPFlowsRequest{Port: "port0"},
		TagClearUft:     ClearUftRequest{Port: "port0"},
	}

	for tag, req := range requests {
		data, err := EncodeRequest(tag, req)
		require.NoError(t, err, tag.String())

		gotTag, body, cerr := DecodeRequest(data)
		require.Nil(t, cerr, tag.String())
		require.Equal(t, tag, gotTag)

		if req == nil {
			continue
		}
		// Round-trip through the raw body and back to bytes.
		var raw cbor.RawMessage = body
		again, err := encMode.Marshal(requestEnvelope{
			Version: APIVersion,
			Tag:     tag,
			Body:    raw,
		})
		require.NoError(t, err)
		require.Equal(t, data, again, tag.String())
	}
}
