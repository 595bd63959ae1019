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
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/noisysockets/vswitch"
)

// Handler serves the control-plane command channel for a set of ports.
// It is safe for concurrent use: the handler's own lock guards its port
// registry, and each command relies on the target port's own
// synchronization.
type Handler struct {
	logger *slog.Logger
	probes vswitch.Probes
	clock  vswitch.Clock

	mu    sync.RWMutex
	ports map[string]*vswitch.Port
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithProbes sets the telemetry capability handed to ports created
// through the channel.
func WithProbes(p vswitch.Probes) HandlerOption {
	return func(h *Handler) { h.probes = p }
}

// WithClock sets the time capability handed to ports created through
// the channel.
func WithClock(c vswitch.Clock) HandlerOption {
	return func(h *Handler) { h.clock = c }
}

// NewHandler creates a command handler.
func NewHandler(logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		logger: logger,
		probes: &vswitch.SlogProbes{Logger: logger},
		clock:  vswitch.SystemClock{},
		ports:  make(map[string]*vswitch.Port),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterPort adds an embedder-built port (e.g. one assembled with a
// full layer stack) to the handler's registry.
func (h *Handler) RegisterPort(p *vswitch.Port) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ports[p.Name()]; ok {
		return &Error{Code: CodePortExists, Message: p.Name()}
	}
	h.ports[p.Name()] = p
	return nil
}

// Port returns a registered port by name.
func (h *Handler) Port(name string) (*vswitch.Port, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.ports[name]
	return p, ok
}

// Command implements the driver shim's channel contract: a command tag,
// a serialized request, and a caller-allocated response buffer. The
// response length is returned; when the buffer is too small nothing is
// written and the error reports the size needed.
func (h *Handler) Command(tag Tag, req []byte, resp []byte) (int, error) {
	out := h.handle(tag, req)
	if len(out) > len(resp) {
		return 0, &Error{Code: CodeBufferTooSmall, Needed: len(out)}
	}
	return copy(resp, out), nil
}

// HandleRequest serves one enveloped request and returns the enveloped
// response.
func (h *Handler) HandleRequest(req []byte) []byte {
	tag, body, cerr := DecodeRequest(req)
	if cerr != nil {
		return h.errorResponse(cerr)
	}
	return h.handleDecoded(tag, body)
}

func (h *Handler) handle(tag Tag, req []byte) []byte {
	// The envelope tag is authoritative when present, but the channel
	// also carries the tag out of band; check they agree.
	envTag, body, cerr := DecodeRequest(req)
	if cerr != nil {
		return h.errorResponse(cerr)
	}
	if envTag != tag {
		return h.errorResponse(badArgument(
			"command tag mismatch: channel %s, envelope %s", tag, envTag))
	}
	return h.handleDecoded(tag, body)
}

func (h *Handler) handleDecoded(tag Tag, body cbor.RawMessage) []byte {
	resp, cerr := h.dispatch(tag, body)
	if cerr != nil {
		h.logger.Debug("Command failed",
			slog.String("tag", tag.String()), slog.Any("error", cerr))
		return h.errorResponse(cerr)
	}

	out, err := EncodeResponse(resp)
	if err != nil {
		return h.errorResponse(&Error{Code: CodeInternal, Message: err.Error()})
	}
	return out
}

func (h *Handler) errorResponse(cerr *Error) []byte {
	out, err := EncodeErrorResponse(cerr)
	if err != nil {
		// The error envelope is a static structure; if it cannot be
		// encoded the codec itself is broken and there is nothing
		// better to send.
		return nil
	}
	return out
}

func (h *Handler) dispatch(tag Tag, body cbor.RawMessage) (any, *Error) {
	switch tag {
	case TagListPorts:
		return h.listPorts()
	case TagCreatePort:
		var req CreatePortRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.createPort(&req)
	case TagDeletePort:
		var req DeletePortRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.deletePort(&req)
	case TagAddLayer:
		var req AddLayerRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.addLayer(&req)
	case TagRemoveLayer:
		var req RemoveLayerRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.removeLayer(&req)
	case TagAddRule:
		var req AddRuleRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.addRule(&req)
	case TagRemoveRule:
		var req RemoveRuleRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.removeRule(&req)
	case TagSetRules:
		var req SetRulesRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.setRules(&req)
	case TagListLayers:
		var req ListLayersRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.listLayers(&req)
	case TagListRules:
		var req ListRulesRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.listRules(&req)
	case TagDumpLayer:
		var req DumpLayerRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.dumpLayer(&req)
	case TagDumpUft:
		var req DumpUftRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.dumpUft(&req)
	case TagDumpTCPFlows:
		var req DumpTCPFlowsRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.dumpTCPFlows(&req)
	case TagClearUft:
		var req ClearUftRequest
		if cerr := unmarshalBody(body, &req); cerr != nil {
			return nil, cerr
		}
		return h.clearUft(&req)
	}
	return nil, badArgument("unknown command tag %d", uint32(tag))
}

func (h *Handler) port(name string) (*vswitch.Port, *Error) {
	p, ok := h.Port(name)
	if !ok {
		return nil, &Error{Code: CodePortNotFound, Message: name}
	}
	return p, nil
}

func (h *Handler) listPorts() (any, *Error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := ListPortsResponse{Ports: make([]PortInfo, 0, len(h.ports))}
	for _, p := range h.ports {
		state := "ready"
		if p.State() == vswitch.PortRunning {
			state = "running"
		}
		resp.Ports = append(resp.Ports, PortInfo{Name: p.Name(), State: state})
	}
	return resp, nil
}

func (h *Handler) createPort(req *CreatePortRequest) (any, *Error) {
	if req.Name == "" {
		return nil, badArgument("port name is required")
	}

	conf := &vswitch.PortConfig{}
	if req.Spec.UftSize > 0 {
		size := int(req.Spec.UftSize)
		conf.UftSize = &size
	}
	if req.Spec.TCPFlowSize > 0 {
		size := int(req.Spec.TCPFlowSize)
		conf.TCPFlowSize = &size
	}

	builder := vswitch.NewPortBuilder(req.Name, h.logger.With(slog.String("port", req.Name))).
		WithProbes(h.probes).
		WithClock(h.clock)
	p, err := builder.Create(conf)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Message: err.Error()}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ports[req.Name]; ok {
		return nil, &Error{Code: CodePortExists, Message: req.Name}
	}
	p.Start()
	h.ports[req.Name] = p
	return EmptyResponse{}, nil
}

func (h *Handler) deletePort(req *DeletePortRequest) (any, *Error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.ports[req.Name]
	if !ok {
		return nil, &Error{Code: CodePortNotFound, Message: req.Name}
	}
	// Reset releases all flow state before the port is dropped.
	p.Reset()
	delete(h.ports, req.Name)
	return EmptyResponse{}, nil
}

func (h *Handler) addLayer(req *AddLayerRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}

	defaultIn, cerr := parseDefault(req.DefaultIn)
	if cerr != nil {
		return nil, cerr
	}
	defaultOut, cerr := parseDefault(req.DefaultOut)
	if cerr != nil {
		return nil, cerr
	}

	pos, cerr := parsePosition(req.Where, req.Ref)
	if cerr != nil {
		return nil, cerr
	}

	_, err := p.AddLayer(req.Layer, pos, vswitch.LayerConfig{
		DefaultIn:     defaultIn,
		DefaultOut:    defaultOut,
		FlowTableSize: int(req.FlowTableSize),
	})
	if err != nil {
		return nil, mapPortError(err)
	}
	return EmptyResponse{}, nil
}

func (h *Handler) removeLayer(req *RemoveLayerRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}
	if err := p.RemoveLayer(req.Layer); err != nil {
		return nil, mapPortError(err)
	}
	return EmptyResponse{}, nil
}

func (h *Handler) addRule(req *AddRuleRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}
	dir, cerr := parseDirection(req.Dir)
	if cerr != nil {
		return nil, cerr
	}
	rule, cerr := compileRule(p, req.Layer, &req.Rule)
	if cerr != nil {
		return nil, cerr
	}
	id, err := p.AddRule(req.Layer, dir, rule)
	if err != nil {
		return nil, mapPortError(err)
	}
	return AddRuleResponse{ID: id}, nil
}

func (h *Handler) removeRule(req *RemoveRuleRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}
	dir, cerr := parseDirection(req.Dir)
	if cerr != nil {
		return nil, cerr
	}
	if err := p.RemoveRule(req.Layer, dir, req.ID); err != nil {
		return nil, mapPortError(err)
	}
	return EmptyResponse{}, nil
}

func (h *Handler) setRules(req *SetRulesRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}
	dir, cerr := parseDirection(req.Dir)
	if cerr != nil {
		return nil, cerr
	}

	rules := make([]*vswitch.Rule, 0, len(req.Rules))
	for i := range req.Rules {
		rule, cerr := compileRule(p, req.Layer, &req.Rules[i])
		if cerr != nil {
			return nil, cerr
		}
		rules = append(rules, rule)
	}
	if err := p.SetRules(req.Layer, dir, rules); err != nil {
		return nil, mapPortError(err)
	}
	return EmptyResponse{}, nil
}

func (h *Handler) listLayers(req *ListLayersRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}

	descs := p.ListLayers()
	resp := ListLayersResponse{Layers: make([]LayerInfo, 0, len(descs))}
	for _, d := range descs {
		resp.Layers = append(resp.Layers, LayerInfo{
			Name:       d.Name,
			RulesIn:    d.RulesIn,
			RulesOut:   d.RulesOut,
			FlowsIn:    d.FlowsIn,
			FlowsOut:   d.FlowsOut,
			DefaultIn:  d.DefaultIn,
			DefaultOut: d.DefaultOut,
		})
	}
	return resp, nil
}

func (h *Handler) listRules(req *ListRulesRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}
	dir, cerr := parseDirection(req.Dir)
	if cerr != nil {
		return nil, cerr
	}
	l, ok := p.Layer(req.Layer)
	if !ok {
		return nil, &Error{Code: CodeLayerNotFound, Message: req.Layer}
	}
	return ListRulesResponse{Rules: ruleInfos(l.DumpRules(dir))}, nil
}

func (h *Handler) dumpLayer(req *DumpLayerRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}
	l, ok := p.Layer(req.Layer)
	if !ok {
		return nil, &Error{Code: CodeLayerNotFound, Message: req.Layer}
	}
	return DumpLayerResponse{
		Name:     l.Name(),
		RulesIn:  ruleInfos(l.DumpRules(vswitch.Inbound)),
		RulesOut: ruleInfos(l.DumpRules(vswitch.Outbound)),
		FlowsIn:  flowInfos(l.DumpFlows(vswitch.Inbound)),
		FlowsOut: flowInfos(l.DumpFlows(vswitch.Outbound)),
	}, nil
}

func (h *Handler) dumpUft(req *DumpUftRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}
	return DumpUftResponse{
		In:  flowInfos(p.DumpUft(vswitch.Inbound)),
		Out: flowInfos(p.DumpUft(vswitch.Outbound)),
	}, nil
}

func (h *Handler) dumpTCPFlows(req *DumpTCPFlowsRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}

	flows := p.DumpTCPFlows()
	resp := DumpTCPFlowsResponse{Flows: make([]TCPFlowInfo, 0, len(flows))}
	for _, f := range flows {
		resp.Flows = append(resp.Flows, TCPFlowInfo{
			Flow: FlowInfo{
				Proto:   f.FlowID.Proto,
				Src:     f.FlowID.Src,
				Dst:     f.FlowID.Dst,
				SrcPort: f.FlowID.SrcPort,
				DstPort: f.FlowID.DstPort,
			},
			State: f.State.String(),
		})
	}
	return resp, nil
}

func (h *Handler) clearUft(req *ClearUftRequest) (any, *Error) {
	p, cerr := h.port(req.Port)
	if cerr != nil {
		return nil, cerr
	}
	p.ClearUft()
	return EmptyResponse{}, nil
}

func ruleInfos(rules []*vswitch.Rule) []RuleInfo {
	out := make([]RuleInfo, 0, len(rules))
	for _, r := range rules {
		out = append(out, RuleInfo{
			ID:       r.ID(),
			Priority: r.Priority(),
			Summary:  r.String(),
		})
	}
	return out
}

func flowInfos(entries []vswitch.FlowDumpEntry) []FlowInfo {
	out := make([]FlowInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FlowInfo{
			Proto:   e.FlowID.Proto,
			Src:     e.FlowID.Src,
			Dst:     e.FlowID.Dst,
			SrcPort: e.FlowID.SrcPort,
			DstPort: e.FlowID.DstPort,
			Hits:    e.Hits,
		})
	}
	return out
}

func parseDirection(s string) (vswitch.Direction, *Error) {
	switch s {
	case "in":
		return vswitch.Inbound, nil
	case "out":
		return vswitch.Outbound, nil
	}
	return 0, badArgument("unknown direction %q", s)
}

func parseDefault(s string) (vswitch.DefaultAction, *Error) {
	switch s {
	case "allow":
		return vswitch.DefaultAllow, nil
	case "deny":
		return vswitch.DefaultDeny, nil
	}
	return 0, badArgument("unknown default action %q", s)
}

func parsePosition(where, ref string) (vswitch.Position, *Error) {
	switch where {
	case "first":
		return vswitch.PosFirst(), nil
	case "last", "":
		return vswitch.PosLast(), nil
	case "before":
		if ref == "" {
			return vswitch.Position{}, badArgument("position %q requires a ref", where)
		}
		return vswitch.PosBefore(ref), nil
	case "after":
		if ref == "" {
			return vswitch.Position{}, badArgument("position %q requires a ref", where)
		}
		return vswitch.PosAfter(ref), nil
	}
	return vswitch.Position{}, badArgument("unknown position %q", where)
}

// compileRule turns a serialized rule into an engine rule. Named
// actions are resolved against the target layer's action registry.
func compileRule(p *vswitch.Port, layer string, spec *RuleSpec) (*vswitch.Rule, *Error) {
	var action vswitch.Action
	switch spec.Action.Kind {
	case "allow":
		action = vswitch.Allow()
	case "deny":
		action = vswitch.Deny()
	case "named":
		l, ok := p.Layer(layer)
		if !ok {
			return nil, &Error{Code: CodeLayerNotFound, Message: layer}
		}
		action, ok = l.Action(spec.Action.Name)
		if !ok {
			return nil, badArgument("no action %q registered on layer %q",
				spec.Action.Name, layer)
		}
	default:
		return nil, badArgument("unknown action kind %q", spec.Action.Kind)
	}

	var preds []vswitch.Predicate
	if len(spec.Protocols) > 0 {
		preds = append(preds, vswitch.MatchProtocol(spec.Protocols...))
	}
	if len(spec.EtherTypes) > 0 {
		preds = append(preds, vswitch.MatchEtherType(spec.EtherTypes...))
	}
	if len(spec.SrcIPs) > 0 {
		preds = append(preds, vswitch.MatchSrcIP(spec.SrcIPs...))
	}
	if len(spec.DstIPs) > 0 {
		preds = append(preds, vswitch.MatchDstIP(spec.DstIPs...))
	}
	if len(spec.SrcPrefixes) > 0 {
		preds = append(preds, vswitch.MatchSrcPrefix(spec.SrcPrefixes...))
	}
	if len(spec.DstPrefixes) > 0 {
		preds = append(preds, vswitch.MatchDstPrefix(spec.DstPrefixes...))
	}
	if len(spec.SrcPorts) > 0 {
		preds = append(preds, vswitch.MatchSrcPort(portRanges(spec.SrcPorts)...))
	}
	if len(spec.DstPorts) > 0 {
		preds = append(preds, vswitch.MatchDstPort(portRanges(spec.DstPorts)...))
	}

	return vswitch.NewRule(spec.Priority, action, preds...), nil
}

func portRanges(specs []PortRangeSpec) []vswitch.PortRange {
	out := make([]vswitch.PortRange, 0, len(specs))
	for _, s := range specs {
		out = append(out, vswitch.PortRange{From: s.From, To: s.To})
	}
	return out
}

func mapPortError(err error) *Error {
	switch err {
	case vswitch.ErrLayerNotFound:
		return &Error{Code: CodeLayerNotFound, Message: err.Error()}
	case vswitch.ErrLayerExists:
		return badArgument("%v", err)
	case vswitch.ErrRuleNotFound:
		return &Error{Code: CodeRuleNotFound, Message: err.Error()}
	case vswitch.ErrCapacity:
		return &Error{Code: CodeResourceExhausted, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
