// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vswitch

import "log/slog"

// Probes is the telemetry capability surface. The engine fires a probe
// at each well-known point in the pipeline; the embedding decides what
// to do with it (static tracing probes in a kernel, slog in userspace).
// Implementations must not block.
type Probes interface {
	RuleMatch(port, layer string, dir Direction, id FlowID, ruleID uint64)
	RuleNoMatch(port, layer string, dir Direction, id FlowID)
	LayerProcess(port, layer string, dir Direction, id FlowID, verdict string)
	TransformApplied(port string, dir Direction, id FlowID)
	TCPTransition(port string, id FlowID, from, to TCPState)
	FlowExpired(port, table string, id FlowID)
	GenDescFail(port, layer string, dir Direction, id FlowID, err error)
	GenReplyFail(port, layer string, dir Direction, id FlowID, err error)
}

// NopProbes discards every probe.
type NopProbes struct{}

var _ Probes = NopProbes{}

func (NopProbes) RuleMatch(string, string, Direction, FlowID, uint64)    {}
func (NopProbes) RuleNoMatch(string, string, Direction, FlowID)          {}
func (NopProbes) LayerProcess(string, string, Direction, FlowID, string) {}
func (NopProbes) TransformApplied(string, Direction, FlowID)             {}
func (NopProbes) TCPTransition(string, FlowID, TCPState, TCPState)       {}
func (NopProbes) FlowExpired(string, string, FlowID)                     {}
func (NopProbes) GenDescFail(string, string, Direction, FlowID, error)   {}
func (NopProbes) GenReplyFail(string, string, Direction, FlowID, error)  {}

// SlogProbes logs every probe at debug level.
type SlogProbes struct {
	Logger *slog.Logger
}

var _ Probes = (*SlogProbes)(nil)

func (p *SlogProbes) RuleMatch(port, layer string, dir Direction, id FlowID, ruleID uint64) {
	p.Logger.Debug("Rule matched",
		slog.String("port", port), slog.String("layer", layer),
		slog.String("dir", dir.String()), slog.String("flow", id.String()),
		slog.Uint64("rule", ruleID))
}

func (p *SlogProbes) RuleNoMatch(port, layer string, dir Direction, id FlowID) {
	p.Logger.Debug("No rule matched",
		slog.String("port", port), slog.String("layer", layer),
		slog.String("dir", dir.String()), slog.String("flow", id.String()))
}

func (p *SlogProbes) LayerProcess(port, layer string, dir Direction, id FlowID, verdict string) {
	p.Logger.Debug("Layer processed",
		slog.String("port", port), slog.String("layer", layer),
		slog.String("dir", dir.String()), slog.String("flow", id.String()),
		slog.String("verdict", verdict))
}

func (p *SlogProbes) TransformApplied(port string, dir Direction, id FlowID) {
	p.Logger.Debug("Transform applied",
		slog.String("port", port), slog.String("dir", dir.String()),
		slog.String("flow", id.String()))
}

func (p *SlogProbes) TCPTransition(port string, id FlowID, from, to TCPState) {
	p.Logger.Debug("TCP state transition",
		slog.String("port", port), slog.String("flow", id.String()),
		slog.String("from", from.String()), slog.String("to", to.String()))
}

func (p *SlogProbes) FlowExpired(port, table string, id FlowID) {
	p.Logger.Debug("Flow expired",
		slog.String("port", port), slog.String("table", table),
		slog.String("flow", id.String()))
}

func (p *SlogProbes) GenDescFail(port, layer string, dir Direction, id FlowID, err error) {
	p.Logger.Debug("Flow descriptor generation failed",
		slog.String("port", port), slog.String("layer", layer),
		slog.String("dir", dir.String()), slog.String("flow", id.String()),
		slog.Any("error", err))
}

func (p *SlogProbes) GenReplyFail(port, layer string, dir Direction, id FlowID, err error) {
	p.Logger.Debug("Hairpin reply generation failed",
		slog.String("port", port), slog.String("layer", layer),
		slog.String("dir", dir.String()), slog.String("flow", id.String()),
		slog.Any("error", err))
}
