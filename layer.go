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
	"sync"
	"sync/atomic"
	"time"
)

// LayerConfig configures a layer. The default actions are required; a
// layer with mixed-direction traffic must state its policy for both.
type LayerConfig struct {
	// DefaultIn is applied to inbound frames no rule matches.
	DefaultIn DefaultAction
	// DefaultOut is applied to outbound frames no rule matches.
	DefaultOut DefaultAction
	// FlowTableSize bounds each per-direction flow table.
	FlowTableSize int
	// FlowTTL is the idle expiry for flow table entries; zero means
	// DefaultFlowTTL.
	FlowTTL time.Duration
}

// lftEntry caches a layer's resolved decision for a flow so subsequent
// frames skip rule evaluation within the layer.
type lftEntry struct {
	ht    Transform
	state FlowState
	// gen is the layer generation at install time; an older generation
	// than the layer's current one means the entry is stale.
	gen uint64
}

// Layer is a named match/action unit: one rule table and one flow table
// per direction, plus a registry of named actions the control plane can
// reference.
type Layer struct {
	name   string
	port   string
	probes Probes

	defaults [2]DefaultAction

	// mu guards the rule tables and the action registry. Flow tables
	// have their own finer-grained locking.
	mu      sync.RWMutex
	rules   [2]*ruleTable
	actions map[string]Action

	lft [2]*flowTable[*lftEntry]

	gen   atomic.Uint64
	stats layerStats
}

func newLayer(port, name string, cfg LayerConfig, probes Probes) *Layer {
	if cfg.FlowTableSize <= 0 {
		cfg.FlowTableSize = 8192
	}
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = DefaultFlowTTL
	}

	l := &Layer{
		name:     name,
		port:     port,
		probes:   probes,
		defaults: [2]DefaultAction{Inbound: cfg.DefaultIn, Outbound: cfg.DefaultOut},
		rules:    [2]*ruleTable{newRuleTable(), newRuleTable()},
		actions:  make(map[string]Action),
	}
	l.gen.Store(1)
	for dir := range l.lft {
		l.lft[dir] = newFlowTable(
			fmt.Sprintf("%s.%s", name, Direction(dir)),
			cfg.FlowTableSize, cfg.FlowTTL,
			func(id FlowID, e *lftEntry) {
				if e.state != nil {
					e.state.Release()
				}
				probes.FlowExpired(port, name, id)
			})
	}
	return l
}

// Name returns the layer's name.
func (l *Layer) Name() string {
	return l.name
}

// Generation returns the layer's current generation counter.
func (l *Layer) Generation() uint64 {
	return l.gen.Load()
}

// RegisterAction makes a named action available to rules added through
// the control plane.
func (l *Layer) RegisterAction(name string, a Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions[name] = a
}

// Action looks up a registered action by name.
func (l *Layer) Action(name string) (Action, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.actions[name]
	return a, ok
}

// addRule inserts the rule and bumps the generation so dependent flow
// table entries lazily invalidate. The rule id is assigned by the port.
func (l *Layer) addRule(dir Direction, r *Rule, id uint64) {
	l.mu.Lock()
	l.rules[dir].add(r, id)
	l.mu.Unlock()
	l.gen.Add(1)
}

func (l *Layer) removeRule(dir Direction, id uint64) error {
	l.mu.Lock()
	ok := l.rules[dir].remove(id)
	l.mu.Unlock()
	if !ok {
		return ErrRuleNotFound
	}
	l.gen.Add(1)
	return nil
}

func (l *Layer) clearRules(dir Direction) {
	l.mu.Lock()
	l.rules[dir].clear()
	l.mu.Unlock()
	l.gen.Add(1)
}

// NumRules returns the number of rules for the direction.
func (l *Layer) NumRules(dir Direction) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rules[dir].len()
}

// NumFlows returns the number of cached flow entries for the direction.
func (l *Layer) NumFlows(dir Direction) int {
	return l.lft[dir].len()
}

// DumpRules returns the direction's rules in evaluation order.
func (l *Layer) DumpRules(dir Direction) []*Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rules[dir].dump()
}

// DumpFlows returns the direction's cached flow entries.
func (l *Layer) DumpFlows(dir Direction) []FlowDumpEntry {
	return l.lft[dir].dump()
}

// Stats returns a snapshot of the layer's counters.
func (l *Layer) Stats() LayerStats {
	return l.stats.snapshot()
}

func (l *Layer) expireFlows(now time.Time) {
	l.lft[Inbound].expire(now)
	l.lft[Outbound].expire(now)
}

func (l *Layer) clearFlows() {
	l.lft[Inbound].clear()
	l.lft[Outbound].clear()
}

// removeFlowEntry drops the cached entries for a flow in both
// directions. fwd is the flow id as seen entering the layer in the
// given direction; the entry's transform is returned so the caller can
// chase the flow id through the rest of the pipeline.
func (l *Layer) removeFlowEntry(dir Direction, fwd FlowID) (Transform, bool) {
	e, ok := l.lft[dir].remove(fwd)
	if !ok {
		return Transform{}, false
	}
	if e.state != nil {
		e.state.Release()
	}
	rid := e.ht.TransformFlow(fwd).Reverse()
	if re, ok := l.lft[dir.Flip()].remove(rid); ok && re.state != nil {
		re.state.Release()
	}
	return e.ht, true
}

type layerVerdict int

const (
	layerContinue layerVerdict = iota
	layerDeny
	layerHairpin
)

type layerResult struct {
	verdict layerVerdict
	ht      Transform
	// rev is the exact reverse transform when the action supplied one
	// (stateful actions always do).
	rev     Transform
	hasRev  bool
	hairpin *Frame
	reason  DropReason
}

func (v layerVerdict) String() string {
	switch v {
	case layerContinue:
		return "continue"
	case layerDeny:
		return "deny"
	default:
		return "hairpin"
	}
}

// process runs one frame through the layer on the cold path: probe the
// flow table, fall back to rule evaluation, resolve the matched action,
// and install flow entries for the decision.
func (l *Layer) process(dir Direction, id FlowID, pf *ParsedFrame, meta *Meta, pool *FramePool, now time.Time) layerResult {
	if !id.IsZero() {
		if e, ok := l.lft[dir].get(id, now); ok {
			if e.gen == l.gen.Load() {
				l.stats.lftHits.Add(1)
				res := layerResult{verdict: layerContinue, ht: e.ht}
				// The dual entry carries the exact reverse transform;
				// reading it also keeps the pair's idle timers in step.
				rid := e.ht.TransformFlow(id).Reverse()
				if dual, ok := l.lft[dir.Flip()].get(rid, now); ok && dual.gen == e.gen {
					res.rev = dual.ht
					res.hasRev = true
				}
				return res
			}
			// Stale entry: the rule set changed underneath it.
			l.removeFlowEntry(dir, id)
		}
		l.stats.lftMisses.Add(1)
	}

	l.mu.RLock()
	rule := l.rules[dir].findMatch(pf, meta)
	l.mu.RUnlock()

	if rule == nil {
		l.probes.RuleNoMatch(l.port, l.name, dir, id)
		l.stats.defaulted(dir)
		if l.defaults[dir] == DefaultDeny {
			l.stats.denied(dir)
			return layerResult{
				verdict: layerDeny,
				reason:  DropReason{Kind: DropRuleMiss, Layer: l.name},
			}
		}
		return layerResult{verdict: layerContinue}
	}

	l.probes.RuleMatch(l.port, l.name, dir, id, rule.ID())
	l.stats.matched(dir)

	action := rule.Action()
	switch action.Kind() {
	case ActionAllow:
		return layerResult{verdict: layerContinue}

	case ActionDeny:
		l.stats.denied(dir)
		return layerResult{
			verdict: layerDeny,
			reason:  DropReason{Kind: DropRuleDeny, Layer: l.name},
		}

	case ActionStatic:
		ht := action.static
		if !id.IsZero() {
			l.installFlow(dir, id, &lftEntry{ht: ht, gen: l.gen.Load()}, nil, now)
		}
		return layerResult{verdict: layerContinue, ht: ht}

	case ActionStateful:
		desc, err := action.stateful.GenDesc(id, pf, meta)
		if err != nil {
			l.probes.GenDescFail(l.port, l.name, dir, id, err)
			l.stats.denied(dir)
			return layerResult{
				verdict: layerDeny,
				reason:  DropReason{Kind: DropActionGen, Layer: l.name},
			}
		}
		if !id.IsZero() {
			gen := l.gen.Load()
			fwd := &lftEntry{ht: desc.Out, state: desc.State, gen: gen}
			rev := &lftEntry{ht: desc.In, gen: gen}
			l.installFlow(dir, id, fwd, rev, now)
		}
		return layerResult{verdict: layerContinue, ht: desc.Out, rev: desc.In, hasRev: true}

	case ActionHairpin:
		reply, err := action.hairpin.GenReply(pf, meta, pool)
		if err != nil {
			l.probes.GenReplyFail(l.port, l.name, dir, id, err)
			l.stats.denied(dir)
			return layerResult{
				verdict: layerDeny,
				reason:  DropReason{Kind: DropHairpinGen, Layer: l.name},
			}
		}
		return layerResult{verdict: layerHairpin, hairpin: reply}

	case ActionMeta:
		ok, err := action.meta.Mod(id, pf, meta)
		if err != nil {
			l.stats.denied(dir)
			return layerResult{
				verdict: layerDeny,
				reason:  DropReason{Kind: DropInternal, Layer: l.name},
			}
		}
		if !ok {
			l.stats.denied(dir)
			return layerResult{
				verdict: layerDeny,
				reason:  DropReason{Kind: DropMeta, Layer: l.name},
			}
		}
		return layerResult{verdict: layerContinue}
	}

	return layerResult{
		verdict: layerDeny,
		reason:  DropReason{Kind: DropInternal, Layer: l.name},
	}
}

// installFlow inserts the forward entry in this direction's flow table
// and, when rev is non-nil, its dual in the opposite direction keyed by
// the post-transform reverse flow id. Both are installed at the same
// moment, under the same generation snapshot.
func (l *Layer) installFlow(dir Direction, id FlowID, fwd, rev *lftEntry, now time.Time) {
	if err := l.lft[dir].add(id, fwd, now); err != nil {
		// Table exhausted even after eviction; the decision still
		// stands for this frame, it just is not cached.
		return
	}
	if rev != nil {
		rid := fwd.ht.TransformFlow(id).Reverse()
		_ = l.lft[dir.Flip()].add(rid, rev, now)
	}
}
