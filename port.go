// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package vswitch is a per-port packet filtering and transformation
// engine for a virtual switch datapath. Each guest-attached port runs
// frames through an ordered list of match/action layers; resolved
// decisions are compiled into a single cached transformation per flow so
// long-lived flows bypass rule evaluation entirely.
package vswitch

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noisysockets/netutil/defaults"
	"github.com/noisysockets/netutil/ptr"
)

// PortState is the lifecycle state of a port.
type PortState int

const (
	// PortReady means the port is configured but not processing.
	PortReady PortState = iota
	// PortRunning means the port is processing traffic.
	PortRunning
)

// ProcessVerdict is the outcome of processing one frame.
type ProcessVerdict int

const (
	// VerdictEmit means the (possibly modified) frame should be sent on.
	VerdictEmit ProcessVerdict = iota
	// VerdictHairpin means a synthesized reply should be emitted in the
	// opposite direction; the original frame is consumed.
	VerdictHairpin
	// VerdictDrop means the frame should be discarded.
	VerdictDrop
	// VerdictBypass means the frame is outside the engine's remit and
	// passes through untouched.
	VerdictBypass
)

// ProcessResult is the terminal result of Port.Process.
type ProcessResult struct {
	Verdict ProcessVerdict
	// Hairpin is the synthesized reply frame for VerdictHairpin.
	Hairpin *Frame
	// HairpinDir is the direction the reply should be emitted in.
	HairpinDir Direction
	// Drop is the reason for VerdictDrop.
	Drop DropReason
}

// PortConfig is the configuration for a port.
type PortConfig struct {
	// UftSize bounds each per-direction Unified Flow Table.
	UftSize *int
	// TCPFlowSize bounds the TCP flow tracker.
	TCPFlowSize *int
	// FlowTTL is the idle expiry for UFT and tracker entries.
	FlowTTL *time.Duration
	// TimeWaitTTL is the shorter expiry for flows in TIME_WAIT.
	TimeWaitTTL *time.Duration
	// FramePoolSize bounds the pool used for synthesized frames.
	FramePoolSize *int
	// BypassUnknown passes frames with an unrecognized Ethernet type
	// through untouched instead of running them through the layers.
	BypassUnknown *bool
}

// Default values (if not set).
var defaultPortConf = PortConfig{
	UftSize:       ptr.To(8192),
	TCPFlowSize:   ptr.To(8192),
	FlowTTL:       ptr.To(DefaultFlowTTL),
	TimeWaitTTL:   ptr.To(30 * time.Second),
	FramePoolSize: ptr.To(64),
	BypassUnknown: ptr.To(false),
}

// uftEntry caches the composition of every layer's transform for a flow.
type uftEntry struct {
	ht Transform
	// gens snapshots each layer's generation at install time, in layer
	// list order. Any mismatch with a live layer invalidates the entry.
	gens []uint64
	// dual is the key of the paired entry in the opposite direction's
	// table, so the pair can be evicted together.
	dual FlowID
	// tcpID is the guest-side tracker key for TCP flows, zero otherwise.
	tcpID FlowID
}

// Port owns the layer list, the per-direction Unified Flow Tables, and
// the TCP flow tracker for one guest attachment. Datapath calls take
// read access; control-plane reconfiguration takes write access.
type Port struct {
	name   string
	logger *slog.Logger
	probes Probes
	clock  Clock
	pool   *FramePool

	mu     sync.RWMutex
	state  PortState
	layers []*Layer

	uft [2]*flowTable[*uftEntry]
	tcp *tcpTracker

	bypassUnknown bool
	nextRuleID    atomic.Uint64
	stats         portStats
}

// PortBuilder assembles a port's layer list before creation.
type PortBuilder struct {
	name       string
	logger     *slog.Logger
	probes     Probes
	clock      Clock
	layers     []*Layer
	nextRuleID uint64
}

// NewPortBuilder creates a builder for a port with the given name.
func NewPortBuilder(name string, logger *slog.Logger) *PortBuilder {
	return &PortBuilder{
		name:   name,
		logger: logger,
		probes: &SlogProbes{Logger: logger},
		clock:  SystemClock{},
	}
}

// WithProbes overrides the telemetry capability.
func (b *PortBuilder) WithProbes(p Probes) *PortBuilder {
	b.probes = p
	return b
}

// WithClock overrides the time capability.
func (b *PortBuilder) WithClock(c Clock) *PortBuilder {
	b.clock = c
	return b
}

// AddLayer appends a layer to the pipeline. Outbound frames traverse
// layers in insertion order, inbound frames in reverse.
func (b *PortBuilder) AddLayer(name string, cfg LayerConfig) (*Layer, error) {
	for _, l := range b.layers {
		if l.name == name {
			return nil, ErrLayerExists
		}
	}
	l := newLayer(b.name, name, cfg, b.probes)
	b.layers = append(b.layers, l)
	return l, nil
}

// AddRule adds a rule to a layer before the port is created.
func (b *PortBuilder) AddRule(layer string, dir Direction, r *Rule) (uint64, error) {
	for _, l := range b.layers {
		if l.name == layer {
			b.nextRuleID++
			l.addRule(dir, r, b.nextRuleID)
			return b.nextRuleID, nil
		}
	}
	return 0, ErrLayerNotFound
}

// Create builds the port. The port starts in the Ready state.
func (b *PortBuilder) Create(conf *PortConfig) (*Port, error) {
	if conf == nil {
		conf = &PortConfig{}
	}
	conf, err := defaults.WithDefaults(conf, &defaultPortConf)
	if err != nil {
		return nil, err
	}

	p := &Port{
		name:          b.name,
		logger:        b.logger,
		probes:        b.probes,
		clock:         b.clock,
		pool:          NewFramePool(*conf.FramePoolSize),
		state:         PortReady,
		layers:        b.layers,
		bypassUnknown: *conf.BypassUnknown,
	}
	for dir := range p.uft {
		table := "uft." + Direction(dir).String()
		p.uft[dir] = newFlowTable(table, *conf.UftSize, *conf.FlowTTL,
			func(id FlowID, _ *uftEntry) {
				b.probes.FlowExpired(b.name, table, id)
			})
	}
	p.tcp = newTCPTracker(b.name, *conf.TCPFlowSize, *conf.FlowTTL,
		*conf.TimeWaitTTL, b.probes)
	p.nextRuleID.Store(b.nextRuleID)
	return p, nil
}

// Name returns the port's name.
func (p *Port) Name() string {
	return p.name
}

// State returns the port's lifecycle state.
func (p *Port) State() PortState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Start moves the port to the Running state.
func (p *Port) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PortRunning
}

// Reset returns the port to the Ready state, clearing all flow state
// but keeping the rule sets.
func (p *Port) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PortReady
	p.uft[Inbound].clear()
	p.uft[Outbound].clear()
	for _, l := range p.layers {
		l.clearFlows()
	}
	p.tcp.clear()
}

// FramePool returns the pool synthesized frames are borrowed from.
func (p *Port) FramePool() *FramePool {
	return p.pool
}

// Stats returns a snapshot of the port's counters.
func (p *Port) Stats() PortStats {
	return p.stats.snapshot()
}

// Process runs one frame through the pipeline. The frame is borrowed:
// on VerdictEmit it has been transformed in place, on VerdictHairpin it
// is untouched and the reply must be released by the caller after
// emission. Returns ErrBadState when the port is not running.
func (p *Port) Process(dir Direction, frame *Frame) (ProcessResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.state != PortRunning {
		return ProcessResult{}, ErrBadState
	}

	now := p.clock.Now()
	p.stats.processed(dir)

	pf, err := Parse(frame, dir)
	if err != nil {
		p.stats.parseErrors.Add(1)
		return p.drop(dir, DropReason{Kind: DropParse}), nil
	}

	if pf.UnknownEtherType && p.bypassUnknown {
		return ProcessResult{Verdict: VerdictBypass}, nil
	}

	id := pf.FlowID()

	// Hot path: one transform, one tracker update.
	if !id.IsZero() {
		if e, ok := p.uft[dir].get(id, now); ok {
			if p.uftEntryValid(e, now) {
				if err := e.ht.Apply(pf); err != nil {
					return p.drop(dir, DropReason{Kind: DropResource}), nil
				}
				p.stats.uftHits.Add(1)
				p.probes.TransformApplied(p.name, dir, id)
				p.feedTCP(e.tcpID, dir, pf, now)
				return ProcessResult{Verdict: VerdictEmit}, nil
			}
			p.removeUftPair(dir, id, e)
		}
		p.stats.uftMisses.Add(1)
	}

	return p.processCold(dir, id, pf, now)
}

// processCold walks every layer for the direction, composing and
// applying each layer's transform, then installs the composition in the
// UFT for both directions.
func (p *Port) processCold(dir Direction, origID FlowID, pf *ParsedFrame, now time.Time) (ProcessResult, error) {
	meta := NewMeta()

	var (
		comp    Transform
		revComp Transform
		curID   = origID
	)
	// The reverse UFT entry is only installed when every contributing
	// layer supplied the exact transform for return traffic; otherwise
	// the first reply takes its own cold path.
	revExact := true
	gens := make([]uint64, len(p.layers))

	for step := 0; step < len(p.layers); step++ {
		idx := step
		if dir == Inbound {
			// Inbound frames traverse the pipeline bottom-up.
			idx = len(p.layers) - 1 - step
		}
		l := p.layers[idx]

		res := l.process(dir, curID, pf, meta, p.pool, now)
		p.probes.LayerProcess(p.name, l.name, dir, curID, res.verdict.String())

		switch res.verdict {
		case layerDeny:
			return p.drop(dir, res.reason), nil

		case layerHairpin:
			p.stats.hairpins.Add(1)
			return ProcessResult{
				Verdict:    VerdictHairpin,
				Hairpin:    res.hairpin,
				HairpinDir: dir.Flip(),
			}, nil
		}

		if !res.ht.IsIdentity() {
			if err := res.ht.Apply(pf); err != nil {
				return p.drop(dir, DropReason{Kind: DropResource, Layer: l.name}), nil
			}
			comp = Compose(comp, res.ht)
			if res.hasRev {
				revComp = Compose(res.rev, revComp)
			} else {
				inv, _ := res.ht.Invert()
				revComp = Compose(inv, revComp)
				revExact = false
			}
			curID = res.ht.TransformFlow(curID)
		}

		gens[idx] = l.gen.Load()
	}

	if !origID.IsZero() {
		tcpID := origID
		if dir == Inbound {
			tcpID = curID.Reverse()
		}
		if pf.TCP == nil {
			tcpID = FlowID{}
		}

		fwd := &uftEntry{ht: comp, gens: gens, dual: curID.Reverse(), tcpID: tcpID}
		_ = p.uft[dir].add(origID, fwd, now)
		if revExact {
			rev := &uftEntry{ht: revComp, gens: gens, dual: origID, tcpID: tcpID}
			_ = p.uft[dir.Flip()].add(curID.Reverse(), rev, now)
		}

		p.feedTCP(tcpID, dir, pf, now)
	}

	return ProcessResult{Verdict: VerdictEmit}, nil
}

func (p *Port) drop(dir Direction, reason DropReason) ProcessResult {
	p.stats.dropped(dir)
	return ProcessResult{Verdict: VerdictDrop, Drop: reason}
}

// uftEntryValid checks the entry's layer generation snapshot and, for
// TCP flows, whether the tracked connection has finished.
func (p *Port) uftEntryValid(e *uftEntry, now time.Time) bool {
	if len(e.gens) != len(p.layers) {
		return false
	}
	for i, l := range p.layers {
		if e.gens[i] != l.gen.Load() {
			return false
		}
	}
	if !e.tcpID.IsZero() && p.tcp.closed(e.tcpID, now) {
		return false
	}
	return true
}

func (p *Port) removeUftPair(dir Direction, id FlowID, e *uftEntry) {
	p.uft[dir].remove(id)
	p.uft[dir.Flip()].remove(e.dual)
}

func (p *Port) feedTCP(tcpID FlowID, dir Direction, pf *ParsedFrame, now time.Time) {
	if tcpID.IsZero() || pf.TCP == nil {
		return
	}
	_, _ = p.tcp.feed(tcpID, dir, pf.TCP.Flags(),
		pf.TCP.SequenceNumber(), pf.TCP.AckNumber(), now)
}

// ExpireFlows purges idle flow entries everywhere and tears down the
// cached state of finished TCP connections. It is driven by a periodic
// tick and holds only short per-bucket locks.
func (p *Port) ExpireFlows(now time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, l := range p.layers {
		l.expireFlows(now)
	}
	p.uft[Inbound].expire(now)
	p.uft[Outbound].expire(now)

	for _, id := range p.tcp.expire(now) {
		p.removeFinishedFlow(id)
	}
	p.uft[Inbound].removeWhere(func(_ FlowID, e *uftEntry) bool {
		return !e.tcpID.IsZero() && p.tcp.closed(e.tcpID, now)
	})
	p.uft[Outbound].removeWhere(func(_ FlowID, e *uftEntry) bool {
		return !e.tcpID.IsZero() && p.tcp.closed(e.tcpID, now)
	})
}

// removeFinishedFlow walks the guest-side flow id through every layer's
// transform, dropping the cached entries it installed on the way, then
// evicts the UFT pair.
func (p *Port) removeFinishedFlow(guestID FlowID) {
	id := guestID
	for _, l := range p.layers {
		ht, ok := l.removeFlowEntry(Outbound, id)
		if ok {
			id = ht.TransformFlow(id)
		}
	}
	if e, ok := p.uft[Outbound].remove(guestID); ok {
		p.uft[Inbound].remove(e.dual)
	} else {
		p.uft[Inbound].remove(id.Reverse())
	}
}

// Position selects where a layer is inserted in the pipeline.
type Position struct {
	kind positionKind
	ref  string
}

type positionKind int

const (
	posFirst positionKind = iota
	posLast
	posBefore
	posAfter
)

// PosFirst inserts at the front of the pipeline.
func PosFirst() Position { return Position{kind: posFirst} }

// PosLast inserts at the back of the pipeline.
func PosLast() Position { return Position{kind: posLast} }

// PosBefore inserts immediately before the named layer.
func PosBefore(name string) Position { return Position{kind: posBefore, ref: name} }

// PosAfter inserts immediately after the named layer.
func PosAfter(name string) Position { return Position{kind: posAfter, ref: name} }

// AddLayer inserts a layer into a live port's pipeline and flushes the
// UFT; in-flight frames finish under the old pipeline.
func (p *Port) AddLayer(name string, pos Position, cfg LayerConfig) (*Layer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range p.layers {
		if l.name == name {
			return nil, ErrLayerExists
		}
	}

	idx := len(p.layers)
	switch pos.kind {
	case posFirst:
		idx = 0
	case posLast:
		idx = len(p.layers)
	case posBefore, posAfter:
		found := false
		for i, l := range p.layers {
			if l.name == pos.ref {
				idx = i
				if pos.kind == posAfter {
					idx = i + 1
				}
				found = true
				break
			}
		}
		if !found {
			return nil, ErrLayerNotFound
		}
	}

	l := newLayer(p.name, name, cfg, p.probes)
	p.layers = append(p.layers[:idx], append([]*Layer{l}, p.layers[idx:]...)...)
	p.flushUftLocked()
	return l, nil
}

// RemoveLayer removes a layer from the pipeline and flushes the UFT.
func (p *Port) RemoveLayer(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, l := range p.layers {
		if l.name == name {
			l.clearFlows()
			p.layers = append(p.layers[:i], p.layers[i+1:]...)
			p.flushUftLocked()
			return nil
		}
	}
	return ErrLayerNotFound
}

func (p *Port) flushUftLocked() {
	p.uft[Inbound].clear()
	p.uft[Outbound].clear()
}

// Layer returns the named layer.
func (p *Port) Layer(name string) (*Layer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, l := range p.layers {
		if l.name == name {
			return l, true
		}
	}
	return nil, false
}

// LayerDesc summarizes a layer for telemetry.
type LayerDesc struct {
	Name       string
	RulesIn    int
	RulesOut   int
	FlowsIn    int
	FlowsOut   int
	DefaultIn  string
	DefaultOut string
}

// ListLayers summarizes the pipeline in traversal (outbound) order.
func (p *Port) ListLayers() []LayerDesc {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]LayerDesc, 0, len(p.layers))
	for _, l := range p.layers {
		out = append(out, LayerDesc{
			Name:       l.name,
			RulesIn:    l.NumRules(Inbound),
			RulesOut:   l.NumRules(Outbound),
			FlowsIn:    l.NumFlows(Inbound),
			FlowsOut:   l.NumFlows(Outbound),
			DefaultIn:  l.defaults[Inbound].String(),
			DefaultOut: l.defaults[Outbound].String(),
		})
	}
	return out
}

// AddRule adds a rule to the named layer, returning the assigned rule
// id. The layer's generation is bumped; dependent flow entries lazily
// invalidate.
func (p *Port) AddRule(layer string, dir Direction, r *Rule) (uint64, error) {
	l, ok := p.Layer(layer)
	if !ok {
		return 0, ErrLayerNotFound
	}
	id := p.nextRuleID.Add(1)
	l.addRule(dir, r, id)
	return id, nil
}

// RemoveRule removes a rule by id from the named layer.
func (p *Port) RemoveRule(layer string, dir Direction, id uint64) error {
	l, ok := p.Layer(layer)
	if !ok {
		return ErrLayerNotFound
	}
	return l.removeRule(dir, id)
}

// SetRules atomically replaces the named layer's rules for a direction.
func (p *Port) SetRules(layer string, dir Direction, rules []*Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var l *Layer
	for _, cand := range p.layers {
		if cand.name == layer {
			l = cand
			break
		}
	}
	if l == nil {
		return ErrLayerNotFound
	}
	l.clearRules(dir)
	l.clearFlows()
	for _, r := range rules {
		l.addRule(dir, r, p.nextRuleID.Add(1))
	}
	return nil
}

// UftLen returns the number of UFT entries for the direction.
func (p *Port) UftLen(dir Direction) int {
	return p.uft[dir].len()
}

// DumpUft returns the direction's UFT entries.
func (p *Port) DumpUft(dir Direction) []FlowDumpEntry {
	return p.uft[dir].dump()
}

// ClearUft drops every UFT entry.
func (p *Port) ClearUft() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.uft[Inbound].clear()
	p.uft[Outbound].clear()
}

// DumpTCPFlows returns the tracked TCP flows.
func (p *Port) DumpTCPFlows() []TCPFlowDump {
	return p.tcp.dump()
}

// TCPFlowState returns the tracked state for a guest-side flow id.
func (p *Port) TCPFlowState(id FlowID) TCPState {
	return p.tcp.state(id, p.clock.Now())
}
