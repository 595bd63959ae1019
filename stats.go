// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vswitch

import "sync/atomic"

// PortStats is a snapshot of a port's datapath counters.
type PortStats struct {
	InProcessed  uint64
	OutProcessed uint64
	InDropped    uint64
	OutDropped   uint64
	UftHits      uint64
	UftMisses    uint64
	Hairpins     uint64
	ParseErrors  uint64
}

type portStats struct {
	inProcessed  atomic.Uint64
	outProcessed atomic.Uint64
	inDropped    atomic.Uint64
	outDropped   atomic.Uint64
	uftHits      atomic.Uint64
	uftMisses    atomic.Uint64
	hairpins     atomic.Uint64
	parseErrors  atomic.Uint64
}

func (s *portStats) processed(dir Direction) {
	if dir == Inbound {
		s.inProcessed.Add(1)
	} else {
		s.outProcessed.Add(1)
	}
}

func (s *portStats) dropped(dir Direction) {
	if dir == Inbound {
		s.inDropped.Add(1)
	} else {
		s.outDropped.Add(1)
	}
}

func (s *portStats) snapshot() PortStats {
	return PortStats{
		InProcessed:  s.inProcessed.Load(),
		OutProcessed: s.outProcessed.Load(),
		InDropped:    s.inDropped.Load(),
		OutDropped:   s.outDropped.Load(),
		UftHits:      s.uftHits.Load(),
		UftMisses:    s.uftMisses.Load(),
		Hairpins:     s.hairpins.Load(),
		ParseErrors:  s.parseErrors.Load(),
	}
}

// LayerStats is a snapshot of a layer's counters.
type LayerStats struct {
	InMatches   uint64
	OutMatches  uint64
	InDenies    uint64
	OutDenies   uint64
	InDefaults  uint64
	OutDefaults uint64
	LftHits     uint64
	LftMisses   uint64
}

type layerStats struct {
	inMatches   atomic.Uint64
	outMatches  atomic.Uint64
	inDenies    atomic.Uint64
	outDenies   atomic.Uint64
	inDefaults  atomic.Uint64
	outDefaults atomic.Uint64
	lftHits     atomic.Uint64
	lftMisses   atomic.Uint64
}

func (s *layerStats) matched(dir Direction) {
	if dir == Inbound {
		s.inMatches.Add(1)
	} else {
		s.outMatches.Add(1)
	}
}

func (s *layerStats) denied(dir Direction) {
	if dir == Inbound {
		s.inDenies.Add(1)
	} else {
		s.outDenies.Add(1)
	}
}

func (s *layerStats) defaulted(dir Direction) {
	if dir == Inbound {
		s.inDefaults.Add(1)
	} else {
		s.outDefaults.Add(1)
	}
}

func (s *layerStats) snapshot() LayerStats {
	return LayerStats{
		InMatches:   s.inMatches.Load(),
		OutMatches:  s.outMatches.Load(),
		InDenies:    s.inDenies.Load(),
		OutDenies:   s.outDenies.Load(),
		InDefaults:  s.inDefaults.Load(),
		OutDefaults: s.outDefaults.Load(),
		LftHits:     s.lftHits.Load(),
		LftMisses:   s.lftMisses.Load(),
	}
}
