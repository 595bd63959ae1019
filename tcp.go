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
	"sync"
	"time"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// TCPState is the tracked state of a TCP flow. The tracker watches
// control bits only; it never reassembles or reorders.
type TCPState int

const (
	TCPClosed TCPState = iota
	TCPSynSent
	TCPSynRcvd
	TCPEstablished
	TCPCloseWait
	TCPLastAck
	TCPFinWait1
	TCPFinWait2
	TCPTimeWait
)

func (s TCPState) String() string {
	switch s {
	case TCPClosed:
		return "CLOSED"
	case TCPSynSent:
		return "SYN_SENT"
	case TCPSynRcvd:
		return "SYN_RCVD"
	case TCPEstablished:
		return "ESTABLISHED"
	case TCPCloseWait:
		return "CLOSE_WAIT"
	case TCPLastAck:
		return "LAST_ACK"
	case TCPFinWait1:
		return "FIN_WAIT_1"
	case TCPFinWait2:
		return "FIN_WAIT_2"
	case TCPTimeWait:
		return "TIME_WAIT"
	}
	return "UNKNOWN"
}

// nextTCPState is the transition function. Direction is relative to the
// guest: Outbound segments are sent by the guest. The function is pure
// so the tracker is deterministic over an ordered event sequence.
func nextTCPState(s TCPState, dir Direction, flags header.TCPFlags) TCPState {
	if flags&header.TCPFlagRst != 0 {
		return TCPClosed
	}

	syn := flags&header.TCPFlagSyn != 0
	ack := flags&header.TCPFlagAck != 0
	fin := flags&header.TCPFlagFin != 0

	switch s {
	case TCPClosed, TCPTimeWait:
		// A fresh SYN reuses the tuple for a new connection.
		if syn && !ack {
			if dir == Outbound {
				return TCPSynSent
			}
			return TCPSynRcvd
		}
		if s == TCPTimeWait {
			return TCPTimeWait
		}
		// Mid-stream pickup of a flow established before tracking
		// began.
		if ack {
			return TCPEstablished
		}
		return TCPClosed

	case TCPSynSent:
		if dir == Inbound && syn && ack {
			return TCPEstablished
		}
		if dir == Inbound && syn {
			// Simultaneous open.
			return TCPSynRcvd
		}
		return TCPSynSent

	case TCPSynRcvd:
		if fin {
			if dir == Outbound {
				return TCPFinWait1
			}
			return TCPCloseWait
		}
		if dir == Inbound && ack {
			return TCPEstablished
		}
		return TCPSynRcvd

	case TCPEstablished:
		if fin {
			if dir == Outbound {
				return TCPFinWait1
			}
			return TCPCloseWait
		}
		return TCPEstablished

	case TCPFinWait1:
		if dir == Inbound {
			if fin {
				// Collapses the simultaneous-close Closing state
				// into TimeWait; the observable outcome is the same.
				return TCPTimeWait
			}
			if ack {
				return TCPFinWait2
			}
		}
		return TCPFinWait1

	case TCPFinWait2:
		if dir == Inbound && fin {
			return TCPTimeWait
		}
		return TCPFinWait2

	case TCPCloseWait:
		if dir == Outbound && fin {
			return TCPLastAck
		}
		return TCPCloseWait

	case TCPLastAck:
		if dir == Inbound && ack {
			return TCPClosed
		}
		return TCPLastAck
	}
	return s
}

// TCPFlowDump is one tracked TCP flow in a telemetry dump.
type TCPFlowDump struct {
	FlowID      FlowID
	State       TCPState
	GuestSeq    uint32
	GuestAck    uint32
	RemoteSeq   uint32
	RemoteAck   uint32
	LastUpdated time.Time
}

type tcpFlow struct {
	mu        sync.Mutex
	state     TCPState
	guestSeq  uint32
	guestAck  uint32
	remoteSeq uint32
	remoteAck uint32
	updated   time.Time
	enteredTW time.Time
}

// tcpTracker tracks the TCP state of every flow on a port, keyed by the
// guest-side flow id.
type tcpTracker struct {
	port        string
	probes      Probes
	timeWaitTTL time.Duration
	flows       *flowTable[*tcpFlow]
}

func newTCPTracker(port string, capacity int, ttl, timeWaitTTL time.Duration, probes Probes) *tcpTracker {
	tr := &tcpTracker{
		port:        port,
		probes:      probes,
		timeWaitTTL: timeWaitTTL,
	}
	tr.flows = newFlowTable("tcp", capacity, ttl, func(id FlowID, _ *tcpFlow) {
		probes.FlowExpired(port, "tcp", id)
	})
	return tr
}

// feed advances the flow's state for one observed segment and returns
// the new state. New flows are created on demand; creation fails only
// when the tracker is at capacity.
func (tr *tcpTracker) feed(id FlowID, dir Direction, flags header.TCPFlags, seq, ack uint32, now time.Time) (TCPState, error) {
	f, ok := tr.flows.get(id, now)
	if !ok {
		if err := tr.flows.add(id, &tcpFlow{state: TCPClosed}, now); err != nil {
			return TCPClosed, err
		}
		// Re-read so concurrent frames on the same flow share one
		// state machine.
		f, ok = tr.flows.get(id, now)
		if !ok {
			return TCPClosed, ErrCapacity
		}
	}

	f.mu.Lock()
	from := f.state
	to := nextTCPState(from, dir, flags)
	f.state = to
	if dir == Outbound {
		f.guestSeq = seq
		f.guestAck = ack
	} else {
		f.remoteSeq = seq
		f.remoteAck = ack
	}
	f.updated = now
	if to == TCPTimeWait && from != TCPTimeWait {
		f.enteredTW = now
	}
	f.mu.Unlock()

	if from != to {
		tr.probes.TCPTransition(tr.port, id, from, to)
	}
	return to, nil
}

// state returns the tracked state for id, TCPClosed when untracked.
func (tr *tcpTracker) state(id FlowID, now time.Time) TCPState {
	f, ok := tr.flows.get(id, now)
	if !ok {
		return TCPClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// closed reports whether the flow should no longer occupy cache entries:
// it is closed outright, or its TimeWait timer has fired.
func (tr *tcpTracker) closed(id FlowID, now time.Time) bool {
	f, ok := tr.flows.get(id, now)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case TCPClosed:
		return true
	case TCPTimeWait:
		return now.Sub(f.enteredTW) > tr.timeWaitTTL
	}
	return false
}

// expire drops closed flows, TimeWait flows past their short timer, and
// idle flows past the table TTL. It returns the set of flow ids removed
// because the connection finished, so the caller can purge dependent
// cache entries.
func (tr *tcpTracker) expire(now time.Time) []FlowID {
	var finished []FlowID
	tr.flows.removeWhere(func(id FlowID, f *tcpFlow) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch f.state {
		case TCPClosed:
			finished = append(finished, id)
			return true
		case TCPTimeWait:
			if now.Sub(f.enteredTW) > tr.timeWaitTTL {
				finished = append(finished, id)
				return true
			}
		}
		return false
	})
	tr.flows.expire(now)
	return finished
}

func (tr *tcpTracker) dump() []TCPFlowDump {
	var out []TCPFlowDump
	tr.flows.forEach(func(id FlowID, f *tcpFlow) {
		f.mu.Lock()
		out = append(out, TCPFlowDump{
			FlowID:      id,
			State:       f.state,
			GuestSeq:    f.guestSeq,
			GuestAck:    f.guestAck,
			RemoteSeq:   f.remoteSeq,
			RemoteAck:   f.remoteAck,
			LastUpdated: f.updated,
		})
		f.mu.Unlock()
	})
	return out
}

func (tr *tcpTracker) clear() {
	tr.flows.clear()
}

func (tr *tcpTracker) len() int {
	return tr.flows.len()
}
