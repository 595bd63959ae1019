// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vswitch

import "errors"

var (
	// ErrBadState is returned when a port is asked to process traffic
	// before it has been started (or after it has been reset).
	ErrBadState = errors.New("port is not running")

	// ErrLayerNotFound is returned when a named layer does not exist on
	// the port.
	ErrLayerNotFound = errors.New("layer not found")

	// ErrLayerExists is returned when adding a layer whose name is
	// already taken.
	ErrLayerExists = errors.New("layer already exists")

	// ErrRuleNotFound is returned when removing a rule that does not
	// exist in the table.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrActionNotFound is returned when a rule references an action
	// that has not been registered with the layer.
	ErrActionNotFound = errors.New("action not found")

	// ErrCapacity is returned when a bounded resource cannot accept
	// another entry.
	ErrCapacity = errors.New("capacity exhausted")

	// ErrTooShort is returned when a frame is too short to contain the
	// headers it claims to.
	ErrTooShort = errors.New("frame too short")

	// ErrNoHeadroom is returned when a header push does not fit in the
	// frame's reserved headroom.
	ErrNoHeadroom = errors.New("not enough headroom")
)

// DropReasonKind enumerates why the pipeline dropped a frame.
type DropReasonKind int

const (
	// DropParse indicates the frame could not be parsed.
	DropParse DropReasonKind = iota
	// DropRuleMiss indicates no rule matched and the layer's default
	// action is deny.
	DropRuleMiss
	// DropRuleDeny indicates a matching rule with a deny action.
	DropRuleDeny
	// DropActionGen indicates a stateful action failed to generate its
	// flow descriptor.
	DropActionGen
	// DropHairpinGen indicates a hairpin action failed to synthesize a
	// reply.
	DropHairpinGen
	// DropMeta indicates a metadata action rejected the frame.
	DropMeta
	// DropResource indicates a table or pool was exhausted.
	DropResource
	// DropInternal indicates an engine invariant check failed.
	DropInternal
)

func (k DropReasonKind) String() string {
	switch k {
	case DropParse:
		return "parse"
	case DropRuleMiss:
		return "rule-miss"
	case DropRuleDeny:
		return "rule-deny"
	case DropActionGen:
		return "action-gen"
	case DropHairpinGen:
		return "hairpin-gen"
	case DropMeta:
		return "meta"
	case DropResource:
		return "resource"
	default:
		return "internal"
	}
}

// DropReason describes a dropped frame: the kind of failure and, when the
// drop was decided inside a layer, that layer's name.
type DropReason struct {
	Kind  DropReasonKind
	Layer string
}

func (r DropReason) String() string {
	if r.Layer == "" {
		return r.Kind.String()
	}
	return r.Kind.String() + ":" + r.Layer
}
