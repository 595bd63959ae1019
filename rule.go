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
	"sort"
	"strings"
)

// Rule pairs a priority and a predicate list with an action. A rule
// matches a frame when every one of its predicates matches; a rule with
// no predicates matches anything.
type Rule struct {
	id       uint64
	seq      uint64
	priority uint16
	preds    []Predicate
	action   Action
}

// NewRule creates a rule. Lower priority values are evaluated first.
func NewRule(priority uint16, action Action, preds ...Predicate) *Rule {
	return &Rule{priority: priority, action: action, preds: preds}
}

// ID returns the rule's stable id, assigned when the rule is added to a
// layer. Rule equality is by id only.
func (r *Rule) ID() uint64 {
	return r.id
}

// Priority returns the rule's priority.
func (r *Rule) Priority() uint16 {
	return r.priority
}

// Action returns the rule's action.
func (r *Rule) Action() Action {
	return r.action
}

// Match reports whether every predicate matches the frame.
func (r *Rule) Match(pf *ParsedFrame, meta *Meta) bool {
	for _, p := range r.preds {
		if !p.Match(pf, meta) {
			return false
		}
	}
	return true
}

func (r *Rule) String() string {
	parts := make([]string, len(r.preds))
	for i, p := range r.preds {
		parts[i] = p.String()
	}
	pred := "any"
	if len(parts) > 0 {
		pred = strings.Join(parts, " ")
	}
	return fmt.Sprintf("#%d prio=%d %s => %s", r.id, r.priority, pred, r.action)
}

// ruleTable holds one direction's rules in evaluation order: ascending
// priority, ties broken by insertion order.
type ruleTable struct {
	rules   []*Rule
	nextSeq uint64
}

func newRuleTable() *ruleTable {
	return &ruleTable{}
}

func (t *ruleTable) add(r *Rule, id uint64) {
	r.id = id
	r.seq = t.nextSeq
	t.nextSeq++
	t.rules = append(t.rules, r)
	sort.SliceStable(t.rules, func(i, j int) bool {
		if t.rules[i].priority != t.rules[j].priority {
			return t.rules[i].priority < t.rules[j].priority
		}
		return t.rules[i].seq < t.rules[j].seq
	})
}

func (t *ruleTable) remove(id uint64) bool {
	for i, r := range t.rules {
		if r.id == id {
			t.rules = append(t.rules[:i], t.rules[i+1:]...)
			return true
		}
	}
	return false
}

func (t *ruleTable) clear() {
	t.rules = nil
}

// findMatch scans in evaluation order and returns the first matching
// rule; the first match terminates evaluation.
func (t *ruleTable) findMatch(pf *ParsedFrame, meta *Meta) *Rule {
	for _, r := range t.rules {
		if r.Match(pf, meta) {
			return r
		}
	}
	return nil
}

func (t *ruleTable) len() int {
	return len(t.rules)
}

func (t *ruleTable) dump() []*Rule {
	out := make([]*Rule, len(t.rules))
	copy(out, t.rules)
	return out
}
