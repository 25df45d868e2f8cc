// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"strconv"
	"strings"
)

// FilterAction is what the priority filter does with a drained entry.
type FilterAction uint8

const (
	// ActionSend delivers the entry.
	ActionSend FilterAction = iota
	// ActionQueue holds the entry back until the handler state changes.
	ActionQueue
	// ActionDestroy dead-letters the entry.
	ActionDestroy
)

func (a FilterAction) String() string {
	switch a {
	case ActionQueue:
		return "queue"
	case ActionDestroy:
		return "destroy"
	default:
		return "send"
	}
}

// PriorityRule applies Action to entries with a priority in [Low, High]
// drained while the handler is in State.
type PriorityRule struct {
	State  State
	Low    int
	High   int
	Action FilterAction
}

// ParsePriorityRule parses a rule from its configured form, priorities
// being "lo-hi" or a single value.
func ParsePriorityRule(state, priorities, action string) (PriorityRule, error) {
	var r PriorityRule

	s, err := ParseState(state)
	if err != nil {
		return r, err
	}
	if s == StateDead {
		return r, fmt.Errorf("priority rules cannot match state %s", s)
	}
	r.State = s

	lo, hi, ranged := strings.Cut(priorities, "-")
	if r.Low, err = strconv.Atoi(strings.TrimSpace(lo)); err != nil {
		return r, fmt.Errorf("invalid priority range %q: %w", priorities, err)
	}
	r.High = r.Low
	if ranged {
		if r.High, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return r, fmt.Errorf("invalid priority range %q: %w", priorities, err)
		}
	}
	if r.Low < MinPriority || r.High > MaxPriority || r.Low > r.High {
		return r, fmt.Errorf("invalid priority range %q", priorities)
	}

	switch strings.ToLower(action) {
	case "send", "":
		r.Action = ActionSend
	case "queue":
		r.Action = ActionQueue
	case "destroy":
		r.Action = ActionDestroy
	default:
		return r, fmt.Errorf("unknown priority action %q", action)
	}
	return r, nil
}

type priorityFilter []PriorityRule

// action returns the action of the first matching rule.
func (f priorityFilter) action(s State, priority int) FilterAction {
	for _, r := range f {
		if r.State == s && priority >= r.Low && priority <= r.High {
			return r.Action
		}
	}
	return ActionSend
}

// split partitions a drained batch, keeping queue order in each part.
func (f priorityFilter) split(s State, batch []*Entry) (send, held, destroyed []*Entry) {
	if len(f) == 0 {
		return batch, nil, nil
	}
	send = batch[:0:0]
	for _, e := range batch {
		switch f.action(s, e.Priority) {
		case ActionQueue:
			held = append(held, e)
		case ActionDestroy:
			destroyed = append(destroyed, e)
		default:
			send = append(send, e)
		}
	}
	return send, held, destroyed
}
