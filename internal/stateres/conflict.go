// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stateres

import "github.com/ike20013/roomengine/internal/eventpdu"

// partition splits the input state maps into the unconflicted keys (every
// map that has the key agrees on the value) and the conflicted keys (maps
// disagree, or some maps lack the key while others have it), per spec
// §4.5 step 1.
func partition(maps []eventpdu.StateMap) (unconflicted eventpdu.StateMap, conflicted map[eventpdu.StateKeyTuple]map[string]struct{}) {
	unconflicted = eventpdu.StateMap{}
	conflicted = map[eventpdu.StateKeyTuple]map[string]struct{}{}

	allKeys := map[eventpdu.StateKeyTuple]struct{}{}
	for _, m := range maps {
		for k := range m {
			allKeys[k] = struct{}{}
		}
	}

	for k := range allKeys {
		values := map[string]struct{}{}
		presentInAll := true
		for _, m := range maps {
			v, ok := m[k]
			if !ok {
				presentInAll = false
				continue
			}
			values[v] = struct{}{}
		}
		if presentInAll && len(values) == 1 {
			for v := range values {
				unconflicted[k] = v
			}
			continue
		}
		conflicted[k] = values
	}
	return unconflicted, conflicted
}

// authChain walks e's auth_events transitively (including e itself),
// memoising results in cache so that repeated chain computations across
// branches share work.
func authChain(eventID string, data Data, cache map[string]map[string]struct{}) map[string]struct{} {
	if c, ok := cache[eventID]; ok {
		return c
	}
	result := map[string]struct{}{eventID: {}}
	cache[eventID] = result // break cycles defensively; eventgraph.SimpleToposort is what reports real loops.

	e, ok := data.Events.Get(eventID)
	if !ok {
		return result
	}
	for _, parent := range e.AuthEvents {
		for id := range authChain(parent, data, cache) {
			result[id] = struct{}{}
		}
	}
	return result
}

// fullConflictedSet computes the "full conflicted set" of spec §4.5 step
// 2: the union of every differing value across conflicted keys, plus the
// auth difference (events in the union of the conflicted values' auth
// chains but not their intersection). Grounded on
// gomatrixserverlib.GetAuthChainDifference's union-minus-intersection
// shape, computed here directly rather than via the bitmask/heap walk the
// reference implementation uses for efficiency — acceptable for a
// reference resolver operating over in-memory rooms.
func fullConflictedSet(conflicted map[eventpdu.StateKeyTuple]map[string]struct{}, data Data) map[string]*eventpdu.Event {
	cache := map[string]map[string]struct{}{}
	var chains []map[string]struct{}
	directValues := map[string]struct{}{}

	for _, values := range conflicted {
		for id := range values {
			directValues[id] = struct{}{}
			chains = append(chains, authChain(id, data, cache))
		}
	}

	union := map[string]struct{}{}
	for _, c := range chains {
		for id := range c {
			union[id] = struct{}{}
		}
	}
	intersection := map[string]struct{}{}
	for id := range union {
		inAll := true
		for _, c := range chains {
			if _, ok := c[id]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			intersection[id] = struct{}{}
		}
	}

	full := map[string]*eventpdu.Event{}
	addIfKnown := func(id string) {
		if _, already := full[id]; already {
			return
		}
		if e, ok := data.Events.Get(id); ok {
			full[id] = e
		}
	}
	for id := range directValues {
		addIfKnown(id)
	}
	for id := range union {
		if _, common := intersection[id]; !common {
			addIfKnown(id)
		}
	}
	return full
}

// isPowerEvent identifies the events the spec's power-event ordering pass
// governs: m.room.power_levels, m.room.join_rules, and m.room.member
// events where the sender is acting on someone else with membership leave
// or ban (a kick or a ban), per spec §4.5 step 3.
func isPowerEvent(e *eventpdu.Event) bool {
	switch e.Type {
	case "m.room.power_levels", "m.room.join_rules":
		return e.IsState()
	case "m.room.member":
		if !e.IsState() || *e.StateKey == e.Sender {
			return false
		}
		var content struct {
			Membership string `json:"membership"`
		}
		if err := e.Content(&content); err != nil {
			return false
		}
		return content.Membership == "leave" || content.Membership == "ban"
	default:
		return false
	}
}

// splitPowerEvents partitions the full conflicted set into power events
// and everything else, returning both as slices for deterministic
// downstream ordering.
func splitPowerEvents(full map[string]*eventpdu.Event, data Data) (power, other []*eventpdu.Event) {
	for _, e := range full {
		if isPowerEvent(e) {
			power = append(power, e)
		} else {
			other = append(other, e)
		}
	}
	return power, other
}
