// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stateres

import (
	"container/heap"

	"github.com/ike20013/roomengine/internal/auth"
	"github.com/ike20013/roomengine/internal/eventpdu"
)

// authSnapshotOf builds the auth.Snapshot an event was authed against,
// by reading back the (type, state_key) of each of its direct auth_events.
// This is the same shape gomatrixserverlib's stateResolverV2 builds via
// its authEventMap before calling Allowed() during ordering/iterative-auth.
func authSnapshotOf(e *eventpdu.Event, data Data) auth.Snapshot {
	snap := auth.Snapshot{}
	for _, id := range e.AuthEvents {
		ae, ok := data.Events.Get(id)
		if !ok || !ae.IsState() {
			continue
		}
		snap[ae.StateKeyTuple()] = ae
	}
	return snap
}

// powerOrderItem is one entry in the Kahn's-algorithm priority queue used
// by orderPowerEvents.
type powerOrderItem struct {
	event      *eventpdu.Event
	senderPow  int64
}

type powerHeap []powerOrderItem

func (h powerHeap) Len() int { return len(h) }
func (h powerHeap) Less(i, j int) bool {
	// Per spec §4.5 step 4: order by (-sender_power, origin_server_ts, id)
	// ascending, i.e. highest power first, then earliest timestamp, then
	// lexicographically smallest id.
	if h[i].senderPow != h[j].senderPow {
		return h[i].senderPow > h[j].senderPow
	}
	if h[i].event.OriginServerTS != h[j].event.OriginServerTS {
		return h[i].event.OriginServerTS < h[j].event.OriginServerTS
	}
	return h[i].event.ID < h[j].event.ID
}
func (h powerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *powerHeap) Push(x interface{}) { *h = append(*h, x.(powerOrderItem)) }
func (h *powerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// orderPowerEvents performs the reverse-topological, power-level-tie-break
// ordering of spec §4.5 step 4, using Kahn's algorithm restricted to
// auth_events edges between members of events itself (edges leaving the
// set are ignored, exactly as SimpleToposort treats unknown ids).
// Grounded on stateResolverV2.reverseTopologicalPowerOrdering
// (stateresolutionv2.go), adapted to this package's heap-based priority
// queue instead of a custom sort.Interface wrapper.
func orderPowerEvents(events []*eventpdu.Event, data Data) []*eventpdu.Event {
	if len(events) == 0 {
		return nil
	}
	inSet := make(map[string]*eventpdu.Event, len(events))
	for _, e := range events {
		inSet[e.ID] = e
	}

	// indegree[x] counts auth_events edges x -> parent where both x and
	// parent are in the set; Kahn's algorithm processes events whose
	// indegree (remaining unprocessed in-set auth parents) has hit zero,
	// so every event comes after the in-set events it cites.
	children := map[string][]string{} // parent id -> ids that cite it in auth_events
	indegree := map[string]int{}
	for _, e := range events {
		indegree[e.ID] = 0
	}
	for _, e := range events {
		seenParent := map[string]struct{}{}
		for _, parentID := range e.AuthEvents {
			if _, ok := inSet[parentID]; !ok {
				continue
			}
			if _, dup := seenParent[parentID]; dup {
				continue
			}
			seenParent[parentID] = struct{}{}
			children[parentID] = append(children[parentID], e.ID)
			indegree[e.ID]++
		}
	}

	h := &powerHeap{}
	heap.Init(h)
	for _, e := range events {
		if indegree[e.ID] == 0 {
			heap.Push(h, powerOrderItem{event: e, senderPow: senderPowerAt(e, data)})
		}
	}

	var order []*eventpdu.Event
	for h.Len() > 0 {
		item := heap.Pop(h).(powerOrderItem)
		order = append(order, item.event)
		for _, childID := range children[item.event.ID] {
			indegree[childID]--
			if indegree[childID] == 0 {
				heap.Push(h, powerOrderItem{event: inSet[childID], senderPow: senderPowerAt(inSet[childID], data)})
			}
		}
	}
	// A cycle among power events (shouldn't happen for well-formed input)
	// leaves some events un-visited; append them in id order so nothing is
	// silently dropped.
	if len(order) != len(events) {
		seen := make(map[string]struct{}, len(order))
		for _, e := range order {
			seen[e.ID] = struct{}{}
		}
		for _, e := range events {
			if _, ok := seen[e.ID]; !ok {
				order = append(order, e)
			}
		}
	}
	return order
}

func senderPowerAt(e *eventpdu.Event, data Data) int64 {
	snap := authSnapshotOf(e, data)
	return auth.PowerLevelOf(snap, e.Sender, e.RoomVersion)
}

// buildMainline walks resolvedPL's own power_levels ancestry back to the
// room's creation, returning the chain ordered from creation (index 0) to
// resolvedPL itself (last index). A nil resolvedPL (no power_levels event
// resolved yet) yields an empty mainline.
func buildMainline(resolvedPL *eventpdu.Event, data Data) []*eventpdu.Event {
	if resolvedPL == nil {
		return nil
	}
	var chain []*eventpdu.Event
	current := resolvedPL
	for current != nil {
		chain = append(chain, current)
		next := nextMainlinePowerLevel(current, data)
		if next == nil || next.ID == current.ID {
			break
		}
		current = next
	}
	// chain is resolvedPL-first; reverse so creation comes first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// nextMainlinePowerLevel finds the power_levels event e's own auth_events
// point to, if any.
func nextMainlinePowerLevel(e *eventpdu.Event, data Data) *eventpdu.Event {
	for _, id := range e.AuthEvents {
		ae, ok := data.Events.Get(id)
		if ok && ae.Type == "m.room.power_levels" {
			return ae
		}
	}
	return nil
}

// mainlinePosition finds the closest mainline ancestor of e (following
// power_levels links through e's own auth chain) and returns its index in
// mainline, or 0 if e has no mainline ancestor at all.
func mainlinePosition(e *eventpdu.Event, mainline []*eventpdu.Event, data Data) int {
	index := make(map[string]int, len(mainline))
	for i, m := range mainline {
		index[m.ID] = i
	}
	visited := map[string]struct{}{}
	var walk func(id string) (int, bool)
	walk = func(id string) (int, bool) {
		if _, seen := visited[id]; seen {
			return 0, false
		}
		visited[id] = struct{}{}
		if pos, ok := index[id]; ok {
			return pos, true
		}
		ae, ok := data.Events.Get(id)
		if !ok {
			return 0, false
		}
		for _, parentID := range ae.AuthEvents {
			if pos, found := walk(parentID); found {
				return pos, true
			}
		}
		return 0, false
	}
	if pos, found := walk(e.ID); found {
		return pos
	}
	return 0
}

// mainlineOrder sorts the non-power conflicted events by (mainline
// position, origin_server_ts, id) ascending, per spec §4.5 step 5.
func mainlineOrder(events []*eventpdu.Event, mainline []*eventpdu.Event, data Data) []*eventpdu.Event {
	type scored struct {
		event *eventpdu.Event
		pos   int
	}
	items := make([]scored, len(events))
	for i, e := range events {
		items[i] = scored{event: e, pos: mainlinePosition(e, mainline, data)}
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			a, b := items[j-1], items[j]
			less := a.pos < b.pos ||
				(a.pos == b.pos && a.event.OriginServerTS < b.event.OriginServerTS) ||
				(a.pos == b.pos && a.event.OriginServerTS == b.event.OriginServerTS && a.event.ID <= b.event.ID)
			if less {
				break
			}
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
	out := make([]*eventpdu.Event, len(items))
	for i, it := range items {
		out[i] = it.event
	}
	return out
}
