// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package stateres implements Matrix state resolution v2 (spec C5):
// conflict detection, auth-diff, lexicographic toposort of power events,
// mainline ordering, and two iterative auth passes. Grounded on
// gomatrixserverlib's stateResolverV2 (stateresolutionv2.go) but
// reshaped around the room engine's own event-graph and auth-snapshot
// types instead of reimplementing its own AuthEvents adapter.
package stateres

import (
	"strconv"
	"time"

	"github.com/ike20013/roomengine/internal/auth"
	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/metrics"
	"github.com/ike20013/roomengine/internal/roomversion"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stateres")

// EventSource looks up events by id, the only capability the resolver
// needs from the DAG store; the room actor passes its eventgraph.Store
// (or a read-only view of it) as this interface.
type EventSource interface {
	Get(id string) (*eventpdu.Event, bool)
}

// Data bundles the inputs the resolver needs beyond the conflicting state
// maps themselves.
type Data struct {
	Events      EventSource
	RoomVersion roomversion.Profile
	AuthOptions auth.Options
}

// ResolveStateMaps computes the single resolved state map for a set of
// conflicting per-branch state maps, per spec §4.5. Short-circuits: an
// empty input resolves to the empty map; a single input resolves to
// itself unchanged (spec §8 property 5).
func ResolveStateMaps(maps []eventpdu.StateMap, data Data) eventpdu.StateMap {
	switch len(maps) {
	case 0:
		return eventpdu.StateMap{}
	case 1:
		return maps[0].Clone()
	}

	started := time.Now()
	defer func() {
		metrics.StateResolutionDuration.With(prometheus.Labels{
			"branch_count": strconv.Itoa(len(maps)),
		}).Observe(float64(time.Since(started).Milliseconds()))
	}()

	unconflicted, conflicted := partition(maps)
	fullConflicted := fullConflictedSet(conflicted, data)

	powerEvents, otherEvents := splitPowerEvents(fullConflicted, data)
	orderedPower := orderPowerEvents(powerEvents, data)

	resolved := unconflicted.Clone()
	resolved = iterativeAuth(resolved, orderedPower, data)

	plTuple := eventpdu.StateKeyTuple{Type: "m.room.power_levels", StateKey: ""}
	var resolvedPL *eventpdu.Event
	if id, ok := resolved[plTuple]; ok {
		resolvedPL, _ = data.Events.Get(id)
	}
	mainline := buildMainline(resolvedPL, data)
	orderedOthers := mainlineOrder(otherEvents, mainline, data)
	resolved = iterativeAuth(resolved, orderedOthers, data)

	// Unconflicted wins on any collision, per spec §4.5 step 9.
	final := resolved.Clone()
	for k, v := range unconflicted {
		final[k] = v
	}
	return final
}
