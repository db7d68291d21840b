// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomactor

import (
	"encoding/json"
	"time"

	"github.com/ike20013/roomengine/internal/auth"
	"github.com/ike20013/roomengine/internal/eventgraph"
	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/metrics"
	"github.com/ike20013/roomengine/internal/rerr"
	"github.com/ike20013/roomengine/internal/stateres"
	"github.com/prometheus/client_golang/prometheus"
)

// AuthAndStoreExternalEvents topologically sorts events by auth_events
// and auths-and-stores them in that order, aborting and reporting on the
// first event_auth_error, per spec §4.6.
func (a *Actor) AuthAndStoreExternalEvents(events []*eventpdu.Event) error {
	var retErr error
	a.syncCall(func() {
		ordered, err := eventgraph.SimpleToposort(events)
		if err != nil {
			retErr = err
			return
		}
		for _, e := range ordered {
			if err := a.resolveAuthStoreEventLocked(e); err != nil {
				retErr = err
				return
			}
		}
	})
	return retErr
}

// ResolveAuthStoreEvent derives e's state_map from its parents' state
// maps via the state resolver, runs the auth engine, stores the event and
// triggers update_client, per spec §4.6.
func (a *Actor) ResolveAuthStoreEvent(e *eventpdu.Event) error {
	var retErr error
	a.syncCall(func() { retErr = a.resolveAuthStoreEventLocked(e) })
	return retErr
}

func (a *Actor) resolveAuthStoreEventLocked(e *eventpdu.Event) error {
	started := time.Now()
	defer func() {
		metrics.ProcessEventDuration.With(prometheus.Labels{"room_id": a.roomID}).
			Observe(float64(time.Since(started).Milliseconds()))
	}()

	parentMaps := make([]eventpdu.StateMap, 0, len(e.PrevEvents))
	for _, parentID := range e.PrevEvents {
		parent, ok := a.graph.Get(parentID)
		if !ok {
			return rerr.ErrMissedPrevEvent(parentID)
		}
		if parent.StateMap == nil {
			return rerr.ErrMissedStateMap(parentID)
		}
		parentMaps = append(parentMaps, parent.StateMap)
	}

	resolved := stateres.ResolveStateMaps(parentMaps, stateres.Data{
		Events:      a.graph,
		RoomVersion: a.profile,
		AuthOptions: a.authOpts,
	})

	snapshot := auth.Snapshot{}
	for k, id := range resolved {
		if se, ok := a.graph.Get(id); ok {
			snapshot[k] = se
		}
	}
	if err := auth.CheckEventAuth(e, snapshot, a.authOpts); err != nil {
		return rerr.ErrEventAuthError(e.ID)
	}

	if e.IsState() {
		e.StateMap = resolved.Clone()
		e.StateMap[e.StateKeyTuple()] = e.ID
	} else {
		e.StateMap = resolved
	}
	if err := a.graph.StoreEvent(e); err != nil {
		return err
	}
	a.updateClientLocked()
	return nil
}

// authKeysFor implements spec §4.6's compute_event_auth_keys: the set of
// (type, state_key) tuples fill_event consults in the parent state_map to
// build a partial event's auth_events list.
func authKeysFor(partial *eventpdu.PDU) []eventpdu.StateKeyTuple {
	switch partial.Type {
	case "m.room.create":
		return nil
	case "m.room.member":
		keys := []eventpdu.StateKeyTuple{
			{Type: "m.room.create", StateKey: ""},
			{Type: "m.room.power_levels", StateKey: ""},
			{Type: "m.room.member", StateKey: partial.Sender},
		}
		if partial.StateKey != nil {
			keys = append(keys, eventpdu.StateKeyTuple{Type: "m.room.member", StateKey: *partial.StateKey})
		}
		var content struct {
			Membership            string `json:"membership"`
			JoinAuthorisedViaUser string `json:"join_authorised_via_users_server"`
			ThirdPartyInvite      *struct {
				Signed struct {
					Token string `json:"token"`
				} `json:"signed"`
			} `json:"third_party_invite"`
		}
		_ = json.Unmarshal(partial.Content, &content)
		switch content.Membership {
		case "join":
			keys = append(keys, eventpdu.StateKeyTuple{Type: "m.room.join_rules", StateKey: ""})
			if content.JoinAuthorisedViaUser != "" {
				keys = append(keys, eventpdu.StateKeyTuple{Type: "m.room.member", StateKey: content.JoinAuthorisedViaUser})
			}
		case "invite":
			keys = append(keys, eventpdu.StateKeyTuple{Type: "m.room.join_rules", StateKey: ""})
			if content.ThirdPartyInvite != nil && content.ThirdPartyInvite.Signed.Token != "" {
				keys = append(keys, eventpdu.StateKeyTuple{Type: "m.room.third_party_invite", StateKey: content.ThirdPartyInvite.Signed.Token})
			}
		case "knock":
			keys = append(keys, eventpdu.StateKeyTuple{Type: "m.room.join_rules", StateKey: ""})
		}
		return keys
	default:
		return []eventpdu.StateKeyTuple{
			{Type: "m.room.create", StateKey: ""},
			{Type: "m.room.power_levels", StateKey: ""},
			{Type: "m.room.member", StateKey: partial.Sender},
		}
	}
}

// fillEvent stamps depth, prev_events, auth_events, room_id and
// origin_server_ts onto a partial PDU, per spec §4.6's fill_event. It must
// be called with the actor's own goroutine already owning the mailbox.
func (a *Actor) fillEventLocked(partial *eventpdu.PDU) (eventpdu.StateMap, error) {
	latest := a.graph.LatestEvents()
	partial.RoomID = a.roomID
	partial.PrevEvents = latest
	partial.OriginServerTS = time.Now().UnixMilli()

	parentMaps := make([]eventpdu.StateMap, 0, len(latest))
	var maxDepth int64
	for _, id := range latest {
		parent, ok := a.graph.Get(id)
		if !ok {
			return nil, rerr.ErrMissedPrevEvent(id)
		}
		if parent.StateMap != nil {
			parentMaps = append(parentMaps, parent.StateMap)
		}
		if parent.Depth > maxDepth {
			maxDepth = parent.Depth
		}
	}
	if len(latest) == 0 {
		partial.Depth = 0
	} else if maxDepth+1 > eventpdu.MaxDepth {
		partial.Depth = eventpdu.MaxDepth
	} else {
		partial.Depth = maxDepth + 1
	}

	resolved := stateres.ResolveStateMaps(parentMaps, stateres.Data{
		Events:      a.graph,
		RoomVersion: a.profile,
		AuthOptions: a.authOpts,
	})

	seen := map[string]struct{}{}
	var authEvents []string
	for _, key := range authKeysFor(partial) {
		id, ok := resolved[key]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		authEvents = append(authEvents, id)
	}
	partial.AuthEvents = authEvents
	return resolved, nil
}
