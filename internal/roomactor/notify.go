// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomactor

import (
	"context"
	"encoding/json"

	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/gatewaybridge"
	"github.com/ike20013/roomengine/internal/matrixid"
	"github.com/ike20013/roomengine/internal/signing"
)

// actorJoinedSet adapts the actor's materialised leaves to the narrow
// view gatewaybridge.NotifyEvent needs, per spec §4.7.
type actorJoinedSet struct {
	a *Actor
}

// JoinedServers returns the distinct remote server names with at least
// one member joined in some current leaf, excluding this server.
func (j actorJoinedSet) JoinedServers() []string {
	seen := map[string]struct{}{}
	var servers []string
	for _, userID := range j.a.joinedUsersLocked() {
		domain, err := matrixid.DomainFromID(userID)
		if err != nil || domain == j.a.cfg.ServerName {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		servers = append(servers, domain)
	}
	return servers
}

// IsLocalUserJoined reports whether userID currently holds "join" in some
// current leaf.
func (j actorJoinedSet) IsLocalUserJoined(userID string) bool {
	for _, u := range j.a.joinedUsersLocked() {
		if u == userID {
			return true
		}
	}
	return false
}

// notifyLocked implements spec §4.4 store_event step 3 ("call the
// notifier (C7)"): it projects e through gatewaybridge.NotifyEvent and
// dispatches every resulting Action to its transport — the outbound
// federation queue, the gateway-delivery bus subject, or an invite RPC.
// It runs on the actor's own goroutine, called from onEventStored.
func (a *Actor) notifyLocked(e *eventpdu.Event) {
	actions, err := gatewaybridge.NotifyEvent(e, a.localUser, a.cfg.ServerName, actorJoinedSet{a})
	if err != nil {
		a.log.WithError(err).WithField("event_id", e.ID).Warn("notify_event projection failed")
		return
	}
	for _, action := range actions {
		switch action.Kind {
		case "outbound_txn":
			a.QueueOutbound(action.Server, action.Event.JSON)
		case "deliver_local":
			a.publishDeliverLocalLocked(action)
		case "federation_invite":
			go a.sendFederationInvite(action.Event)
		}
	}
}

// publishDeliverLocalLocked hands a locally-destined chat message to the
// gateway, the same NATS-bus pattern onEventStored already uses for the
// general event-stored signal.
func (a *Actor) publishDeliverLocalLocked(action gatewaybridge.Action) {
	if a.bus == nil {
		return
	}
	payload, err := signing.CanonicalJSON(map[string]interface{}{
		"room_id":    a.roomID,
		"event_id":   action.Event.ID,
		"local_user": action.LocalUser,
		"room_tag":   action.RoomTag,
	})
	if err != nil {
		a.log.WithError(err).Warn("failed to encode deliver_local notification")
		return
	}
	subject := a.cfg.ServerName + ".room_engine.deliver_local"
	if err := a.bus.Publish(subject, payload); err != nil {
		a.log.WithError(err).Warn("failed to publish deliver_local notification")
	}
}

// inviteRoomStateLocked builds the stripped-state extract spec §4.7
// names for an outbound invite: create, join_rules, and the sender's own
// membership event, drawn from the nearest materialised leaf.
func (a *Actor) inviteRoomStateLocked(sender string) []json.RawMessage {
	wanted := map[eventpdu.StateKeyTuple]struct{}{
		{Type: "m.room.create", StateKey: ""}:     {},
		{Type: "m.room.join_rules", StateKey: ""}: {},
		{Type: "m.room.member", StateKey: sender}: {},
	}
	var out []json.RawMessage
	seen := map[eventpdu.StateKeyTuple]struct{}{}
	for _, id := range a.graph.LatestEvents() {
		leaf, ok := a.graph.Get(id)
		if !ok || leaf.StateMap == nil {
			continue
		}
		for key := range wanted {
			if _, done := seen[key]; done {
				continue
			}
			eventID, ok := leaf.StateMap[key]
			if !ok {
				continue
			}
			se, ok := a.graph.Get(eventID)
			if !ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, se.JSON)
		}
	}
	return out
}

// sendFederationInvite issues the invite RPC (spec §4.7/§6) for a
// just-stored m.room.member invite event targeting a remote user. It runs
// off the actor's goroutine since it performs a blocking federation call,
// reading only values captured from the already-stored, immutable event.
func (a *Actor) sendFederationInvite(e *eventpdu.Event) {
	if e.StateKey == nil || a.fed == nil {
		return
	}
	targetServer, err := matrixid.DomainFromID(*e.StateKey)
	if err != nil {
		a.log.WithError(err).WithField("event_id", e.ID).Warn("federation invite: cannot resolve target server")
		return
	}
	var inviteRoomState []json.RawMessage
	a.syncCall(func() { inviteRoomState = a.inviteRoomStateLocked(e.Sender) })

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FederationTimeout)
	defer cancel()
	if err := a.fed.Invite(ctx, targetServer, e.RoomID, e.ID, string(e.RoomVersion.ID), e.JSON, inviteRoomState); err != nil {
		a.log.WithError(err).WithFields(map[string]interface{}{
			"event_id": e.ID,
			"server":   targetServer,
		}).Warn("failed to send federation invite")
	}
}
