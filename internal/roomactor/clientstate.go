// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomactor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ike20013/roomengine/internal/eventpdu"
)

// Create primes a fresh actor with the direct-chat endpoints, per spec
// §4.6's create cast.
func (a *Actor) Create(localUser, remoteUser string) {
	a.Act(nil, func() {
		a.localUser = localUser
		a.remoteUser = remoteUser
		a.clientState = "undefined"
	})
}

// AddEvent handles local origination: fill, hash, sign, authorise, store,
// per spec §4.6's add_event cast.
func (a *Actor) AddEvent(partialJSON json.RawMessage) error {
	var retErr error
	a.syncCall(func() {
		var pdu eventpdu.PDU
		if err := json.Unmarshal(partialJSON, &pdu); err != nil {
			retErr = err
			return
		}
		if _, err := a.fillEventLocked(&pdu); err != nil {
			retErr = err
			return
		}
		raw, err := json.Marshal(pdu)
		if err != nil {
			retErr = err
			return
		}
		signed, err := a.signing.SignEvent(context.Background(), a.cfg.ServerName, raw)
		if err != nil {
			retErr = err
			return
		}
		e, err := eventpdu.Decode(signed, a.profile, a.signing)
		if err != nil {
			retErr = err
			return
		}
		retErr = a.resolveAuthStoreEventLocked(e)
	})
	return retErr
}

// joinedUsersLocked collects the member ids holding "join" in any current
// leaf's materialised state_map, per spec §8 property 8 ("some current
// leaf"). Concurrent leaves can disagree on membership until they
// resolve, so every materialised leaf is scanned and the result
// deduplicated, not just the first one found.
func (a *Actor) joinedUsersLocked() []string {
	seen := map[string]struct{}{}
	var joined []string
	for _, id := range a.graph.LatestEvents() {
		leaf, ok := a.graph.Get(id)
		if !ok || leaf.StateMap == nil {
			continue
		}
		for key, memberID := range leaf.StateMap {
			if key.Type != "m.room.member" {
				continue
			}
			if _, dup := seen[key.StateKey]; dup {
				continue
			}
			member, ok := a.graph.Get(memberID)
			if !ok {
				continue
			}
			var content struct {
				Membership string `json:"membership"`
			}
			if err := member.Content(&content); err == nil && content.Membership == "join" {
				seen[key.StateKey] = struct{}{}
				joined = append(joined, key.StateKey)
			}
		}
	}
	return joined
}

// updateClientLocked re-evaluates the client_state FSM after any state
// change, per spec §4.6.
func (a *Actor) updateClientLocked() {
	joined := a.joinedUsersLocked()
	localJoined := false
	remoteJoined := false
	othersCount := 0
	for _, u := range joined {
		switch u {
		case a.localUser:
			localJoined = true
		case a.remoteUser:
			remoteJoined = true
		default:
			othersCount++
		}
	}

	switch a.clientState {
	case "undefined":
		if !localJoined {
			return
		}
		switch {
		case remoteJoined && othersCount == 0:
			a.clientState = "established"
		case !remoteJoined && othersCount == 1:
			a.clientState = "leave"
			a.emitLeaveLocked("unknown_remote_user")
		case othersCount == 0 && !remoteJoined:
			// joined set (minus local) is empty: remain undefined.
		default:
			a.clientState = "leave"
			a.emitLeaveLocked("too_many_users")
		}
	case "established":
		if !localJoined {
			// Local user is gone: terminate directly, per spec §4.6
			// ("established -> if local no longer joined: terminate
			// (stop)"), without emitting a synthetic leave event;
			// clientState is set to "leave" just before terminating.
			a.clientState = "leave"
			a.terminateLocked()
			return
		}
		if !remoteJoined {
			a.clientState = "leave"
			a.emitLeaveLocked("remote_user_left")
		}
	case "leave":
		// Terminal, per spec §4.6 ("leave -> terminate").
		a.terminateLocked()
	}
}

// terminateLocked fires the actor's terminal transition exactly once,
// notifying the registry/supervisor owner (spec §3's lifecycle:
// "Room actors exist from get_room_pid until terminate, at which point
// the registry entries are removed").
func (a *Actor) terminateLocked() {
	if a.terminated {
		return
	}
	a.terminated = true
	a.log.Info("room actor reached terminal client state, terminating")
	if a.onTerminate != nil {
		a.onTerminate(a.roomID)
	}
}

// emitLeaveLocked synthesises and stores a leave membership event for the
// local user, the transition action spec §4.6 names for the
// unknown_remote_user/too_many_users/remote_user_left cases.
func (a *Actor) emitLeaveLocked(reason string) {
	if a.localUser == "" {
		return
	}
	content, _ := json.Marshal(map[string]string{"membership": "leave"})
	stateKey := a.localUser
	pdu := eventpdu.PDU{
		Type:           "m.room.member",
		Sender:         a.localUser,
		StateKey:       &stateKey,
		Content:        content,
		OriginServerTS: time.Now().UnixMilli(),
	}
	if _, err := a.fillEventLocked(&pdu); err != nil {
		a.log.WithError(err).WithField("reason", reason).Warn("failed to fill synthetic leave event")
		return
	}
	raw, err := json.Marshal(pdu)
	if err != nil {
		return
	}
	signed, err := a.signing.SignEvent(context.Background(), a.cfg.ServerName, raw)
	if err != nil {
		a.log.WithError(err).Warn("failed to sign synthetic leave event")
		return
	}
	e, err := eventpdu.Decode(signed, a.profile, a.signing)
	if err != nil {
		return
	}
	if err := a.resolveAuthStoreEventLocked(e); err != nil {
		a.log.WithError(err).WithField("reason", reason).Warn("failed to store synthetic leave event")
	}
}
