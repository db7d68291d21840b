// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package auth is the auth-rules engine (spec C3): it decides whether an
// event is allowed given a state snapshot, dispatching by event type the
// same way gomatrixserverlib's Allowed() does (eventauth.go), but
// generalised to the room-version profile flags spec §3/§4.3 name
// (implicit room creator, knock_restricted, integer-only power levels).
package auth

import (
	"fmt"

	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/matrixid"
	"github.com/ike20013/roomengine/internal/metrics"
	"github.com/ike20013/roomengine/internal/rerr"
	"github.com/ike20013/roomengine/internal/roomversion"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "auth")

// Snapshot is the state map an event is authed against: (type,state_key)
// -> the Event that set that state, per spec §4.3. A nil value recorded
// for a key is never present in practice; absence just means the key
// isn't in the map.
type Snapshot map[eventpdu.StateKeyTuple]*eventpdu.Event

// Options configures auth-rule corners the spec leaves as open questions
// (§9). StrictMode rejects the TODO-marked corners (third_party_invite,
// restricted/knock_restricted policy enforcement) instead of silently
// accepting them.
type Options struct {
	StrictMode bool
}

// Get is a small helper for callers building a Snapshot from a DAG store.
func (s Snapshot) Get(eventType, stateKey string) *eventpdu.Event {
	return s[eventpdu.StateKeyTuple{Type: eventType, StateKey: stateKey}]
}

// CheckEventAuth decides whether event is allowed given snapshot, per
// spec §4.3. All errors collapse into a single "denied" outcome at the
// boundary (see Allowed for the plain bool form callers in the
// resolver want); exceptions inside rule evaluation collapse to deny,
// matching spec's edge-case rule.
func CheckEventAuth(event *eventpdu.Event, snapshot Snapshot, opts Options) (err error) {
	defer func() {
		// Rule evaluation never panics in practice, but some content
		// shapes (e.g. "users" as a non-object) can surprise a naive
		// json.Unmarshal; recover() here keeps the actor boundary from
		// ever being reached by a rule-engine panic, matching spec's
		// "all exceptions inside rule evaluation collapse to deny". The
		// stack is preserved on err so the boundary's log line still
		// points at the panic site, not just here.
		if r := recover(); r != nil {
			err = rerr.Wrap(rerr.KindAuth, "event_auth_error", fmt.Errorf("panic evaluating auth rules: %v", r))
		}
		if err != nil {
			metrics.AuthRejections.With(prometheus.Labels{
				"event_type": event.Type,
				"reason":     rerr.ReasonOf(err),
			}).Inc()
		}
	}()

	switch event.Type {
	case "m.room.create":
		err = checkCreate(event, snapshot)
	case "m.room.member":
		err = checkMember(event, snapshot, opts)
	case "m.room.power_levels":
		err = checkPowerLevels(event, snapshot, opts)
	default:
		err = checkDefault(event, snapshot)
	}
	return err
}

// Allowed is a bool-returning convenience wrapper used by the state
// resolver, where a denied auth check is not itself an error condition
// (spec §4.5 step 6/8: failures drop the event, they don't abort).
func Allowed(event *eventpdu.Event, snapshot Snapshot, opts Options) bool {
	return CheckEventAuth(event, snapshot, opts) == nil
}

// creatorID resolves the room's creator identity, either from
// content.creator (pre-v11 profiles) or from the create event's sender
// (ImplicitRoomCreator profiles), per spec §4.3's get_user_power_level.
func creatorID(create *eventpdu.Event, profile roomversion.Profile) string {
	if create == nil {
		return ""
	}
	if profile.ImplicitRoomCreator {
		return create.Sender
	}
	var content struct {
		Creator string `json:"creator"`
	}
	_ = create.Content(&content)
	if content.Creator != "" {
		return content.Creator
	}
	return create.Sender
}

func checkCreate(event *eventpdu.Event, snapshot Snapshot) error {
	if len(snapshot) != 0 {
		return rerr.ErrNotAllowed("create event %s: state snapshot is not empty", event.ID)
	}
	roomDomain, err := matrixid.DomainFromID(event.RoomID)
	if err != nil {
		return rerr.ErrNotAllowed("create event %s: %v", event.ID, err)
	}
	senderDomain, err := event.DomainFromSender()
	if err != nil {
		return rerr.ErrNotAllowed("create event %s: %v", event.ID, err)
	}
	if roomDomain != senderDomain {
		return rerr.ErrNotAllowed("create event %s: sender domain %q != room domain %q", event.ID, senderDomain, roomDomain)
	}
	if !event.RoomVersion.ImplicitRoomCreator {
		var content struct {
			Creator string `json:"creator"`
		}
		if err := event.Content(&content); err != nil || content.Creator == "" {
			return rerr.ErrNotAllowed("create event %s: missing content.creator", event.ID)
		}
	}
	return nil
}

func checkDefault(event *eventpdu.Event, snapshot Snapshot) error {
	create := snapshot.Get("m.room.create", "")
	if create == nil {
		return rerr.ErrNotAllowed("event %s: no m.room.create in snapshot", event.ID)
	}
	sender := snapshot.Get("m.room.member", event.Sender)
	if sender == nil || !isJoined(sender) {
		return rerr.ErrNotAllowed("event %s: sender %q is not joined", event.ID, event.Sender)
	}
	pl := powerLevelFromSnapshot(snapshot, event.RoomVersion.EnforceIntPowerLevels)
	creator := creatorID(create, event.RoomVersion)
	senderLevel := pl.userLevel(event.Sender, creator)
	required := pl.eventLevel(event.Type, event.IsState())
	if senderLevel < required {
		return rerr.ErrNotAllowed("event %s: sender level %d < required %d", event.ID, senderLevel, required)
	}
	if event.IsState() && len(*event.StateKey) > 0 && (*event.StateKey)[0] == '@' && *event.StateKey != event.Sender {
		return rerr.ErrNotAllowed("event %s: sender %q may not write state keyed on %q", event.ID, event.Sender, *event.StateKey)
	}
	return nil
}

// PowerLevelOf returns userID's effective power level under snapshot, the
// same lookup checkPowerLevels/checkMember use internally. The state
// resolver calls this to order power events and build the mainline
// (spec §4.5 steps 4-5), which is why it is exported rather than kept
// private like the rest of the power-level machinery.
func PowerLevelOf(snapshot Snapshot, userID string, profile roomversion.Profile) int64 {
	create := snapshot.Get("m.room.create", "")
	creator := creatorID(create, profile)
	pl := powerLevelFromSnapshot(snapshot, profile.EnforceIntPowerLevels)
	return pl.userLevel(userID, creator)
}

func isJoined(member *eventpdu.Event) bool {
	if member == nil {
		return false
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := member.Content(&content); err != nil {
		return false
	}
	return content.Membership == "join"
}

func membershipOf(member *eventpdu.Event) string {
	if member == nil {
		return "leave"
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := member.Content(&content); err != nil {
		return "leave"
	}
	if content.Membership == "" {
		return "leave"
	}
	return content.Membership
}

// checkPowerLevels runs the default checks plus the power-levels delta
// check named in spec §4.3.
func checkPowerLevels(event *eventpdu.Event, snapshot Snapshot, opts Options) error {
	if err := checkDefault(event, snapshot); err != nil {
		return err
	}
	enforceInt := event.RoomVersion.EnforceIntPowerLevels
	newPL, ok := parsePowerLevelContent(rawContentOf(event), enforceInt)
	if !ok {
		return rerr.ErrNotAllowed("event %s: power_levels content has non-integer scalar under enforce_int_power_levels", event.ID)
	}
	for userID := range newPL.userLevels {
		if !matrixid.IsValidUserID(userID) {
			return rerr.ErrNotAllowed("event %s: users key %q is not a valid user id", event.ID, userID)
		}
	}
	create := snapshot.Get("m.room.create", "")
	creator := creatorID(create, event.RoomVersion)
	oldPL := powerLevelFromSnapshot(snapshot, enforceInt)
	senderLevel := oldPL.userLevel(event.Sender, creator)

	if snapshot.Get("m.room.power_levels", "") == nil {
		// First power_levels event: no prior levels to protect.
		return nil
	}
	return checkPowerLevelDelta(senderLevel, event.Sender, oldPL, newPL)
}

// checkPowerLevelDelta implements spec §4.3's delta rule: for each
// top-level scalar and each entry of events/users/notifications present
// in either side, if OLD != NEW then both OLD and NEW must be <=
// sender_power — except user entries other than the sender's own, where
// the ceiling for both OLD and NEW is sender_power-1 (strictly less than).
func checkPowerLevelDelta(senderLevel int64, senderID string, oldPL, newPL powerLevelContent) error {
	type pair struct{ old, new int64 }
	scalars := []pair{
		{oldPL.banLevel, newPL.banLevel},
		{oldPL.inviteLevel, newPL.inviteLevel},
		{oldPL.kickLevel, newPL.kickLevel},
		{oldPL.redactLevel, newPL.redactLevel},
		{oldPL.stateDefaultLevel, newPL.stateDefaultLevel},
		{oldPL.eventDefaultLevel, newPL.eventDefaultLevel},
		{oldPL.userDefaultLevel, newPL.userDefaultLevel},
	}
	for _, p := range scalars {
		if p.old != p.new {
			if p.old > senderLevel || p.new > senderLevel {
				return rerr.ErrNotAllowed(
					"power level change from %d to %d exceeds sender level %d", p.old, p.new, senderLevel)
			}
		}
	}

	eventKeys := unionKeys(oldPL.eventLevels, newPL.eventLevels)
	for _, k := range eventKeys {
		o, n := oldPL.eventLevels[k], newPL.eventLevels[k]
		if o != n {
			if o > senderLevel || n > senderLevel {
				return rerr.ErrNotAllowed("events[%q] change from %d to %d exceeds sender level %d", k, o, n, senderLevel)
			}
		}
	}
	notifKeys := unionKeys(oldPL.notifications, newPL.notifications)
	for _, k := range notifKeys {
		o, n := oldPL.notifications[k], newPL.notifications[k]
		if o != n {
			if o > senderLevel || n > senderLevel {
				return rerr.ErrNotAllowed("notifications[%q] change from %d to %d exceeds sender level %d", k, o, n, senderLevel)
			}
		}
	}

	userKeys := unionKeys(oldPL.userLevels, newPL.userLevels)
	for _, userID := range userKeys {
		o, n := oldPL.userLevel(userID, ""), newPL.userLevel(userID, "")
		if o == n {
			continue
		}
		ceiling := senderLevel
		if userID != senderID {
			// Mutating someone else's entry: strictly less than the
			// sender's own level, per spec §4.3's "sender_power - 1"
			// interpretation (flagged as an open question in §9).
			ceiling = senderLevel - 1
		}
		if o > ceiling || n > ceiling {
			return rerr.ErrNotAllowed("users[%q] change from %d to %d exceeds ceiling %d for sender level %d", userID, o, n, ceiling, senderLevel)
		}
	}
	return nil
}

func unionKeys(a, b map[string]int64) []string {
	seen := map[string]struct{}{}
	var out []string
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
