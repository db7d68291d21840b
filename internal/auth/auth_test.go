// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"encoding/json"
	"testing"

	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/roomversion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var v11 = roomversion.Profile{ID: roomversion.V11, ImplicitRoomCreator: true, EnforceIntPowerLevels: true, KnockRestrictedJoinRule: true}

func newEvent(t *testing.T, id, eventType, sender string, stateKey *string, content interface{}) *eventpdu.Event {
	t.Helper()
	contentJSON, err := json.Marshal(content)
	require.NoError(t, err)
	full := map[string]interface{}{
		"type":    eventType,
		"sender":  sender,
		"room_id": "!room:example.org",
		"content": json.RawMessage(contentJSON),
	}
	if stateKey != nil {
		full["state_key"] = *stateKey
	}
	raw, err := json.Marshal(full)
	require.NoError(t, err)
	return &eventpdu.Event{
		ID:          id,
		RoomID:      "!room:example.org",
		Type:        eventType,
		Sender:      sender,
		StateKey:    stateKey,
		JSON:        raw,
		RoomVersion: v11,
	}
}

func strptr(s string) *string { return &s }

func memberEvent(t *testing.T, id, sender, target, membership string) *eventpdu.Event {
	return newEvent(t, id, "m.room.member", sender, strptr(target), map[string]string{"membership": membership})
}

func TestCheckCreateRejectsNonEmptySnapshot(t *testing.T) {
	create := newEvent(t, "$create", "m.room.create", "@alice:example.org", strptr(""), map[string]string{})
	snapshot := Snapshot{eventpdu.StateKeyTuple{Type: "m.room.create", StateKey: ""}: create}
	err := checkCreate(create, snapshot)
	assert.Error(t, err)
}

func TestCheckCreateRejectsDomainMismatch(t *testing.T) {
	create := &eventpdu.Event{
		ID: "$create", RoomID: "!room:example.org", Type: "m.room.create",
		Sender: "@alice:other.org", StateKey: strptr(""), RoomVersion: v11,
		JSON: []byte(`{"type":"m.room.create","sender":"@alice:other.org","room_id":"!room:example.org","content":{}}`),
	}
	err := checkCreate(create, Snapshot{})
	assert.Error(t, err)
}

func TestCheckCreateAcceptsImplicitCreator(t *testing.T) {
	create := &eventpdu.Event{
		ID: "$create", RoomID: "!room:example.org", Type: "m.room.create",
		Sender: "@alice:example.org", StateKey: strptr(""), RoomVersion: v11,
		JSON: []byte(`{"type":"m.room.create","sender":"@alice:example.org","room_id":"!room:example.org","content":{}}`),
	}
	assert.NoError(t, checkCreate(create, Snapshot{}))
}

func baseSnapshot(t *testing.T, creator string) (Snapshot, *eventpdu.Event) {
	create := &eventpdu.Event{
		ID: "$create", RoomID: "!room:example.org", Type: "m.room.create",
		Sender: creator, StateKey: strptr(""), RoomVersion: v11,
		JSON: []byte(`{"type":"m.room.create","sender":"` + creator + `","room_id":"!room:example.org","content":{}}`),
	}
	snap := Snapshot{eventpdu.StateKeyTuple{Type: "m.room.create", StateKey: ""}: create}
	return snap, create
}

func TestCheckMemberCreatorSelfJoin(t *testing.T) {
	snap, create := baseSnapshot(t, "@alice:example.org")
	join := memberEvent(t, "$join", "@alice:example.org", "@alice:example.org", "join")
	join.AuthEvents = []string{create.ID}
	assert.NoError(t, checkMember(join, snap, Options{}))
}

func TestCheckMemberJoinRequiresInviteWhenNotPublic(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	join := memberEvent(t, "$join2", "@bob:other.org", "@bob:other.org", "join")
	err := checkMember(join, snap, Options{})
	assert.Error(t, err)
}

func TestCheckMemberJoinAllowedWhenInvited(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	invite := memberEvent(t, "$invite", "@alice:example.org", "@bob:other.org", "invite")
	snap[eventpdu.StateKeyTuple{Type: "m.room.member", StateKey: "@bob:other.org"}] = invite

	join := memberEvent(t, "$join3", "@bob:other.org", "@bob:other.org", "join")
	assert.NoError(t, checkMember(join, snap, Options{}))
}

func TestCheckMemberJoinRejectsBannedUser(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	ban := memberEvent(t, "$ban", "@alice:example.org", "@bob:other.org", "ban")
	snap[eventpdu.StateKeyTuple{Type: "m.room.member", StateKey: "@bob:other.org"}] = ban

	join := memberEvent(t, "$join4", "@bob:other.org", "@bob:other.org", "join")
	assert.Error(t, checkMember(join, snap, Options{}))
}

func TestCheckMemberInviteRequiresJoinedSender(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	invite := memberEvent(t, "$invite2", "@mallory:example.org", "@bob:other.org", "invite")
	assert.Error(t, checkMember(invite, snap, Options{}))
}

func TestCheckMemberLeaveSelf(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	joinSelf := memberEvent(t, "$joinself", "@alice:example.org", "@alice:example.org", "join")
	snap[eventpdu.StateKeyTuple{Type: "m.room.member", StateKey: "@alice:example.org"}] = joinSelf

	leave := memberEvent(t, "$leave", "@alice:example.org", "@alice:example.org", "leave")
	assert.NoError(t, checkMember(leave, snap, Options{}))
}

func TestCheckMemberKickRequiresPowerLevel(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	joinAlice := memberEvent(t, "$joina", "@alice:example.org", "@alice:example.org", "join")
	snap[eventpdu.StateKeyTuple{Type: "m.room.member", StateKey: "@alice:example.org"}] = joinAlice
	joinMallory := memberEvent(t, "$joinm", "@mallory:example.org", "@mallory:example.org", "join")
	snap[eventpdu.StateKeyTuple{Type: "m.room.member", StateKey: "@mallory:example.org"}] = joinMallory

	kick := memberEvent(t, "$kick", "@mallory:example.org", "@alice:example.org", "leave")
	assert.Error(t, checkMember(kick, snap, Options{}))
}

func powerLevelsEvent(t *testing.T, sender string, content map[string]interface{}) *eventpdu.Event {
	return newEvent(t, "$pl", "m.room.power_levels", sender, strptr(""), content)
}

func TestCheckPowerLevelsFirstEventAlwaysAllowed(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	joinAlice := memberEvent(t, "$joina", "@alice:example.org", "@alice:example.org", "join")
	snap[eventpdu.StateKeyTuple{Type: "m.room.member", StateKey: "@alice:example.org"}] = joinAlice

	pl := powerLevelsEvent(t, "@alice:example.org", map[string]interface{}{"users": map[string]int{"@alice:example.org": 100}})
	assert.NoError(t, checkPowerLevels(pl, snap, Options{}))
}

func TestCheckPowerLevelsDeltaRejectsExceedingSenderLevel(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	joinAlice := memberEvent(t, "$joina", "@alice:example.org", "@alice:example.org", "join")
	snap[eventpdu.StateKeyTuple{Type: "m.room.member", StateKey: "@alice:example.org"}] = joinAlice
	oldPL := powerLevelsEvent(t, "@alice:example.org", map[string]interface{}{"users": map[string]int{"@alice:example.org": 50}, "ban": 50})
	snap[eventpdu.StateKeyTuple{Type: "m.room.power_levels", StateKey: ""}] = oldPL

	newPL := powerLevelsEvent(t, "@alice:example.org", map[string]interface{}{"users": map[string]int{"@alice:example.org": 50}, "ban": 75})
	assert.Error(t, checkPowerLevelDelta(50, "@alice:example.org", mustParsePL(t, oldPL), mustParsePL(t, newPL)))
}

func mustParsePL(t *testing.T, ev *eventpdu.Event) powerLevelContent {
	t.Helper()
	pl, ok := parsePowerLevelContent(rawContentOf(ev), true)
	require.True(t, ok)
	return pl
}

func TestCheckPowerLevelDeltaOthersUserCeilingIsSenderMinusOne(t *testing.T) {
	oldPL := powerLevelContent{userLevels: map[string]int64{"@bob:other.org": 49}}
	newPLEqualToSender := powerLevelContent{userLevels: map[string]int64{"@bob:other.org": 50}}
	// Sender is at 50; raising someone else to exactly 50 is not allowed
	// (ceiling is sender_power - 1 for other users' entries).
	err := checkPowerLevelDelta(50, "@alice:example.org", oldPL, newPLEqualToSender)
	assert.Error(t, err)

	newPLBelowSender := powerLevelContent{userLevels: map[string]int64{"@bob:other.org": 49}}
	err = checkPowerLevelDelta(50, "@alice:example.org", oldPL, newPLBelowSender)
	assert.NoError(t, err)
}

func TestPowerLevelOfDefaultsCreatorTo100(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	lvl := PowerLevelOf(snap, "@alice:example.org", v11)
	assert.Equal(t, int64(100), lvl)

	lvl = PowerLevelOf(snap, "@bob:other.org", v11)
	assert.Equal(t, int64(0), lvl)
}

func TestCheckEventAuthDispatchesByType(t *testing.T) {
	snap, _ := baseSnapshot(t, "@alice:example.org")
	badMember := memberEvent(t, "$badjoin", "@mallory:example.org", "@mallory:example.org", "join")
	err := CheckEventAuth(badMember, snap, Options{})
	assert.Error(t, err)
}

func TestCheckEventAuthAllowsGoodCreate(t *testing.T) {
	create := &eventpdu.Event{
		ID: "$create", RoomID: "!room:example.org", Type: "m.room.create",
		Sender: "@alice:example.org", StateKey: strptr(""), RoomVersion: v11,
		JSON: []byte(`{"type":"m.room.create","sender":"@alice:example.org","room_id":"!room:example.org","content":{}}`),
	}
	assert.NoError(t, CheckEventAuth(create, Snapshot{}, Options{}))
}
