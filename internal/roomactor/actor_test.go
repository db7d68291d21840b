// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomactor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/ike20013/roomengine/internal/config"
	"github.com/ike20013/roomengine/internal/eventgraph"
	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/roomversion"
	"github.com/ike20013/roomengine/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	published []string
}

func (b *recordingBus) Publish(subject string, data []byte) error {
	b.published = append(b.published, subject)
	return nil
}

func strptr(s string) *string { return &s }

func newTestActor(t *testing.T) (*Actor, *recordingBus) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	svc := signing.NewInMemoryService(signing.KeyPair{Origin: "example.org", KeyID: "ed25519:1", Private: priv, Public: pub})
	bus := &recordingBus{}
	cfg := &config.Matrix{
		ServerName:              "example.org",
		KeyID:                   "ed25519:1",
		FederationTimeout:       5 * time.Second,
		GetMissingEventsTimeout: 60 * time.Second,
		ResendInterval:          30 * time.Second,
		JoinWarmup:              time.Second,
		MinRoomVersion:          "9.0.0",
	}
	profile := roomversion.Profile{ID: roomversion.V11, ImplicitRoomCreator: true, EnforceIntPowerLevels: true, KnockRestrictedJoinRule: true}
	a, err := New("!room:example.org", profile, Deps{Config: cfg, Signing: svc, Bus: bus})
	require.NoError(t, err)
	return a, bus
}

func addEvent(t *testing.T, a *Actor, pdu map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(pdu)
	require.NoError(t, err)
	require.NoError(t, a.AddEvent(raw))
}

// bootstrapRoom creates a room with alice (the local user) as creator,
// bob@remote.org registered as the actor's remote_user but not yet
// joined.
func bootstrapRoom(t *testing.T, a *Actor) {
	a.Create("@alice:example.org", "@bob:remote.org")

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.create", "sender": "@alice:example.org", "state_key": "", "content": map[string]interface{}{},
	})
	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@alice:example.org", "state_key": "@alice:example.org",
		"content": map[string]interface{}{"membership": "join"},
	})
	addEvent(t, a, map[string]interface{}{
		"type": "m.room.power_levels", "sender": "@alice:example.org", "state_key": "", "content": map[string]interface{}{},
	})
}

func TestAddEventBuildsRoomAndResolvesState(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	latest := a.GetLatestEvents()
	require.Len(t, latest, 1)

	e, ok := a.FindEvent(latest[0])
	require.True(t, ok)
	assert.Equal(t, "m.room.power_levels", e.Type)
	assert.NotNil(t, e.StateMap)
}

func TestAddEventRejectsUnauthorisedEvent(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	// Carol was never invited and the default join rule is "invite".
	raw, err := json.Marshal(map[string]interface{}{
		"type": "m.room.member", "sender": "@carol:example.org", "state_key": "@carol:example.org",
		"content": map[string]interface{}{"membership": "join"},
	})
	require.NoError(t, err)
	assert.Error(t, a.AddEvent(raw))
}

func TestMakeJoinRejectsUnknownVersion(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	_, err := a.MakeJoin("@carol:example.org", map[string][]string{"ver": {"9"}})
	assert.Error(t, err)
}

func TestMakeJoinRejectsUninvitedUser(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	_, err := a.MakeJoin("@carol:example.org", map[string][]string{"ver": {"11"}})
	assert.Error(t, err)
}

func TestMakeJoinAllowsInvitedUser(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@alice:example.org", "state_key": "@carol:example.org",
		"content": map[string]interface{}{"membership": "invite"},
	})

	result, err := a.MakeJoin("@carol:example.org", map[string][]string{"ver": {"11"}})
	require.NoError(t, err)
	assert.Equal(t, "m.room.member", result.Event.Type)
	assert.Equal(t, roomversion.V11, result.RoomVersion.ID)
}

func TestClientStateStaysUndefinedUntilRemoteJoins(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	var state string
	a.syncCall(func() { state = a.clientState })
	assert.Equal(t, "undefined", state)
}

func TestClientStateTransitionsToEstablishedThenLeave(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.join_rules", "sender": "@alice:example.org", "state_key": "", "content": map[string]interface{}{"join_rule": "public"},
	})
	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@bob:remote.org", "state_key": "@bob:remote.org",
		"content": map[string]interface{}{"membership": "join"},
	})

	var state string
	a.syncCall(func() { state = a.clientState })
	assert.Equal(t, "established", state)

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@bob:remote.org", "state_key": "@bob:remote.org",
		"content": map[string]interface{}{"membership": "leave"},
	})

	a.syncCall(func() { state = a.clientState })
	assert.Equal(t, "leave", state)
}

// TestClientStateLeaveTerminates exercises spec §4.6's "leave -> terminate"
// transition: once the remote user leaves and the synthetic leave event is
// stored, the actor's OnTerminate hook must fire so the registry owner can
// drop this room's entries (spec §3, §4.8).
func TestClientStateLeaveTerminates(t *testing.T) {
	a, _ := newTestActor(t)
	terminatedRoom := ""
	a.onTerminate = func(roomID string) { terminatedRoom = roomID }
	bootstrapRoom(t, a)

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.join_rules", "sender": "@alice:example.org", "state_key": "", "content": map[string]interface{}{"join_rule": "public"},
	})
	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@bob:remote.org", "state_key": "@bob:remote.org",
		"content": map[string]interface{}{"membership": "join"},
	})
	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@bob:remote.org", "state_key": "@bob:remote.org",
		"content": map[string]interface{}{"membership": "leave"},
	})

	var state string
	var terminated bool
	a.syncCall(func() { state = a.clientState; terminated = a.terminated })
	assert.Equal(t, "leave", state)
	assert.True(t, terminated)
	assert.Equal(t, "!room:example.org", terminatedRoom)
}

// TestClientStateEstablishedLocalLeaveTerminates exercises the direct
// established -> terminate transition (spec §4.6: "if local no longer
// joined: terminate (stop)"), triggered without the synthetic leave event
// the other transitions into "leave" emit.
func TestClientStateEstablishedLocalLeaveTerminates(t *testing.T) {
	a, _ := newTestActor(t)
	terminated := false
	a.onTerminate = func(string) { terminated = true }
	bootstrapRoom(t, a)

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.join_rules", "sender": "@alice:example.org", "state_key": "", "content": map[string]interface{}{"join_rule": "public"},
	})
	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@bob:remote.org", "state_key": "@bob:remote.org",
		"content": map[string]interface{}{"membership": "join"},
	})
	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@alice:example.org", "state_key": "@alice:example.org",
		"content": map[string]interface{}{"membership": "leave"},
	})

	var terminatedFlag bool
	a.syncCall(func() { terminatedFlag = a.terminated })
	assert.True(t, terminatedFlag)
	assert.True(t, terminated)
}

func TestGetMissingEventsRequiresServerJoined(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	latest := a.GetLatestEvents()
	events := a.GetMissingEvents("remote.org", nil, latest, 10, 0)
	assert.Empty(t, events, "remote.org has no joined member yet")

	events = a.GetMissingEvents("example.org", nil, latest, 10, 0)
	assert.NotEmpty(t, events)
}

func TestGetMissingEventsClampsLimit(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	events := a.GetMissingEvents("example.org", nil, a.GetLatestEvents(), 999, 0)
	assert.LessOrEqual(t, len(events), 20)
}

func TestGetStateIDsReturnsSnapshotAndAuthChain(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	latest := a.GetLatestEvents()
	require.Len(t, latest, 1)

	authChain, pdus, err := a.GetStateIDs("example.org", latest[0])
	require.NoError(t, err)
	assert.NotEmpty(t, pdus)
	assert.NotEmpty(t, authChain)
}

func TestGetStateIDsRejectsUnjoinedServer(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	_, _, err := a.GetStateIDs("remote.org", a.GetLatestEvents()[0])
	assert.Error(t, err)
}

func TestGetEventReturnsNotFoundForUnknownID(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	_, err := a.GetEvent("$does-not-exist")
	assert.Error(t, err)
}

func TestPartitionMissedEventsAndWithStateMap(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	latest := a.GetLatestEvents()
	known, unknown := a.PartitionMissedEvents(append(latest, "$missing"))
	assert.ElementsMatch(t, latest, known)
	assert.Equal(t, []string{"$missing"}, unknown)

	withSM, withoutSM := a.PartitionEventsWithStateMap(latest)
	assert.ElementsMatch(t, latest, withSM)
	assert.Empty(t, withoutSM)
}

func TestOnEventStoredPublishesToBus(t *testing.T) {
	a, bus := newTestActor(t)
	bootstrapRoom(t, a)
	assert.NotEmpty(t, bus.published)
	for _, subj := range bus.published {
		assert.Equal(t, "example.org.room_engine.event_stored", subj)
	}
}

func TestAuthAndStoreExternalEventsOrdersByAuthEvents(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	// Invite then join carol, handed to AuthAndStoreExternalEvents in
	// reverse (join before invite): it must topologically sort by
	// auth_events before authing either one, or the join
	// would be rejected for lacking a prior invite in its parent state.
	latest := a.GetLatestEvents()
	authChain, _, err := a.GetStateIDs("example.org", latest[0])
	require.NoError(t, err)
	baseAuth := append(eventgraph.EventIDs(authChain), latest[0])

	invite := externalEvent(t, a, "m.room.member", "@alice:example.org", strptr("@carol:example.org"),
		map[string]interface{}{"membership": "invite"}, latest, baseAuth)
	join := externalEvent(t, a, "m.room.member", "@carol:example.org", strptr("@carol:example.org"),
		map[string]interface{}{"membership": "join"}, []string{invite.ID}, append(baseAuth, invite.ID))

	require.NoError(t, a.AuthAndStoreExternalEvents([]*eventpdu.Event{join, invite}))

	_, ok := a.FindEvent(join.ID)
	assert.True(t, ok)
}

// TestNotifyLocalMessageQueuesOutboundPerJoinedServer exercises spec §4.4
// store_event step 3's call into the notifier (C7): once bob@remote.org
// has joined, a local m.text message from alice must be queued onto the
// outbound federation queue for remote.org, driving QueueOutbound's
// production call path rather than only its own unit test.
func TestNotifyLocalMessageQueuesOutboundPerJoinedServer(t *testing.T) {
	a, _ := newTestActor(t)
	bootstrapRoom(t, a)

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.join_rules", "sender": "@alice:example.org", "state_key": "", "content": map[string]interface{}{"join_rule": "public"},
	})
	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@bob:remote.org", "state_key": "@bob:remote.org",
		"content": map[string]interface{}{"membership": "join"},
	})

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.message", "sender": "@alice:example.org",
		"content": map[string]interface{}{"msgtype": "m.text", "body": "hello bob"},
	})

	var depth int
	a.syncCall(func() {
		q, ok := a.outbound["remote.org"]
		require.True(t, ok, "expected a queue for remote.org")
		depth = len(q.queued)
	})
	assert.Equal(t, 1, depth)
}

// TestNotifyRemoteMessagePublishesDeliverLocal exercises the other half of
// notify_event's m.room.message projection: a message from the remote
// user must publish the deliver_local notification onto the bus rather
// than queue anything outbound.
func TestNotifyRemoteMessagePublishesDeliverLocal(t *testing.T) {
	a, bus := newTestActor(t)
	bootstrapRoom(t, a)

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.join_rules", "sender": "@alice:example.org", "state_key": "", "content": map[string]interface{}{"join_rule": "public"},
	})
	addEvent(t, a, map[string]interface{}{
		"type": "m.room.member", "sender": "@bob:remote.org", "state_key": "@bob:remote.org",
		"content": map[string]interface{}{"membership": "join"},
	})
	bus.published = nil

	addEvent(t, a, map[string]interface{}{
		"type": "m.room.message", "sender": "@bob:remote.org",
		"content": map[string]interface{}{"msgtype": "m.text", "body": "hello alice"},
	})

	assert.Contains(t, bus.published, "example.org.room_engine.event_stored")
	assert.Contains(t, bus.published, "example.org.room_engine.deliver_local")

	a.syncCall(func() {
		_, ok := a.outbound["remote.org"]
		assert.False(t, ok, "a remote-sender message must not be queued outbound")
	})
}

// externalEvent builds and signs a fully-formed event the way an
// incoming federation PDU would arrive, rather than through the local
// fill/sign path AddEvent uses, so the caller controls prev_events/
// auth_events directly.
func externalEvent(t *testing.T, a *Actor, eventType, sender string, stateKey *string, content interface{}, prevEvents, authEvents []string) *eventpdu.Event {
	t.Helper()
	contentJSON, err := json.Marshal(content)
	require.NoError(t, err)

	pdu := eventpdu.PDU{
		Type: eventType, RoomID: "!room:example.org", Sender: sender, StateKey: stateKey,
		AuthEvents: authEvents, PrevEvents: prevEvents, OriginServerTS: time.Now().UnixMilli(),
		Content: contentJSON,
	}
	raw, err := json.Marshal(pdu)
	require.NoError(t, err)
	signed, err := a.signing.SignEvent(context.Background(), "example.org", raw)
	require.NoError(t, err)
	e, err := eventpdu.Decode(signed, a.profile, a.signing)
	require.NoError(t, err)
	return e
}
