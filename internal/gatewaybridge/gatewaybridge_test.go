// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package gatewaybridge

import (
	"encoding/json"
	"testing"

	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	cases := []string{
		"alice",
		"alice smith",
		`user"name`,
		"50%",
		"a&b",
		"x/y:z",
		"<tag>",
		`back\slash`,
		"",
	}
	for _, s := range cases {
		escaped := Escape(s)
		assert.Equal(t, s, Unescape(escaped), "round trip for %q", s)
	}
}

func TestEscapeEncodesReservedBytes(t *testing.T) {
	assert.Equal(t, `\20`, Escape(" "))
	assert.Equal(t, `\25`, Escape("%"))
	assert.Equal(t, "alice", Escape("alice"))
}

func TestUnescapePassesThroughMalformedSequences(t *testing.T) {
	assert.Equal(t, `\zz`, Unescape(`\zz`))
	assert.Equal(t, `\2`, Unescape(`\2`))
}

func TestUserIDToJIDLocal(t *testing.T) {
	jid, err := UserIDToJID("@alice:example.org", "example.org", "gateway.example.org")
	require.NoError(t, err)
	assert.Equal(t, JID{Local: "alice", Host: "example.org"}, jid)
	assert.Equal(t, "alice@example.org", jid.String())
}

func TestUserIDToJIDRemote(t *testing.T) {
	jid, err := UserIDToJID("@bob:other.org", "example.org", "gateway.example.org")
	require.NoError(t, err)
	assert.Equal(t, "gateway.example.org", jid.Host)
	assert.Equal(t, "bob%other.org@gateway.example.org", jid.String())
}

func TestUserIDToJIDInvalid(t *testing.T) {
	_, err := UserIDToJID("not-a-user-id", "example.org", "gateway.example.org")
	assert.Error(t, err)
}

type fakeJoinedSet struct {
	servers       []string
	localJoinedID string
}

func (f fakeJoinedSet) JoinedServers() []string { return f.servers }
func (f fakeJoinedSet) IsLocalUserJoined(userID string) bool {
	return userID == f.localJoinedID
}

func messageEvent(t *testing.T, sender, msgtype string) *eventpdu.Event {
	t.Helper()
	content, err := json.Marshal(map[string]string{"msgtype": msgtype, "body": "hi"})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]interface{}{
		"type":    "m.room.message",
		"sender":  sender,
		"content": json.RawMessage(content),
	})
	require.NoError(t, err)
	return &eventpdu.Event{Type: "m.room.message", Sender: sender, RoomID: "!room:example.org", JSON: raw}
}

func TestNotifyEventLocalMessageFansOutToEachServer(t *testing.T) {
	event := messageEvent(t, "@alice:example.org", "m.text")
	joined := fakeJoinedSet{servers: []string{"remote1.org", "remote2.org"}}
	actions, err := NotifyEvent(event, "@alice:example.org", "example.org", joined)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	var servers []string
	for _, a := range actions {
		assert.Equal(t, "outbound_txn", a.Kind)
		servers = append(servers, a.Server)
	}
	assert.ElementsMatch(t, []string{"remote1.org", "remote2.org"}, servers)
}

func TestNotifyEventRemoteMessageDeliversLocally(t *testing.T) {
	event := messageEvent(t, "@bob:other.org", "m.text")
	joined := fakeJoinedSet{}
	actions, err := NotifyEvent(event, "@alice:example.org", "example.org", joined)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "deliver_local", actions[0].Kind)
	assert.Equal(t, "@alice:example.org", actions[0].LocalUser)
}

func TestNotifyEventIgnoresNonTextMessages(t *testing.T) {
	event := messageEvent(t, "@bob:other.org", "m.image")
	actions, err := NotifyEvent(event, "@alice:example.org", "example.org", fakeJoinedSet{})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestNotifyEventRemoteInviteYieldsFederationInvite(t *testing.T) {
	stateKey := "@bob:other.org"
	content, err := json.Marshal(map[string]string{"membership": "invite"})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]interface{}{
		"type":      "m.room.member",
		"state_key": stateKey,
		"content":   json.RawMessage(content),
	})
	require.NoError(t, err)
	event := &eventpdu.Event{Type: "m.room.member", StateKey: &stateKey, JSON: raw}

	actions, err := NotifyEvent(event, "@alice:example.org", "example.org", fakeJoinedSet{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "federation_invite", actions[0].Kind)
}

func TestNotifyEventLocalInviteYieldsNoAction(t *testing.T) {
	stateKey := "@carol:example.org"
	content, err := json.Marshal(map[string]string{"membership": "invite"})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]interface{}{
		"type":      "m.room.member",
		"state_key": stateKey,
		"content":   json.RawMessage(content),
	})
	require.NoError(t, err)
	event := &eventpdu.Event{Type: "m.room.member", StateKey: &stateKey, JSON: raw}

	actions, err := NotifyEvent(event, "@alice:example.org", "example.org", fakeJoinedSet{})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestNotifyEventIgnoresOtherTypes(t *testing.T) {
	event := &eventpdu.Event{Type: "m.room.topic"}
	actions, err := NotifyEvent(event, "@alice:example.org", "example.org", fakeJoinedSet{})
	require.NoError(t, err)
	assert.Empty(t, actions)
}
