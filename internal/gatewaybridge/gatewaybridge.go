// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package gatewaybridge projects Matrix events onto an XMPP-style gateway
// (spec C7): jid mapping, the escape table, and notify_event's dispatch
// rules. There is no XMPP library in the teacher's dependency set, so the
// bridge only emits the gateway-facing JIDs and outbound actions the
// actor hands to whatever transport is wired in at cmd/roomengine.
package gatewaybridge

import (
	"fmt"
	"strings"

	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/matrixid"
)

// reserved is the fixed escape table named in spec §4.7/§6: each of these
// bytes round-trips through \HH (lowercase hex, no percent signs).
const reserved = " \"%&'/:<>@\\"

// Escape reversibly encodes every reserved byte in s as \HH.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(reserved, c) >= 0 {
			fmt.Fprintf(&b, `\%02x`, c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Unescape reverses Escape. A malformed \HH sequence is passed through
// literally rather than erroring, since gateway input is untrusted but
// notify_event must never panic on it.
func Unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+2 < len(s) {
			if hi, hok := hexVal(s[i+1]); hok {
				if lo, lok := hexVal(s[i+2]); lok {
					b.WriteByte(byte(hi<<4 | lo))
					i += 2
					continue
				}
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	default:
		return 0, false
	}
}

// JID is a bridge-side jabber id: (localpart, host).
type JID struct {
	Local string
	Host  string
}

func (j JID) String() string {
	if j.Local == "" {
		return j.Host
	}
	return j.Local + "@" + j.Host
}

// UserIDToJID maps a Matrix user id onto a local jid (when its server is
// this homeserver) or a gateway jid (otherwise), per spec §4.7/§6.
func UserIDToJID(userID, matrixDomain, serviceHost string) (JID, error) {
	local, domain, err := matrixid.UserID(userID)
	if err != nil {
		return JID{}, err
	}
	if domain == matrixDomain {
		return JID{Local: local, Host: matrixDomain}, nil
	}
	return JID{Local: Escape(local) + "%" + Escape(domain), Host: serviceHost}, nil
}

// Action is one outbound effect notify_event decides on; the room actor's
// notifyLocked dispatches each one to the outbound queue, the bus or the
// federation client.
type Action struct {
	// Kind is "outbound_txn" (queue this event for federation) or
	// "deliver_local" (hand the event to the gateway for a local user)
	// or "federation_invite" (send a Matrix invite RPC).
	Kind      string
	Event     *eventpdu.Event
	LocalUser string
	RoomTag   string // the <x xmlns="p1:matrix" room_id=…/> attachment value
	Server    string // destination server for an outbound_txn action
}

// JoinedSet is the minimal room-membership view notify_event needs:
// which servers/users are currently joined, without pulling in the whole
// room actor.
type JoinedSet interface {
	JoinedServers() []string
	IsLocalUserJoined(userID string) bool
}

// NotifyEvent implements spec §4.7's projection rules for the two event
// shapes the bridge cares about; every other event type yields no
// actions.
func NotifyEvent(event *eventpdu.Event, localUser, matrixDomain string, joined JoinedSet) ([]Action, error) {
	switch event.Type {
	case "m.room.message":
		return notifyMessage(event, localUser, joined)
	case "m.room.member":
		return notifyMembership(event, matrixDomain, joined)
	default:
		return nil, nil
	}
}

func notifyMessage(event *eventpdu.Event, localUser string, joined JoinedSet) ([]Action, error) {
	var content struct {
		MsgType string `json:"msgtype"`
	}
	if err := event.Content(&content); err != nil || content.MsgType != "m.text" {
		return nil, nil
	}
	if event.Sender == localUser {
		var actions []Action
		for _, server := range joined.JoinedServers() {
			actions = append(actions, Action{Kind: "outbound_txn", Event: event, Server: server})
		}
		return actions, nil
	}
	return []Action{{Kind: "deliver_local", Event: event, LocalUser: localUser, RoomTag: event.RoomID}}, nil
}

func notifyMembership(event *eventpdu.Event, matrixDomain string, joined JoinedSet) ([]Action, error) {
	if !event.IsState() {
		return nil, nil
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := event.Content(&content); err != nil || content.Membership != "invite" {
		return nil, nil
	}
	targetDomain, err := matrixid.DomainFromID(*event.StateKey)
	if err != nil || targetDomain == matrixDomain {
		return nil, nil
	}
	return []Action{{Kind: "federation_invite", Event: event}}, nil
}
