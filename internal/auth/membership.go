// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/rerr"
)

// memberContent is the subset of m.room.member content the auth engine
// consults.
type memberContent struct {
	Membership            string `json:"membership"`
	JoinAuthorisedViaUser string `json:"join_authorised_via_users_server"`
	ThirdPartyInviteToken string
	hasThirdPartyInvite   bool
}

func parseMemberContent(event *eventpdu.Event) memberContent {
	var raw struct {
		Membership            string `json:"membership"`
		JoinAuthorisedViaUser string `json:"join_authorised_via_users_server"`
		ThirdPartyInvite      *struct {
			Signed struct {
				Token string `json:"token"`
			} `json:"signed"`
		} `json:"third_party_invite"`
	}
	if err := event.Content(&raw); err != nil {
		return memberContent{}
	}
	mc := memberContent{Membership: raw.Membership, JoinAuthorisedViaUser: raw.JoinAuthorisedViaUser}
	if raw.ThirdPartyInvite != nil {
		mc.hasThirdPartyInvite = true
		mc.ThirdPartyInviteToken = raw.ThirdPartyInvite.Signed.Token
	}
	return mc
}

func joinRuleOf(snapshot Snapshot) string {
	jr := snapshot.Get("m.room.join_rules", "")
	if jr == nil {
		return "invite"
	}
	var content struct {
		JoinRule string `json:"join_rule"`
	}
	if err := jr.Content(&content); err != nil || content.JoinRule == "" {
		return "invite"
	}
	return content.JoinRule
}

// checkMember dispatches on content.membership, per spec §4.3.
func checkMember(event *eventpdu.Event, snapshot Snapshot, opts Options) error {
	if !event.IsState() {
		return rerr.ErrMissedStateKey(event.ID)
	}
	create := snapshot.Get("m.room.create", "")
	if create == nil {
		return rerr.ErrNotAllowed("member event %s: no m.room.create in snapshot", event.ID)
	}
	content := parseMemberContent(event)
	if content.Membership == "" {
		return rerr.ErrNotAllowed("member event %s: missing content.membership", event.ID)
	}

	targetID := *event.StateKey
	switch content.Membership {
	case "join":
		return checkJoin(event, snapshot, create, targetID, content, opts)
	case "invite":
		return checkInvite(event, snapshot, targetID, content, opts)
	case "leave":
		return checkLeave(event, snapshot, targetID)
	case "ban":
		return checkBan(event, snapshot, targetID)
	case "knock":
		return checkKnock(event, snapshot, targetID, opts)
	default:
		return rerr.ErrNotAllowed("member event %s: unsupported membership %q", event.ID, content.Membership)
	}
}

// isCanonicalCreatorSelfJoin special-cases the room creator's own first
// join, the only membership event allowed against an otherwise-empty
// snapshot (besides the create event itself), per spec S1 and §4.3.
func isCanonicalCreatorSelfJoin(event *eventpdu.Event, create *eventpdu.Event, targetID string) bool {
	if len(event.AuthEvents) != 1 || event.AuthEvents[0] != create.ID {
		return false
	}
	if event.Sender != targetID {
		return false
	}
	creator := creatorID(create, event.RoomVersion)
	return targetID == creator
}

func checkJoin(event *eventpdu.Event, snapshot Snapshot, create *eventpdu.Event, targetID string, content memberContent, opts Options) error {
	if isCanonicalCreatorSelfJoin(event, create, targetID) {
		return nil
	}
	if event.Sender != targetID {
		return rerr.ErrNotAllowed("join event %s: sender %q must equal target %q", event.ID, event.Sender, targetID)
	}
	joinRule := joinRuleOf(snapshot)
	prior := snapshot.Get("m.room.member", targetID)
	priorMembership := ""
	if prior != nil {
		priorMembership = membershipOf(prior)
	}

	if priorMembership == "ban" {
		return rerr.ErrNotAllowed("join event %s: target %q is banned", event.ID, targetID)
	}
	if priorMembership == "join" {
		return nil
	}

	if prior == nil {
		if joinRule == "public" {
			return nil
		}
		return rerr.ErrNotAllowed("join event %s: no prior membership and join rule %q is not public", event.ID, joinRule)
	}

	allowed := false
	switch {
	case joinRule == "public":
		allowed = true
	case joinRule == "invite" && priorMembership == "invite":
		allowed = true
	case joinRule == "knock" && priorMembership == "invite":
		allowed = true
	case joinRule == "restricted" && priorMembership == "invite":
		allowed = true
	case joinRule == "knock_restricted" && priorMembership == "invite" && event.RoomVersion.KnockRestrictedJoinRule:
		allowed = true
	}
	if !allowed {
		if opts.StrictMode && (joinRule == "restricted" || joinRule == "knock_restricted") {
			// TODO: restricted/knock_restricted join rules should also
			// validate the allow[] rule set (membership in a named
			// parent room) before permitting the join. Left unenforced
			// outside strict mode, per spec §9.
			return rerr.ErrNotAllowed("join event %s: restricted join-rule policy not enforced in strict mode", event.ID)
		}
		return rerr.ErrNotAllowed("join event %s: join rule %q does not permit prior membership %q", event.ID, joinRule, priorMembership)
	}
	return nil
}

func checkInvite(event *eventpdu.Event, snapshot Snapshot, targetID string, content memberContent, opts Options) error {
	if content.hasThirdPartyInvite {
		if opts.StrictMode {
			// TODO: third_party_invite validation (checking the signed
			// token against the m.room.third_party_invite state event)
			// is not implemented; spec §9 keeps this an explicit TODO
			// rather than silently allowing it.
			return rerr.ErrNotAllowed("invite event %s: third_party_invite policy not enforced in strict mode", event.ID)
		}
	}
	sender := snapshot.Get("m.room.member", event.Sender)
	if !isJoined(sender) {
		return rerr.ErrNotAllowed("invite event %s: sender %q is not joined", event.ID, event.Sender)
	}
	target := snapshot.Get("m.room.member", targetID)
	targetMembership := membershipOf(target)
	if targetMembership == "ban" || targetMembership == "join" {
		return rerr.ErrNotAllowed("invite event %s: target %q has membership %q", event.ID, targetID, targetMembership)
	}
	pl := powerLevelFromSnapshot(snapshot, event.RoomVersion.EnforceIntPowerLevels)
	create := snapshot.Get("m.room.create", "")
	creator := creatorID(create, event.RoomVersion)
	senderLevel := pl.userLevel(event.Sender, creator)
	if senderLevel < pl.inviteLevel {
		return rerr.ErrNotAllowed("invite event %s: sender level %d < invite level %d", event.ID, senderLevel, pl.inviteLevel)
	}
	return nil
}

func checkLeave(event *eventpdu.Event, snapshot Snapshot, targetID string) error {
	if event.Sender == targetID {
		prior := membershipOf(snapshot.Get("m.room.member", targetID))
		switch prior {
		case "invite", "join", "knock":
			return nil
		default:
			return rerr.ErrNotAllowed("leave event %s: self-leave from membership %q not allowed", event.ID, prior)
		}
	}
	// Kicking another user.
	sender := snapshot.Get("m.room.member", event.Sender)
	if !isJoined(sender) {
		return rerr.ErrNotAllowed("leave event %s: sender %q is not joined", event.ID, event.Sender)
	}
	pl := powerLevelFromSnapshot(snapshot, event.RoomVersion.EnforceIntPowerLevels)
	create := snapshot.Get("m.room.create", "")
	creator := creatorID(create, event.RoomVersion)
	senderLevel := pl.userLevel(event.Sender, creator)
	targetLevel := pl.userLevel(targetID, creator)
	target := snapshot.Get("m.room.member", targetID)
	targetMembership := membershipOf(target)

	if senderLevel < pl.kickLevel {
		return rerr.ErrNotAllowed("leave event %s: sender level %d < kick level %d", event.ID, senderLevel, pl.kickLevel)
	}
	if senderLevel <= targetLevel {
		return rerr.ErrNotAllowed("leave event %s: sender level %d does not exceed target level %d", event.ID, senderLevel, targetLevel)
	}
	if targetMembership == "ban" && senderLevel < pl.banLevel {
		return rerr.ErrNotAllowed("leave event %s: unbanning requires sender level %d >= ban level %d", event.ID, senderLevel, pl.banLevel)
	}
	return nil
}

func checkBan(event *eventpdu.Event, snapshot Snapshot, targetID string) error {
	sender := snapshot.Get("m.room.member", event.Sender)
	if !isJoined(sender) {
		return rerr.ErrNotAllowed("ban event %s: sender %q is not joined", event.ID, event.Sender)
	}
	pl := powerLevelFromSnapshot(snapshot, event.RoomVersion.EnforceIntPowerLevels)
	create := snapshot.Get("m.room.create", "")
	creator := creatorID(create, event.RoomVersion)
	senderLevel := pl.userLevel(event.Sender, creator)
	targetLevel := pl.userLevel(targetID, creator)
	if senderLevel < pl.banLevel {
		return rerr.ErrNotAllowed("ban event %s: sender level %d < ban level %d", event.ID, senderLevel, pl.banLevel)
	}
	if senderLevel <= targetLevel {
		return rerr.ErrNotAllowed("ban event %s: sender level %d does not exceed target level %d", event.ID, senderLevel, targetLevel)
	}
	return nil
}

func checkKnock(event *eventpdu.Event, snapshot Snapshot, targetID string, opts Options) error {
	if event.Sender != targetID {
		return rerr.ErrNotAllowed("knock event %s: sender %q must equal target %q", event.ID, event.Sender, targetID)
	}
	joinRule := joinRuleOf(snapshot)
	allowedRule := joinRule == "knock" || (joinRule == "knock_restricted" && event.RoomVersion.KnockRestrictedJoinRule)
	if !allowedRule {
		return rerr.ErrNotAllowed("knock event %s: join rule %q does not permit knocking", event.ID, joinRule)
	}
	target := snapshot.Get("m.room.member", targetID)
	switch membershipOf(target) {
	case "ban", "join":
		return rerr.ErrNotAllowed("knock event %s: target already %q", event.ID, membershipOf(target))
	}
	_ = opts
	return nil
}
