// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"encoding/json"
	"strconv"

	"github.com/ike20013/roomengine/internal/eventpdu"
)

// powerLevelContent is the parsed m.room.power_levels content, following
// gomatrixserverlib's powerLevelContent shape but read via getInt so that
// both integer and numeric-string forms can be accepted under relaxed
// room versions, per spec §4.3.
type powerLevelContent struct {
	banLevel          int64
	inviteLevel       int64
	kickLevel         int64
	redactLevel       int64
	stateDefaultLevel int64
	eventDefaultLevel int64
	userDefaultLevel  int64
	eventLevels       map[string]int64
	userLevels        map[string]int64
	notifications     map[string]int64
}

const (
	defaultBanLevel     = 50
	defaultKickLevel    = 50
	defaultRedactLevel  = 50
	defaultStateDefault = 50
	// inviteLevel, eventDefaultLevel, userDefaultLevel default to 0.
)

// getInt extracts an integer power-level scalar from raw JSON. Under
// enforceInt it only accepts a JSON number; otherwise it also accepts a
// numeric string, matching spec §4.3's get_int helper.
func getInt(raw json.RawMessage, enforceInt bool, def int64) (int64, bool) {
	if len(raw) == 0 {
		return def, true
	}
	// json.Number also decodes a quoted numeric string, so strings are
	// kept out of this branch and handled by the relaxed path below.
	if raw[0] != '"' {
		var asNumber json.Number
		if err := json.Unmarshal(raw, &asNumber); err == nil {
			if n, err := asNumber.Int64(); err == nil {
				return n, true
			}
		}
	}
	if enforceInt {
		return 0, false
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if n, err := strconv.ParseInt(asString, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// rawPowerLevels is the wire shape of m.room.power_levels content.
type rawPowerLevels struct {
	Ban           json.RawMessage            `json:"ban"`
	Invite        json.RawMessage            `json:"invite"`
	Kick          json.RawMessage            `json:"kick"`
	Redact        json.RawMessage            `json:"redact"`
	StateDefault  json.RawMessage            `json:"state_default"`
	EventsDefault json.RawMessage            `json:"events_default"`
	UsersDefault  json.RawMessage            `json:"users_default"`
	Events        map[string]json.RawMessage `json:"events"`
	Users         map[string]json.RawMessage `json:"users"`
	Notifications map[string]json.RawMessage `json:"notifications"`
}

// parsePowerLevelContent parses a power_levels event's content. Any field
// that fails to parse under enforceInt is treated as ok=false so the
// caller can reject the whole event, per spec §4.3.
func parsePowerLevelContent(content json.RawMessage, enforceInt bool) (powerLevelContent, bool) {
	var raw rawPowerLevels
	var pl powerLevelContent
	if len(content) > 0 {
		if err := json.Unmarshal(content, &raw); err != nil {
			return pl, false
		}
	}
	ok := true
	var good bool
	pl.banLevel, good = getInt(raw.Ban, enforceInt, defaultBanLevel)
	ok = ok && good
	pl.inviteLevel, good = getInt(raw.Invite, enforceInt, 0)
	ok = ok && good
	pl.kickLevel, good = getInt(raw.Kick, enforceInt, defaultKickLevel)
	ok = ok && good
	pl.redactLevel, good = getInt(raw.Redact, enforceInt, defaultRedactLevel)
	ok = ok && good
	pl.stateDefaultLevel, good = getInt(raw.StateDefault, enforceInt, defaultStateDefault)
	ok = ok && good
	pl.eventDefaultLevel, good = getInt(raw.EventsDefault, enforceInt, 0)
	ok = ok && good
	pl.userDefaultLevel, good = getInt(raw.UsersDefault, enforceInt, 0)
	ok = ok && good

	pl.eventLevels = map[string]int64{}
	for k, v := range raw.Events {
		n, g := getInt(v, enforceInt, 0)
		ok = ok && g
		pl.eventLevels[k] = n
	}
	pl.userLevels = map[string]int64{}
	for k, v := range raw.Users {
		n, g := getInt(v, enforceInt, 0)
		ok = ok && g
		pl.userLevels[k] = n
	}
	pl.notifications = map[string]int64{}
	for k, v := range raw.Notifications {
		n, g := getInt(v, enforceInt, 0)
		ok = ok && g
		pl.notifications[k] = n
	}
	return pl, ok
}

// defaultPowerLevelContent is what's in effect when no m.room.power_levels
// event exists yet: the creator (or the event-stipulated creator fallback)
// defaults to 100, everyone else to the standard Matrix defaults.
func defaultPowerLevelContent() powerLevelContent {
	return powerLevelContent{
		banLevel:          defaultBanLevel,
		inviteLevel:       0,
		kickLevel:         defaultKickLevel,
		redactLevel:       defaultRedactLevel,
		stateDefaultLevel: defaultStateDefault,
		eventDefaultLevel: 0,
		userDefaultLevel:  0,
		eventLevels:       map[string]int64{},
		userLevels:        map[string]int64{},
		notifications:     map[string]int64{},
	}
}

// userLevel returns the effective power level of userID, honouring the
// creator-defaults-to-100 rule when creatorID matches and there is no
// explicit users[] entry, per spec §4.3's get_user_power_level.
func (pl powerLevelContent) userLevel(userID, creatorID string) int64 {
	if lvl, ok := pl.userLevels[userID]; ok {
		return lvl
	}
	if userID != "" && userID == creatorID {
		return 100
	}
	return pl.userDefaultLevel
}

// eventLevel returns the power level required to send an event of the
// given type, using the state vs non-state default as appropriate.
func (pl powerLevelContent) eventLevel(eventType string, isState bool) int64 {
	if lvl, ok := pl.eventLevels[eventType]; ok {
		return lvl
	}
	if isState {
		return pl.stateDefaultLevel
	}
	return pl.eventDefaultLevel
}

// powerLevelFromSnapshot loads the power-level content in effect for the
// given snapshot, falling back to defaults if there's no power_levels
// event yet.
func powerLevelFromSnapshot(snapshot Snapshot, enforceInt bool) powerLevelContent {
	ev := snapshot[eventpdu.StateKeyTuple{Type: "m.room.power_levels", StateKey: ""}]
	if ev == nil {
		return defaultPowerLevelContent()
	}
	pl, ok := parsePowerLevelContent(rawContentOf(ev), enforceInt)
	if !ok {
		return defaultPowerLevelContent()
	}
	return pl
}

func rawContentOf(ev *eventpdu.Event) json.RawMessage {
	var full struct {
		Content json.RawMessage `json:"content"`
	}
	_ = json.Unmarshal(ev.JSON, &full)
	return full.Content
}
