// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomversion holds the boolean-flag profile that selects the
// auth-rule variant in effect for a room, grounded on gomatrixserverlib's
// RoomVersion/EventFormat split (event.go) but trimmed to exactly the
// flags spec §3 names: v9, v10 and v11 only.
package roomversion

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ID is one of the three supported room version identifiers.
type ID string

const (
	V9  ID = "9"
	V10 ID = "10"
	V11 ID = "11"
)

// Profile is the pure-data set of behavioural flags that the auth engine
// and state resolver consult. It never holds behaviour itself.
type Profile struct {
	ID ID

	// KnockRestrictedJoinRule enables the "knock_restricted" join rule
	// and its corresponding membership transition.
	KnockRestrictedJoinRule bool

	// EnforceIntPowerLevels requires every power-levels scalar to be a
	// JSON integer; when false, numeric strings are also accepted.
	EnforceIntPowerLevels bool

	// ImplicitRoomCreator treats the m.room.create sender as the room
	// creator, and does not require content.creator to be present.
	ImplicitRoomCreator bool

	// UpdatedRedactionRules selects the newer event-redaction field
	// retention rules.
	UpdatedRedactionRules bool
}

var profiles = map[ID]Profile{
	V9: {
		ID:                      V9,
		KnockRestrictedJoinRule: false,
		EnforceIntPowerLevels:   false,
		ImplicitRoomCreator:     false,
		UpdatedRedactionRules:   false,
	},
	V10: {
		ID:                      V10,
		KnockRestrictedJoinRule: true,
		EnforceIntPowerLevels:   true,
		ImplicitRoomCreator:     false,
		UpdatedRedactionRules:   true,
	},
	V11: {
		ID:                      V11,
		KnockRestrictedJoinRule: true,
		EnforceIntPowerLevels:   true,
		ImplicitRoomCreator:     true,
		UpdatedRedactionRules:   true,
	},
}

// FromString returns the profile for a wire room-version string, or an
// error if the identifier is unknown. Unknown ids reject the room, per
// spec §3.
func FromString(s string) (Profile, error) {
	p, ok := profiles[ID(s)]
	if !ok {
		return Profile{}, fmt.Errorf("roomversion: unsupported room version %q", s)
	}
	return p, nil
}

// Supported lists the version strings this server offers in make_join.
func Supported() []string {
	return []string{string(V9), string(V10), string(V11)}
}

// semverOf maps each room version id onto a synthetic semver so that
// operator-facing "minimum supported version" config can be expressed and
// compared with ordinary version-range semantics, rather than a bespoke
// string enum comparison.
var semverOf = map[ID]*semver.Version{
	V9:  semver.MustParse("9.0.0"),
	V10: semver.MustParse("10.0.0"),
	V11: semver.MustParse("11.0.0"),
}

// MeetsMinimum reports whether room version id is at or above the
// operator-configured minimum (e.g. "10.0.0" to stop offering v9 rooms),
// per the min_room_version knob in internal/config.
func MeetsMinimum(id ID, minVersion string) (bool, error) {
	cur, ok := semverOf[id]
	if !ok {
		return false, fmt.Errorf("roomversion: unsupported room version %q", id)
	}
	min, err := semver.NewVersion(minVersion)
	if err != nil {
		return false, fmt.Errorf("roomversion: invalid min_room_version %q: %w", minVersion, err)
	}
	return !cur.LessThan(min), nil
}
