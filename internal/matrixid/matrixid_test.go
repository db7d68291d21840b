// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrixid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainFromID(t *testing.T) {
	domain, err := DomainFromID("!abc:example.org")
	require.NoError(t, err)
	assert.Equal(t, "example.org", domain)

	_, err = DomainFromID("no-colon-here")
	assert.Error(t, err)
}

func TestIsValidUserID(t *testing.T) {
	assert.True(t, IsValidUserID("@alice:example.org"))
	assert.False(t, IsValidUserID("alice:example.org"))
	assert.False(t, IsValidUserID("@:example.org"))
	assert.False(t, IsValidUserID("@alice:"))
	assert.False(t, IsValidUserID(""))
}

func TestUserIDSplitsLocalAndDomain(t *testing.T) {
	local, domain, err := UserID("@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "alice", local)
	assert.Equal(t, "example.org", domain)

	_, _, err = UserID("not-a-user-id")
	assert.Error(t, err)
}

func TestNewRoomIDShape(t *testing.T) {
	id, err := NewRoomID("example.org")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "!"))
	require.True(t, strings.HasSuffix(id, ":example.org"))

	localpart := strings.TrimSuffix(strings.TrimPrefix(id, "!"), ":example.org")
	assert.Len(t, localpart, 18)
	for _, c := range localpart {
		assert.True(t, strings.ContainsRune(roomIDAlphabet, c), "unexpected rune %q", c)
	}
}

func TestNewRoomIDIsRandomised(t *testing.T) {
	first, err := NewRoomID("example.org")
	require.NoError(t, err)
	second, err := NewRoomID("example.org")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
