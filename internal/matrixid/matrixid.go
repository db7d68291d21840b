// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package matrixid parses and generates the three identifier shapes the
// room engine deals with: room IDs, user IDs and server names. Grounded
// on gomatrixserverlib's domainFromID helpers (eventauth.go) and on
// dendrite's random room-ID generation convention.
package matrixid

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// DomainFromID returns the server name portion of a room/user/alias ID of
// the form "{sigil}localpart:domain".
func DomainFromID(id string) (string, error) {
	idx := strings.IndexByte(id, ':')
	if idx == -1 {
		return "", fmt.Errorf("matrixid: invalid id %q: missing ':'", id)
	}
	return id[idx+1:], nil
}

// IsValidUserID reports whether id has the form "@local:server".
func IsValidUserID(id string) bool {
	if len(id) == 0 || id[0] != '@' {
		return false
	}
	idx := strings.IndexByte(id, ':')
	return idx > 1 && idx < len(id)-1
}

// NewRoomID generates a room ID of the form "!{18 letters}:{domain}" using
// 18 bytes of cryptographic entropy reduced modulo the 52-letter alphabet,
// per spec §6.
func NewRoomID(domain string) (string, error) {
	var buf [18]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("matrixid: reading entropy: %w", err)
	}
	localpart := make([]byte, 18)
	for i, b := range buf {
		localpart[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
	}
	return fmt.Sprintf("!%s:%s", localpart, domain), nil
}

// UserID splits a "@local:server" ID into its localpart and domain.
func UserID(id string) (local, domain string, err error) {
	if !IsValidUserID(id) {
		return "", "", fmt.Errorf("matrixid: invalid user id %q", id)
	}
	idx := strings.IndexByte(id, ':')
	return id[1:idx], id[idx+1:], nil
}
