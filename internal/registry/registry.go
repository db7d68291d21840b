// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package registry is the cross-actor lookup table (spec C8): room id to
// actor handle, and (local user, remote user) to direct-chat room id.
// Backed by patrickmn/go-cache the way dendrite's caching layer wraps
// in-memory lookups, here with no expiry since entries live exactly as
// long as their actor does and are removed explicitly on terminate.
package registry

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// ActorHandle is whatever the supervisor returns to address a live room
// actor; the registry treats it opaquely.
type ActorHandle interface{}

// StartFunc asks the supervisor to start a new actor for roomID, or
// returns (nil, false) if the supervisor declines ("ignored", per spec
// §4.8).
type StartFunc func(roomID string) (ActorHandle, bool)

// DirectKey is the (local_user, remote_user) composite key for the
// matrix_direct map.
type DirectKey struct {
	LocalUser  string
	RemoteUser string
}

// Registry holds the two crash-safe maps named in spec §4.8.
type Registry struct {
	rooms   *cache.Cache // room_id -> ActorHandle
	directs *cache.Cache // DirectKey -> room_id
	start   StartFunc
}

// New returns an empty Registry. start is consulted by GetRoomPID when a
// room id isn't yet registered.
func New(start StartFunc) *Registry {
	return &Registry{
		rooms:   cache.New(cache.NoExpiration, 10*time.Minute),
		directs: cache.New(cache.NoExpiration, 10*time.Minute),
		start:   start,
	}
}

// RegisterRoom records roomID -> handle, called by an actor on init.
func (r *Registry) RegisterRoom(roomID string, handle ActorHandle) {
	r.rooms.Set(roomID, handle, cache.NoExpiration)
}

// UnregisterRoom removes roomID, called by an actor on terminate.
func (r *Registry) UnregisterRoom(roomID string) {
	r.rooms.Delete(roomID)
}

// RegisterDirect records the direct-chat room id for a (local, remote)
// user pair.
func (r *Registry) RegisterDirect(key DirectKey, roomID string) {
	r.directs.Set(directCacheKey(key), roomID, cache.NoExpiration)
}

// UnregisterDirect removes a direct-chat mapping.
func (r *Registry) UnregisterDirect(key DirectKey) {
	r.directs.Delete(directCacheKey(key))
}

// LookupDirect returns the room id registered for key, if any. A dirty
// read: no lock is held across the caller's subsequent use of the id.
func (r *Registry) LookupDirect(key DirectKey) (string, bool) {
	v, ok := r.directs.Get(directCacheKey(key))
	if !ok {
		return "", false
	}
	return v.(string), true
}

func directCacheKey(key DirectKey) string {
	return key.LocalUser + "\x1f" + key.RemoteUser
}

// GetRoomPID looks up roomID's actor handle, asking the supervisor to
// start one if it isn't registered yet. A (nil, false) result from the
// supervisor itself ("ignored") is passed straight back to the caller,
// per spec §4.8.
func (r *Registry) GetRoomPID(roomID string) (ActorHandle, bool) {
	if v, ok := r.rooms.Get(roomID); ok {
		return v.(ActorHandle), true
	}
	if r.start == nil {
		return nil, false
	}
	handle, ok := r.start(roomID)
	if !ok {
		return nil, false
	}
	r.rooms.Set(roomID, handle, cache.NoExpiration)
	return handle, true
}
