// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package eventgraph

import (
	"testing"

	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(id string, prev, authEvents []string) *eventpdu.Event {
	return &eventpdu.Event{ID: id, PrevEvents: prev, AuthEvents: authEvents}
}

func TestStoreEventUpdatesLatestAndNonlatest(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, s.StoreEvent(ev("$a", nil, nil)))
	assert.ElementsMatch(t, []string{"$a"}, s.LatestEvents())

	require.NoError(t, s.StoreEvent(ev("$b", []string{"$a"}, nil)))
	assert.ElementsMatch(t, []string{"$b"}, s.LatestEvents())
	assert.True(t, s.Has("$a"))
}

func TestStoreEventUpgradesStateMapInPlace(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, s.StoreEvent(ev("$a", nil, nil)))
	e, ok := s.Get("$a")
	require.True(t, ok)
	assert.Nil(t, e.StateMap)

	upgraded := ev("$a", nil, nil)
	upgraded.StateMap = eventpdu.StateMap{{Type: "m.room.create", StateKey: ""}: "$a"}
	require.NoError(t, s.StoreEvent(upgraded))

	e, ok = s.Get("$a")
	require.True(t, ok)
	assert.NotNil(t, e.StateMap)
}

func TestStoreEventNotifiesOnlyOnFirstInsert(t *testing.T) {
	var notified []string
	s, err := New(func(e *eventpdu.Event) { notified = append(notified, e.ID) })
	require.NoError(t, err)

	require.NoError(t, s.StoreEvent(ev("$a", nil, nil)))
	require.NoError(t, s.StoreEvent(ev("$a", nil, nil)))
	assert.Equal(t, []string{"$a"}, notified)
}

func TestSetNotifierReplacesCallback(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	var notified string
	s.SetNotifier(func(e *eventpdu.Event) { notified = e.ID })
	require.NoError(t, s.StoreEvent(ev("$a", nil, nil)))
	assert.Equal(t, "$a", notified)
}

func TestPartitionKnown(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, s.StoreEvent(ev("$a", nil, nil)))

	known, unknown := s.PartitionKnown([]string{"$a", "$b"})
	assert.Equal(t, []string{"$a"}, known)
	assert.Equal(t, []string{"$b"}, unknown)
}

func TestPartitionWithStateMap(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	withSM := ev("$a", nil, nil)
	withSM.StateMap = eventpdu.StateMap{}
	require.NoError(t, s.StoreEvent(withSM))
	require.NoError(t, s.StoreEvent(ev("$b", nil, nil)))

	has, hasNot := s.PartitionWithStateMap([]string{"$a", "$b", "$c"})
	assert.Equal(t, []string{"$a"}, has)
	assert.ElementsMatch(t, []string{"$b", "$c"}, hasNot)
}

func TestSimpleToposortOrdersByAuthEvents(t *testing.T) {
	create := ev("$create", nil, nil)
	join := ev("$join", nil, []string{"$create"})
	pl := ev("$pl", nil, []string{"$create", "$join"})

	ordered, err := SimpleToposort([]*eventpdu.Event{pl, join, create})
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, "$create", ordered[0].ID)
	assert.Equal(t, "$join", ordered[1].ID)
	assert.Equal(t, "$pl", ordered[2].ID)
}

func TestSimpleToposortDetectsCycle(t *testing.T) {
	a := ev("$a", nil, []string{"$b"})
	b := ev("$b", nil, []string{"$a"})

	_, err := SimpleToposort([]*eventpdu.Event{a, b})
	assert.Error(t, err)
}

func TestEventIDs(t *testing.T) {
	events := []*eventpdu.Event{ev("$a", nil, nil), ev("$b", nil, nil)}
	assert.Equal(t, []string{"$a", "$b"}, EventIDs(events))
}
