// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package eventgraph is the in-memory event DAG store (spec C4): a
// per-room map of event id to Event, the latest/nonlatest leaf-tracking
// sets, and per-event state_map materialisation. There is deliberately no
// persistence layer here — spec §1 rules out an on-disk event store, so
// unlike the teacher's roomserver/storage packages (postgres/sqlite
// tables), this is a bare map guarded by the room actor's single-writer
// discipline (spec §5).
package eventgraph

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/rerr"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "eventgraph")

// Notifier is called whenever an event is stored, mirroring spec §4.4's
// "call the notifier (C7)" step. Implementations must not block for long;
// the room actor passes a function that simply queues a projection.
type Notifier func(event *eventpdu.Event)

// Store holds one room's event DAG in memory.
type Store struct {
	events        map[string]*eventpdu.Event
	latestEvents  map[string]struct{}
	nonlatest     map[string]struct{}
	lookupCache   *ristretto.Cache
	notify        Notifier
}

// New returns an empty Store. notify may be nil.
func New(notify Notifier) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("eventgraph: creating lookup cache: %w", err)
	}
	if notify == nil {
		notify = func(*eventpdu.Event) {}
	}
	return &Store{
		events:       make(map[string]*eventpdu.Event),
		latestEvents: make(map[string]struct{}),
		nonlatest:    make(map[string]struct{}),
		lookupCache:  cache,
		notify:       notify,
	}, nil
}

// SetNotifier replaces the store's notifier, used when the subscriber
// (the room actor) needs a reference to itself that isn't available yet
// at New time.
func (s *Store) SetNotifier(notify Notifier) {
	if notify == nil {
		notify = func(*eventpdu.Event) {}
	}
	s.notify = notify
}

// Get returns the event for id, or (nil, false) if unknown.
func (s *Store) Get(id string) (*eventpdu.Event, bool) {
	if cached, ok := s.lookupCache.Get(id); ok {
		return cached.(*eventpdu.Event), true
	}
	e, ok := s.events[id]
	if ok {
		s.lookupCache.Set(id, e, 1)
	}
	return e, ok
}

// Has reports whether id is known to the store.
func (s *Store) Has(id string) bool {
	_, ok := s.events[id]
	return ok
}

// LatestEvents returns a copy of the current DAG leaf set.
func (s *Store) LatestEvents() []string {
	out := make([]string, 0, len(s.latestEvents))
	for id := range s.latestEvents {
		out = append(out, id)
	}
	return out
}

// StoreEvent inserts or upgrades e, per spec §4.4:
//   - unknown id: insert, then update leaves/nonlatest and notify.
//   - known with StateMap == nil and e.StateMap != nil: upgrade in place.
//   - known and already materialised: no-op.
func (s *Store) StoreEvent(e *eventpdu.Event) error {
	existing, known := s.events[e.ID]
	switch {
	case known && existing.StateMap == nil && e.StateMap != nil:
		existing.StateMap = e.StateMap
		s.lookupCache.Del(e.ID)
		return nil
	case known:
		return nil
	}

	s.events[e.ID] = e
	for _, parent := range e.PrevEvents {
		delete(s.latestEvents, parent)
		s.nonlatest[parent] = struct{}{}
	}
	if _, isNonLatest := s.nonlatest[e.ID]; !isNonLatest {
		s.latestEvents[e.ID] = struct{}{}
	}
	s.notify(e)
	return nil
}

// PartitionKnown splits ids into those the store already holds and those
// it doesn't, for partition_missed_events (spec §4.6).
func (s *Store) PartitionKnown(ids []string) (known, unknown []string) {
	for _, id := range ids {
		if s.Has(id) {
			known = append(known, id)
		} else {
			unknown = append(unknown, id)
		}
	}
	return
}

// PartitionWithStateMap splits ids into those whose event has a
// materialised state_map and those that don't (or aren't known at all),
// for partition_events_with_statemap (spec §4.6).
func (s *Store) PartitionWithStateMap(ids []string) (withSM, withoutSM []string) {
	for _, id := range ids {
		e, ok := s.Get(id)
		if ok && e.StateMap != nil {
			withSM = append(withSM, id)
		} else {
			withoutSM = append(withoutSM, id)
		}
	}
	return
}

// SimpleToposort orders events so that every event comes after the events
// it depends on via auth_events — i.e. dependencies first, a topological
// ordering on the auth_events DAG. It detects cycles using the usual
// white/gray/black DFS colouring and reports loop_in_auth_chain if one is
// found, per spec §4.4/§8 property 3.
func SimpleToposort(events []*eventpdu.Event) ([]*eventpdu.Event, error) {
	byID := make(map[string]*eventpdu.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(events))
	var order []*eventpdu.Event

	var visit func(id string) error
	visit = func(id string) error {
		e, ok := byID[id]
		if !ok {
			return nil
		}
		switch color[id] {
		case black:
			return nil
		case gray:
			return rerr.ErrLoopInAuthChain()
		}
		color[id] = gray
		for _, auth := range e.AuthEvents {
			if err := visit(auth); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, e)
		return nil
	}

	for _, e := range events {
		if color[e.ID] == white {
			if err := visit(e.ID); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// EventIDs projects a list of events to their ids.
func EventIDs(events []*eventpdu.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
