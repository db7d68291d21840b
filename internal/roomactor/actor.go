// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomactor is the single-threaded cooperative room actor (spec
// C6): one phony.Inbox-backed mailbox per room, serialising every
// mutation of the DAG store, state maps, leaf set and outbound
// federation queues. Grounded on how pinecone's router actors use
// Arceliar/phony for single-writer state (the teacher's go.mod pulls
// phony in for exactly this purpose), reshaped here around Matrix room
// semantics instead of overlay routing.
package roomactor

import (
	"context"
	"fmt"

	"github.com/Arceliar/phony"
	"github.com/ike20013/roomengine/internal/auth"
	"github.com/ike20013/roomengine/internal/config"
	"github.com/ike20013/roomengine/internal/eventgraph"
	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/fedclient"
	"github.com/ike20013/roomengine/internal/rerr"
	"github.com/ike20013/roomengine/internal/roomversion"
	"github.com/ike20013/roomengine/internal/signing"
	"github.com/sirupsen/logrus"
)

// EventBus is the narrow publish surface the actor needs from the
// embedded NATS connection; cmd/roomengine wires in a real *nats.Conn,
// tests wire in a recording stub.
type EventBus interface {
	Publish(subject string, data []byte) error
}

// Actor is one room's cooperative single-writer state machine.
type Actor struct {
	phony.Inbox

	roomID  string
	profile roomversion.Profile
	cfg     *config.Matrix
	log     *logrus.Entry

	graph    *eventgraph.Store
	authOpts auth.Options
	signing  signing.Service
	fed      *fedclient.Client
	bus      EventBus

	localUser  string
	remoteUser string
	clientState string // "undefined", "established", "leave"
	terminated  bool

	onTerminate func(roomID string)

	outbound map[string]*outboundQueue // server name -> queue
}

// Deps bundles the Actor's collaborators, all supplied by cmd/roomengine
// (or by a test harness) rather than constructed internally, matching the
// spec's collaborator boundaries (signing service, federation client).
type Deps struct {
	Config  *config.Matrix
	Signing signing.Service
	Fed     *fedclient.Client
	Bus     EventBus

	// OnTerminate is invoked once, from the actor's own goroutine, when
	// the client_state FSM reaches its terminal transition (spec §4.6:
	// established -> stop on local leaving, leave -> terminate). The
	// supervisor/registry owner uses it to remove this room's registry
	// entries (spec §3 "Lifecycle", §4.8).
	OnTerminate func(roomID string)
}

// New constructs an Actor for roomID at the given room version. The
// caller (the registry's StartFunc) is responsible for registering the
// returned actor and for calling Create or Join to seed it.
func New(roomID string, profile roomversion.Profile, deps Deps) (*Actor, error) {
	graph, err := eventgraph.New(nil)
	if err != nil {
		return nil, fmt.Errorf("roomactor: creating event graph: %w", err)
	}
	a := &Actor{
		roomID:      roomID,
		profile:     profile,
		cfg:         deps.Config,
		log:         logrus.WithFields(logrus.Fields{"component": "roomactor", "room_id": roomID}),
		graph:       graph,
		signing:     deps.Signing,
		fed:         deps.Fed,
		bus:         deps.Bus,
		clientState: "undefined",
		onTerminate: deps.OnTerminate,
		outbound:    map[string]*outboundQueue{},
	}
	a.graph.SetNotifier(a.onEventStored)
	return a, nil
}

// syncCall runs action on the actor's own goroutine and blocks the caller
// until it completes, the pattern phony recommends for callers outside
// the actor system (from == nil).
func (a *Actor) syncCall(action func()) {
	done := make(chan struct{})
	a.Act(nil, func() {
		action()
		close(done)
	})
	<-done
}

// GetRoomVersion returns the room's version profile.
func (a *Actor) GetRoomVersion() roomversion.Profile {
	var out roomversion.Profile
	a.syncCall(func() { out = a.profile })
	return out
}

// FindEvent returns the event for id, if known.
func (a *Actor) FindEvent(id string) (*eventpdu.Event, bool) {
	var e *eventpdu.Event
	var ok bool
	a.syncCall(func() { e, ok = a.graph.Get(id) })
	return e, ok
}

// GetEvent is FindEvent with an error return, for federation handlers
// that expect event_not_found rather than a bool.
func (a *Actor) GetEvent(id string) (*eventpdu.Event, error) {
	e, ok := a.FindEvent(id)
	if !ok {
		return nil, rerr.ErrEventNotFound(id)
	}
	return e, nil
}

// PartitionMissedEvents splits ids into known/unknown.
func (a *Actor) PartitionMissedEvents(ids []string) (known, unknown []string) {
	a.syncCall(func() { known, unknown = a.graph.PartitionKnown(ids) })
	return
}

// PartitionEventsWithStateMap splits ids into those whose event already
// has a materialised state_map and those that don't.
func (a *Actor) PartitionEventsWithStateMap(ids []string) (withSM, withoutSM []string) {
	a.syncCall(func() { withSM, withoutSM = a.graph.PartitionWithStateMap(ids) })
	return
}

// GetLatestEvents returns the current DAG leaf set.
func (a *Actor) GetLatestEvents() []string {
	var out []string
	a.syncCall(func() { out = a.graph.LatestEvents() })
	return out
}

// onEventStored is the event graph's notifier: spec §4.4 store_event step
// 3, "call the notifier (C7)". It publishes the general event-stored
// signal and runs the gateway-bridge projection that turns selected
// events into outbound federation traffic and local delivery.
func (a *Actor) onEventStored(e *eventpdu.Event) {
	a.publishEventStoredLocked(e)
	a.notifyLocked(e)
}

func (a *Actor) publishEventStoredLocked(e *eventpdu.Event) {
	if a.bus == nil {
		return
	}
	payload, err := signing.CanonicalJSON(map[string]interface{}{
		"room_id":  a.roomID,
		"event_id": e.ID,
		"type":     e.Type,
	})
	if err != nil {
		a.log.WithError(err).Warn("failed to encode event-stored notification")
		return
	}
	subject := a.cfg.ServerName + ".room_engine.event_stored"
	if err := a.bus.Publish(subject, payload); err != nil {
		a.log.WithError(err).Warn("failed to publish event-stored notification")
	}
}

// federationContext returns a context bounded by the configured
// federation timeout, for any blocking federation call the actor issues.
func (a *Actor) federationContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, a.cfg.FederationTimeout)
}
