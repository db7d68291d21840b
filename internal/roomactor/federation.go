// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomactor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ike20013/roomengine/internal/auth"
	"github.com/ike20013/roomengine/internal/eventpdu"
	"github.com/ike20013/roomengine/internal/matrixid"
	"github.com/ike20013/roomengine/internal/rerr"
	"github.com/ike20013/roomengine/internal/roomversion"
	"github.com/opentracing/opentracing-go"
	opentracinglog "github.com/opentracing/opentracing-go/log"
)

// isServerJoinedLocked reports whether any member whose user id belongs
// to origin currently holds membership "join" in some current leaf's
// state_map, per spec §4.6's is_server_joined guard on
// get_missing_events/get_state_ids and §8 property 8 ("some current
// leaf"). With concurrent leaves a server can be joined per one leaf's
// view of the room and not another's, so all materialised leaves are
// scanned rather than just the first found.
func (a *Actor) isServerJoinedLocked(origin string) bool {
	for _, id := range a.graph.LatestEvents() {
		leaf, ok := a.graph.Get(id)
		if !ok || leaf.StateMap == nil {
			continue
		}
		for key, memberID := range leaf.StateMap {
			if key.Type != "m.room.member" {
				continue
			}
			domain, err := matrixid.DomainFromID(key.StateKey)
			if err != nil || domain != origin {
				continue
			}
			member, ok := a.graph.Get(memberID)
			if !ok {
				continue
			}
			var content struct {
				Membership string `json:"membership"`
			}
			if err := member.Content(&content); err == nil && content.Membership == "join" {
				return true
			}
		}
	}
	return false
}

// GetMissingEvents performs the backward BFS of spec §4.6: starting from
// latest across prev_events, skipping anything reachable via earliest,
// cutting at depth >= min_depth, clamped to at most 20 results.
func (a *Actor) GetMissingEvents(origin string, earliest, latest []string, limit int, minDepth int64) []*eventpdu.Event {
	if limit < 0 {
		limit = 0
	}
	if limit > 20 {
		limit = 20
	}
	var out []*eventpdu.Event
	a.syncCall(func() {
		if !a.isServerJoinedLocked(origin) {
			return
		}
		skip := make(map[string]struct{}, len(earliest))
		for _, id := range earliest {
			skip[id] = struct{}{}
		}
		visited := map[string]struct{}{}
		queue := append([]string(nil), latest...)
		for len(queue) > 0 && len(out) < limit {
			id := queue[0]
			queue = queue[1:]
			if _, done := visited[id]; done {
				continue
			}
			visited[id] = struct{}{}
			if _, skipped := skip[id]; skipped {
				continue
			}
			e, ok := a.graph.Get(id)
			if !ok {
				continue
			}
			if e.Depth >= minDepth {
				out = append(out, e)
				if len(out) >= limit {
					break
				}
			}
			queue = append(queue, e.PrevEvents...)
		}
	})
	return out
}

// GetStateIDs returns (auth_chain, pdus) for event_id, guarded by
// is_server_joined, per spec §4.6: pdus are the events named by
// event_id's state_map, and auth_chain is the DFS closure over
// auth_events starting from those pdus.
func (a *Actor) GetStateIDs(origin, eventID string) (authChain, pdus []*eventpdu.Event, err error) {
	a.syncCall(func() {
		if !a.isServerJoinedLocked(origin) {
			err = rerr.ErrNotAllowed("server %q is not joined to the room", origin)
			return
		}
		e, ok := a.graph.Get(eventID)
		if !ok || e.StateMap == nil {
			err = rerr.ErrEventNotFound(eventID)
			return
		}
		for _, id := range e.StateMap {
			if se, ok := a.graph.Get(id); ok {
				pdus = append(pdus, se)
			}
		}
		seen := map[string]struct{}{}
		var walk func(id string)
		walk = func(id string) {
			if _, done := seen[id]; done {
				return
			}
			seen[id] = struct{}{}
			ae, ok := a.graph.Get(id)
			if !ok {
				return
			}
			authChain = append(authChain, ae)
			for _, parent := range ae.AuthEvents {
				walk(parent)
			}
		}
		for _, p := range pdus {
			for _, id := range p.AuthEvents {
				walk(id)
			}
		}
	})
	return authChain, pdus, err
}

// MakeJoinResult is what MakeJoin returns on success.
type MakeJoinResult struct {
	Event       *eventpdu.PDU
	RoomVersion roomversion.Profile
}

// MakeJoin synthesises a join PDU for userID, per spec §4.6: only
// accepted if params names this room's own version via a "ver" entry and
// that version still meets the operator's configured floor
// (config.Matrix.MinRoomVersion).
func (a *Actor) MakeJoin(userID string, params map[string][]string) (*MakeJoinResult, error) {
	var out *MakeJoinResult
	var retErr error
	a.syncCall(func() {
		vers := params["ver"]
		found := false
		for _, v := range vers {
			if v == string(a.profile.ID) {
				found = true
				break
			}
		}
		if !found {
			retErr = rerr.ErrIncompatibleVersion(string(a.profile.ID))
			return
		}
		if ok, err := roomversion.MeetsMinimum(a.profile.ID, a.cfg.MinRoomVersion); err != nil || !ok {
			retErr = rerr.ErrIncompatibleVersion(string(a.profile.ID))
			return
		}
		content, _ := json.Marshal(map[string]string{"membership": "join"})
		pdu := eventpdu.PDU{
			Type:     "m.room.member",
			Sender:   userID,
			StateKey: &userID,
			Content:  content,
		}
		resolved, err := a.fillEventLocked(&pdu)
		if err != nil {
			retErr = err
			return
		}
		snapshot := auth.Snapshot{}
		for k, id := range resolved {
			if se, ok := a.graph.Get(id); ok {
				snapshot[k] = se
			}
		}
		if err := auth.CheckEventAuth(&eventpdu.Event{
			Type: pdu.Type, Sender: pdu.Sender, StateKey: pdu.StateKey,
			RoomID: pdu.RoomID, AuthEvents: pdu.AuthEvents, JSON: mustMarshal(pdu),
			RoomVersion: a.profile,
		}, snapshot, a.authOpts); err != nil {
			retErr = rerr.ErrNotInvited()
			return
		}
		out = &MakeJoinResult{Event: &pdu, RoomVersion: a.profile}
	})
	return out, retErr
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Join performs the outbound make_join/send_join handshake against
// matrixServer, per spec §4.6/§6. The 1-second warm-up before make_join is
// deliberate (directory propagation), per spec §5.
func (a *Actor) Join(ctx context.Context, matrixServer, roomID, sender, userID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "roomactor.Join")
	span.SetTag("room_id", roomID)
	span.SetTag("server", matrixServer)
	defer span.Finish()

	time.Sleep(a.cfg.JoinWarmup)

	fctx, cancel := a.federationContext(ctx)
	defer cancel()
	mjSpan, fctx := opentracing.StartSpanFromContext(fctx, "roomactor.make_join")
	mj, err := a.fed.MakeJoin(fctx, matrixServer, roomID, userID, roomversion.Supported())
	mjSpan.Finish()
	if err != nil {
		span.LogFields(opentracinglog.Error(err))
		return err
	}
	profile, err := roomversion.FromString(mj.RoomVersion)
	if err != nil {
		return rerr.ErrIncompatibleVersion(mj.RoomVersion)
	}
	if ok, err := roomversion.MeetsMinimum(profile.ID, a.cfg.MinRoomVersion); err != nil || !ok {
		return rerr.ErrIncompatibleVersion(mj.RoomVersion)
	}

	var retErr error
	a.syncCall(func() { a.profile = profile })

	signed, err := a.signing.SignEvent(fctx, a.cfg.ServerName, mj.Event)
	if err != nil {
		return err
	}
	e, err := eventpdu.Decode(signed, profile, a.signing)
	if err != nil {
		return err
	}

	sjctx, sjcancel := a.federationContext(ctx)
	defer sjcancel()
	sjSpan, sjctx := opentracing.StartSpanFromContext(sjctx, "roomactor.send_join")
	sj, err := a.fed.SendJoin(sjctx, matrixServer, roomID, e.ID, signed)
	sjSpan.Finish()
	if err != nil {
		span.LogFields(opentracinglog.Error(err))
		return err
	}

	events := make([]*eventpdu.Event, 0, len(sj.State)+len(sj.AuthChain)+1)
	for _, raw := range append(sj.AuthChain, sj.State...) {
		ev, err := eventpdu.Decode(raw, profile, a.signing)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	if retErr = a.AuthAndStoreExternalEvents(events); retErr != nil {
		return retErr
	}
	if retErr = a.ResolveAuthStoreEvent(e); retErr != nil {
		return retErr
	}

	go a.bootPrefetch(matrixServer, roomID)
	return nil
}

// bootPrefetch asynchronously requests up to 10 predecessor events with
// an empty earliest set, the boot-sequence prefetch named in spec §4.6.
func (a *Actor) bootPrefetch(matrixServer, roomID string) {
	latest := a.GetLatestEvents()
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.GetMissingEventsTimeout)
	defer cancel()
	resp, err := a.fed.GetMissingEvents(ctx, matrixServer, roomID, nil, latest, 10)
	if err != nil {
		a.log.WithError(err).Debug("boot prefetch failed")
		return
	}
	var events []*eventpdu.Event
	for _, raw := range resp.Events {
		e, err := eventpdu.Decode(raw, a.profile, a.signing)
		if err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := a.AuthAndStoreExternalEvents(events); err != nil {
		a.log.WithError(err).Debug("boot prefetch auth failed")
	}
}
