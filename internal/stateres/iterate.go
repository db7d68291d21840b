// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stateres

import (
	"github.com/ike20013/roomengine/internal/auth"
	"github.com/ike20013/roomengine/internal/eventpdu"
)

// snapshotFromStateMap materialises an auth.Snapshot from a StateMap by
// resolving each id through data.Events, for feeding CheckEventAuth/Allowed
// during the iterative-auth passes.
func snapshotFromStateMap(sm eventpdu.StateMap, data Data) auth.Snapshot {
	snap := make(auth.Snapshot, len(sm))
	for k, id := range sm {
		if e, ok := data.Events.Get(id); ok {
			snap[k] = e
		}
	}
	return snap
}

// iterativeAuth runs spec §4.5 step 6/8: for each event in order, check it
// against the resolved map built so far and, if allowed, apply it (an
// event with a state_key overwrites that key, so when several events in
// the order share a key the last one allowed wins). An event that fails auth is simply dropped — not
// an error, matching spec's "failures drop the event, they don't abort".
func iterativeAuth(resolved eventpdu.StateMap, ordered []*eventpdu.Event, data Data) eventpdu.StateMap {
	out := resolved.Clone()
	for _, e := range ordered {
		snap := snapshotFromStateMap(out, data)
		if !auth.Allowed(e, snap, data.AuthOptions) {
			continue
		}
		if e.IsState() {
			out[e.StateKeyTuple()] = e.ID
		}
	}
	return out
}
