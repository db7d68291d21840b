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

	"github.com/google/uuid"
	"github.com/ike20013/roomengine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// outboundQueue is the per-destination-server send_txn state named in
// spec §4.6: a single in-flight transaction plus an ordered backlog.
// Pending PDUs accumulate in queued while inFlight is true; when the
// in-flight response arrives the queue drains as a fresh txn_id, or (on
// failure) is resent after the configured resend interval using the same
// txn_id as the failed attempt, keeping the remote side's de-duplication
// idempotent.
type outboundQueue struct {
	inFlight bool
	queued   []json.RawMessage
}

// QueueOutbound appends event JSON to server's backlog and starts a send
// if nothing is currently in flight, per spec §4.6's send_txn.
func (a *Actor) QueueOutbound(server string, eventJSON json.RawMessage) {
	a.Act(nil, func() {
		q, ok := a.outbound[server]
		if !ok {
			q = &outboundQueue{}
			a.outbound[server] = q
		}
		q.queued = append(q.queued, eventJSON)
		metrics.OutboundQueueDepth.With(prometheus.Labels{"room_id": a.roomID, "server": server}).Set(float64(len(q.queued)))
		if !q.inFlight {
			a.startSendLocked(server, q, uuid.NewString())
		}
	})
}

// startSendLocked drains q's backlog as a single transaction under txnID.
// Callers pass a fresh id for a new batch and the failed attempt's id when
// retrying, so that only a genuine resend reuses a txn_id.
func (a *Actor) startSendLocked(server string, q *outboundQueue, txnID string) {
	if len(q.queued) == 0 || a.fed == nil {
		return
	}
	batch := q.queued
	q.queued = nil
	q.inFlight = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FederationTimeout)
		defer cancel()
		err := a.fed.SendTransaction(ctx, server, txnID, time.Now().UnixMilli(), batch)
		a.Act(nil, func() { a.onSendCompleteLocked(server, batch, txnID, err) })
	}()
}

func (a *Actor) onSendCompleteLocked(server string, batch []json.RawMessage, txnID string, sendErr error) {
	q, ok := a.outbound[server]
	if !ok {
		return
	}
	if sendErr == nil {
		q.inFlight = false
		metrics.OutboundQueueDepth.With(prometheus.Labels{"room_id": a.roomID, "server": server}).Set(float64(len(q.queued)))
		a.startSendLocked(server, q, uuid.NewString())
		return
	}
	a.log.WithError(sendErr).WithField("server", server).Debug("outbound transaction failed, scheduling resend")
	time.AfterFunc(a.cfg.ResendInterval, func() {
		a.Act(nil, func() {
			// Resend the same txn_id with the same batch. q stays in
			// flight until then, so anything queued in the meantime waits
			// behind it, preserving per-server delivery order.
			pending := q.queued
			q.queued = batch
			a.startSendLocked(server, q, txnID)
			q.queued = pending
		})
	})
}
