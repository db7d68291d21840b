// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package metrics registers the prometheus collectors the room actor and
// auth engine report against, following the namespace/subsystem/HistogramVec
// shape roomserver/internal/input uses for processRoomEventDuration.
package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(
		ProcessEventDuration,
		AuthRejections,
		StateResolutionDuration,
		OutboundQueueDepth,
	)
}

// ProcessEventDuration measures auth_and_store_external_events /
// resolve_auth_store_event latency per room, in milliseconds, mirroring
// dendrite's processroomevent_duration_millis bucket layout.
var ProcessEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "roomengine",
		Subsystem: "roomactor",
		Name:      "process_event_duration_millis",
		Help:      "How long it takes the room actor to authorise and store an event",
		Buckets: []float64{
			5, 10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 10000,
		},
	},
	[]string{"room_id"},
)

// AuthRejections counts events the auth engine denied, labelled by the
// rejected event's type and the rerr reason tag.
var AuthRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "roomengine",
		Subsystem: "auth",
		Name:      "rejections_total",
		Help:      "Count of events rejected by the auth engine",
	},
	[]string{"event_type", "reason"},
)

// StateResolutionDuration measures how long ResolveStateMaps takes,
// labelled by the number of conflicting branches.
var StateResolutionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "roomengine",
		Subsystem: "stateres",
		Name:      "resolve_duration_millis",
		Help:      "How long state resolution v2 takes to converge",
		Buckets: []float64{
			1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000,
		},
	},
	[]string{"branch_count"},
)

// OutboundQueueDepth tracks the pending-PDU depth of the per-server
// outbound txn queue (spec §4.6 send_txn), one gauge per target server.
var OutboundQueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "roomengine",
		Subsystem: "roomactor",
		Name:      "outbound_queue_depth",
		Help:      "Number of PDUs queued for a remote server awaiting send",
	},
	[]string{"room_id", "server"},
)
