// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAuthRejectionsIncrements(t *testing.T) {
	AuthRejections.Reset()
	AuthRejections.With(prometheus.Labels{"event_type": "m.room.member", "reason": "not_invited"}).Inc()
	got := testutil.ToFloat64(AuthRejections.With(prometheus.Labels{"event_type": "m.room.member", "reason": "not_invited"}))
	assert.Equal(t, float64(1), got)
}

func TestOutboundQueueDepthSet(t *testing.T) {
	OutboundQueueDepth.Reset()
	OutboundQueueDepth.With(prometheus.Labels{"room_id": "!room:example.org", "server": "remote.org"}).Set(3)
	got := testutil.ToFloat64(OutboundQueueDepth.With(prometheus.Labels{"room_id": "!room:example.org", "server": "remote.org"}))
	assert.Equal(t, float64(3), got)
}

func TestProcessEventDurationObserves(t *testing.T) {
	ProcessEventDuration.Reset()
	ProcessEventDuration.With(prometheus.Labels{"room_id": "!room:example.org"}).Observe(42)
	count := testutil.CollectAndCount(ProcessEventDuration)
	assert.Equal(t, 1, count)
}
