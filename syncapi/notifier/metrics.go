// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	userStreamsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "notifier_user_streams",
			Help:      "Number of user streams held by the sync notifier",
		},
	)
	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "notifier_notifications_total",
			Help:      "Total number of user streams woken, by stream key",
		},
		[]string{"stream_key"},
	)
	rejectedAdvances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "notifier_rejected_advances_total",
			Help:      "Total number of notifications dropped because the position did not advance",
		},
		[]string{"stream_key"},
	)
)

var registerNotifierMetrics sync.Once

func init() {
	registerNotifierMetrics.Do(func() {
		prometheus.MustRegister(userStreamsGauge, notificationsSent, rejectedAdvances)
	})
}
