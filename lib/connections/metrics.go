// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDialAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "thali",
		Subsystem: "connections",
		Name:      "dial_attempts_total",
		Help:      "Total number of attempts to dial a peer.",
	})
	metricDialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thali",
		Subsystem: "connections",
		Name:      "dial_failures_total",
		Help:      "Total number of failed peer dial attempts, per error category.",
	}, []string{"category"})
	metricConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thali",
		Subsystem: "connections",
		Name:      "connects_total",
		Help:      "Total number of connect requests from the application, per result.",
	}, []string{"result"})
	metricBridges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thali",
		Subsystem: "connections",
		Name:      "bridges_total",
		Help:      "Total number of finished bridges, per direction and outcome.",
	}, []string{"direction", "outcome"})
)

const (
	outcomeDone         = "done"
	outcomeDisconnected = "disconnected"
	outcomeFailed       = "failed"
	outcomeClosed       = "closed"
)

func init() {
	// Make the series present even when zero.
	for cat := ErrorCategoryUnknown; cat <= ErrorCategoryHandshake; cat++ {
		metricDialFailures.WithLabelValues(cat.String())
	}
	for _, dir := range []string{"incoming", "outgoing"} {
		for _, outcome := range []string{outcomeDone, outcomeDisconnected, outcomeFailed, outcomeClosed} {
			metricBridges.WithLabelValues(dir, outcome)
		}
	}
}
