// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	announcementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thali",
		Subsystem: "discover",
		Name:      "announcements_total",
		Help:      "Number of discovery announcements, by outcome.",
	}, []string{"result"})
	discoveredPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "thali",
		Subsystem: "discover",
		Name:      "peers",
		Help:      "Number of peers in the discovery cache after the last announcement.",
	})
)
