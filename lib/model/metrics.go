// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "thali",
	Subsystem: "connections",
	Name:      "active",
	Help:      "Number of relayed peer connections currently tracked, per direction.",
}, []string{"direction"})
