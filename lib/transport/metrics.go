// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "thali",
	Subsystem: "transport",
	Name:      "handshakes_total",
	Help:      "Number of hello exchanges, by transport kind and result.",
}, []string{"kind", "result"})
