/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	dropOffline   = "offline"
	dropQueueFull = "queue_full"
	dropInvalid   = "invalid"
	dropUnknown   = "unknown_type"
)

type metrics struct {
	connections prometheus.Gauge
	routed      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of connected parties",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_routed_total",
			Help: "Number of envelopes delivered to their target by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_dropped_total",
			Help: "Number of envelopes dropped by reason",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.routed, m.dropped)
	}
	return m
}
