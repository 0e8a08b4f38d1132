/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	started        *prometheus.CounterVec
	ended          *prometheus.CounterVec
	qualityChanges *prometheus.CounterVec
	sendsDropped   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_started_total",
			Help: "Number of started calls by direction",
		}, []string{"direction"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_ended_total",
			Help: "Number of ended calls by reason",
		}, []string{"reason"}),
		qualityChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "call_quality_changes_total",
			Help: "Number of network quality class changes by new class",
		}, []string{"class"}),
		sendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "call_signaling_sends_dropped_total",
			Help: "Number of signaling envelopes dropped because sending failed",
		}),
	}
	if reg != nil {
		m.started = register(reg, m.started).(*prometheus.CounterVec)
		m.ended = register(reg, m.ended).(*prometheus.CounterVec)
		m.qualityChanges = register(reg, m.qualityChanges).(*prometheus.CounterVec)
		m.sendsDropped = register(reg, m.sendsDropped).(prometheus.Counter)
	}
	return m
}

// register registers c, reusing an already registered equal collector.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
