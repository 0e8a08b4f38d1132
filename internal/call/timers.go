/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/media"
	"stash.kopano.io/kwm/kwmcall/internal/negotiator"
	"stash.kopano.io/kwm/kwmcall/internal/quality"
)

// startTickers starts the duration and stats tickers of a connected session.
func (m *Machine) startTickers(s *Session) {
	m.stopTickers()

	s.monitor = quality.NewMonitor()
	s.controller = quality.NewController(m.options.Profiles, m.options.QualityDwell, nil)

	ctx, cancel := context.WithCancel(m.ctx)
	m.tickerCancel = cancel
	generation := m.tickerGen

	durationInterval := m.options.DurationInterval
	statsInterval := m.options.StatsInterval
	go func() {
		duration := time.NewTicker(durationInterval)
		defer duration.Stop()
		stats := time.NewTicker(statsInterval)
		defer stats.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-duration.C:
				m.post(func() {
					m.durationTick(generation)
				})
			case <-stats.C:
				m.post(func() {
					m.statsTick(generation)
				})
			}
		}
	}()
}

// stopTickers stops the tickers. Ticks which are already queued are ignored
// from here on.
func (m *Machine) stopTickers() {
	if m.tickerCancel != nil {
		m.tickerCancel()
		m.tickerCancel = nil
	}
	m.tickerGen++
}

func (m *Machine) tickSession(generation uint64) *Session {
	if generation != m.tickerGen {
		return nil
	}
	s := m.session
	if s == nil || s.State != Connected {
		return nil
	}
	return s
}

func (m *Machine) durationTick(generation uint64) {
	s := m.tickSession(generation)
	if s == nil {
		return
	}
	s.Duration += m.options.DurationInterval
	m.publish()
}

func (m *Machine) statsTick(generation uint64) {
	s := m.tickSession(generation)
	if s == nil || s.neg == nil {
		return
	}
	logger := m.sessionLogger(s)

	report, err := s.neg.GetStats(m.ctx)
	if err != nil {
		logger.WithError(err).Debugln("failed to get transport stats")
		return
	}

	var fallback float64
	if estimator, ok := s.neg.(negotiator.BitrateEstimator); ok {
		fallback = estimator.EstimatedBitrate()
	}
	sample, ok := quality.Extract(report, fallback)
	if !ok {
		return
	}
	s.quality = sample

	class, changed := s.monitor.Observe(sample)
	if changed {
		m.metrics.qualityChanges.WithLabelValues(class.String()).Inc()
		logger.WithFields(logrus.Fields{
			"class": class,
			"loss":  sample.PacketLossPct,
			"rtt":   sample.RoundTripMs,
		}).Infoln("network quality changed")
	}

	if s.Kind == KindVideo {
		var track media.Track
		if !s.screenSharing {
			track = s.videoTrack()
		}
		applied, err := s.controller.Apply(m.ctx, class, track, s.neg)
		if err != nil {
			logger.WithError(err).Warnln("failed to apply quality profile")
		} else if applied {
			logger.WithField("profile", m.options.Profiles[class].Name).Infoln("quality profile applied")
		}
	}

	if m.options.OnQuality != nil {
		m.options.OnQuality(sample)
	}
	m.publish()
}
