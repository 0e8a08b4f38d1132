/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// dispatch handles an inbound envelope on the dispatch loop.
func (m *Machine) dispatch(env *signaling.Envelope) {
	logger := m.logger.WithFields(logrus.Fields{
		"type": env.Type,
		"from": env.FromUserID,
	})

	if signaling.IsEcho(env, m.local.ID) {
		logger.Debugln("ignoring echo")
		return
	}

	s := m.session
	if env.Type == signaling.TypeCallOffer {
		if s != nil {
			logger.WithField("state", s.State).Infoln("ignoring call-offer while not idle")
			return
		}
		if err := m.handleOffer(env); err != nil {
			logger.WithError(err).Warnln("failed to handle call-offer")
		}
		return
	}

	if s == nil || s.State == Ended {
		logger.Debugln("ignoring envelope without active call")
		return
	}
	if env.FromUserID != "" && env.FromUserID != s.RemotePartyID {
		logger.Debugln("ignoring envelope from foreign party")
		return
	}
	if env.CallID != "" && s.ID != "" && env.CallID != s.ID {
		logger.WithField("call", env.CallID).Debugln("ignoring envelope for other call")
		return
	}

	switch env.Type {
	case signaling.TypeCallAnswer:
		m.handleAnswer(s, env)

	case signaling.TypeCallAccepted:
		m.sessionLogger(s).Infoln("call accepted by remote")

	case signaling.TypeICECandidate:
		m.remoteCandidate(s, env.Candidate)

	case signaling.TypeCallEnd, signaling.TypeCallCancelled:
		m.end(ReasonRemoteHangup, false)

	case signaling.TypeCallRejected:
		if s.State == Calling {
			m.end(ReasonRejected, false)
		}

	default:
		logger.Debugln("ignoring envelope")
	}
}

func (m *Machine) handleAnswer(s *Session, env *signaling.Envelope) {
	if s.State != Calling || s.neg == nil {
		m.sessionLogger(s).WithField("state", s.State).Debugln("ignoring unexpected call-answer")
		return
	}

	s.answerExchanged = true
	if err := s.neg.SetRemoteDescription(m.ctx, env.Answer); err != nil {
		m.fail(s, ReasonNegotiationFailed, err)
		return
	}

	m.connected(s)
	m.flushRemoteCandidates(s)
	m.publish()
}

// end moves the current session to Ended. It is a no-op without an active
// session. With notify the peer gets a single call-end.
func (m *Machine) end(reason EndReason, notify bool) {
	s := m.session
	if s == nil || s.State == Ended {
		return
	}

	// Timers go first, no tick may see a released session.
	m.stopTickers()

	if notify && !s.endCallSent {
		s.endCallSent = true
		m.send(s, signaling.NewControl(signaling.TypeCallEnd, s.RemotePartyID, s.ID))
	}

	s.EndedAt = time.Now()
	s.EndReason = reason
	s.busy = false
	m.transition(s, Ended)
	m.release(s)
	m.metrics.ended.WithLabelValues(string(reason)).Inc()
	m.sessionLogger(s).WithFields(logrus.Fields{
		"reason":   reason,
		"duration": s.Duration,
	}).Infoln("call ended")

	m.publish()
	m.scheduleReset(s)
}

// release stops local media and closes the transport of s.
func (m *Machine) release(s *Session) {
	logger := m.sessionLogger(s)
	if s.screen != nil {
		if err := s.screen.Stop(); err != nil {
			logger.WithError(err).Debugln("failed to stop screen stream")
		}
		s.screen = nil
		s.screenSharing = false
	}
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			logger.WithError(err).Debugln("failed to stop local stream")
		}
		s.stream = nil
	}
	if s.neg != nil {
		if err := s.neg.Close(); err != nil {
			logger.WithError(err).Debugln("failed to close negotiator")
		}
		s.neg = nil
	}
	s.localCandidates = nil
	s.remoteCandidates = nil
}
