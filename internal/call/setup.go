/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"encoding/json"
	"fmt"
	"time"

	"stash.kopano.io/kwm/kwmcall/internal/media"
	"stash.kopano.io/kwm/kwmcall/internal/negotiator"
	"stash.kopano.io/kwm/kwmcall/internal/quality"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

func (m *Machine) startCall(target signaling.PartyID, kind Kind, callID string) error {
	if s := m.session; s != nil {
		if s.busy {
			return ErrBusy
		}
		return ErrNotIdle
	}
	if target == "" || target == m.local.ID {
		return ErrInvalidTarget
	}
	if kind == "" {
		kind = KindVideo
	}

	s := m.newSession(Outgoing, target, kind, callID)
	s.busy = true
	m.transition(s, Calling)
	m.publish()

	m.acquire(s, m.offer)
	return nil
}

// offer continues an outgoing call once its local media is available.
func (m *Machine) offer(s *Session) {
	err := m.setupNegotiator(s)
	if err == nil {
		err = m.addTracks(s)
	}
	if err != nil {
		m.fail(s, ReasonNegotiationFailed, err)
		return
	}

	ctx := m.ctx
	neg := s.neg
	generation := s.generation
	go func() {
		offer, err := neg.CreateOffer(ctx)
		if err == nil {
			err = neg.SetLocalDescription(ctx, offer)
		}
		m.post(func() {
			s := m.current(generation)
			if s == nil || s.State != Calling {
				return
			}
			if err != nil {
				m.fail(s, ReasonNegotiationFailed, fmt.Errorf("failed to create offer: %w", err))
				return
			}

			local := m.local
			m.send(s, signaling.NewCallOffer(s.RemotePartyID, s.ID, string(s.Kind), offer, &local))
			s.busy = false
			s.signalingReady = true
			m.flushLocalCandidates(s)
			m.publish()
		})
	}()
}

// handleOffer creates the Ringing session for an inbound call-offer.
func (m *Machine) handleOffer(env *signaling.Envelope) error {
	if env.FromUserID == "" {
		m.logger.Warnln("ignoring call-offer without sender")
		return ErrInvalidTarget
	}
	if env.CallID == "" {
		m.logger.Warnln("ignoring call-offer without call id")
		return signaling.ErrMissingCallID
	}

	s := m.newSession(Incoming, env.FromUserID, kindFromCallType(env.CallType), env.CallID)
	s.Remote = env.CallerInfo
	if s.Remote == nil {
		s.Remote = &signaling.CallerInfo{ID: env.FromUserID}
	}
	s.offer = env.Offer
	m.transition(s, Ringing)

	err := m.setupNegotiator(s)
	if err == nil {
		err = s.neg.SetRemoteDescription(m.ctx, s.offer)
	}
	if err != nil {
		m.fail(s, ReasonNegotiationFailed, err)
		return err
	}

	m.publish()
	return nil
}

func (m *Machine) accept() error {
	s := m.session
	if s == nil {
		return ErrNoSession
	}
	if s.State != Ringing {
		return ErrInvalidState
	}
	if s.busy {
		return ErrBusy
	}

	s.busy = true
	m.acquire(s, m.answer)
	return nil
}

// answer continues an accepted incoming call once its local media is
// available.
func (m *Machine) answer(s *Session) {
	if err := m.addTracks(s); err != nil {
		m.fail(s, ReasonNegotiationFailed, err)
		return
	}

	ctx := m.ctx
	neg := s.neg
	generation := s.generation
	go func() {
		answer, err := neg.CreateAnswer(ctx)
		if err == nil {
			err = neg.SetLocalDescription(ctx, answer)
		}
		m.post(func() {
			s := m.current(generation)
			if s == nil || s.State != Ringing {
				return
			}
			if err != nil {
				m.fail(s, ReasonNegotiationFailed, fmt.Errorf("failed to create answer: %w", err))
				return
			}

			m.send(s, signaling.NewCallAnswer(s.RemotePartyID, s.ID, answer))
			s.answerExchanged = true
			s.signalingReady = true
			s.busy = false
			m.connected(s)
			m.flushLocalCandidates(s)
			m.publish()
		})
	}()
}

func (m *Machine) reject() error {
	s := m.session
	if s == nil {
		return ErrNoSession
	}
	if s.State != Ringing {
		return ErrInvalidState
	}

	m.send(s, signaling.NewControl(signaling.TypeCallRejected, s.RemotePartyID, s.ID))
	m.stopTickers()
	m.release(s)
	m.metrics.ended.WithLabelValues(string(ReasonLocalRejected)).Inc()
	m.transition(s, Idle)
	m.lastReason = ReasonLocalRejected
	m.session = nil
	m.publish()
	return nil
}

// connected moves s to Connected and starts its timers.
func (m *Machine) connected(s *Session) {
	s.ConnectedAt = time.Now()
	m.transition(s, Connected)
	m.startTickers(s)
}

// acquire requests local media off the dispatch loop and continues with next
// on the loop. A result for a session which is gone or ended is released.
func (m *Machine) acquire(s *Session, next func(*Session)) {
	ctx := m.ctx
	generation := s.generation
	constraints := m.constraints(s.Kind)

	go func() {
		stream, err := m.options.Media.GetUserMedia(ctx, constraints)
		m.post(func() {
			s := m.current(generation)
			if s == nil || s.State == Ended {
				if stream != nil {
					stream.Stop()
					m.logger.WithField("call_generation", generation).Debugln("released media of finished call")
				}
				return
			}
			if err != nil {
				m.mediaFailed(s, err)
				return
			}
			s.stream = stream
			next(s)
		})
	}()
}

func (m *Machine) constraints(kind Kind) media.Constraints {
	constraints := media.Constraints{
		Audio: true,
	}
	if kind == KindVideo {
		constraints = m.options.Profiles[quality.Excellent].Constraints()
		constraints.Audio = true
	}
	return constraints
}

// mediaFailed returns to Idle without signaling.
func (m *Machine) mediaFailed(s *Session, err error) {
	m.sessionLogger(s).WithError(err).Errorln("failed to acquire local media")
	m.stopTickers()
	m.release(s)
	m.metrics.ended.WithLabelValues(string(ReasonMediaFailed)).Inc()
	m.transition(s, Idle)
	m.lastReason = ReasonMediaFailed
	m.session = nil
	m.publish()
}

// fail ends s after a transport failure. The peer is only told when an
// answer has already been exchanged.
func (m *Machine) fail(s *Session, reason EndReason, err error) {
	m.sessionLogger(s).WithError(err).Errorln("call setup failed")
	m.end(reason, s.answerExchanged)
}

func (m *Machine) setupNegotiator(s *Session) error {
	neg, err := m.options.NewNegotiator(m.sessionLogger(s))
	if err != nil {
		return fmt.Errorf("failed to create negotiator: %w", err)
	}

	generation := s.generation
	neg.OnICECandidate(func(candidate json.RawMessage) {
		m.post(func() {
			m.localCandidate(generation, candidate)
		})
	})
	neg.OnConnectionStateChange(func(state negotiator.ConnectionState) {
		m.post(func() {
			m.connectionStateChanged(generation, state)
		})
	})
	if m.options.OnRemoteTrack != nil {
		neg.OnRemoteTrack(func(track negotiator.RemoteTrack) {
			m.post(func() {
				if m.current(generation) == nil {
					return
				}
				m.options.OnRemoteTrack(track)
			})
		})
	}

	s.neg = neg
	return nil
}

func (m *Machine) addTracks(s *Session) error {
	for _, track := range s.stream.Tracks() {
		if err := s.neg.AddLocalTrack(track); err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

func (m *Machine) localCandidate(generation uint64, candidate json.RawMessage) {
	s := m.current(generation)
	if s == nil || s.State == Ended {
		return
	}
	if !s.signalingReady {
		s.localCandidates = append(s.localCandidates, candidate)
		return
	}
	m.send(s, signaling.NewICECandidate(s.RemotePartyID, s.ID, candidate))
}

func (m *Machine) flushLocalCandidates(s *Session) {
	candidates := s.localCandidates
	s.localCandidates = nil
	for _, candidate := range candidates {
		m.send(s, signaling.NewICECandidate(s.RemotePartyID, s.ID, candidate))
	}
}

func (m *Machine) remoteCandidate(s *Session, candidate json.RawMessage) {
	if s.neg == nil || !s.neg.HasRemoteDescription() {
		if m.options.BufferEarlyCandidates {
			s.remoteCandidates = append(s.remoteCandidates, candidate)
			return
		}
		m.sessionLogger(s).Debugln("dropping ice candidate received before remote description")
		return
	}
	if err := s.neg.AddRemoteICECandidate(candidate); err != nil {
		m.sessionLogger(s).WithError(err).Warnln("failed to add remote ice candidate")
	}
}

func (m *Machine) flushRemoteCandidates(s *Session) {
	candidates := s.remoteCandidates
	s.remoteCandidates = nil
	for _, candidate := range candidates {
		m.remoteCandidate(s, candidate)
	}
}

func (m *Machine) connectionStateChanged(generation uint64, state negotiator.ConnectionState) {
	s := m.current(generation)
	if s == nil {
		return
	}
	m.sessionLogger(s).WithField("transport", state).Debugln("transport state changed")

	switch state {
	case negotiator.StateDisconnected, negotiator.StateFailed:
		if s.State == Connected {
			m.end(ReasonTransportFailed, true)
		}
	}
}
