/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package call implements the call session state machine. All transitions of
// a Machine run on a single dispatch loop, local actions, inbound envelopes,
// transport events, timer ticks and the results of asynchronous setup steps
// are queued to it.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rogpeppe/fastuuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/quality"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

var guidGenerator = fastuuid.MustNewGenerator()

// Machine drives the call sessions of one local party, at most one at a
// time.
type Machine struct {
	options *Options
	logger  logrus.FieldLogger
	local   signaling.CallerInfo
	channel Signaler
	metrics *metrics

	queue   *dispatchQueue
	done    chan struct{}
	started sync.Once
	ctx     context.Context

	// Owned by the dispatch loop.
	session      *Session
	generation   uint64
	tickerGen    uint64
	tickerCancel context.CancelFunc
	resetTimer   *time.Timer
	autoInitiate *EntryParams
	autoAccept   bool
	lastReason   EndReason

	snapshotMutex deadlock.RWMutex
	snapshot      Snapshot
}

// New creates a Machine from options.
func New(options *Options) (*Machine, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	if options.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if options.Local.ID == "" {
		return nil, errors.New("local party id cannot be empty")
	}
	if options.Channel == nil {
		return nil, errors.New("channel cannot be nil")
	}
	if options.NewNegotiator == nil {
		return nil, errors.New("negotiator factory cannot be nil")
	}
	if options.Media == nil {
		return nil, errors.New("media source cannot be nil")
	}
	if options.Profiles == nil {
		options.Profiles = quality.DefaultProfiles
	}
	if options.GracePeriod <= 0 {
		options.GracePeriod = DefaultGracePeriod
	}
	if options.DurationInterval <= 0 {
		options.DurationInterval = DefaultDurationInterval
	}
	if options.StatsInterval <= 0 {
		options.StatsInterval = DefaultStatsInterval
	}

	m := &Machine{
		options: options,
		logger:  options.Logger.WithField("party", options.Local.ID),
		local:   options.Local,
		channel: options.Channel,
		metrics: newMetrics(options.Metrics),

		queue: newDispatchQueue(),
		done:  make(chan struct{}),
		ctx:   context.Background(),

		snapshot: Snapshot{
			LocalPartyID: options.Local.ID,
			State:        Idle,
		},
	}

	return m, nil
}

// Run processes the dispatch queue until ctx is done. An active call is ended
// and its resources released before Run returns. Run must only be called
// once.
func (m *Machine) Run(ctx context.Context) error {
	err := ErrStopped
	m.started.Do(func() {
		err = m.run(ctx)
	})
	return err
}

func (m *Machine) run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.done)

	m.logger.Debugln("call machine started")
	for {
		select {
		case <-ctx.Done():
			m.teardown()
			m.logger.Debugln("call machine stopped")
			return ctx.Err()
		case <-m.queue.wake:
			for {
				f := m.queue.pop()
				if f == nil {
					break
				}
				f()
			}
		}
	}
}

// do runs f on the dispatch loop and waits for its result.
func (m *Machine) do(ctx context.Context, f func() error) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}

	errCh := make(chan error, 1)
	m.queue.push(func() { errCh <- f() })
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// post queues f without waiting. It never blocks the caller and keeps the
// order of events, transport callbacks and timers use it.
func (m *Machine) post(f func()) {
	select {
	case <-m.done:
		return
	default:
	}
	m.queue.push(f)
}

// Snapshot returns a copy of the current session state.
func (m *Machine) Snapshot() Snapshot {
	m.snapshotMutex.RLock()
	defer m.snapshotMutex.RUnlock()
	return m.snapshot
}

// publish must be called from the dispatch loop after every change.
func (m *Machine) publish() {
	var snapshot Snapshot
	if m.session != nil {
		snapshot = m.session.snapshot(m.options.Profiles)
	} else {
		snapshot = Snapshot{
			LocalPartyID: m.local.ID,
			State:        Idle,
			EndReason:    m.lastReason,
		}
	}

	m.snapshotMutex.Lock()
	m.snapshot = snapshot
	m.snapshotMutex.Unlock()

	if m.options.OnUpdate != nil {
		m.options.OnUpdate(snapshot)
	}
}

// Call starts an outgoing call to target. An empty callID generates one.
func (m *Machine) Call(ctx context.Context, target signaling.PartyID, kind Kind, callID string) error {
	return m.do(ctx, func() error {
		return m.startCall(target, kind, callID)
	})
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	return m.do(ctx, m.accept)
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject(ctx context.Context) error {
	return m.do(ctx, m.reject)
}

// End hangs up. It is idempotent, without an active call it does nothing.
func (m *Machine) End(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.end(ReasonLocalHangup, true)
		return nil
	})
}

// HandleEnvelope queues an inbound signaling envelope.
func (m *Machine) HandleEnvelope(env *signaling.Envelope) {
	m.post(func() {
		m.dispatch(env)
	})
}

// ChannelOpened tells the Machine that the signaling channel is open, which
// fires a pending auto accept or auto initiate.
func (m *Machine) ChannelOpened() {
	m.post(m.maybeResume)
}

// SetAudioEnabled mutes or unmutes the local audio.
func (m *Machine) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return m.do(ctx, func() error {
		s := m.session
		if s == nil || !s.State.Active() || s.stream == nil {
			return ErrNoSession
		}
		if track := s.stream.AudioTrack(); track != nil {
			track.SetEnabled(enabled)
		}
		s.audioEnabled = enabled
		m.publish()
		return nil
	})
}

// SetVideoEnabled turns the local camera video on or off.
func (m *Machine) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return m.do(ctx, func() error {
		s := m.session
		if s == nil || !s.State.Active() || s.stream == nil {
			return ErrNoSession
		}
		track := s.stream.VideoTrack()
		if track == nil {
			return ErrNotVideo
		}
		track.SetEnabled(enabled)
		s.videoEnabled = enabled
		m.publish()
		return nil
	})
}

func (m *Machine) sessionLogger(s *Session) logrus.FieldLogger {
	return m.logger.WithFields(logrus.Fields{
		"call":   s.ID,
		"remote": s.RemotePartyID,
	})
}

func (m *Machine) newSession(direction Direction, remote signaling.PartyID, kind Kind, callID string) *Session {
	if callID == "" {
		callID = guidGenerator.Hex128()
	}
	m.generation++
	m.lastReason = ReasonNone
	m.stopResetTimer()

	s := &Session{
		ID: callID,

		LocalPartyID:  m.local.ID,
		RemotePartyID: remote,

		State:     Idle,
		Direction: direction,
		Kind:      kind,
		StartedAt: time.Now(),

		generation: m.generation,

		audioEnabled: true,
		videoEnabled: kind == KindVideo,
	}
	m.session = s
	m.metrics.started.WithLabelValues(string(direction)).Inc()
	return s
}

// current returns the session when it is still the one of generation.
func (m *Machine) current(generation uint64) *Session {
	if m.session == nil || m.session.generation != generation {
		return nil
	}
	return m.session
}

func (m *Machine) transition(s *Session, to State) {
	from := s.State
	if from == Ended && to != Idle {
		// Ended is terminal.
		m.sessionLogger(s).WithField("to", to).Errorln("refusing transition out of ended")
		return
	}
	s.State = to
	m.sessionLogger(s).WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Infoln("call state changed")
}

func (m *Machine) send(s *Session, env *signaling.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := m.channel.Send(ctx, env); err != nil {
		m.metrics.sendsDropped.Inc()
		logger := m.logger.WithField("type", env.Type)
		if s != nil {
			logger = m.sessionLogger(s).WithField("type", env.Type)
		}
		if errors.Is(err, signaling.ErrNotOpen) {
			logger.Warnln("signaling channel not open, envelope dropped")
		} else {
			logger.WithError(err).Warnln("failed to send signaling envelope, dropped")
		}
	}
}

func (m *Machine) teardown() {
	if s := m.session; s != nil && s.State.Active() {
		m.end(ReasonShutdown, true)
	}
	m.stopTickers()
	m.stopResetTimer()
	if s := m.session; s != nil {
		m.release(s)
	}
}

func (m *Machine) stopResetTimer() {
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
}

func (m *Machine) scheduleReset(s *Session) {
	generation := s.generation
	m.stopResetTimer()
	m.resetTimer = time.AfterFunc(m.options.GracePeriod, func() {
		m.post(func() {
			s := m.current(generation)
			if s == nil || s.State != Ended {
				return
			}
			m.transition(s, Idle)
			m.lastReason = s.EndReason
			m.session = nil
			m.resetTimer = nil
			m.publish()
		})
	})
}
