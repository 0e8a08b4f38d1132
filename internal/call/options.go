/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/media"
	"stash.kopano.io/kwm/kwmcall/internal/negotiator"
	"stash.kopano.io/kwm/kwmcall/internal/pending"
	"stash.kopano.io/kwm/kwmcall/internal/quality"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// Default timings.
const (
	DefaultGracePeriod      = 2 * time.Second
	DefaultDurationInterval = 1 * time.Second
	DefaultStatsInterval    = 2 * time.Second

	sendTimeout = 5 * time.Second
)

// Signaler sends envelopes to the relay. Sends while not open fail and the
// envelope is dropped.
type Signaler interface {
	Send(ctx context.Context, env *signaling.Envelope) error
	IsOpen() bool
}

// NegotiatorFactory creates the transport for a new session.
type NegotiatorFactory func(logger logrus.FieldLogger) (negotiator.Negotiator, error)

// Options define the dependencies and settings of a Machine.
type Options struct {
	Logger logrus.FieldLogger

	// Local describes the local party, its ID is mandatory.
	Local signaling.CallerInfo

	Channel       Signaler
	NewNegotiator NegotiatorFactory
	Media         media.Source
	Pending       pending.Repository

	Metrics  prometheus.Registerer
	Profiles quality.Profiles

	GracePeriod      time.Duration
	DurationInterval time.Duration
	StatsInterval    time.Duration
	QualityDwell     time.Duration

	// BufferEarlyCandidates keeps remote ICE candidates which arrive before
	// the remote description and adds them once it is set. They are dropped
	// otherwise.
	BufferEarlyCandidates bool

	// Observers are called from the dispatch loop and must not block or call
	// back into the Machine synchronously.
	OnUpdate      func(Snapshot)
	OnRemoteTrack func(negotiator.RemoteTrack)
	OnQuality     func(quality.Sample)
}

// EntryParams select which resumption path Resume takes.
type EntryParams struct {
	TargetUserID       signaling.PartyID
	ShouldAutoAccept   bool
	ShouldAutoInitiate bool
	CallID             string
	Kind               Kind
}
