/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"stash.kopano.io/kwm/kwmcall/internal/media"
	"stash.kopano.io/kwm/kwmcall/internal/negotiator"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

type fakeChannel struct {
	mutex sync.Mutex
	open  bool
	sent  []*signaling.Envelope
}

func (c *fakeChannel) Send(ctx context.Context, env *signaling.Envelope) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.open {
		return signaling.ErrNotOpen
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) IsOpen() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.open
}

func (c *fakeChannel) setOpen(open bool) {
	c.mutex.Lock()
	c.open = open
	c.mutex.Unlock()
}

func (c *fakeChannel) ofType(t string) []*signaling.Envelope {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var result []*signaling.Envelope
	for _, env := range c.sent {
		if env.Type == t {
			result = append(result, env)
		}
	}
	return result
}

type fakeNegotiator struct {
	mutex sync.Mutex

	offers            int
	answers           int
	remoteDescription json.RawMessage
	remoteSets        int
	tracks            []media.Track
	candidates        []json.RawMessage
	replaced          []media.Track
	maxBitrate        uint64
	closed            int
	statsCalls        int

	offerErr  error
	remoteErr error
	stats     webrtc.StatsReport

	onCandidate func(json.RawMessage)
	onState     func(negotiator.ConnectionState)
}

func (n *fakeNegotiator) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.offers++
	if n.offerErr != nil {
		return nil, n.offerErr
	}
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (n *fakeNegotiator) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.answers++
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (n *fakeNegotiator) SetLocalDescription(ctx context.Context, description json.RawMessage) error {
	return nil
}

func (n *fakeNegotiator) SetRemoteDescription(ctx context.Context, description json.RawMessage) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.remoteSets++
	if n.remoteErr != nil {
		return n.remoteErr
	}
	n.remoteDescription = description
	return nil
}

func (n *fakeNegotiator) HasRemoteDescription() bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.remoteDescription != nil
}

func (n *fakeNegotiator) AddLocalTrack(track media.Track) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.tracks = append(n.tracks, track)
	return nil
}

func (n *fakeNegotiator) ReplaceOutgoingVideoTrack(track media.Track) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.replaced = append(n.replaced, track)
	return nil
}

func (n *fakeNegotiator) SetMaxBitrate(bps uint64) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.maxBitrate = bps
	return nil
}

func (n *fakeNegotiator) OnRemoteTrack(f func(negotiator.RemoteTrack)) {}

func (n *fakeNegotiator) OnICECandidate(f func(json.RawMessage)) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.onCandidate = f
}

func (n *fakeNegotiator) AddRemoteICECandidate(candidate json.RawMessage) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.candidates = append(n.candidates, candidate)
	return nil
}

func (n *fakeNegotiator) OnConnectionStateChange(f func(negotiator.ConnectionState)) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.onState = f
}

func (n *fakeNegotiator) GetStats(ctx context.Context) (webrtc.StatsReport, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.statsCalls++
	if n.stats == nil {
		return nil, errors.New("no stats")
	}
	return n.stats, nil
}

func (n *fakeNegotiator) Close() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.closed++
	return nil
}

func (n *fakeNegotiator) emitState(state negotiator.ConnectionState) {
	n.mutex.Lock()
	f := n.onState
	n.mutex.Unlock()
	if f != nil {
		f(state)
	}
}

func (n *fakeNegotiator) emitCandidate(candidate string) {
	n.mutex.Lock()
	f := n.onCandidate
	n.mutex.Unlock()
	if f != nil {
		f(json.RawMessage(candidate))
	}
}

func (n *fakeNegotiator) setStats(stats webrtc.StatsReport) {
	n.mutex.Lock()
	n.stats = stats
	n.mutex.Unlock()
}

func (n *fakeNegotiator) count(f func(n *fakeNegotiator) int) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return f(n)
}

// fakeFactory hands out fakeNegotiators and remembers them.
type fakeFactory struct {
	mutex       sync.Mutex
	negotiators []*fakeNegotiator
	err         error
	prepare     func(*fakeNegotiator)
}

func (f *fakeFactory) New(logger logrus.FieldLogger) (negotiator.Negotiator, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := &fakeNegotiator{}
	if f.prepare != nil {
		f.prepare(n)
	}
	f.negotiators = append(f.negotiators, n)
	return n, nil
}

func (f *fakeFactory) last() *fakeNegotiator {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.negotiators) == 0 {
		return nil
	}
	return f.negotiators[len(f.negotiators)-1]
}

func (f *fakeFactory) created() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.negotiators)
}

// fakeSource wraps the static source with an optional gate which holds
// acquisitions back until it is closed.
type fakeSource struct {
	media.StaticSource

	mutex   sync.Mutex
	gate    chan struct{}
	streams []*media.Stream
}

func (s *fakeSource) GetUserMedia(ctx context.Context, constraints media.Constraints) (*media.Stream, error) {
	s.mutex.Lock()
	gate := s.gate
	s.mutex.Unlock()
	if gate != nil {
		<-gate
	}

	stream, err := s.StaticSource.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, err
	}
	s.mutex.Lock()
	s.streams = append(s.streams, stream)
	s.mutex.Unlock()
	return stream, nil
}

func (s *fakeSource) hold() {
	s.mutex.Lock()
	s.gate = make(chan struct{})
	s.mutex.Unlock()
}

func (s *fakeSource) release() {
	s.mutex.Lock()
	close(s.gate)
	s.gate = nil
	s.mutex.Unlock()
}

func (s *fakeSource) acquired() []*media.Stream {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*media.Stream(nil), s.streams...)
}

func allStopped(stream *media.Stream) bool {
	for _, track := range stream.Tracks() {
		if !track.(*media.StaticTrack).Stopped() {
			return false
		}
	}
	return true
}

type testMachine struct {
	*Machine

	channel *fakeChannel
	factory *fakeFactory
	source  *fakeSource
	hook    *test.Hook

	cancel context.CancelFunc
	exited chan struct{}
}

const (
	alice = signaling.PartyID("alice")
	bob   = signaling.PartyID("bob")
	carol = signaling.PartyID("carol")
)

func newTestMachine(t *testing.T, configure func(*Options)) *testMachine {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	tm := &testMachine{
		channel: &fakeChannel{open: true},
		factory: &fakeFactory{},
		source:  &fakeSource{},
		hook:    hook,
		exited:  make(chan struct{}),
	}

	options := &Options{
		Logger:        logger,
		Local:         signaling.CallerInfo{ID: alice, Username: "Alice"},
		Channel:       tm.channel,
		NewNegotiator: tm.factory.New,
		Media:         tm.source,
		GracePeriod:   50 * time.Millisecond,
	}
	if configure != nil {
		configure(options)
	}

	m, err := New(options)
	require.NoError(t, err)
	tm.Machine = m

	ctx, cancel := context.WithCancel(context.Background())
	tm.cancel = cancel
	go func() {
		defer close(tm.exited)
		m.Run(ctx)
	}()
	t.Cleanup(tm.stop)

	return tm
}

func (tm *testMachine) stop() {
	tm.cancel()
	<-tm.exited
}

func (tm *testMachine) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tm.Snapshot().State == state
	}, 2*time.Second, 5*time.Millisecond, "state %s not reached, is %s", state, tm.Snapshot().State)
}

func (tm *testMachine) waitSent(t *testing.T, envType string, count int) []*signaling.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(tm.channel.ofType(envType)) >= count
	}, 2*time.Second, 5*time.Millisecond, "%d %s not sent", count, envType)
	return tm.channel.ofType(envType)
}

// sync waits until everything queued before has been processed.
func (tm *testMachine) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, tm.do(context.Background(), func() error { return nil }))
}

func inbound(envType string, from signaling.PartyID, callID string) *signaling.Envelope {
	env := signaling.NewControl(envType, alice, callID)
	env.FromUserID = from
	return env
}

func inboundOffer(from signaling.PartyID, callID string) *signaling.Envelope {
	env := signaling.NewCallOffer(alice, callID, "video", json.RawMessage(`{"type":"offer","sdp":"v=0"}`), &signaling.CallerInfo{ID: from})
	env.FromUserID = from
	return env
}

func inboundAnswer(from signaling.PartyID, callID string) *signaling.Envelope {
	env := signaling.NewCallAnswer(alice, callID, json.RawMessage(`{"type":"answer","sdp":"v=0"}`))
	env.FromUserID = from
	return env
}

func inboundCandidate(from signaling.PartyID, callID string, candidate string) *signaling.Envelope {
	env := signaling.NewICECandidate(alice, callID, json.RawMessage(candidate))
	env.FromUserID = from
	return env
}
