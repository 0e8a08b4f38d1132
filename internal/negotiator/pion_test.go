/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "stash.kopano.io/kwm/kwmcall/config"
	"stash.kopano.io/kwm/kwmcall/internal/media"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

func newTestAPI(t *testing.T) *API {
	api, err := NewAPI(&Options{
		Logger:     logger,
		ICEServers: []string{},
	})
	require.NoError(t, err)
	return api
}

func newTestNegotiator(t *testing.T, api *API) Negotiator {
	n, err := api.NewNegotiator(nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		n.Close()
	})
	return n
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t)
	caller := newTestNegotiator(t, api)
	callee := newTestNegotiator(t, api)

	stream, err := (&media.StaticSource{}).GetUserMedia(ctx, media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	for _, track := range stream.Tracks() {
		require.NoError(t, caller.AddLocalTrack(track))
	}

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(ctx, offer))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(offer, &decoded))
	assert.Equal(t, "offer", decoded["type"])
	assert.NotEmpty(t, decoded["sdp"])

	assert.False(t, callee.HasRemoteDescription())
	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	assert.True(t, callee.HasRemoteDescription())

	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(ctx, answer))
	require.NoError(t, caller.SetRemoteDescription(ctx, answer))
	assert.True(t, caller.HasRemoteDescription())

	report, err := caller.GetStats(ctx)
	require.NoError(t, err)
	assert.NotNil(t, report)
}

func TestInvalidDescriptionIsTyped(t *testing.T) {
	ctx := context.Background()
	n := newTestNegotiator(t, newTestAPI(t))

	for _, payload := range []string{`{"type":`, `{"type":"offer","sdp":""}`} {
		err := n.SetRemoteDescription(ctx, json.RawMessage(payload))
		require.Error(t, err)

		var nerr *Error
		require.True(t, errors.As(err, &nerr))
		assert.Equal(t, "setRemoteDescription", nerr.Op)
		assert.True(t, errors.Is(err, ErrInvalidDescription))
	}
	assert.False(t, n.HasRemoteDescription())
}

func TestInvalidCandidateIsTyped(t *testing.T) {
	n := newTestNegotiator(t, newTestAPI(t))

	err := n.AddRemoteICECandidate(json.RawMessage(`not json`))
	assert.True(t, errors.Is(err, ErrInvalidCandidate))
}

func TestReplaceVideoWithoutSender(t *testing.T) {
	n := newTestNegotiator(t, newTestAPI(t))

	track, err := media.NewStaticTrack(media.KindVideo, "screen")
	require.NoError(t, err)
	assert.True(t, errors.Is(n.ReplaceOutgoingVideoTrack(track), ErrNoVideoSender))
}

func TestReplaceVideoCarriesBitrate(t *testing.T) {
	n := newTestNegotiator(t, newTestAPI(t))

	camera, err := media.NewStaticTrack(media.KindVideo, "camera")
	require.NoError(t, err)
	require.NoError(t, n.AddLocalTrack(camera))
	require.NoError(t, n.SetMaxBitrate(500000))
	assert.Equal(t, uint64(500000), camera.MaxBitrate())

	screen, err := media.NewStaticTrack(media.KindVideo, "screen")
	require.NoError(t, err)
	require.NoError(t, n.ReplaceOutgoingVideoTrack(screen))
	assert.Equal(t, uint64(500000), screen.MaxBitrate())
}

func TestClosedNegotiator(t *testing.T) {
	ctx := context.Background()
	n := newTestNegotiator(t, newTestAPI(t))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	_, err := n.GetStats(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = n.CreateOffer(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(n.SetMaxBitrate(1), ErrClosed))
}

func TestNewAPIValidatesNetworkTypes(t *testing.T) {
	_, err := NewAPI(&Options{
		Logger: logger,
		Config: &cfg.Config{ICENetworkTypes: []string{"udp4", "sctp"}},
	})
	assert.Error(t, err)

	_, err = NewAPI(nil)
	assert.Error(t, err)

	api, err := NewAPI(&Options{
		Logger: logger,
		Config: &cfg.Config{
			ICENetworkTypes:          []string{"udp4", "TCP4"},
			ICEInterfaces:            []string{"lo"},
			ICEEphemeralUDPPortRange: [2]uint16{40000, 40100},
		},
	})
	require.NoError(t, err)
	assert.Len(t, api.configuration.ICEServers, len(DefaultICEServers))
}
