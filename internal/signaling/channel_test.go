/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

func newTestRelay(t *testing.T, handle func(ctx context.Context, ws *websocket.Conn)) (*httptest.Server, *url.URL, *int32) {
	var connects int32
	s := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		ws, err := websocket.Accept(rw, req, nil)
		if err != nil {
			t.Log(err)
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "")
		atomic.AddInt32(&connects, 1)
		handle(req.Context(), ws)
	}))
	u, err := url.Parse(s.URL)
	require.NoError(t, err)
	return s, u, &connects
}

func TestSendWhileClosedIsDropped(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:1/ws")
	c, err := NewChannel(u, "alice", &Options{Logger: logger})
	require.NoError(t, err)

	assert.False(t, c.IsOpen())
	assert.Equal(t, ErrNotOpen, c.Send(context.Background(), NewControl(TypeCallEnd, "bob", "")))
}

func TestNewChannelRequiresOptions(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:1/ws")
	_, err := NewChannel(u, "alice", nil)
	assert.Error(t, err)
	_, err = NewChannel(u, "", &Options{Logger: logger})
	assert.Error(t, err)
}

func TestChannelReceivesAndIgnoresEcho(t *testing.T) {
	s, u, _ := newTestRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		_ = wsjson.Write(ctx, ws, &Envelope{Type: TypeCallEnd, TargetUserID: "alice", FromUserID: "alice"})
		_ = wsjson.Write(ctx, ws, &Envelope{Type: "voice-join", TargetUserID: "alice", FromUserID: "bob"})
		_ = wsjson.Write(ctx, ws, &Envelope{Type: TypeCallRejected, TargetUserID: "alice", FromUserID: "bob"})
		<-ctx.Done()
	})
	defer s.Close()

	c, err := NewChannel(u, "alice", &Options{Logger: logger})
	require.NoError(t, err)

	received := make(chan *Envelope, 3)
	c.OnMessage(func(env *Envelope) {
		received <- env
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case env := <-received:
		assert.Equal(t, TypeCallRejected, env.Type)
		assert.Equal(t, PartyID("bob"), env.FromUserID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for envelope")
	}
	assert.Len(t, received, 0)
}

func TestChannelSendsWhenOpen(t *testing.T) {
	got := make(chan *Envelope, 1)
	s, u, _ := newTestRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		env := &Envelope{}
		if err := wsjson.Read(ctx, ws, env); err == nil {
			got <- env
		}
		<-ctx.Done()
	})
	defer s.Close()

	c, err := NewChannel(u, "alice", &Options{Logger: logger})
	require.NoError(t, err)
	opened := make(chan struct{}, 1)
	c.OnOpen(func() {
		opened <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for open")
	}
	require.True(t, c.IsOpen())
	require.NoError(t, c.Send(ctx, NewControl(TypeCallEnd, "bob", "c1")))

	select {
	case env := <-got:
		assert.Equal(t, TypeCallEnd, env.Type)
		assert.Equal(t, PartyID("bob"), env.TargetUserID)
		assert.Equal(t, "c1", env.CallID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for relay to receive")
	}
}

func TestChannelReconnectsWithFixedDelay(t *testing.T) {
	s, u, connects := newTestRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		// Drop every connection right away.
	})
	defer s.Close()

	c, err := NewChannel(u, "alice", &Options{
		Logger:         logger,
		ReconnectDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	var closes int32
	c.OnClose(func() {
		atomic.AddInt32(&closes, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(connects) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&closes), int32(2))
	assert.False(t, c.IsOpen())
}
