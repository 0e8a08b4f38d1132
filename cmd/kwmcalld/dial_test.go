/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stash.kopano.io/kwm/kwmcall/internal/call"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

type fakeOpenNotifier struct {
	mutex  sync.Mutex
	opened int
	calls  []signaling.PartyID
	callID string
}

func (n *fakeOpenNotifier) ChannelOpened() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.opened++
}

func (n *fakeOpenNotifier) Call(ctx context.Context, target signaling.PartyID, kind call.Kind, callID string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls = append(n.calls, target)
	n.callID = callID
	return nil
}

func (n *fakeOpenNotifier) counts() (int, int) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.opened, len(n.calls)
}

func TestOpenHandlerCallsTargetOnce(t *testing.T) {
	logger, _ := test.NewNullLogger()
	notifier := &fakeOpenNotifier{}

	onOpen := newOpenHandler(context.Background(), logger, notifier, true, "bob", call.KindVideo, "c1")
	onOpen()
	require.Eventually(t, func() bool {
		_, calls := notifier.counts()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	// A reconnect does not dial again.
	onOpen()
	time.Sleep(20 * time.Millisecond)
	opened, calls := notifier.counts()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "c1", notifier.callID)
}

func TestOpenHandlerWithoutTargetOnlyNotifies(t *testing.T) {
	logger, _ := test.NewNullLogger()
	notifier := &fakeOpenNotifier{}

	onOpen := newOpenHandler(context.Background(), logger, notifier, false, "bob", call.KindVideo, "")
	onOpen()
	time.Sleep(20 * time.Millisecond)

	opened, calls := notifier.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 0, calls)
}
