/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package pending

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

func TestTakeOnceConcurrent(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		repo := NewMemoryRepository(nil)
		require.NoError(t, repo.Put(ctx, KeyInboundOffer, []byte(`{}`)))

		var hits int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, found, err := repo.TakeOnce(ctx, KeyInboundOffer)
				assert.NoError(t, err)
				if found {
					atomic.AddInt32(&hits, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), hits)
	}
}

func TestTakeOnceSecondIsAbsent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(nil)

	require.NoError(t, PutOutboundIntent(ctx, repo, &OutboundIntent{TargetUserID: "bob", CallID: "c1"}))

	intent, found, err := TakeOutboundIntent(ctx, repo)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, signaling.PartyID("bob"), intent.TargetUserID)
	assert.Equal(t, "c1", intent.CallID)

	intent, found, err = TakeOutboundIntent(ctx, repo)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, intent)
}

func TestMemoryEntriesExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	repo := NewMemoryRepository(&MemoryOptions{
		TTL: 10 * time.Second,
		Now: func() time.Time { return now },
	})

	require.NoError(t, repo.Put(ctx, KeyOutboundIntent, []byte(`{"targetUserId":"bob"}`)))
	now = now.Add(11 * time.Second)

	_, found, err := repo.TakeOnce(ctx, KeyOutboundIntent)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, repo.Count())
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(nil)

	require.NoError(t, repo.Put(ctx, KeyInboundOffer, []byte(`1`)))
	require.NoError(t, repo.Put(ctx, KeyOutboundIntent, []byte(`2`)))
	assert.Equal(t, ErrEmptyKey, repo.Put(ctx, "", nil))

	v, found, _ := repo.TakeOnce(ctx, KeyOutboundIntent)
	assert.True(t, found)
	assert.Equal(t, []byte(`2`), v)

	repo.Clear()
	_, found, _ = repo.TakeOnce(ctx, KeyInboundOffer)
	assert.False(t, found)
}

func TestInboundOfferEnvelopeRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(nil)

	env := signaling.NewCallOffer("alice", "c9", "audio", json.RawMessage(`{"type":"offer","sdp":"x"}`), &signaling.CallerInfo{ID: "bob", Username: "Bob"})
	env.FromUserID = "bob"
	require.NoError(t, PutInboundOffer(ctx, repo, InboundOfferFromEnvelope(env)))

	offer, found, err := TakeInboundOffer(ctx, repo)
	require.NoError(t, err)
	require.True(t, found)

	restored := offer.Envelope("alice")
	assert.Equal(t, signaling.TypeCallOffer, restored.Type)
	assert.Equal(t, signaling.PartyID("bob"), restored.FromUserID)
	assert.Equal(t, signaling.PartyID("alice"), restored.TargetUserID)
	assert.Equal(t, "c9", restored.CallID)
	assert.Equal(t, "audio", restored.CallType)
	assert.JSONEq(t, `{"type":"offer","sdp":"x"}`, string(restored.Offer))
	assert.NoError(t, restored.Validate())
}

func TestTakeUndecodableEntryIsConsumed(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(nil)
	require.NoError(t, repo.Put(ctx, KeyInboundOffer, []byte(`not json`)))

	_, found, err := TakeInboundOffer(ctx, repo)
	assert.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, repo.Count())
}
