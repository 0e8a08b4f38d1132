/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package pending implements the pending call repository which carries an
// inbound offer or an outbound call intent across a restart of the call view.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// Repository keys.
const (
	KeyInboundOffer   = "pendingCall"
	KeyOutboundIntent = "outgoingCall"
)

// DefaultTTL is how long an entry stays takeable after Put.
const DefaultTTL = 60 * time.Second

// ErrEmptyKey is returned for operations with an empty key.
var ErrEmptyKey = errors.New("pending key cannot be empty")

// Repository is an ephemeral client scoped key value store. TakeOnce returns
// and removes an entry atomically, a concurrent second caller sees no entry.
type Repository interface {
	Put(ctx context.Context, key string, payload []byte) error
	TakeOnce(ctx context.Context, key string) ([]byte, bool, error)
}

// InboundOffer is stored under KeyInboundOffer.
type InboundOffer struct {
	Offer      json.RawMessage       `json:"offer"`
	CallerID   signaling.PartyID     `json:"callerId"`
	CallID     string                `json:"callId,omitempty"`
	CallType   string                `json:"callType,omitempty"`
	CallerInfo *signaling.CallerInfo `json:"callerInfo,omitempty"`
}

// InboundOfferFromEnvelope converts a call-offer envelope.
func InboundOfferFromEnvelope(env *signaling.Envelope) *InboundOffer {
	return &InboundOffer{
		Offer:      env.Offer,
		CallerID:   env.FromUserID,
		CallID:     env.CallID,
		CallType:   env.CallType,
		CallerInfo: env.CallerInfo,
	}
}

// Envelope returns the call-offer envelope equivalent of the receiver,
// addressed to local.
func (o *InboundOffer) Envelope(local signaling.PartyID) *signaling.Envelope {
	env := signaling.NewCallOffer(local, o.CallID, o.CallType, o.Offer, o.CallerInfo)
	env.FromUserID = o.CallerID
	return env
}

// OutboundIntent is stored under KeyOutboundIntent.
type OutboundIntent struct {
	TargetUserID signaling.PartyID `json:"targetUserId"`
	CallID       string            `json:"callId,omitempty"`
	CallType     string            `json:"callType,omitempty"`
}

// PutInboundOffer stores offer under KeyInboundOffer.
func PutInboundOffer(ctx context.Context, repo Repository, offer *InboundOffer) error {
	return put(ctx, repo, KeyInboundOffer, offer)
}

// TakeInboundOffer takes the entry stored under KeyInboundOffer.
func TakeInboundOffer(ctx context.Context, repo Repository) (*InboundOffer, bool, error) {
	offer := &InboundOffer{}
	found, err := take(ctx, repo, KeyInboundOffer, offer)
	if !found || err != nil {
		return nil, false, err
	}
	return offer, true, nil
}

// PutOutboundIntent stores intent under KeyOutboundIntent.
func PutOutboundIntent(ctx context.Context, repo Repository, intent *OutboundIntent) error {
	return put(ctx, repo, KeyOutboundIntent, intent)
}

// TakeOutboundIntent takes the entry stored under KeyOutboundIntent.
func TakeOutboundIntent(ctx context.Context, repo Repository) (*OutboundIntent, bool, error) {
	intent := &OutboundIntent{}
	found, err := take(ctx, repo, KeyOutboundIntent, intent)
	if !found || err != nil {
		return nil, false, err
	}
	return intent, true, nil
}

func put(ctx context.Context, repo Repository, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode pending %s: %w", key, err)
	}
	return repo.Put(ctx, key, payload)
}

func take(ctx context.Context, repo Repository, key string, v interface{}) (bool, error) {
	payload, found, err := repo.TakeOnce(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err = json.Unmarshal(payload, v); err != nil {
		// The entry is consumed either way.
		return false, fmt.Errorf("failed to decode pending %s: %w", key, err)
	}
	return true, nil
}
