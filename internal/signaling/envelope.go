/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope types.
const (
	TypeCallOffer     = "call-offer"
	TypeCallAnswer    = "call-answer"
	TypeCallAccepted  = "call-accepted"
	TypeICECandidate  = "ice-candidate"
	TypeCallEnd       = "call-end"
	TypeCallRejected  = "call-rejected"
	TypeCallCancelled = "call-cancelled"

	TypePing = "ping"
	TypePong = "pong"
)

// Errors returned by Envelope.Validate.
var (
	ErrUnknownType    = errors.New("unknown envelope type")
	ErrMissingTarget  = errors.New("envelope without targetUserId")
	ErrMissingPayload = errors.New("envelope without payload")
	ErrMissingCallID  = errors.New("envelope without callId")
)

// PartyID identifies a party at the relay. It decodes from JSON strings as
// well as from JSON numbers.
type PartyID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *PartyID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = PartyID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("party id must be string or number: %w", err)
	}
	*id = PartyID(n.String())
	return nil
}

// CallerInfo describes the initiating party of a call-offer.
type CallerInfo struct {
	ID       PartyID `json:"id"`
	Username string  `json:"username,omitempty"`
	Avatar   string  `json:"avatar,omitempty"`
}

// Envelope is the JSON message exchanged over the signaling relay. The offer,
// answer and candidate payloads are opaque and passed through unmodified.
type Envelope struct {
	Type string `json:"type"`

	CallID   string `json:"callId,omitempty"`
	CallType string `json:"callType,omitempty"`

	TargetUserID PartyID `json:"targetUserId,omitempty"`
	FromUserID   PartyID `json:"fromUserId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	CallerInfo *CallerInfo `json:"callerInfo,omitempty"`
}

// IsCallType reports whether t is one of the call envelope types which the
// relay routes to a target party.
func IsCallType(t string) bool {
	switch t {
	case TypeCallOffer, TypeCallAnswer, TypeCallAccepted, TypeICECandidate,
		TypeCallEnd, TypeCallRejected, TypeCallCancelled:
		return true
	}
	return false
}

// IsEcho reports whether env was sent by local.
func IsEcho(env *Envelope, local PartyID) bool {
	return env.FromUserID != "" && env.FromUserID == local
}

// Validate checks that the envelope carries the fields required by its type.
func (env *Envelope) Validate() error {
	switch env.Type {
	case TypePing, TypePong:
		return nil
	}
	if !IsCallType(env.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.TargetUserID == "" {
		return fmt.Errorf("%w: %s", ErrMissingTarget, env.Type)
	}

	var payload json.RawMessage
	switch env.Type {
	case TypeCallOffer:
		// The callee echoes the caller's callId on everything it sends.
		if env.CallID == "" {
			return fmt.Errorf("%w: %s", ErrMissingCallID, env.Type)
		}
		payload = env.Offer
	case TypeCallAnswer:
		payload = env.Answer
	case TypeICECandidate:
		payload = env.Candidate
	default:
		return nil
	}
	if len(payload) == 0 || string(payload) == "null" {
		return fmt.Errorf("%w: %s", ErrMissingPayload, env.Type)
	}
	return nil
}

// NewCallOffer creates a call-offer envelope.
func NewCallOffer(target PartyID, callID string, callType string, offer json.RawMessage, caller *CallerInfo) *Envelope {
	return &Envelope{
		Type:         TypeCallOffer,
		CallID:       callID,
		CallType:     callType,
		TargetUserID: target,
		Offer:        offer,
		CallerInfo:   caller,
	}
}

// NewCallAnswer creates a call-answer envelope.
func NewCallAnswer(target PartyID, callID string, answer json.RawMessage) *Envelope {
	return &Envelope{
		Type:         TypeCallAnswer,
		CallID:       callID,
		TargetUserID: target,
		Answer:       answer,
	}
}

// NewICECandidate creates an ice-candidate envelope.
func NewICECandidate(target PartyID, callID string, candidate json.RawMessage) *Envelope {
	return &Envelope{
		Type:         TypeICECandidate,
		CallID:       callID,
		TargetUserID: target,
		Candidate:    candidate,
	}
}

// NewControl creates one of the payload-less envelopes (call-accepted,
// call-end, call-rejected, call-cancelled).
func NewControl(t string, target PartyID, callID string) *Envelope {
	return &Envelope{
		Type:         t,
		CallID:       callID,
		TargetUserID: target,
	}
}
