/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package api

import (
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// Service is an interface for services providing information about activity.
type Service interface {
	NumActive() uint64
}

// PartyDirectory is a Service which knows the connected parties.
type PartyDirectory interface {
	Service
	Parties() []signaling.PartyID
	IsConnected(party signaling.PartyID) bool
}

// Services is a defined collection of services which handle activity.
type Services struct {
	Relay PartyDirectory
}

// Services returns all active services of the associated Services as
// iterable.
func (services *Services) Services() []Service {
	s := make([]Service, 0)

	if services.Relay != nil {
		s = append(s, services.Relay)
	}

	return s
}
