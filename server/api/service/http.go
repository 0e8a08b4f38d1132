/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package service

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
	"stash.kopano.io/kwm/kwmcall/server/api"
)

const (
	URIPrefix = "/api/kwmcall/v0"
)

// HTTPService binds the HTTP router with handlers for the kwmcall API v0.
type HTTPService struct {
	logger   logrus.FieldLogger
	services *api.Services
}

// NewHTTPService creates a new HTTPService with the provided options.
func NewHTTPService(ctx context.Context, logger logrus.FieldLogger, services *api.Services) *HTTPService {
	return &HTTPService{
		logger:   logger,
		services: services,
	}
}

// AddRoutes configures the services HTTP end point routing on the provided
// context and router.
func (h *HTTPService) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	v0 := router.PathPrefix(URIPrefix).Subrouter()

	// /api/kwmcall/v0/relay/parties
	// /api/kwmcall/v0/relay/parties/:party
	r := v0.PathPrefix("/relay").Subrouter()
	r.Handle("/parties", chain.ThenFunc(h.HTTPPartiesHandler)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/parties/{partyID}", chain.ThenFunc(h.HTTPPartiesHandler)).Methods(http.MethodGet, http.MethodOptions)

	return router
}

// HTTPPartiesHandler lists the connected parties, or a single one when the
// route carries a party.
func (h *HTTPService) HTTPPartiesHandler(rw http.ResponseWriter, req *http.Request) {
	directory := h.services.Relay
	if directory == nil {
		h.writeError(rw, api.NewErrorWithCodeAndMessage(
			api.ErrorCodeServiceMissing,
			"The relay is not available",
			api.ErrUnavailable,
		))
		return
	}

	partyID, _ := api.GetRequestVar(req, "partyID")

	var resource interface{}
	if partyID == "" {
		parties := directory.Parties()
		values := make([]interface{}, 0, len(parties))
		for _, party := range parties {
			values = append(values, &api.PartyResource{
				ID:        string(party),
				Connected: true,
			})
		}
		resource = api.NewCollectionResource(values, req)
	} else {
		if !directory.IsConnected(signaling.PartyID(partyID)) {
			h.writeError(rw, api.NewErrorWithCodeAndMessage(
				api.ErrorCodePartyNotFound,
				"The specified party is not connected",
				api.ErrNotFound,
			))
			return
		}
		resource = api.NewItemResource(&api.PartyResource{
			ID:        partyID,
			Connected: true,
		}, req)
	}

	if writeErr := api.WriteResourceAsJSON(rw, resource); writeErr != nil {
		h.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (h *HTTPService) writeError(rw http.ResponseWriter, err error) {
	if writeErr := api.WriteErrorAsJSON(rw, err); writeErr != nil {
		h.logger.WithError(writeErr).Errorln("failed to write json error")
	}
}

// NumActive returns the number of the currently active connections at the
// associated HTTPService.
func (h *HTTPService) NumActive() (active uint64) {
	for _, service := range h.services.Services() {
		active += service.NumActive()
	}

	return active
}
