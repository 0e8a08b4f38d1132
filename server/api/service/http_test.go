/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
	"stash.kopano.io/kwm/kwmcall/server/api"
)

type directory []signaling.PartyID

func (d directory) NumActive() uint64 {
	return uint64(len(d))
}

func (d directory) Parties() []signaling.PartyID {
	return d
}

func (d directory) IsConnected(party signaling.PartyID) bool {
	for _, p := range d {
		if p == party {
			return true
		}
	}
	return false
}

func newTestRouter(t *testing.T, services *api.Services) (*mux.Router, *HTTPService) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	router := mux.NewRouter()
	h := NewHTTPService(ctx, logger, services)
	h.AddRoutes(ctx, router, alice.New())
	return router, h
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestListParties(t *testing.T) {
	router, h := newTestRouter(t, &api.Services{Relay: directory{"alice", "bob"}})
	assert.Equal(t, uint64(2), h.NumActive())

	rr := get(router, URIPrefix+"/relay/parties")
	require.Equal(t, http.StatusOK, rr.Code)

	var resource struct {
		Context string              `json:"@odata.context"`
		Count   int                 `json:"@odata.count"`
		Values  []api.PartyResource `json:"values"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resource))
	assert.Equal(t, URIPrefix+"/relay/parties", resource.Context)
	assert.Equal(t, 2, resource.Count)
	assert.Equal(t, []api.PartyResource{{ID: "alice", Connected: true}, {ID: "bob", Connected: true}}, resource.Values)
}

func TestGetParty(t *testing.T) {
	router, _ := newTestRouter(t, &api.Services{Relay: directory{"alice"}})

	rr := get(router, URIPrefix+"/relay/parties/alice")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"@odata.context":"`+URIPrefix+`/relay/parties/alice","value":{"id":"alice","connected":true}}`, rr.Body.String())

	rr = get(router, URIPrefix+"/relay/parties/bob")
	require.Equal(t, http.StatusNotFound, rr.Code)
	var e api.ErrorWithCodeAndMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	assert.Equal(t, api.ErrorCodePartyNotFound, e.Code)
}

func TestRelayUnavailable(t *testing.T) {
	router, h := newTestRouter(t, &api.Services{})
	assert.Equal(t, uint64(0), h.NumActive())

	rr := get(router, URIPrefix+"/relay/parties")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var e api.ErrorWithCodeAndMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	assert.Equal(t, api.ErrorCodeServiceMissing, e.Code)
}
