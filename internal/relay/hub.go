/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package relay implements the signaling relay which routes call envelopes
// between connected parties.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/orcaman/concurrent-map"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// DefaultSendQueueSize is the number of envelopes buffered per connection.
const DefaultSendQueueSize = 256

// Options define the settings of a Hub.
type Options struct {
	Logger  logrus.FieldLogger
	Metrics prometheus.Registerer

	// JWTSecret enables token authentication. Without it parties identify
	// with the user query parameter.
	JWTSecret []byte

	// AllowedOrigins are host patterns accepted as websocket origin, a single
	// "*" accepts all.
	AllowedOrigins []string

	SendQueueSize int
}

// Hub keeps the connected parties and routes envelopes between them.
type Hub struct {
	options *Options
	logger  logrus.FieldLogger
	metrics *metrics

	ctx context.Context

	// Registry writes are serialized, reads go to the map directly.
	mutex       deadlock.Mutex
	connections cmap.ConcurrentMap
}

// NewHub creates a Hub. Connections accepted by the Hub are closed when ctx
// is done.
func NewHub(ctx context.Context, options *Options) (*Hub, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	if options.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if options.SendQueueSize <= 0 {
		options.SendQueueSize = DefaultSendQueueSize
	}

	h := &Hub{
		options: options,
		logger:  options.Logger,
		metrics: newMetrics(options.Metrics),

		ctx: ctx,

		connections: cmap.New(),
	}

	return h, nil
}

// ServeHTTP authenticates and upgrades req and serves the connection until it
// closes.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	party, err := Authenticate(req, h.options.JWTSecret)
	if err != nil {
		h.logger.WithError(err).Debugln("relay connection rejected")
		http.Error(rw, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	acceptOptions := &websocket.AcceptOptions{}
	for _, origin := range h.options.AllowedOrigins {
		if origin == "*" {
			acceptOptions.InsecureSkipVerify = true
			break
		}
		acceptOptions.OriginPatterns = append(acceptOptions.OriginPatterns, origin)
	}
	ws, err := websocket.Accept(rw, req, acceptOptions)
	if err != nil {
		h.logger.WithError(err).Debugln("relay websocket accept failed")
		return
	}
	ws.SetReadLimit(websocketMaxMessageSize)

	c := newConn(h, party, ws)
	h.register(c)
	defer h.unregister(c)

	c.serve(h.ctx) // This blocks.
}

// NumActive returns the number of connected parties.
func (h *Hub) NumActive() uint64 {
	return uint64(h.connections.Count())
}

// Parties returns the ids of all connected parties, sorted.
func (h *Hub) Parties() []signaling.PartyID {
	keys := h.connections.Keys()
	sort.Strings(keys)
	parties := make([]signaling.PartyID, 0, len(keys))
	for _, key := range keys {
		parties = append(parties, signaling.PartyID(key))
	}
	return parties
}

// IsConnected reports whether party has a connection.
func (h *Hub) IsConnected(party signaling.PartyID) bool {
	return h.connections.Has(string(party))
}

func (h *Hub) register(c *conn) {
	h.mutex.Lock()
	var replaced *conn
	if record, ok := h.connections.Get(string(c.party)); ok {
		replaced = record.(*conn)
	}
	h.connections.Set(string(c.party), c)
	h.mutex.Unlock()

	if replaced != nil {
		c.logger.WithField("replaced", replaced.id).Infoln("relay connection replaces previous connection of party")
		replaced.close(websocket.StatusPolicyViolation, "replaced by newer connection")
	} else {
		h.metrics.connections.Inc()
	}
	c.logger.Infoln("relay connection registered")
}

func (h *Hub) unregister(c *conn) {
	h.mutex.Lock()
	removed := false
	if record, ok := h.connections.Get(string(c.party)); ok && record.(*conn) == c {
		h.connections.Remove(string(c.party))
		removed = true
	}
	h.mutex.Unlock()

	if removed {
		h.metrics.connections.Dec()
	}
	c.logger.Infoln("relay connection unregistered")
}

func (h *Hub) lookup(party signaling.PartyID) (*conn, bool) {
	record, ok := h.connections.Get(string(party))
	if !ok {
		return nil, false
	}
	return record.(*conn), true
}

// route handles an envelope received from c.
func (h *Hub) route(c *conn, env *signaling.Envelope) {
	switch env.Type {
	case signaling.TypePing:
		c.enqueue(&signaling.Envelope{Type: signaling.TypePong})
		return
	case signaling.TypePong:
		return
	}

	logger := c.logger.WithFields(logrus.Fields{
		"type":   env.Type,
		"target": env.TargetUserID,
	})
	if !signaling.IsCallType(env.Type) {
		h.metrics.dropped.WithLabelValues(dropUnknown).Inc()
		logger.Debugln("relay dropped envelope of unknown type")
		return
	}

	// Senders cannot be spoofed.
	env.FromUserID = c.party

	if err := env.Validate(); err != nil {
		h.metrics.dropped.WithLabelValues(dropInvalid).Inc()
		logger.WithError(err).Debugln("relay dropped invalid envelope")
		return
	}

	target, ok := h.lookup(env.TargetUserID)
	if !ok {
		h.metrics.dropped.WithLabelValues(dropOffline).Inc()
		logger.Debugln("relay target not connected, envelope dropped")
		return
	}
	if !target.enqueue(env) {
		h.metrics.dropped.WithLabelValues(dropQueueFull).Inc()
		logger.Warnln("relay target send queue full, envelope dropped")
		return
	}
	h.metrics.routed.WithLabelValues(env.Type).Inc()
}
