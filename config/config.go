/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package config

import (
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config defines the shared configuration settings of the relay server and
// the call agent.
type Config struct {
	ListenAddr string
	RequestLog bool

	WithMetrics       bool
	MetricsListenAddr string

	HTTPClient *http.Client

	Logger logrus.FieldLogger

	Metrics prometheus.Registerer

	// Relay.
	RelayURL       *url.URL
	RelayToken     string
	JWTSecret      []byte
	AllowedOrigins []string

	// Call agent.
	ReconnectDelay        time.Duration
	GracePeriod           time.Duration
	QualityDwell          time.Duration
	BufferEarlyCandidates bool

	// Pending call repository, memory backed when empty.
	RedisURL string

	ICEServers               []string
	ICEInterfaces            []string
	ICENetworkTypes          []string
	ICEEphemeralUDPPortRange [2]uint16
}
