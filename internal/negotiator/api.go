/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package negotiator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	cfg "stash.kopano.io/kwm/kwmcall/config"
)

// DefaultICEServers are used when no ICE servers are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Options define the settings of an API.
type Options struct {
	Config *cfg.Config
	Logger logrus.FieldLogger

	// ICEServers overrides Config.ICEServers. When both are nil,
	// DefaultICEServers are used. An empty non-nil list disables STUN.
	ICEServers []string

	// VerboseLogging forwards pion debug and trace logs.
	VerboseLogging bool
}

// API creates Negotiators sharing the same media, interceptor and ICE
// settings.
type API struct {
	logger logrus.FieldLogger

	api           *webrtc.API
	configuration webrtc.Configuration
}

// NewAPI creates an API from options.
func NewAPI(options *Options) (*API, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	config := options.Config
	if config == nil {
		config = &cfg.Config{}
	}
	logger := options.Logger
	if logger == nil {
		logger = config.Logger
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	s := webrtc.SettingEngine{
		LoggerFactory: &loggerFactory{
			logger:  logger,
			verbose: options.VerboseLogging,
		},
	}

	if len(config.ICEInterfaces) > 0 {
		logger.WithField("interfaces", config.ICEInterfaces).Debugln("enabling ICE interface filter")
		iceInterfaceFilterMap := make(map[string]bool)
		for _, ifName := range config.ICEInterfaces {
			iceInterfaceFilterMap[ifName] = true
		}
		s.SetInterfaceFilter(func(i string) bool {
			return iceInterfaceFilterMap[i]
		})
	}

	if len(config.ICENetworkTypes) > 0 {
		networkTypes, err := parseNetworkTypes(config.ICENetworkTypes)
		if err != nil {
			return nil, err
		}
		logger.WithField("types", networkTypes).Debugln("enabling limit of ICE candidate network type")
		s.SetNetworkTypes(networkTypes)
	}

	if config.ICEEphemeralUDPPortRange[1] != 0 {
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Debugln("limiting ICE ports")
		if err := s.SetEphemeralUDPPortRange(config.ICEEphemeralUDPPortRange[0], config.ICEEphemeralUDPPortRange[1]); err != nil {
			return nil, fmt.Errorf("failed to set ICE port range: %w", err)
		}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	iceServers := options.ICEServers
	if iceServers == nil {
		iceServers = config.ICEServers
	}
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	configuration := webrtc.Configuration{
		ICEServers: make([]webrtc.ICEServer, 0, len(iceServers)),
	}
	for _, u := range iceServers {
		configuration.ICEServers = append(configuration.ICEServers, webrtc.ICEServer{
			URLs: []string{u},
		})
	}

	return &API{
		logger: logger,

		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(s),
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
		),
		configuration: configuration,
	}, nil
}

func parseNetworkTypes(values []string) ([]webrtc.NetworkType, error) {
	networkTypes := make([]webrtc.NetworkType, 0, len(values))
	for _, value := range values {
		var nt webrtc.NetworkType
		switch strings.ToLower(value) {
		case "udp4":
			nt = webrtc.NetworkTypeUDP4
		case "udp6":
			nt = webrtc.NetworkTypeUDP6
		case "tcp4":
			nt = webrtc.NetworkTypeTCP4
		case "tcp6":
			nt = webrtc.NetworkTypeTCP6
		default:
			return nil, fmt.Errorf("unsupported ICE network type: %q", value)
		}
		networkTypes = append(networkTypes, nt)
	}
	return networkTypes, nil
}

// NewNegotiator creates a new Negotiator with its own peer connection.
func (a *API) NewNegotiator(logger logrus.FieldLogger) (Negotiator, error) {
	if logger == nil {
		logger = a.logger
	}
	pc, err := a.api.NewPeerConnection(a.configuration)
	if err != nil {
		return nil, newError("create", err)
	}

	return newPeerNegotiator(pc, logger), nil
}
