/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "stash.kopano.io/kwm/kwmcall/config"
)

func addICEFlags(cmd *cobra.Command) {
	cmd.Flags().StringArray("ice-server", nil, "STUN or TURN server URL used for ICE, public STUN servers are used if not set")
	cmd.Flags().StringArray("use-ice-if", nil, "Interface to use when gathering ICE candidates, all interfaces will be used if not set")
	cmd.Flags().StringArray("use-ice-network-type", nil, "ICE network type supported when gathering candidates, if not set all types (udp4, udp6, tcp4, tcp6) are enabled")
	cmd.Flags().String("use-ice-udp-port-range", "", "Range of ephemeral ports that ICE UDP connections can allocate from in format min:max, if not set its not limited")
}

func applyICEConfig(v *viper.Viper, config *cfg.Config, logger logrus.FieldLogger) error {
	if ICEServerStrings := v.GetStringSlice("ice-server"); len(ICEServerStrings) > 0 {
		config.ICEServers = ICEServerStrings
		logger.WithField("servers", config.ICEServers).Infoln("using ICE servers")
	}
	if ICEInterfaceStrings := v.GetStringSlice("use-ice-if"); len(ICEInterfaceStrings) > 0 {
		config.ICEInterfaces = ICEInterfaceStrings
		logger.WithField("interfaces", config.ICEInterfaces).Infoln("limiting ICE interfaces")
	}
	if ICENetworkTypeStrings := v.GetStringSlice("use-ice-network-type"); len(ICENetworkTypeStrings) > 0 {
		config.ICENetworkTypes = ICENetworkTypeStrings
		logger.WithField("types", config.ICENetworkTypes).Infoln("limiting ICE network types")
	}
	if ICEEphemeralUDPPortRangeString := v.GetString("use-ice-udp-port-range"); ICEEphemeralUDPPortRangeString != "" {
		portRange, err := parsePortRange(ICEEphemeralUDPPortRangeString)
		if err != nil {
			return err
		}
		config.ICEEphemeralUDPPortRange = portRange
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Infoln("limiting ICE port range")
	}

	return nil
}

// parsePortRange parses min:max, either side may be empty.
func parsePortRange(value string) ([2]uint16, error) {
	minMaxStrings := strings.SplitN(value, ":", 2)
	portRange := [2]uint16{10000, ^uint16(0)}
	if minMaxStrings[0] != "" {
		minPort, err := strconv.ParseUint(minMaxStrings[0], 10, 16)
		if err != nil {
			return portRange, fmt.Errorf("invalid min port value in use-ice-udp-port-range: %w", err)
		}
		portRange[0] = uint16(minPort)
	}
	if len(minMaxStrings) > 1 && minMaxStrings[1] != "" {
		maxPort, err := strconv.ParseUint(minMaxStrings[1], 10, 16)
		if err != nil {
			return portRange, fmt.Errorf("invalid max port value in use-ice-udp-port-range: %w", err)
		}
		if maxPort <= uint64(portRange[0]) {
			return portRange, fmt.Errorf("max port value in use-ice-udp-port-range must be higher than min port %d", portRange[0])
		}
		portRange[1] = uint16(maxPort)
	}

	return portRange, nil
}
