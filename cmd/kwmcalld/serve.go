/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmcall/cmd"
	cfg "stash.kopano.io/kwm/kwmcall/config"
	"stash.kopano.io/kwm/kwmcall/server"
	"stash.kopano.io/kwm/kwmcall/version"
)

const defaultListenAddr = "127.0.0.1:8779"

func commandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start signaling relay and listen for requests",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("listen", defaultListenAddr, "TCP listen address")
	serveCmd.Flags().String("jwt-secret", "", "Shared secret of HS256 tokens used to authenticate relay connections, if not set parties identify with the user query parameter")
	serveCmd.Flags().StringArray("allowed-origin", nil, "Origin host pattern allowed to connect, use * to allow all, if not set only same host requests are allowed")
	serveCmd.Flags().Bool("log-requests", false, "Log HTTP requests")
	addLoggerFlags(serveCmd)
	addRuntimeFlags(serveCmd, "127.0.0.1:6779")

	return serveCmd
}

func serve(c *cobra.Command, args []string) error {
	ctx := context.Background()

	v, err := cmd.Viper(c)
	if err != nil {
		return err
	}

	logger, err := newLoggerFromViper(v)
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}
	logger.WithField("version", version.Version).Infoln("serve start")

	setupDeadlockDetector(v, logger)

	config := &cfg.Config{
		Logger: logger,

		ListenAddr: v.GetString("listen"),
		RequestLog: v.GetBool("log-requests"),

		AllowedOrigins: v.GetStringSlice("allowed-origin"),
	}
	if secret := v.GetString("jwt-secret"); secret != "" {
		config.JWTSecret = []byte(secret)
	} else {
		logger.Warnln("no jwt secret set, relay parties are not authenticated")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = defaultListenAddr
	}

	config.WithMetrics, config.Metrics = startMetrics(v, logger)
	config.MetricsListenAddr = v.GetString("metrics-listen")

	srv, err := server.NewServer(config)
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}

	startPprof(v, logger)

	logger.Infoln("serve started")
	return srv.Serve(ctx)
}
