/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func addLoggerFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("log-timestamp", true, "Prefix each log line with timestamp")
	cmd.Flags().String("log-level", "info", "Log level (one of panic, fatal, error, warn, info, debug or trace)")
}

func newLoggerFromViper(v *viper.Viper) (*logrus.Logger, error) {
	return newLogger(!v.GetBool("log-timestamp"), v.GetString("log-level"))
}

func newLogger(disableTimestamp bool, logLevelString string) (*logrus.Logger, error) {
	logLevel, err := logrus.ParseLevel(logLevelString)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: disableTimestamp,
	})
	logger.SetLevel(logLevel)

	return logger, nil
}
