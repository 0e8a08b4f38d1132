/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package negotiator

import (
	pionLogging "github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// leveledLogrusLogger drops pion's debug and trace output unless verbose is
// set, pion is very chatty on those levels.
type leveledLogrusLogger struct {
	logrus.FieldLogger
	verbose bool
}

func (ll *leveledLogrusLogger) Debug(msg string) {
	if ll.verbose {
		ll.FieldLogger.Debug(msg)
	}
}
func (ll *leveledLogrusLogger) Debugf(format string, args ...interface{}) {
	if ll.verbose {
		ll.FieldLogger.Debugf(format, args...)
	}
}
func (ll *leveledLogrusLogger) Error(msg string) {
	ll.FieldLogger.Error(msg)
}
func (ll *leveledLogrusLogger) Info(msg string) {
	ll.FieldLogger.Info(msg)
}
func (ll *leveledLogrusLogger) Trace(msg string) {
	if ll.verbose {
		ll.FieldLogger.Debug(msg)
	}
}
func (ll *leveledLogrusLogger) Tracef(format string, args ...interface{}) {
	if ll.verbose {
		ll.FieldLogger.Debugf(format, args...)
	}
}
func (ll *leveledLogrusLogger) Warn(msg string) {
	ll.FieldLogger.Warn(msg)
}

type loggerFactory struct {
	logger  logrus.FieldLogger
	verbose bool
}

func (factory *loggerFactory) NewLogger(scope string) pionLogging.LeveledLogger {
	return &leveledLogrusLogger{
		FieldLogger: factory.logger.WithField("webrtc", scope),
		verbose:     factory.verbose,
	}
}
