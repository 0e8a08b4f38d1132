/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package server

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// debugLogger adapts logger to the Printf interface of middlewares, every
// line is logged at debug level.
type debugLogger struct {
	logger logrus.FieldLogger
	prefix string
}

func (l *debugLogger) Printf(format string, args ...interface{}) {
	l.logger.Debugf(l.prefix+strings.TrimRight(format, "\n"), args...)
}
