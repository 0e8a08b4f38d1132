/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package pending

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type redisLogger struct {
	logger logrus.FieldLogger
}

func (l *redisLogger) Printf(ctx context.Context, format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// SetRedisLogger routes the internal logging of go-redis to logger at debug
// level.
func SetRedisLogger(logger logrus.FieldLogger) {
	redis.SetLogger(&redisLogger{
		logger: logger.WithField("scope", "redis"),
	})
}
