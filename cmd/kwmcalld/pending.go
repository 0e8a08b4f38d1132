/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stash.kopano.io/kwm/kwmcall/internal/pending"
)

func addPendingFlags(cmd *cobra.Command) {
	cmd.Flags().String("redis-url", "", "Redis URL (redis://host:port/db) of the pending call repository, kept in memory if not set")
	cmd.Flags().Duration("pending-ttl", pending.DefaultTTL, "Time a parked call stays available for resuming")
}

// newPendingRepository creates the pending call repository for local. The
// returned close function releases the backend.
func newPendingRepository(ctx context.Context, v *viper.Viper, local string, logger logrus.FieldLogger) (pending.Repository, func() error, error) {
	ttl := v.GetDuration("pending-ttl")

	redisURL := v.GetString("redis-url")
	if redisURL == "" {
		logger.Debugln("using memory pending call repository")
		return pending.NewMemoryRepository(&pending.MemoryOptions{
			TTL: ttl,
		}), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis-url: %w", err)
	}
	pending.SetRedisLogger(logger)
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	repo, err := pending.NewRedisRepository(client, &pending.RedisOptions{
		Scope: local,
		TTL:   ttl,
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	logger.WithField("addr", opts.Addr).Debugln("using redis pending call repository")

	return repo, client.Close, nil
}
