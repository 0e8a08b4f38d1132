/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix prefixes all keys written by a RedisRepository.
const DefaultRedisPrefix = "kwmcall:pending"

// RedisOptions define the settings of a RedisRepository.
type RedisOptions struct {
	// Scope isolates the entries of one local party, usually its id.
	Scope string

	Prefix string
	TTL    time.Duration
}

// RedisRepository is a Repository stored in Redis, so pending entries
// survive a restart of the process.
type RedisRepository struct {
	client redis.Cmdable

	prefix string
	ttl    time.Duration
}

// NewRedisRepository creates a RedisRepository using client.
func NewRedisRepository(client redis.Cmdable, options *RedisOptions) (*RedisRepository, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	if options.Scope == "" {
		return nil, errors.New("scope cannot be empty")
	}

	prefix := options.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	ttl := options.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisRepository{
		client: client,

		prefix: prefix + ":" + options.Scope + ":",
		ttl:    ttl,
	}, nil
}

// Put implements Repository.
func (repo *RedisRepository) Put(ctx context.Context, key string, payload []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := repo.client.Set(ctx, repo.prefix+key, payload, repo.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending %s: %w", key, err)
	}
	return nil
}

// TakeOnce implements Repository. GETDEL makes the read and the removal a
// single server side step.
func (repo *RedisRepository) TakeOnce(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	payload, err := repo.client.GetDel(ctx, repo.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to take pending %s: %w", key, err)
	}
	return payload, true, nil
}

// Clear removes all entries of the repository scope.
func (repo *RedisRepository) Clear(ctx context.Context) error {
	return repo.client.Del(ctx, repo.prefix+KeyInboundOffer, repo.prefix+KeyOutboundIntent).Err()
}
