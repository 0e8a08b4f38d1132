/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package pending

import (
	"context"
	"time"

	cmap "github.com/orcaman/concurrent-map"
)

type memoryRecord struct {
	when    time.Time
	payload []byte
}

// MemoryOptions define the settings of a MemoryRepository.
type MemoryOptions struct {
	TTL time.Duration

	// Now is used as clock, time.Now if nil.
	Now func() time.Time
}

// MemoryRepository is a process local Repository.
type MemoryRepository struct {
	ttl time.Duration
	now func() time.Time

	records cmap.ConcurrentMap
}

// NewMemoryRepository creates a MemoryRepository with the provided options,
// which may be nil.
func NewMemoryRepository(options *MemoryOptions) *MemoryRepository {
	repo := &MemoryRepository{
		ttl: DefaultTTL,
		now: time.Now,

		records: cmap.New(),
	}
	if options != nil {
		if options.TTL > 0 {
			repo.ttl = options.TTL
		}
		if options.Now != nil {
			repo.now = options.Now
		}
	}
	return repo
}

// Put implements Repository.
func (repo *MemoryRepository) Put(ctx context.Context, key string, payload []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	repo.records.Set(key, &memoryRecord{
		when:    repo.now(),
		payload: append([]byte(nil), payload...),
	})
	return nil
}

// TakeOnce implements Repository.
func (repo *MemoryRepository) TakeOnce(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	v, exists := repo.records.Pop(key)
	if !exists {
		return nil, false, nil
	}
	record := v.(*memoryRecord)
	if repo.now().Sub(record.when) > repo.ttl {
		return nil, false, nil
	}
	return record.payload, true, nil
}

// Clear drops all entries.
func (repo *MemoryRepository) Clear() {
	for _, key := range repo.records.Keys() {
		repo.records.Remove(key)
	}
}

// Count returns the number of stored entries, including expired ones which
// were not taken yet.
func (repo *MemoryRepository) Count() int {
	return repo.records.Count()
}
