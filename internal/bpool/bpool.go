/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2018 Kopano and its licensors
 */

package bpool

import (
	"bytes"
	"sync"
)

// MaxPooledSize is the capacity above which buffers are not returned to the
// pool, so a single oversized envelope does not pin memory.
const MaxPooledSize = 64 * 1024

var bpool sync.Pool

// Get returns a buffer from the pool creating a new one if the pool is empty.
func Get() *bytes.Buffer {
	b, ok := bpool.Get().(*bytes.Buffer)
	if !ok {
		b = &bytes.Buffer{}
	}
	return b
}

// Put returns the provided buffer into the pool. Buffers which grew beyond
// MaxPooledSize are dropped.
func Put(b *bytes.Buffer) {
	if b.Cap() > MaxPooledSize {
		return
	}
	b.Reset()
	bpool.Put(b)
}
