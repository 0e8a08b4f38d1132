/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"errors"
)

// Errors returned by Machine operations.
var (
	ErrNotIdle       = errors.New("another call is active")
	ErrInvalidState  = errors.New("operation not allowed in current call state")
	ErrBusy          = errors.New("call setup in progress")
	ErrNoSession     = errors.New("no active call")
	ErrInvalidTarget = errors.New("invalid call target")
	ErrStopped       = errors.New("call machine stopped")
	ErrNotVideo      = errors.New("call has no video")
)
