/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package api

import (
	"errors"
)

// Error codes.
const (
	ErrorCodeUnspecifiedError = "ErrorUnspecifiedError"
	ErrorCodePartyNotFound    = "ErrorPartyNotFound"
	ErrorCodeServiceMissing   = "ErrorServiceUnavailable"
)

// Causes mapped to HTTP status codes by WriteErrorAsJSON.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
)
