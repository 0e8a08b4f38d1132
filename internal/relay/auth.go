/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// Authentication errors.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// claimUserID is the token claim carrying the party id, sub is the fallback.
const claimUserID = "user_id"

// Authenticate returns the party of req. With a secret, an HS256 token is
// required in the token query parameter or as bearer authorization. Without
// a secret the party is taken from the user query parameter.
func Authenticate(req *http.Request, secret []byte) (signaling.PartyID, error) {
	if len(secret) == 0 {
		user := req.URL.Query().Get("user")
		if user == "" {
			return "", ErrMissingCredentials
		}
		return signaling.PartyID(user), nil
	}

	raw := req.URL.Query().Get("token")
	if raw == "" {
		if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if raw == "" {
		return "", ErrMissingCredentials
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	switch v := claims[claimUserID].(type) {
	case string:
		if v != "" {
			return signaling.PartyID(v), nil
		}
	case float64:
		return signaling.PartyID(strconv.FormatInt(int64(v), 10)), nil
	}
	if sub, _ := claims.GetSubject(); sub != "" {
		return signaling.PartyID(sub), nil
	}
	return "", fmt.Errorf("%w: no user claim", ErrInvalidToken)
}

// NewToken creates an HS256 token for party which expires after ttl.
func NewToken(secret []byte, party signaling.PartyID, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret cannot be empty")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		claimUserID: string(party),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
