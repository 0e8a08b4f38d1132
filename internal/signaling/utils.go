/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package signaling

import (
	"net/url"
)

// WebsocketURL returns a copy of uri with http(s) mapped to ws(s) and the
// optional token added as query parameter.
func WebsocketURL(uri *url.URL, token string) string {
	u := *uri
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
