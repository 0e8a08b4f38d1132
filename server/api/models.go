/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package api

import (
	"fmt"
	"net/http"
)

// CollectionResource wraps a list of values for JSON output.
type CollectionResource struct {
	ODataContext  string `json:"@odata.context"`
	ODataNextLink string `json:"@odata.nextLink,omitempty"`

	Count  int        `json:"@odata.count"`
	Values Collection `json:"values"`
}

type Collection interface{}

// NewCollectionResource creates a CollectionResource for values which were
// requested with req.
func NewCollectionResource(values []interface{}, req *http.Request) *CollectionResource {
	if values == nil {
		values = make([]interface{}, 0)
	}
	return &CollectionResource{
		ODataContext: req.URL.Path,

		Count:  len(values),
		Values: values,
	}
}

// ItemResource wraps a single item for JSON output.
type ItemResource struct {
	ODataContext string `json:"@odata.context"`
	Item         `json:"value"`
}

type Item interface{}

// NewItemResource creates an ItemResource for item which was requested with
// req.
func NewItemResource(item Item, req *http.Request) *ItemResource {
	return &ItemResource{
		ODataContext: req.URL.Path,
		Item:         item,
	}
}

// PartyResource describes a party connected to the relay.
type PartyResource struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
}

type ErrorWithCodeAndMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	innerError error
}

func NewErrorWithCodeAndMessage(code string, message string, err error) *ErrorWithCodeAndMessage {
	return &ErrorWithCodeAndMessage{
		Code:    code,
		Message: message,

		innerError: err,
	}
}

func (err *ErrorWithCodeAndMessage) Error() string {
	code := err.Code
	message := err.Message
	if message == "" && err.innerError != nil {
		message = err.innerError.Error()
	}

	return fmt.Sprintf("%s: %s", code, message)
}

func (err *ErrorWithCodeAndMessage) Unwrap() error {
	return err.innerError
}
