// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// StatusError is a non-2xx API response
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string // machine readable error code from the body, if any
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: server returned status %d (%s): %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: server returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// TransportError means the request never produced an HTTP response
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: failed to send HTTP request: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorBody is the JSON error envelope returned by the API
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newStatusError(method, path string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: string(body)}
	var eb ErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		se.Code = eb.Error
		se.Message = eb.Message
	}
	return se
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsNotFound reports a 404 response
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsTransport reports a failure to reach the server at all. Context
// cancellation is not a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// IsRetryable reports a server-side failure worth retrying later
func IsRetryable(err error) bool {
	code := StatusCode(err)
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// IsRejected reports a request the server will never accept as sent
func IsRejected(err error) bool {
	switch StatusCode(err) {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusConflict,
		http.StatusForbidden, http.StatusMethodNotAllowed:
		return true
	}
	return false
}
