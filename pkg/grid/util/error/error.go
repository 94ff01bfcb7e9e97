/*
Copyright 2026 The WebGrid Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package error

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error struct for errors returned by the grid.
type Error struct {
	Code string
	Msg  string
}

// Canonical error codes. Every error surfaced to a caller carries exactly one
// of these, plus a human-readable message.
const (
	Unknown            = "Unknown"
	BadRequest         = "BadRequest"
	Internal           = "Internal"
	DuplicateNode      = "DuplicateNode"
	NoCapableWorker    = "NoCapableWorker"
	QueueTimeout       = "QueueTimeout"
	SessionCreation    = "SessionCreation"
	SessionNotFound    = "SessionNotFound"
	RoutingMiss        = "RoutingMiss"
	TransientTransport = "TransientTransport"
)

// Error returns a string version of the error.
func (e Error) Error() string {
	return fmt.Sprintf("webgrid: %s - %s", e.Code, e.Msg)
}

// CanonicalCode returns the error's code, or Unknown for foreign errors.
func CanonicalCode(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// HTTPStatus maps a canonical code to the HTTP status used on the wire.
func HTTPStatus(code string) int {
	switch code {
	case BadRequest:
		return http.StatusBadRequest
	case DuplicateNode:
		return http.StatusConflict
	case RoutingMiss, SessionNotFound:
		return http.StatusNotFound
	case QueueTimeout, SessionCreation, NoCapableWorker, TransientTransport, Internal, Unknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
