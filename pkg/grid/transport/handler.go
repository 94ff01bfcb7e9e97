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

// Package transport provides the request/response primitives the grid routes
// internally, and the composable filter chain wrapped around them.
//
// A Filter is an ordered `(next) -> handler` transform; Chain applies filters
// by explicit composition, first filter outermost. The same Handler shape is
// used for inbound dispatch and for outbound calls to workers, so concerns
// like tracing and retries compose the same way on both sides.
package transport

import (
	"context"
	"net/http"
)

// Request is the transport-level view of one HTTP request.
type Request struct {
	Method string
	// Host is the destination authority (or base URL) for outbound requests.
	// Empty for requests this process is serving.
	Host   string
	Path   string
	Header http.Header
	Body   []byte
	// Params holds path parameters bound by the router.
	Params map[string]string
}

// Response is the transport-level view of one HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Handler executes a request.
type Handler interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Filter wraps a handler with additional behavior.
type Filter func(next Handler) Handler

// Chain composes filters around a handler. The first filter is outermost:
// Chain(h, a, b) executes a, then b, then h.
func Chain(h Handler, filters ...Filter) Handler {
	for i := len(filters) - 1; i >= 0; i-- {
		h = filters[i](h)
	}
	return h
}
