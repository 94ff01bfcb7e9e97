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

package transport

import (
	"context"
	"encoding/json"
	"net/http"

	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

// errorBody is the wire shape of every surfaced failure.
type errorBody struct {
	Value errorValue `json:"value"`
}

type errorValue struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// wireError maps a canonical error code to the wire-level error string.
func wireError(code string) string {
	switch code {
	case errutil.RoutingMiss:
		return "unknown command"
	case errutil.SessionNotFound:
		return "invalid session id"
	case errutil.BadRequest:
		return "invalid argument"
	case errutil.QueueTimeout, errutil.SessionCreation, errutil.NoCapableWorker:
		return "session not created"
	default:
		return "unknown error"
	}
}

// ErrorResponse renders err as a well-formed transport error response.
func ErrorResponse(err error) *Response {
	code := errutil.CanonicalCode(err)
	body, marshalErr := json.Marshal(errorBody{Value: errorValue{
		Error:   wireError(code),
		Message: err.Error(),
	}})
	if marshalErr != nil {
		body = []byte(`{"value":{"error":"unknown error","message":"failed to encode error"}}`)
	}
	return &Response{
		Status: errutil.HTTPStatus(code),
		Header: http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
		Body:   body,
	}
}

// NormalizeErrors converts any error escaping the inner handlers into a
// structured error response, so no internal failure reaches the caller as a
// bare transport error.
func NormalizeErrors() Filter {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			resp, err := next.Execute(ctx, req)
			if err == nil {
				return resp, nil
			}
			logger := logutil.FromContext(ctx)
			logger.V(logutil.DEBUG).Info("Normalizing handler error",
				"method", req.Method, "path", req.Path, "code", errutil.CanonicalCode(err), "error", err.Error())
			return ErrorResponse(err), nil
		})
	}
}
