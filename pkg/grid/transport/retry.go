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
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/vincentmendiola/webgrid/pkg/grid/metrics"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

// Default retry budgets for outbound requests to workers.
const (
	DefaultRetriesOnConnectionFailure = 3
	DefaultRetriesOnServerError       = 2
)

// Retry returns a filter with the default budgets.
func Retry() Filter {
	return RetryWithBudgets(DefaultRetriesOnConnectionFailure, DefaultRetriesOnServerError)
}

// RetryWithBudgets retries a request on connection-establishment failure and
// on a transient server error (a 500 with an empty body, or a 503). The two
// failure classes have independent budgets sharing one attempt loop. Any
// other error or response is surfaced unchanged, immediately; once a budget
// is exhausted the last observed failure is surfaced unchanged.
func RetryWithBudgets(retriesOnConnectionFailure, retriesOnServerError int) Filter {
	neededAttempts := retriesOnConnectionFailure
	if retriesOnServerError > neededAttempts {
		neededAttempts = retriesOnServerError
	}
	neededAttempts++

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			logger := logutil.FromContext(ctx)
			for i := 0; i < neededAttempts; i++ {
				resp, err := next.Execute(ctx, req)
				if err != nil {
					if isConnectionFailure(err) && i < retriesOnConnectionFailure {
						logger.V(logutil.DEBUG).Info("Retrying on connection failure",
							"attempt", i+1, "path", req.Path, "error", err.Error())
						metrics.RecordTransportRetry("connection_failure")
						continue
					}
					return nil, err
				}

				if isTransientServerError(resp) && i < retriesOnServerError {
					logger.V(logutil.DEBUG).Info("Retrying on server error",
						"attempt", i+1, "path", req.Path, "status", resp.Status)
					metrics.RecordTransportRetry("server_error")
					continue
				}
				return resp, nil
			}

			// Unreachable: every attempt either returned or continued, and the
			// loop bound exceeds both budgets.
			return nil, errutil.Error{Code: errutil.Internal, Msg: "retry budget accounting is inconsistent"}
		})
	}
}

// isConnectionFailure reports whether err is a failure to establish the
// connection, as opposed to a failure on an established one.
func isConnectionFailure(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// isTransientServerError matches the responses worth retrying: a 500 with an
// empty body (a worker crash mid-handling carries no diagnostic body) or a
// 503. A 500 carrying a body is a real answer and is returned as-is.
func isTransientServerError(resp *Response) bool {
	if resp.Status == http.StatusInternalServerError && len(resp.Body) == 0 {
		return true
	}
	return resp.Status == http.StatusServiceUnavailable
}
