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

package sessionqueue

import (
	"sync"
	"time"

	"github.com/vincentmendiola/webgrid/pkg/grid/capabilities"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
)

// SessionDescriptor identifies a session created on a worker, and is what a
// successful new-session request resolves to.
type SessionDescriptor struct {
	SessionID   string `json:"sessionId"`
	NodeID      string `json:"nodeId"`
	NodeAddress string `json:"nodeAddress"`
}

// Result is the terminal outcome of a new-session request. Exactly one of
// Session and Err is set.
type Result struct {
	Session *SessionDescriptor
	Err     error
}

// RequestCapabilities is the read-only queue-contents view exposed on the
// status endpoint.
type RequestCapabilities struct {
	RequestID    string             `json:"requestId"`
	Capabilities []capabilities.Set `json:"capabilities"`
}

// Request is a pending new-session request.
//
// The completion sink is single-assignment: the first complete() wins and
// every waiter observes the same Result. Completion is driven through
// Queue.Complete so queue bookkeeping and the sink stay consistent.
type Request struct {
	// ID is the opaque request id.
	ID string
	// Capabilities holds the alternative capability sets in first-match order.
	Capabilities []capabilities.Set
	// Enqueued is the time the request entered the queue.
	Enqueued time.Time

	deadline time.Time

	mu        sync.Mutex
	completed bool
	cancelled bool
	result    Result
	done      chan struct{}
}

// NewRequest builds a Request with the given identity and capability
// alternatives.
func NewRequest(id string, caps []capabilities.Set, enqueued time.Time) *Request {
	return &Request{
		ID:           id,
		Capabilities: caps,
		Enqueued:     enqueued,
		done:         make(chan struct{}),
	}
}

// Done is closed once the request has a Result.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the terminal outcome. Only valid after Done is closed.
func (r *Request) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Deadline is the instant after which the request times out.
func (r *Request) Deadline() time.Time {
	return r.deadline
}

// TimedOut reports whether the request's deadline has elapsed at now.
func (r *Request) TimedOut(now time.Time) bool {
	return r.deadline.Before(now)
}

// Cancel marks the request as abandoned by its caller. The session, if one is
// created anyway, must be torn down rather than handed out.
func (r *Request) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

// Cancelled reports whether the caller has gone away.
func (r *Request) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// complete writes the sink exactly once. Returns false if the sink was
// already written or the request was cancelled.
func (r *Request) complete(res Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed || r.cancelled {
		return false
	}
	r.result = res
	r.completed = true
	close(r.done)
	return true
}

// Failure is shorthand for a failed Result with a canonical code.
func Failure(code, msg string) Result {
	return Result{Err: errutil.Error{Code: code, Msg: msg}}
}
