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

// Package sessionqueue implements the in-memory list of pending new-session
// requests.
//
// The lifecycle of a request:
//
//  1. The request is added with Enqueue. The caller then waits on
//     Request.Done().
//  2. The distributor pulls it with DequeueMatching (or Take) when capacity
//     is available. While being processed the request is no longer queued but
//     is still tracked, so Complete can resolve it.
//  3. Complete resolves the request exactly once, from whichever code path
//     gets there first. Completing an unknown or already-completed request is
//     a benign no-op.
//  4. A request that could not be served is returned to the front of the
//     queue with RetryAdd, keeping its original wait priority.
//
// A periodic sweep (RunSweeper or TimeoutSweep) fails every queued request
// whose deadline has elapsed. The sweep interval is a tunable, not a
// correctness requirement; correctness relies only on the sweep eventually
// running.
package sessionqueue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vincentmendiola/webgrid/pkg/grid/metrics"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

// entry tracks a request the queue knows about. elem is nil while the
// request is being processed by the distributor (dequeued but not completed).
type entry struct {
	req  *Request
	elem *list.Element
}

// Queue is the FIFO new-session queue. Concurrent-safe.
type Queue struct {
	requestTimeout time.Duration

	mu      sync.Mutex
	pending *list.List // of *Request, oldest first
	byID    map[string]*entry
}

// New creates a Queue whose requests time out requestTimeout after enqueue.
func New(requestTimeout time.Duration) *Queue {
	return &Queue{
		requestTimeout: requestTimeout,
		pending:        list.New(),
		byID:           make(map[string]*entry),
	}
}

// Enqueue appends the request to the tail. O(1); never blocks on I/O.
func (q *Queue) Enqueue(req *Request) error {
	if req == nil {
		return errutil.Error{Code: errutil.Internal, Msg: "nil session request"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[req.ID]; ok {
		return errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("request %s is already queued", req.ID)}
	}
	req.deadline = req.Enqueued.Add(q.requestTimeout)
	q.byID[req.ID] = &entry{req: req, elem: q.pending.PushBack(req)}
	metrics.RecordQueueDepth(q.pending.Len())
	return nil
}

// DequeueMatching removes and returns the first queued request (FIFO order)
// for which the predicate holds, or nil when none does. The request stays
// tracked so Complete can resolve it.
func (q *Queue) DequeueMatching(predicate func(*Request) bool) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.pending.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if predicate(req) {
			q.unlink(req.ID)
			return req
		}
	}
	return nil
}

// DequeueBatch removes up to max matching requests in FIFO order. Mirrors the
// batched pull a polling distributor uses to fill several freed slots at
// once.
func (q *Queue) DequeueBatch(predicate func(*Request) bool, max int) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Request
	var next *list.Element
	for e := q.pending.Front(); e != nil && len(out) < max; e = next {
		next = e.Next()
		req := e.Value.(*Request)
		if predicate(req) {
			q.unlink(req.ID)
			out = append(out, req)
		}
	}
	return out
}

// Take removes the identified request from the pending list while keeping it
// tracked. Returns false when the request is unknown or already taken.
func (q *Queue) Take(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ent, ok := q.byID[id]
	if !ok || ent.elem == nil {
		return false
	}
	q.unlink(id)
	return true
}

// RetryAdd returns a previously-taken request to the front of the queue so it
// keeps its original wait priority.
//
// Returns true when no further completion is needed from the caller: the
// request was re-queued, was already queued, or was resolved here because its
// deadline elapsed or its caller went away. Returns false only for requests
// the queue no longer knows about.
func (q *Queue) RetryAdd(req *Request) bool {
	q.mu.Lock()
	ent, ok := q.byID[req.ID]
	if !ok {
		q.mu.Unlock()
		return false
	}

	if req.TimedOut(time.Now()) {
		q.mu.Unlock()
		q.Complete(req.ID, Failure(errutil.QueueTimeout, "timed out creating session"))
		return true
	}
	if req.Cancelled() {
		q.mu.Unlock()
		q.Complete(req.ID, Failure(errutil.SessionCreation, "client has gone away"))
		return true
	}

	if ent.elem == nil {
		ent.elem = q.pending.PushFront(req)
		metrics.RecordQueueDepth(q.pending.Len())
	}
	q.mu.Unlock()
	return true
}

// Complete resolves the identified request with the given outcome and removes
// it from the queue. Returns true when this call performed the completion;
// false when the request was unknown, already completed, or cancelled —
// callers must tolerate that race and treat it as "already completed".
func (q *Queue) Complete(id string, res Result) bool {
	q.mu.Lock()
	ent, ok := q.byID[id]
	if ok {
		if ent.elem != nil {
			q.unlink(id)
		}
		delete(q.byID, id)
	}
	q.mu.Unlock()

	if !ok {
		return false
	}
	if !ent.req.complete(res) {
		return false
	}
	metrics.RecordQueueWait(time.Since(ent.req.Enqueued))
	metrics.RecordSessionOutcome(outcomeLabel(res))
	return true
}

// TimeoutSweep fails every queued request whose deadline passed before now.
// Returns the number of requests failed.
func (q *Queue) TimeoutSweep(now time.Time) int {
	q.mu.Lock()
	var expired []string
	for e := q.pending.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if req.TimedOut(now) {
			expired = append(expired, req.ID)
		}
	}
	q.mu.Unlock()

	for _, id := range expired {
		q.Complete(id, Failure(errutil.QueueTimeout, "new session request timed out"))
	}
	return len(expired)
}

// RunSweeper runs TimeoutSweep every interval until ctx is cancelled.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	logger := logutil.FromContext(ctx).WithName("sessionqueue")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := q.TimeoutSweep(now); n > 0 {
				logger.V(logutil.DEBUG).Info("Timed out queued session requests", "count", n)
			}
		}
	}
}

// Clear fails every tracked request and empties the queue. Returns the
// number of requests that were still pending.
func (q *Queue) Clear() int {
	q.mu.Lock()
	size := q.pending.Len()
	var ids []string
	for id := range q.byID {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.Complete(id, Failure(errutil.SessionCreation, "request queue was cleared"))
	}
	return size
}

// Len returns the number of queued (not in-flight) requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Queued returns a FIFO snapshot of the queued requests.
func (q *Queue) Queued() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Request, 0, q.pending.Len())
	for e := q.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Request))
	}
	return out
}

// Contents returns the queued requests' identities and capability
// alternatives for the status endpoint.
func (q *Queue) Contents() []RequestCapabilities {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]RequestCapabilities, 0, q.pending.Len())
	for e := q.pending.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		out = append(out, RequestCapabilities{RequestID: req.ID, Capabilities: req.Capabilities})
	}
	return out
}

// unlink removes the entry's list element. Caller holds q.mu.
func (q *Queue) unlink(id string) {
	ent := q.byID[id]
	if ent != nil && ent.elem != nil {
		q.pending.Remove(ent.elem)
		ent.elem = nil
		metrics.RecordQueueDepth(q.pending.Len())
	}
}

func outcomeLabel(res Result) string {
	if res.Err == nil {
		return "created"
	}
	switch errutil.CanonicalCode(res.Err) {
	case errutil.QueueTimeout:
		return "timed_out"
	default:
		return "failed"
	}
}
