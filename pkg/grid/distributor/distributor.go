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

// Package distributor matches queued new-session requests against available
// worker capacity.
//
// The distributor is the system's single serialization point: reservations
// against registry capacity and dequeues from the session queue happen
// together under one mutex, so two concurrent matching passes can never
// both claim the same unit of capacity. The only blocking step — asking a
// worker to actually create the session — runs outside that mutex; capacity
// is reserved first and released again if creation fails.
package distributor

import (
	"context"
	"sync"
	"time"

	"github.com/vincentmendiola/webgrid/pkg/grid/capabilities"
	"github.com/vincentmendiola/webgrid/pkg/grid/metrics"
	"github.com/vincentmendiola/webgrid/pkg/grid/registry"
	"github.com/vincentmendiola/webgrid/pkg/grid/sessionqueue"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

// NodeClient is the external collaborator that speaks to workers.
type NodeClient interface {
	// CreateSession asks the worker at node to start a session for caps and
	// returns the worker-assigned session id.
	CreateSession(ctx context.Context, node registry.Candidate, caps capabilities.Set) (string, error)
	// DeleteSession tears a session down on its worker.
	DeleteSession(ctx context.Context, nodeAddress, sessionID string) error
}

// SessionLifecycleListener is notified after a session starts or ends on a
// node. The drain controller uses this to advance its state machine.
type SessionLifecycleListener interface {
	SessionStarted(ctx context.Context, nodeID string)
	SessionEnded(ctx context.Context, nodeID string)
}

// Distributor owns the matching pass.
type Distributor struct {
	registry  registry.Registry
	queue     *sessionqueue.Queue
	client    NodeClient
	listeners []SessionLifecycleListener

	// mu serializes the {queue, capacity} mutations of a matching pass.
	mu sync.Mutex
}

// New creates a Distributor.
func New(reg registry.Registry, queue *sessionqueue.Queue, client NodeClient, listeners ...SessionLifecycleListener) *Distributor {
	return &Distributor{
		registry:  reg,
		queue:     queue,
		client:    client,
		listeners: listeners,
	}
}

// Submit enqueues a new-session request and immediately runs a matching
// pass. The request is always enqueued first, so an arrival can never jump a
// queued request that was satisfiable at the same instant; the pass serves
// the oldest satisfiable request first. Submit does not block waiting for a
// match — callers wait on the request's Done channel.
func (d *Distributor) Submit(ctx context.Context, req *sessionqueue.Request) error {
	if err := d.queue.Enqueue(req); err != nil {
		return err
	}
	d.DispatchPass(ctx)
	return nil
}

// ReleaseSession handles a client quit: the session is removed, its slot
// freed, the worker told to tear the session down, and a fresh matching pass
// run against the queue.
func (d *Distributor) ReleaseSession(ctx context.Context, sessionID string) error {
	sess, err := d.registry.EndSession(sessionID)
	if err != nil {
		return err
	}

	logger := logutil.FromContext(ctx)
	if err := d.client.DeleteSession(ctx, sess.NodeAddress, sessionID); err != nil {
		// The slot is already freed; a worker that lost the session anyway is
		// not an error worth surfacing to the quitting client.
		logger.V(logutil.DEBUG).Info("Worker-side session teardown failed",
			"sessionID", sessionID, "node", sess.NodeID, "error", err.Error())
	}

	for _, l := range d.listeners {
		l.SessionEnded(ctx, sess.NodeID)
	}
	d.DispatchPass(ctx)
	return nil
}

// NodeUpdated runs a matching pass after any registry capacity change (a
// node registered, recovered, or heartbeated).
func (d *Distributor) NodeUpdated(ctx context.Context) {
	d.DispatchPass(ctx)
}

// DispatchPass repeatedly matches the oldest satisfiable queued request to
// the most-preferred reservable slot until no more matches are possible.
// Each request is attempted at most once per pass: one whose candidates all
// failed creation sits at the front of the queue for a later pass instead of
// being retried in this one.
func (d *Distributor) DispatchPass(ctx context.Context) {
	// The pass may serve requests other than the caller's own; worker calls
	// must not die with the caller's connection.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	defer func() {
		metrics.RecordSchedulingPass(time.Since(start))
	}()

	tried := make(map[string]struct{})
	for {
		a := d.nextAssignment(ctx, tried)
		if a == nil {
			return
		}
		tried[a.req.ID] = struct{}{}
		d.assign(ctx, a)
	}
}

// assignment is one matched (request, reserved slot) pair, carrying the
// rest of the candidate list for same-pass retries.
type assignment struct {
	req       *sessionqueue.Request
	caps      capabilities.Set
	reserved  registry.Candidate
	remaining []registry.Candidate
}

// nextAssignment scans the queue in FIFO order and reserves capacity for the
// first request any alternative of which can be satisfied, skipping requests
// this pass already attempted. Runs entirely under d.mu; never performs I/O.
func (d *Distributor) nextAssignment(ctx context.Context, tried map[string]struct{}) *assignment {
	d.mu.Lock()
	defer d.mu.Unlock()

	logger := logutil.FromContext(ctx)

	for _, req := range d.queue.Queued() {
		if _, done := tried[req.ID]; done {
			continue
		}
		if req.Cancelled() {
			d.queue.Complete(req.ID, sessionqueue.Failure(errutil.SessionCreation, "client has gone away"))
			continue
		}

		// Alternatives are tried in the order given: first satisfiable
		// alternative wins, not best.
		for _, alt := range req.Capabilities {
			candidates := d.registry.FindCapable(alt)
			if len(candidates) == 0 {
				continue
			}
			for i, cand := range candidates {
				if !d.registry.Reserve(cand.NodeID, cand.Stereotype) {
					// Lost the reservation race; try the next candidate.
					continue
				}
				if !d.queue.Take(req.ID) {
					// The request completed (or timed out) between snapshot
					// and now.
					d.registry.Release(cand.NodeID, cand.Stereotype)
					break
				}
				logger.V(logutil.DEBUG).Info("Reserved slot for request",
					"requestID", req.ID, "node", cand.NodeID)
				return &assignment{
					req:       req,
					caps:      alt,
					reserved:  cand,
					remaining: candidates[i+1:],
				}
			}
			// This alternative had candidates; per first-match semantics the
			// later alternatives are not consulted for this request.
			break
		}
	}
	return nil
}

// assign performs the worker-side session creation for a reserved slot. Runs
// outside d.mu; only re-acquires it briefly to reserve follow-up candidates.
func (d *Distributor) assign(ctx context.Context, a *assignment) {
	logger := logutil.FromContext(ctx)

	cand := a.reserved
	remaining := a.remaining
	for {
		sessionID, err := d.client.CreateSession(ctx, cand, a.caps)
		if err == nil {
			d.finish(ctx, a.req, cand, sessionID)
			return
		}

		logger.V(logutil.DEFAULT).Info("Session creation failed on worker",
			"requestID", a.req.ID, "node", cand.NodeID, "error", err.Error())
		d.registry.Release(cand.NodeID, cand.Stereotype)

		next, ok := d.reserveNext(&remaining)
		if !ok {
			// Every candidate failed within this pass. The request goes back
			// to the front of the queue to keep its wait priority — unless
			// its own timeout elapsed, in which case RetryAdd fails it.
			d.queue.RetryAdd(a.req)
			return
		}
		cand = next
	}
}

// reserveNext reserves the first still-available candidate from the rest of
// the list computed by nextAssignment.
func (d *Distributor) reserveNext(remaining *[]registry.Candidate) (registry.Candidate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(*remaining) > 0 {
		cand := (*remaining)[0]
		*remaining = (*remaining)[1:]
		if d.registry.Reserve(cand.NodeID, cand.Stereotype) {
			return cand, true
		}
	}
	return registry.Candidate{}, false
}

// finish records the created session and completes the request. When the
// completion loses the race against a timeout or cancellation, the fresh
// session is no longer wanted and is torn down immediately.
func (d *Distributor) finish(ctx context.Context, req *sessionqueue.Request, cand registry.Candidate, sessionID string) {
	logger := logutil.FromContext(ctx)

	sess := registry.Session{
		ID:          sessionID,
		NodeID:      cand.NodeID,
		NodeAddress: cand.Address,
		RequestID:   req.ID,
		Stereotype:  cand.Stereotype,
	}
	if err := d.registry.AddSession(sess); err != nil {
		// Node vanished between reserve and create. The session has no home
		// in the grid; drop it on the worker too.
		logger.V(logutil.DEFAULT).Error(err, "Recording session failed", "sessionID", sessionID)
		_ = d.client.DeleteSession(ctx, cand.Address, sessionID)
		d.queue.RetryAdd(req)
		return
	}

	completed := d.queue.Complete(req.ID, sessionqueue.Result{
		Session: &sessionqueue.SessionDescriptor{
			SessionID:   sessionID,
			NodeID:      cand.NodeID,
			NodeAddress: cand.Address,
		},
	})
	if !completed {
		// The caller is gone (timeout or cancellation won the race). Session
		// created but no longer wanted: immediate teardown, which also
		// releases the reservation.
		logger.V(logutil.DEFAULT).Info("Completing request lost the race; tearing down session",
			"requestID", req.ID, "sessionID", sessionID)
		if _, err := d.registry.EndSession(sessionID); err == nil {
			_ = d.client.DeleteSession(ctx, cand.Address, sessionID)
		}
		return
	}

	logger.V(logutil.VERBOSE).Info("Session created",
		"requestID", req.ID, "sessionID", sessionID, "node", cand.NodeID)
	for _, l := range d.listeners {
		l.SessionStarted(ctx, cand.NodeID)
	}
}
