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

package distributor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentmendiola/webgrid/pkg/grid/capabilities"
	"github.com/vincentmendiola/webgrid/pkg/grid/registry"
	"github.com/vincentmendiola/webgrid/pkg/grid/sessionqueue"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

var chromeCaps = capabilities.Set{
	capabilities.BrowserNameKey:    "chrome",
	capabilities.BrowserVersionKey: "114.0",
	capabilities.PlatformNameKey:   "linux",
}

// fakeNodeClient records calls and lets tests script per-node create failures.
type fakeNodeClient struct {
	mu        sync.Mutex
	failNodes map[string]error
	nextID    int
	calls     int
	createdOn []string
	deleted   []string
}

func newFakeNodeClient() *fakeNodeClient {
	return &fakeNodeClient{failNodes: make(map[string]error)}
}

func (c *fakeNodeClient) CreateSession(_ context.Context, node registry.Candidate, _ capabilities.Set) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err, ok := c.failNodes[node.NodeID]; ok {
		return "", err
	}
	c.nextID++
	c.createdOn = append(c.createdOn, node.NodeID)
	return fmt.Sprintf("session-%d", c.nextID), nil
}

func (c *fakeNodeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeNodeClient) DeleteSession(_ context.Context, _, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, sessionID)
	return nil
}

func (c *fakeNodeClient) deletedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

type recordingListener struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (l *recordingListener) SessionStarted(_ context.Context, nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, nodeID)
}

func (l *recordingListener) SessionEnded(_ context.Context, nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, nodeID)
}

func newTestRegistry(t *testing.T, nodes ...registry.NodeInfo) registry.Registry {
	t.Helper()
	reg := registry.NewRegistry(capabilities.NewSlotMatcher(nil), registry.Config{})
	for _, n := range nodes {
		require.NoError(t, reg.Register(n))
	}
	return reg
}

func chromeNode(id string, slots int) registry.NodeInfo {
	return registry.NodeInfo{
		ID:      id,
		Address: "http://" + id + ":5555",
		Slots:   []registry.SlotInfo{{Stereotype: chromeCaps, Total: slots}},
	}
}

func request(id string) *sessionqueue.Request {
	return sessionqueue.NewRequest(id, []capabilities.Set{{capabilities.BrowserNameKey: "chrome"}}, time.Now())
}

func awaitResult(t *testing.T, req *sessionqueue.Request) sessionqueue.Result {
	t.Helper()
	select {
	case <-req.Done():
		return req.Result()
	case <-time.After(time.Second):
		t.Fatalf("request %s never resolved", req.ID)
		return sessionqueue.Result{}
	}
}

func TestSubmitMatchesImmediately(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	d := New(reg, queue, client)

	req := request("req-1")
	require.NoError(t, d.Submit(ctx, req))

	res := awaitResult(t, req)
	require.NoError(t, res.Err)
	assert.Equal(t, "node-a", res.Session.NodeID)
	assert.Equal(t, "http://node-a:5555", res.Session.NodeAddress)
	assert.Zero(t, queue.Len())
}

func TestQueuedRequestServedWhenSessionEnds(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	d := New(reg, queue, client)

	first := request("req-1")
	require.NoError(t, d.Submit(ctx, first))
	firstRes := awaitResult(t, first)
	require.NoError(t, firstRes.Err)

	// The node is at capacity; the second request waits.
	second := request("req-2")
	require.NoError(t, d.Submit(ctx, second))
	assert.Equal(t, 1, queue.Len())

	require.NoError(t, d.ReleaseSession(ctx, firstRes.Session.SessionID))

	secondRes := awaitResult(t, second)
	require.NoError(t, secondRes.Err)
	assert.Equal(t, "node-a", secondRes.Session.NodeID)
	assert.Zero(t, queue.Len())
}

func TestCreateFailureFallsBackToNextCandidate(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1), chromeNode("node-b", 1))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	client.failNodes["node-a"] = fmt.Errorf("browser crashed on startup")
	d := New(reg, queue, client)

	req := request("req-1")
	require.NoError(t, d.Submit(ctx, req))

	res := awaitResult(t, req)
	require.NoError(t, res.Err)
	assert.Equal(t, "node-b", res.Session.NodeID)

	// node-a's failed reservation must have been released.
	for _, snap := range reg.Snapshot() {
		if snap.ID == "node-a" {
			assert.Zero(t, snap.Slots[0].Used)
		}
	}
}

func TestAllCandidatesFailRequeuesAtFront(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	client.failNodes["node-a"] = fmt.Errorf("out of disk")
	d := New(reg, queue, client)

	req := request("req-1")
	require.NoError(t, d.Submit(ctx, req))

	// Not resolved, back in the queue, capacity released.
	select {
	case <-req.Done():
		t.Fatal("request must stay pending after a transient create failure")
	default:
	}
	assert.Equal(t, 1, queue.Len())
	assert.Zero(t, reg.Snapshot()[0].Slots[0].Used)

	// The node recovers; the next pass serves the request.
	client.mu.Lock()
	delete(client.failNodes, "node-a")
	client.mu.Unlock()
	d.NodeUpdated(ctx)

	res := awaitResult(t, req)
	require.NoError(t, res.Err)
}

func TestFailingCandidateTriedOncePerPass(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	client.failNodes["node-a"] = fmt.Errorf("browser binary missing")
	d := New(reg, queue, client)

	// Submit returns once the pass has tried node-a exactly once and
	// requeued; it must not spin on the same failing node within the pass.
	require.NoError(t, d.Submit(ctx, request("req-1")))

	assert.Equal(t, 1, client.callCount())
	assert.Equal(t, 1, queue.Len())
	assert.Zero(t, reg.Snapshot()[0].Slots[0].Used)

	// A later pass tries again.
	d.NodeUpdated(ctx)
	assert.Equal(t, 2, client.callCount())
	assert.Equal(t, 1, queue.Len())
}

// ctxSensitiveClient refuses to create sessions under a dead context.
type ctxSensitiveClient struct {
	inner *fakeNodeClient
}

func (c *ctxSensitiveClient) CreateSession(ctx context.Context, node registry.Candidate, caps capabilities.Set) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.inner.CreateSession(ctx, node, caps)
}

func (c *ctxSensitiveClient) DeleteSession(ctx context.Context, addr, sessionID string) error {
	return c.inner.DeleteSession(ctx, addr, sessionID)
}

func TestWorkerCallsDetachedFromCallerContext(t *testing.T) {
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	d := New(reg, queue, &ctxSensitiveClient{inner: newFakeNodeClient()})

	// The caller's connection is already gone when the pass runs; the
	// worker-side call must still go through for whichever request the pass
	// is serving.
	ctx, cancel := context.WithCancel(logutil.NewTestLoggerIntoContext(context.Background()))
	cancel()

	req := request("req-1")
	require.NoError(t, d.Submit(ctx, req))

	res := awaitResult(t, req)
	require.NoError(t, res.Err)
	assert.Equal(t, "node-a", res.Session.NodeID)
}

func TestTimedOutRequestGetsSessionTornDown(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	d := New(reg, queue, client)

	req := request("req-1")
	require.NoError(t, queue.Enqueue(req))
	// The sweep wins the race before the pass finishes.
	require.True(t, queue.Complete(req.ID, sessionqueue.Failure(errutil.QueueTimeout, "new session request timed out")))

	d.DispatchPass(ctx)

	res := awaitResult(t, req)
	require.Error(t, res.Err)
	assert.Equal(t, errutil.QueueTimeout, errutil.CanonicalCode(res.Err))
	// No leaked capacity and no orphaned worker session.
	assert.Zero(t, reg.Snapshot()[0].Slots[0].Used)
}

func TestInFlightCompletionRaceTearsDownSession(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	d := New(reg, queue, nil)

	req := request("req-1")
	require.NoError(t, queue.Enqueue(req))

	// Simulate the caller vanishing after the slot was reserved but before
	// the session was recorded.
	racing := &racingClient{queue: queue, inner: newFakeNodeClient()}
	d.client = racing

	d.DispatchPass(ctx)

	assert.Zero(t, reg.Snapshot()[0].Slots[0].Used, "capacity must be released")
	assert.Len(t, racing.inner.deletedSessions(), 1, "unwanted session must be torn down on the worker")
}

// racingClient completes the request out from under the distributor between
// CreateSession returning and the result being delivered.
type racingClient struct {
	queue *sessionqueue.Queue
	inner *fakeNodeClient
}

func (c *racingClient) CreateSession(ctx context.Context, node registry.Candidate, caps capabilities.Set) (string, error) {
	id, err := c.inner.CreateSession(ctx, node, caps)
	if err == nil {
		c.queue.Complete("req-1", sessionqueue.Failure(errutil.QueueTimeout, "new session request timed out"))
	}
	return id, err
}

func (c *racingClient) DeleteSession(ctx context.Context, addr, sessionID string) error {
	return c.inner.DeleteSession(ctx, addr, sessionID)
}

func TestCancelledRequestIsSkippedAndResolved(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	d := New(reg, queue, client)

	req := request("req-1")
	require.NoError(t, queue.Enqueue(req))
	req.Cancel()

	d.DispatchPass(ctx)

	assert.Zero(t, queue.Len())
	assert.Empty(t, client.createdOn, "no session may be created for an abandoned request")
	assert.Zero(t, reg.Snapshot()[0].Slots[0].Used)
}

func TestPassServesOldestFirst(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t)
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	d := New(reg, queue, client)

	// Queue three requests against an empty grid.
	reqs := []*sessionqueue.Request{request("req-1"), request("req-2"), request("req-3")}
	for _, r := range reqs {
		require.NoError(t, d.Submit(ctx, r))
	}
	assert.Equal(t, 3, queue.Len())

	// Two slots arrive; the two oldest requests are served.
	require.NoError(t, reg.Register(chromeNode("node-a", 2)))
	d.NodeUpdated(ctx)

	for _, r := range reqs[:2] {
		res := awaitResult(t, r)
		require.NoError(t, res.Err)
	}
	select {
	case <-reqs[2].Done():
		t.Fatal("the newest request must still be waiting")
	default:
	}
	assert.Equal(t, 1, queue.Len())
}

func TestNoCandidateLeavesRequestQueued(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	d := New(reg, queue, client)

	req := sessionqueue.NewRequest("req-ff", []capabilities.Set{{capabilities.BrowserNameKey: "firefox"}}, time.Now())
	require.NoError(t, d.Submit(ctx, req))

	assert.Equal(t, 1, queue.Len(), "unsatisfiable requests wait for capacity, they are not rejected")
}

func TestListenersObserveLifecycle(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 1))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	listener := &recordingListener{}
	d := New(reg, queue, client, listener)

	req := request("req-1")
	require.NoError(t, d.Submit(ctx, req))
	res := awaitResult(t, req)
	require.NoError(t, res.Err)
	require.NoError(t, d.ReleaseSession(ctx, res.Session.SessionID))

	assert.Equal(t, []string{"node-a"}, listener.started)
	assert.Equal(t, []string{"node-a"}, listener.ended)
}

func TestReleaseUnknownSession(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	d := New(newTestRegistry(t), sessionqueue.New(time.Minute), newFakeNodeClient())

	err := d.ReleaseSession(ctx, "no-such-session")
	require.Error(t, err)
	assert.Equal(t, errutil.SessionNotFound, errutil.CanonicalCode(err))
}

func TestConcurrentSubmitsNeverOvercommit(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	reg := newTestRegistry(t, chromeNode("node-a", 2), chromeNode("node-b", 2))
	queue := sessionqueue.New(time.Minute)
	client := newFakeNodeClient()
	d := New(reg, queue, client)

	const requests = 16
	var wg sync.WaitGroup
	reqs := make([]*sessionqueue.Request, requests)
	for i := 0; i < requests; i++ {
		reqs[i] = request(fmt.Sprintf("req-%d", i))
		wg.Add(1)
		go func(r *sessionqueue.Request) {
			defer wg.Done()
			_ = d.Submit(ctx, r)
		}(reqs[i])
	}
	wg.Wait()

	resolved := 0
	for _, r := range reqs {
		select {
		case <-r.Done():
			resolved++
		default:
		}
	}
	assert.Equal(t, 4, resolved, "exactly the grid's total capacity may be assigned")
	assert.Equal(t, requests-4, queue.Len())

	for _, snap := range reg.Snapshot() {
		assert.LessOrEqual(t, snap.Slots[0].Used, snap.Slots[0].Total)
	}
}
