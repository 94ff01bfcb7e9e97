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

package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentmendiola/webgrid/pkg/grid/capabilities"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
)

var chromeStereotype = capabilities.Set{
	capabilities.BrowserNameKey:    "chrome",
	capabilities.BrowserVersionKey: "114.0",
}

func newTestRegistry() Registry {
	return NewRegistry(capabilities.NewSlotMatcher(nil), Config{})
}

func chromeNode(id string, total int) NodeInfo {
	return NodeInfo{
		ID:      id,
		Address: "http://" + id + ":5555",
		Slots:   []SlotInfo{{Stereotype: chromeStereotype, Total: total}},
	}
}

func TestRegisterDuplicateNode(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(chromeNode("n1", 1)))

	err := r.Register(chromeNode("n1", 1))
	require.Error(t, err)
	assert.Equal(t, errutil.DuplicateNode, errutil.CanonicalCode(err))
}

func TestReserveRespectsCapacity(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(chromeNode("n1", 2)))

	assert.True(t, r.Reserve("n1", chromeStereotype))
	assert.True(t, r.Reserve("n1", chromeStereotype))
	assert.False(t, r.Reserve("n1", chromeStereotype), "reserve never succeeds at used == total")

	r.Release("n1", chromeStereotype)
	assert.True(t, r.Reserve("n1", chromeStereotype))
}

func TestConcurrentReserveNeverOvercommits(t *testing.T) {
	r := newTestRegistry()
	const total = 8
	require.NoError(t, r.Register(chromeNode("n1", total)))

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Reserve("n1", chromeStereotype) {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(total), won.Load())
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, total, snap[0].Slots[0].Used)
	assert.LessOrEqual(t, snap[0].Slots[0].Used, snap[0].Slots[0].Total)
}

func TestFindCapableExcludesDrainingAndUnhealthy(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(chromeNode("n1", 1)))
	require.NoError(t, r.Register(chromeNode("n2", 1)))
	require.NoError(t, r.Register(chromeNode("n3", 1)))

	require.NoError(t, r.SetDraining("n2"))
	require.NoError(t, r.Heartbeat("n3", HeartbeatStatus{Healthy: false}))

	cands := r.FindCapable(capabilities.Set{capabilities.BrowserNameKey: "chrome"})
	require.Len(t, cands, 1)
	assert.Equal(t, "n1", cands[0].NodeID)
}

func TestFindCapableExcludesFullSlots(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(chromeNode("n1", 1)))
	require.True(t, r.Reserve("n1", chromeStereotype))

	assert.Empty(t, r.FindCapable(capabilities.Set{capabilities.BrowserNameKey: "chrome"}))
}

func TestFindCapablePrefersLeastLoaded(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(chromeNode("n1", 2)))
	require.NoError(t, r.Register(chromeNode("n2", 2)))
	require.True(t, r.Reserve("n1", chromeStereotype))

	cands := r.FindCapable(capabilities.Set{capabilities.BrowserNameKey: "chrome"})
	require.Len(t, cands, 2)
	assert.Equal(t, "n2", cands[0].NodeID, "idle node ranks above half-loaded node")
}

func TestFindCapableVersionTieBreak(t *testing.T) {
	r := newTestRegistry()
	older := capabilities.Set{
		capabilities.BrowserNameKey:    "chrome",
		capabilities.BrowserVersionKey: "113.0",
	}
	newer := capabilities.Set{
		capabilities.BrowserNameKey:    "chrome",
		capabilities.BrowserVersionKey: "114.0",
	}
	require.NoError(t, r.Register(NodeInfo{ID: "n1", Address: "http://n1:5555", Slots: []SlotInfo{{Stereotype: older, Total: 1}}}))
	require.NoError(t, r.Register(NodeInfo{ID: "n2", Address: "http://n2:5555", Slots: []SlotInfo{{Stereotype: newer, Total: 1}}}))

	cands := r.FindCapable(capabilities.Set{capabilities.BrowserNameKey: "chrome"})
	require.Len(t, cands, 2)
	assert.Equal(t, "n2", cands[0].NodeID, "highest browser version wins the tie")
}

func TestSessionLifecycleReleasesCapacity(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(chromeNode("n1", 1)))
	require.True(t, r.Reserve("n1", chromeStereotype))

	sess := Session{ID: "s1", NodeID: "n1", RequestID: "r1", Stereotype: chromeStereotype}
	require.NoError(t, r.AddSession(sess))

	got, ok := r.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, sess, got)

	stats, ok := r.NodeStats("n1")
	require.True(t, ok)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.SessionsServed)

	ended, err := r.EndSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "n1", ended.NodeID)

	assert.True(t, r.Reserve("n1", chromeStereotype), "capacity freed by EndSession")

	_, err = r.EndSession("s1")
	require.Error(t, err)
	assert.Equal(t, errutil.SessionNotFound, errutil.CanonicalCode(err))
}

func TestPruneStaleMarksThenRemoves(t *testing.T) {
	cfg := Config{HealthTimeout: time.Second, RemovalGrace: time.Minute}
	r := NewRegistry(capabilities.NewSlotMatcher(nil), cfg)
	require.NoError(t, r.Register(chromeNode("n1", 1)))

	base := time.Now()

	// Within the health timeout nothing changes.
	r.PruneStale(base)
	assert.Len(t, r.FindCapable(capabilities.Set{capabilities.BrowserNameKey: "chrome"}), 1)

	// After the timeout the node is unhealthy but still registered.
	r.PruneStale(base.Add(2 * time.Second))
	assert.Empty(t, r.FindCapable(capabilities.Set{capabilities.BrowserNameKey: "chrome"}))
	assert.Len(t, r.Snapshot(), 1, "grace period keeps the node registered")

	// A recovering heartbeat restores it.
	require.NoError(t, r.Heartbeat("n1", HeartbeatStatus{Healthy: true}))
	assert.Len(t, r.FindCapable(capabilities.Set{capabilities.BrowserNameKey: "chrome"}), 1)
}

func TestPruneStaleRemovesAfterGrace(t *testing.T) {
	cfg := Config{HealthTimeout: time.Second, RemovalGrace: time.Minute}
	r := NewRegistry(capabilities.NewSlotMatcher(nil), cfg)
	require.NoError(t, r.Register(chromeNode("n1", 1)))

	base := time.Now()
	r.PruneStale(base.Add(2 * time.Second))       // marks unhealthy
	r.PruneStale(base.Add(2 * time.Minute))       // grace elapsed
	assert.Empty(t, r.Snapshot())
}

func TestSelfReportedUnhealthyNodeRemovedAfterGrace(t *testing.T) {
	cfg := Config{HealthTimeout: time.Second, RemovalGrace: time.Second}
	r := NewRegistry(capabilities.NewSlotMatcher(nil), cfg)
	require.NoError(t, r.Register(chromeNode("n1", 1)))

	// The node reports itself unhealthy, then goes silent for good.
	require.NoError(t, r.Heartbeat("n1", HeartbeatStatus{Healthy: false}))
	assert.Empty(t, r.FindCapable(capabilities.Set{capabilities.BrowserNameKey: "chrome"}))

	r.PruneStale(time.Now().Add(time.Minute))
	assert.Empty(t, r.Snapshot(), "a silently-dead unhealthy node must age out")
}

func TestHeartbeatUnknownNode(t *testing.T) {
	r := newTestRegistry()
	assert.Error(t, r.Heartbeat("ghost", HeartbeatStatus{Healthy: true}))
}

func TestReserveUnknownStereotype(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(chromeNode("n1", 1)))
	assert.False(t, r.Reserve("n1", capabilities.Set{capabilities.BrowserNameKey: "firefox"}))
}
