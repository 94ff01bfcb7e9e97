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

// Package registry is the in-memory store of worker nodes, their
// per-stereotype capacity, health, and the sessions they host.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/vincentmendiola/webgrid/pkg/grid/capabilities"
	"github.com/vincentmendiola/webgrid/pkg/grid/metrics"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

// Default health policy values.
const (
	// DefaultHealthTimeout is how long a node may go without a heartbeat
	// before it is considered unhealthy and excluded from matching.
	DefaultHealthTimeout = 30 * time.Second
	// DefaultRemovalGrace is how long an unhealthy node is kept registered
	// before removal, to avoid flapping.
	DefaultRemovalGrace = 2 * time.Minute
)

// Registry tracks worker nodes and their capacity. All operations are pure
// in-memory state changes; none block on I/O.
//
// Capacity counters are only ever mutated through Reserve, Release and
// EndSession. The distributor is the sole caller of those; everything else
// reads point-in-time snapshots.
type Registry interface {
	// Register adds a node. Fails with a DuplicateNode error when the id is
	// already registered.
	Register(node NodeInfo) error
	// Heartbeat records a status push. Unknown nodes get an error so the
	// worker knows to re-register.
	Heartbeat(nodeID string, hb HeartbeatStatus) error
	// FindCapable returns reservable candidates for the requested capability
	// set: healthy, non-draining nodes with free capacity on a matching
	// stereotype, least-loaded first with a version tie-break.
	FindCapable(requested capabilities.Set) []Candidate
	// Reserve atomically takes one unit of capacity. Returns false when the
	// slot is full, the node is gone, unhealthy, or draining; the caller
	// moves on to the next candidate.
	Reserve(nodeID string, stereotype capabilities.Set) bool
	// Release returns one unit of capacity.
	Release(nodeID string, stereotype capabilities.Set)
	// AddSession records a session created on a node. The capacity was
	// already taken by the preceding Reserve.
	AddSession(sess Session) error
	// GetSession looks up a live session.
	GetSession(sessionID string) (Session, bool)
	// EndSession removes a session and releases its slot.
	EndSession(sessionID string) (Session, error)
	// SetDraining flags a node so no new sessions are assigned to it.
	SetDraining(nodeID string) error
	// Remove deregisters a node outright.
	Remove(nodeID string)
	// NodeStats reports the drain-relevant counters for one node.
	NodeStats(nodeID string) (NodeStats, bool)
	// PruneStale marks nodes unhealthy after the health timeout and removes
	// them once the removal grace has also elapsed.
	PruneStale(now time.Time)
	// RunHealthChecks calls PruneStale every interval until ctx is done.
	RunHealthChecks(ctx context.Context, interval time.Duration)
	// Snapshot returns a point-in-time consistent view of every node.
	Snapshot() []NodeSnapshot
}

// Config holds the registry's health policy.
type Config struct {
	HealthTimeout time.Duration
	RemovalGrace  time.Duration
}

// Validate fills in defaults for zero values.
func (c *Config) Validate() {
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.RemovalGrace <= 0 {
		c.RemovalGrace = DefaultRemovalGrace
	}
}

type slot struct {
	stereotype capabilities.Set
	total      int
	used       int
}

type node struct {
	id             string
	address        string
	slots          []*slot
	healthy        bool
	draining       bool
	lastSeen       time.Time
	unhealthySince time.Time
	sessions       map[string]struct{}
	sessionsServed int
}

func (n *node) load() (used, total int) {
	for _, s := range n.slots {
		used += s.used
		total += s.total
	}
	return used, total
}

// NewRegistry creates an empty registry with the given matcher and health
// policy.
func NewRegistry(matcher capabilities.Matcher, cfg Config) Registry {
	cfg.Validate()
	return &registry{
		matcher:  matcher,
		cfg:      cfg,
		nodes:    make(map[string]*node),
		sessions: make(map[string]Session),
	}
}

type registry struct {
	matcher capabilities.Matcher
	cfg     Config

	mu       sync.RWMutex
	nodes    map[string]*node
	sessions map[string]Session
}

func (r *registry) Register(info NodeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[info.ID]; ok {
		return errutil.Error{Code: errutil.DuplicateNode, Msg: fmt.Sprintf("node %s is already registered", info.ID)}
	}

	n := &node{
		id:       info.ID,
		address:  info.Address,
		healthy:  true,
		lastSeen: time.Now(),
		sessions: make(map[string]struct{}),
	}
	for _, si := range info.Slots {
		n.slots = append(n.slots, &slot{stereotype: si.Stereotype, total: si.Total})
	}
	r.nodes[info.ID] = n
	r.recordGaugesLocked()
	return nil
}

func (r *registry) Heartbeat(nodeID string, hb HeartbeatStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("heartbeat from unknown node %s", nodeID)}
	}
	n.lastSeen = time.Now()
	// Track the unhealthy transition in both directions so a node that
	// reports itself unhealthy and then goes silent still ages out.
	if hb.Healthy && !n.healthy {
		n.unhealthySince = time.Time{}
	}
	if !hb.Healthy && n.healthy {
		n.unhealthySince = time.Now()
	}
	n.healthy = hb.Healthy
	if hb.Draining {
		n.draining = true
	}
	r.recordGaugesLocked()
	return nil
}

func (r *registry) FindCapable(requested capabilities.Set) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type ranked struct {
		cand Candidate
		load float64
	}
	var out []ranked
	for _, n := range r.nodes {
		if !n.healthy || n.draining {
			continue
		}
		used, total := n.load()
		for _, s := range n.slots {
			if s.used >= s.total {
				continue
			}
			if !r.matcher.Matches(s.stereotype, requested) {
				continue
			}
			load := 0.0
			if total > 0 {
				load = float64(used) / float64(total)
			}
			out = append(out, ranked{
				cand: Candidate{NodeID: n.id, Address: n.address, Stereotype: s.stereotype},
				load: load,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].load != out[j].load {
			return out[i].load < out[j].load
		}
		vi := out[i].cand.Stereotype.BrowserVersion()
		vj := out[j].cand.Stereotype.BrowserVersion()
		if vi != vj {
			return capabilities.PreferVersion(vi, vj)
		}
		return out[i].cand.NodeID < out[j].cand.NodeID
	})

	cands := make([]Candidate, len(out))
	for i, rk := range out {
		cands[i] = rk.cand
	}
	return cands
}

func (r *registry) Reserve(nodeID string, stereotype capabilities.Set) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok || !n.healthy || n.draining {
		return false
	}
	s := findSlot(n, stereotype)
	if s == nil || s.used >= s.total {
		return false
	}
	s.used++
	r.recordGaugesLocked()
	return true
}

func (r *registry) Release(nodeID string, stereotype capabilities.Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(nodeID, stereotype)
	r.recordGaugesLocked()
}

func (r *registry) releaseLocked(nodeID string, stereotype capabilities.Set) {
	n, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	s := findSlot(n, stereotype)
	if s != nil && s.used > 0 {
		s.used--
	}
}

func (r *registry) AddSession(sess Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[sess.NodeID]
	if !ok {
		return errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("session %s references unknown node %s", sess.ID, sess.NodeID)}
	}
	n.sessions[sess.ID] = struct{}{}
	n.sessionsServed++
	r.sessions[sess.ID] = sess
	return nil
}

func (r *registry) GetSession(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

func (r *registry) EndSession(sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, errutil.Error{Code: errutil.SessionNotFound, Msg: fmt.Sprintf("session %s not found", sessionID)}
	}
	delete(r.sessions, sessionID)
	if n, ok := r.nodes[sess.NodeID]; ok {
		delete(n.sessions, sessionID)
	}
	r.releaseLocked(sess.NodeID, sess.Stereotype)
	r.recordGaugesLocked()
	return sess, nil
}

func (r *registry) SetDraining(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("cannot drain unknown node %s", nodeID)}
	}
	n.draining = true
	r.recordGaugesLocked()
	return nil
}

func (r *registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	for id := range n.sessions {
		delete(r.sessions, id)
	}
	delete(r.nodes, nodeID)
	metrics.DeleteSlotUsage(nodeID)
	r.recordGaugesLocked()
}

func (r *registry) NodeStats(nodeID string) (NodeStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return NodeStats{}, false
	}
	return NodeStats{
		ActiveSessions: len(n.sessions),
		SessionsServed: n.sessionsServed,
		Draining:       n.draining,
	}, true
}

func (r *registry) PruneStale(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, n := range r.nodes {
		if now.Sub(n.lastSeen) <= r.cfg.HealthTimeout {
			continue
		}
		if n.healthy || n.unhealthySince.IsZero() {
			n.healthy = false
			n.unhealthySince = now
			continue
		}
		if now.Sub(n.unhealthySince) > r.cfg.RemovalGrace {
			for sid := range n.sessions {
				delete(r.sessions, sid)
			}
			delete(r.nodes, id)
			metrics.DeleteSlotUsage(id)
		}
	}
	r.recordGaugesLocked()
}

func (r *registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	logger := logutil.FromContext(ctx).WithName("registry")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			before := r.nodeCount()
			r.PruneStale(now)
			if after := r.nodeCount(); after != before {
				logger.V(logutil.DEFAULT).Info("Pruned stale nodes", "before", before, "after", after)
			}
		}
	}
}

func (r *registry) Snapshot() []NodeSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeSnapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		snap := NodeSnapshot{
			ID:             n.id,
			Address:        n.address,
			Healthy:        n.healthy,
			Draining:       n.draining,
			ActiveSessions: len(n.sessions),
			SessionsServed: n.sessionsServed,
			LastSeen:       n.lastSeen,
		}
		for _, s := range n.slots {
			snap.Slots = append(snap.Slots, SlotSnapshot{
				Stereotype: s.stereotype,
				Total:      s.total,
				Used:       s.used,
			})
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *registry) nodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// recordGaugesLocked refreshes the prometheus gauges. Caller holds r.mu.
func (r *registry) recordGaugesLocked() {
	var up, down, draining int
	for _, n := range r.nodes {
		switch {
		case n.draining:
			draining++
		case n.healthy:
			up++
		default:
			down++
		}
		used, total := n.load()
		metrics.RecordSlotUsage(n.id, total, used)
	}
	metrics.RecordNodeCount("up", up)
	metrics.RecordNodeCount("down", down)
	metrics.RecordNodeCount("draining", draining)
}

func findSlot(n *node, stereotype capabilities.Set) *slot {
	for _, s := range n.slots {
		if reflect.DeepEqual(s.stereotype, stereotype) {
			return s
		}
	}
	return nil
}
