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

// Package drain moves worker nodes through the ACTIVE → DRAINING → STOPPED
// lifecycle.
//
// A node starts draining either on an operator request or automatically once
// it has served a configured number of sessions. A draining node receives no
// new sessions (the registry excludes it from matching) but keeps its live
// sessions until they end naturally. Once the last one ends the node is
// stopped and deregistered.
package drain

import (
	"context"
	"fmt"

	"github.com/vincentmendiola/webgrid/pkg/grid/registry"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

// State is a node's position in the drain lifecycle.
type State string

const (
	// Active nodes accept new sessions.
	Active State = "ACTIVE"
	// Draining nodes serve out their live sessions but accept no new ones.
	Draining State = "DRAINING"
	// Stopped nodes have finished draining and been deregistered.
	Stopped State = "STOPPED"
)

// Controller derives per-node drain state from the registry, so a node that
// stops and later re-registers under the same id starts a fresh lifecycle.
type Controller struct {
	registry registry.Registry

	// drainAfterSessions auto-drains a node once it has served this many
	// sessions. Zero disables the threshold.
	drainAfterSessions int
}

// NewController creates a Controller. drainAfterSessions of zero disables
// automatic draining.
func NewController(reg registry.Registry, drainAfterSessions int) *Controller {
	return &Controller{
		registry:           reg,
		drainAfterSessions: drainAfterSessions,
	}
}

// Drain is the operator trigger: the node stops accepting new sessions and,
// once idle, is deregistered. Draining an already-draining node is a no-op;
// draining an idle node stops it immediately.
func (c *Controller) Drain(ctx context.Context, nodeID string) error {
	if err := c.registry.SetDraining(nodeID); err != nil {
		return errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("cannot drain node %s: not registered", nodeID)}
	}
	logutil.FromContext(ctx).V(logutil.DEFAULT).Info("Node draining", "node", nodeID)
	c.stopIfIdle(ctx, nodeID)
	return nil
}

// NodeState reports where the node is in the lifecycle. A node the registry
// no longer knows is STOPPED.
func (c *Controller) NodeState(nodeID string) State {
	stats, ok := c.registry.NodeStats(nodeID)
	if !ok {
		return Stopped
	}
	if stats.Draining {
		return Draining
	}
	return Active
}

// SessionStarted applies the session-count threshold after each assignment.
func (c *Controller) SessionStarted(ctx context.Context, nodeID string) {
	if c.drainAfterSessions <= 0 {
		return
	}
	stats, ok := c.registry.NodeStats(nodeID)
	if !ok || stats.Draining {
		return
	}
	if stats.SessionsServed >= c.drainAfterSessions {
		logutil.FromContext(ctx).V(logutil.DEFAULT).Info("Node reached session limit, draining",
			"node", nodeID, "sessionsServed", stats.SessionsServed)
		// The node cannot be idle here; the session that tripped the
		// threshold is still live, so no stop check is needed.
		_ = c.registry.SetDraining(nodeID)
	}
}

// SessionEnded stops a draining node when its last session ends.
func (c *Controller) SessionEnded(ctx context.Context, nodeID string) {
	c.stopIfIdle(ctx, nodeID)
}

// stopIfIdle deregisters a draining node with no live sessions. Remove is
// idempotent, so concurrent callers racing here are harmless.
func (c *Controller) stopIfIdle(ctx context.Context, nodeID string) {
	stats, ok := c.registry.NodeStats(nodeID)
	if !ok || !stats.Draining || stats.ActiveSessions > 0 {
		return
	}
	c.registry.Remove(nodeID)
	logutil.FromContext(ctx).V(logutil.DEFAULT).Info("Node drained and stopped", "node", nodeID)
}
