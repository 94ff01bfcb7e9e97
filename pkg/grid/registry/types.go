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
	"time"

	"github.com/vincentmendiola/webgrid/pkg/grid/capabilities"
)

// SlotInfo declares a worker's capacity for one stereotype.
type SlotInfo struct {
	Stereotype capabilities.Set `json:"stereotype"`
	Total      int              `json:"total"`
}

// NodeInfo is the registration payload a worker pushes when it joins.
type NodeInfo struct {
	ID      string     `json:"nodeId"`
	Address string     `json:"address"`
	Slots   []SlotInfo `json:"slots"`
}

// HeartbeatStatus is the periodic status push from a worker.
type HeartbeatStatus struct {
	Healthy  bool `json:"healthy"`
	Draining bool `json:"draining"`
}

// Session records a live session and which node hosts it. The stereotype is
// kept so ending the session releases the right slot.
type Session struct {
	ID          string
	NodeID      string
	NodeAddress string
	RequestID   string
	Stereotype  capabilities.Set
}

// Candidate is a reservable slot returned by FindCapable, in preference
// order.
type Candidate struct {
	NodeID     string
	Address    string
	Stereotype capabilities.Set
}

// SlotSnapshot is the point-in-time used/total pair for one stereotype.
type SlotSnapshot struct {
	Stereotype capabilities.Set `json:"stereotype"`
	Total      int              `json:"total"`
	Used       int              `json:"used"`
}

// NodeSnapshot is a point-in-time consistent view of one node, for status
// endpoints and the drain controller. Used never exceeds Total per slot.
type NodeSnapshot struct {
	ID             string         `json:"nodeId"`
	Address        string         `json:"address"`
	Healthy        bool           `json:"healthy"`
	Draining       bool           `json:"draining"`
	Slots          []SlotSnapshot `json:"slots"`
	ActiveSessions int            `json:"activeSessions"`
	SessionsServed int            `json:"sessionsServed"`
	LastSeen       time.Time      `json:"lastSeen"`
}

// NodeStats is the subset of node state the drain controller acts on.
type NodeStats struct {
	ActiveSessions int
	SessionsServed int
	Draining       bool
}
