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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vincentmendiola/webgrid/pkg/grid/capabilities"
	"github.com/vincentmendiola/webgrid/pkg/grid/registry"
	"github.com/vincentmendiola/webgrid/pkg/grid/sessionqueue"
	"github.com/vincentmendiola/webgrid/pkg/grid/transport"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

// jsonResponse renders value inside the standard {"value": ...} envelope.
func jsonResponse(status int, value any) (*transport.Response, error) {
	body, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return nil, errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("encoding response: %v", err)}
	}
	return &transport.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
		Body:   body,
	}, nil
}

// newSessionPayload is the inbound new-session request shape: an alwaysMatch
// base merged into each firstMatch alternative.
type newSessionPayload struct {
	Capabilities struct {
		AlwaysMatch capabilities.Set   `json:"alwaysMatch"`
		FirstMatch  []capabilities.Set `json:"firstMatch"`
	} `json:"capabilities"`
}

// parseNewSession expands the payload into the ordered list of capability
// alternatives. A key present in both alwaysMatch and a firstMatch entry is
// an invalid request.
func parseNewSession(body []byte) ([]capabilities.Set, error) {
	var payload newSessionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("malformed new session request: %v", err)}
	}

	always := payload.Capabilities.AlwaysMatch
	first := payload.Capabilities.FirstMatch
	if len(first) == 0 {
		if len(always) == 0 {
			return nil, errutil.Error{Code: errutil.BadRequest, Msg: "new session request contains no capabilities"}
		}
		return []capabilities.Set{always.Clone()}, nil
	}

	alts := make([]capabilities.Set, 0, len(first))
	for _, fm := range first {
		merged := always.Clone()
		if merged == nil {
			merged = capabilities.Set{}
		}
		for k, v := range fm {
			if _, clash := merged[k]; clash {
				return nil, errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("capability %q appears in both alwaysMatch and firstMatch", k)}
			}
			merged[k] = v
		}
		alts = append(alts, merged)
	}
	return alts, nil
}

// handleNewSession queues the request, triggers a matching pass, and blocks
// until the request resolves or the caller goes away.
func (s *Server) handleNewSession(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	alts, err := parseNewSession(req.Body)
	if err != nil {
		return nil, err
	}

	sreq := sessionqueue.NewRequest(uuid.NewString(), alts, time.Now())
	if err := s.dist.Submit(ctx, sreq); err != nil {
		return nil, err
	}

	select {
	case <-sreq.Done():
	case <-ctx.Done():
		// The caller disconnected. A session created for this request from
		// here on is unwanted and will be torn down by the distributor.
		sreq.Cancel()
		return nil, errutil.Error{Code: errutil.SessionCreation, Msg: "client has gone away"}
	}

	res := sreq.Result()
	if res.Err != nil {
		return nil, res.Err
	}
	return jsonResponse(http.StatusOK, res.Session)
}

func (s *Server) handleDeleteSession(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if err := s.dist.ReleaseSession(ctx, req.Params["sessionId"]); err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, nil)
}

func (s *Server) handleRegisterNode(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	var info registry.NodeInfo
	if err := json.Unmarshal(req.Body, &info); err != nil {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("malformed node registration: %v", err)}
	}
	if info.ID == "" || info.Address == "" || len(info.Slots) == 0 {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: "node registration requires nodeId, address and slots"}
	}

	if err := s.registry.Register(info); err != nil {
		return nil, err
	}
	logutil.FromContext(ctx).V(logutil.DEFAULT).Info("Node registered",
		"node", info.ID, "address", info.Address, "slots", len(info.Slots))
	s.dist.NodeUpdated(ctx)
	return jsonResponse(http.StatusOK, nil)
}

func (s *Server) handleHeartbeat(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	var hb registry.HeartbeatStatus
	if err := json.Unmarshal(req.Body, &hb); err != nil {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("malformed heartbeat: %v", err)}
	}
	if err := s.registry.Heartbeat(req.Params["nodeId"], hb); err != nil {
		return nil, err
	}
	// A heartbeat can bring a node back to health; let waiting requests see
	// the recovered capacity.
	s.dist.NodeUpdated(ctx)
	return jsonResponse(http.StatusOK, nil)
}

func (s *Server) handleDrainNode(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	nodeID := req.Params["nodeId"]
	if err := s.drainer.Drain(ctx, nodeID); err != nil {
		return nil, err
	}
	return jsonResponse(http.StatusOK, map[string]any{"nodeId": nodeID, "state": s.drainer.NodeState(nodeID)})
}

func (s *Server) handleClearQueue(ctx context.Context, _ *transport.Request) (*transport.Response, error) {
	cleared := s.queue.Clear()
	logutil.FromContext(ctx).V(logutil.DEFAULT).Info("Session queue cleared", "cleared", cleared)
	return jsonResponse(http.StatusOK, map[string]any{"cleared": cleared})
}

// statusValue is the data contract of GET /status.
type statusValue struct {
	Ready bool                    `json:"ready"`
	Queue queueStatus             `json:"queue"`
	Nodes []registry.NodeSnapshot `json:"nodes"`
}

type queueStatus struct {
	Size     int                                `json:"size"`
	Requests []sessionqueue.RequestCapabilities `json:"requests"`
}

func (s *Server) handleStatus(_ context.Context, _ *transport.Request) (*transport.Response, error) {
	nodes := s.registry.Snapshot()
	ready := false
	for _, n := range nodes {
		if n.Healthy && !n.Draining {
			ready = true
			break
		}
	}
	return jsonResponse(http.StatusOK, statusValue{
		Ready: ready,
		Queue: queueStatus{Size: s.queue.Len(), Requests: s.queue.Contents()},
		Nodes: nodes,
	})
}

// handleProxy forwards a session command to the node hosting the session.
func (s *Server) handleProxy(ctx context.Context, req *transport.Request, sessionID string) (*transport.Response, error) {
	sess, ok := s.registry.GetSession(sessionID)
	if !ok {
		return transport.ErrorResponse(errutil.Error{
			Code: errutil.SessionNotFound,
			Msg:  fmt.Sprintf("session %s not found", sessionID),
		}), nil
	}
	fwd := *req
	fwd.Host = sess.NodeAddress
	return s.remote.Execute(ctx, &fwd)
}
