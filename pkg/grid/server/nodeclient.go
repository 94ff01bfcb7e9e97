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

	"github.com/vincentmendiola/webgrid/pkg/grid/capabilities"
	"github.com/vincentmendiola/webgrid/pkg/grid/distributor"
	"github.com/vincentmendiola/webgrid/pkg/grid/registry"
	"github.com/vincentmendiola/webgrid/pkg/grid/transport"
	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
)

// nodeClient speaks the worker's session protocol over the retrying
// transport chain.
type nodeClient struct {
	h transport.Handler
}

// NewNodeClient builds the distributor's worker client on top of base.
// Outbound calls carry the transport retry budgets.
func NewNodeClient(base transport.Handler) distributor.NodeClient {
	return &nodeClient{h: transport.Chain(base, transport.Retry())}
}

var jsonHeader = http.Header{"Content-Type": []string{"application/json; charset=utf-8"}}

func (c *nodeClient) CreateSession(ctx context.Context, node registry.Candidate, caps capabilities.Set) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"capabilities": map[string]any{"alwaysMatch": caps},
	})
	if err != nil {
		return "", errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("encoding session request: %v", err)}
	}

	resp, err := c.h.Execute(ctx, &transport.Request{
		Method: http.MethodPost,
		Host:   node.Address,
		Path:   "/session",
		Header: jsonHeader,
		Body:   payload,
	})
	if err != nil {
		return "", errutil.Error{Code: errutil.TransientTransport, Msg: fmt.Sprintf("node %s unreachable: %v", node.NodeID, err)}
	}
	if resp.Status != http.StatusOK {
		return "", errutil.Error{Code: errutil.SessionCreation, Msg: fmt.Sprintf("node %s refused session: status %d", node.NodeID, resp.Status)}
	}

	var body struct {
		Value struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.Value.SessionID == "" {
		return "", errutil.Error{Code: errutil.SessionCreation, Msg: fmt.Sprintf("node %s returned a malformed session response", node.NodeID)}
	}
	return body.Value.SessionID, nil
}

func (c *nodeClient) DeleteSession(ctx context.Context, nodeAddress, sessionID string) error {
	resp, err := c.h.Execute(ctx, &transport.Request{
		Method: http.MethodDelete,
		Host:   nodeAddress,
		Path:   "/session/" + sessionID,
	})
	if err != nil {
		return errutil.Error{Code: errutil.TransientTransport, Msg: fmt.Sprintf("deleting session %s: %v", sessionID, err)}
	}
	// A worker that already lost the session is fine; the goal is the
	// session being gone.
	if resp.Status != http.StatusOK && resp.Status != http.StatusNotFound {
		return errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("deleting session %s: status %d", sessionID, resp.Status)}
	}
	return nil
}
