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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
)

func echoParams() Handler {
	return HandlerFunc(func(_ context.Context, req *Request) (*Response, error) {
		body, _ := json.Marshal(req.Params)
		return &Response{Status: http.StatusOK, Body: body}, nil
	})
}

func TestRouterDispatchesByMethodAndPath(t *testing.T) {
	router := NewRouter(
		Route{Method: http.MethodGet, Pattern: "/status", Handler: echoParams()},
		Route{Method: http.MethodDelete, Pattern: "/session/{sessionId}", Handler: echoParams()},
	)

	resp, err := router.Execute(context.Background(), &Request{Method: http.MethodDelete, Path: "/session/abc-123"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	var params map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &params))
	assert.Equal(t, "abc-123", params["sessionId"])
}

func TestRouterMissIsStructured(t *testing.T) {
	router := NewRouter(Route{Method: http.MethodGet, Pattern: "/status", Handler: echoParams()})

	resp, err := router.Execute(context.Background(), &Request{Method: http.MethodGet, Path: "/nonsense"})
	require.NoError(t, err, "a miss is a structured response, not an error")
	assert.Equal(t, http.StatusNotFound, resp.Status)

	var body struct {
		Value struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"value"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "unknown command", body.Value.Error)
	assert.NotEmpty(t, body.Value.Message)
}

func TestRouterMethodMismatchIsMiss(t *testing.T) {
	router := NewRouter(Route{Method: http.MethodGet, Pattern: "/status", Handler: echoParams()})

	resp, err := router.Execute(context.Background(), &Request{Method: http.MethodPost, Path: "/status"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestNormalizeErrorsProducesWellFormedBody(t *testing.T) {
	failing := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		return nil, errutil.Error{Code: errutil.QueueTimeout, Msg: "new session request timed out"}
	})

	resp, err := Chain(failing, NormalizeErrors()).Execute(context.Background(), &Request{Method: http.MethodPost, Path: "/session"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	var body errorBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "session not created", body.Value.Error)
}

func TestNormalizeErrorsForeignError(t *testing.T) {
	failing := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		return nil, errors.New("boom")
	})

	resp, err := Chain(failing, NormalizeErrors()).Execute(context.Background(), &Request{Method: http.MethodGet, Path: "/status"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	var body errorBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "unknown error", body.Value.Error)
}

func TestGridRoutableSelfDispatch(t *testing.T) {
	local := NewRouter(Route{Method: http.MethodGet, Pattern: "/status", Handler: echoParams()})
	remoteCalled := false
	remote := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		remoteCalled = true
		return &Response{Status: http.StatusOK}, nil
	})

	routable := NewGridRoutable("http://grid:4444", local, remote)

	// Self-addressed request with a known path dispatches in-process.
	resp, err := routable.Execute(context.Background(), &Request{Method: http.MethodGet, Host: "grid:4444", Path: "/status"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, remoteCalled)

	// Self-addressed request with an unknown path gets the structured miss.
	resp, err = routable.Execute(context.Background(), &Request{Method: http.MethodGet, Host: "grid:4444", Path: "/elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.False(t, remoteCalled, "self-addressed misses must not fall through to the network")

	// Foreign destinations go remote.
	_, err = routable.Execute(context.Background(), &Request{Method: http.MethodGet, Host: "worker:5555", Path: "/status"})
	require.NoError(t, err)
	assert.True(t, remoteCalled)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Filter {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name)
				return next.Execute(ctx, req)
			})
		}
	}
	h := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		order = append(order, "handler")
		return &Response{Status: http.StatusOK}, nil
	})

	_, err := Chain(h, mk("outer"), mk("inner")).Execute(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
