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
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
)

// NewClient returns a handler that performs the request over HTTP against
// Request.Host. Pass nil to use http.DefaultClient.
func NewClient(base *http.Client) Handler {
	if base == nil {
		base = http.DefaultClient
	}
	return &client{base: base}
}

type client struct {
	base *http.Client
}

func (c *client) Execute(ctx context.Context, req *Request) (*Response, error) {
	url := req.Host
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + req.Path

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := c.base.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   body,
	}, nil
}

// NewGridRoutable dispatches requests addressed to this process in-process
// through local, and everything else through remote. A self-addressed
// request for a path the local router does not recognize gets the router's
// structured "no route" response; it never falls through to the network.
func NewGridRoutable(selfAddress string, local, remote Handler) Handler {
	self := canonicalAddress(selfAddress)
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if req.Host == "" || canonicalAddress(req.Host) == self {
			return local.Execute(ctx, req)
		}
		return remote.Execute(ctx, req)
	})
}

func canonicalAddress(addr string) string {
	addr = strings.TrimSuffix(addr, "/")
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	return addr
}
