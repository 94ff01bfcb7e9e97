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
	"fmt"
	"strings"

	errutil "github.com/vincentmendiola/webgrid/pkg/grid/util/error"
)

// Route binds a method and path template to a handler. Template segments of
// the form {name} match any single path segment and are bound into
// Request.Params.
type Route struct {
	Method  string
	Pattern string
	Handler Handler
}

// Router dispatches requests by method and path. A request no route
// recognizes gets a structured "unknown command" response, never a bare
// error.
type Router struct {
	routes []compiledRoute
}

type compiledRoute struct {
	method   string
	segments []string
	handler  Handler
}

// NewRouter compiles the given routes.
func NewRouter(routes ...Route) *Router {
	r := &Router{}
	for _, route := range routes {
		r.routes = append(r.routes, compiledRoute{
			method:   route.Method,
			segments: splitPath(route.Pattern),
			handler:  route.Handler,
		})
	}
	return r
}

var _ Handler = &Router{}

// Execute implements Handler.
func (r *Router) Execute(ctx context.Context, req *Request) (*Response, error) {
	segments := splitPath(req.Path)
	for _, route := range r.routes {
		if route.method != req.Method {
			continue
		}
		params, ok := match(route.segments, segments)
		if !ok {
			continue
		}
		bound := *req
		bound.Params = params
		return route.handler.Execute(ctx, &bound)
	}
	return ErrorResponse(errutil.Error{
		Code: errutil.RoutingMiss,
		Msg:  fmt.Sprintf("unable to find handler for %s %s", req.Method, req.Path),
	}), nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func match(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pattern {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:len(seg)-1]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}
