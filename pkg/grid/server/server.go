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

// Package server wires the grid together and exposes it over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vincentmendiola/webgrid/pkg/grid/capabilities"
	"github.com/vincentmendiola/webgrid/pkg/grid/config"
	"github.com/vincentmendiola/webgrid/pkg/grid/distributor"
	"github.com/vincentmendiola/webgrid/pkg/grid/drain"
	"github.com/vincentmendiola/webgrid/pkg/grid/metrics"
	"github.com/vincentmendiola/webgrid/pkg/grid/registry"
	"github.com/vincentmendiola/webgrid/pkg/grid/sessionqueue"
	"github.com/vincentmendiola/webgrid/pkg/grid/transport"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

const shutdownTimeout = 10 * time.Second

// Server owns the grid's components and serves them over HTTP.
type Server struct {
	cfg    *config.Config
	logger logr.Logger

	registry registry.Registry
	queue    *sessionqueue.Queue
	dist     *distributor.Distributor
	drainer  *drain.Controller

	// handler is the full inbound chain; remote is the raw outbound client
	// used for proxied session commands.
	handler transport.Handler
	remote  transport.Handler

	promRegistry *prometheus.Registry
}

// New builds a fully wired Server from validated configuration.
func New(cfg *config.Config, logger logr.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		promRegistry: prometheus.NewRegistry(),
	}
	metrics.Register(s.promRegistry)

	var versionMatch capabilities.VersionMatchStrategy
	if cfg.Matcher.VersionMatch == config.VersionMatchExact {
		versionMatch = capabilities.ExactVersionMatch
	}
	s.registry = registry.NewRegistry(capabilities.NewSlotMatcher(versionMatch), registry.Config{
		HealthTimeout: cfg.Registry.HealthTimeout.Std(),
		RemovalGrace:  cfg.Registry.RemovalGrace.Std(),
	})
	s.queue = sessionqueue.New(cfg.Queue.RequestTimeout.Std())
	s.drainer = drain.NewController(s.registry, cfg.Drain.AfterSessionCount)

	s.remote = transport.NewClient(nil)
	s.dist = distributor.New(s.registry, s.queue, NewNodeClient(s.remote), s.drainer)

	local := transport.Chain(s.dispatcher(), transport.Tracing(), transport.NormalizeErrors())
	s.handler = transport.NewGridRoutable(cfg.Server.ExternalURL, local, s.remote)
	return s
}

// dispatcher combines the routed endpoints with the session-command proxy.
// Commands under /session/{id}/... forward to the owning node; everything
// else goes through the router.
func (s *Server) dispatcher() transport.Handler {
	router := transport.NewRouter(
		transport.Route{Method: http.MethodPost, Pattern: "/session", Handler: transport.HandlerFunc(s.handleNewSession)},
		transport.Route{Method: http.MethodDelete, Pattern: "/session/{sessionId}", Handler: transport.HandlerFunc(s.handleDeleteSession)},
		transport.Route{Method: http.MethodPost, Pattern: "/grid/node", Handler: transport.HandlerFunc(s.handleRegisterNode)},
		transport.Route{Method: http.MethodPost, Pattern: "/grid/node/{nodeId}/heartbeat", Handler: transport.HandlerFunc(s.handleHeartbeat)},
		transport.Route{Method: http.MethodPost, Pattern: "/grid/node/{nodeId}/drain", Handler: transport.HandlerFunc(s.handleDrainNode)},
		transport.Route{Method: http.MethodDelete, Pattern: "/grid/sessionqueue", Handler: transport.HandlerFunc(s.handleClearQueue)},
		transport.Route{Method: http.MethodGet, Pattern: "/status", Handler: transport.HandlerFunc(s.handleStatus)},
	)
	return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if id, ok := proxySessionID(req.Path); ok {
			return s.handleProxy(ctx, req, id)
		}
		return router.Execute(ctx, req)
	})
}

// proxySessionID extracts the session id from /session/{id}/{command...}
// paths. Plain /session and /session/{id} are routed, not proxied.
func proxySessionID(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "session" {
		return parts[1], true
	}
	return "", false
}

// ServeHTTP bridges net/http onto the transport chain. /metrics is served
// directly; everything else goes through the chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	ctx := logr.NewContext(r.Context(), s.logger)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp, err := s.handler.Execute(ctx, &transport.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
		Body:   body,
	})
	if err != nil {
		// NormalizeErrors sits inside the chain; an error here means the
		// request never reached it.
		resp = transport.ErrorResponse(err)
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// Run serves until ctx is cancelled, then shuts down gracefully. The queue
// sweeper and registry health checks run for the same lifetime.
func (s *Server) Run(ctx context.Context) error {
	ctx = logr.NewContext(ctx, s.logger)
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		s.queue.RunSweeper(ctx, s.cfg.Queue.SweepInterval.Std())
		return nil
	})
	eg.Go(func() error {
		s.registry.RunHealthChecks(ctx, s.cfg.Registry.HealthCheckInterval.Std())
		return nil
	})

	httpSrv := &http.Server{
		Addr:    s.cfg.Server.ListenAddress,
		Handler: s,
	}
	eg.Go(func() error {
		s.logger.V(logutil.DEFAULT).Info("Grid listening", "address", s.cfg.Server.ListenAddress)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.V(logutil.DEFAULT).Info("Shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
