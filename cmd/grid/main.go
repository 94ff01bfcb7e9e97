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

// The grid binary serves the session-distribution core: it accepts worker
// registrations, queues new-session requests, and assigns them to capacity.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/vincentmendiola/webgrid/pkg/grid/config"
	"github.com/vincentmendiola/webgrid/pkg/grid/server"
	logutil "github.com/vincentmendiola/webgrid/pkg/grid/util/logging"
)

func main() {
	var (
		configPath string
		tracing    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file. Defaults apply when empty.")
	flag.BoolVar(&tracing, "tracing", false, "Export request traces to stdout.")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	verbosity := cfg.Logging.Verbosity
	if verbosity == 0 {
		verbosity = logutil.DEFAULT
	}
	logger := logutil.NewLogger(verbosity, cfg.Logging.Development)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logr.NewContext(ctx, logger)

	if tracing {
		shutdown, err := initTracing()
		if err != nil {
			logutil.Fatal(logger, err, "Failed to initialize tracing")
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error(err, "Shutting down tracer provider")
			}
		}()
	}

	srv := server.New(cfg, logger)
	if err := srv.Run(ctx); err != nil {
		logutil.Fatal(logger, err, "Grid server failed")
	}
}

// initTracing installs a stdout-exporting tracer provider and returns its
// shutdown function.
func initTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
