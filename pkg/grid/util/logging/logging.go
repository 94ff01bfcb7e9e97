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

package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log verbosity levels. Used with logr's V() method; higher values are
// chattier and are dropped unless the logger was built with at least that
// verbosity.
const (
	DEFAULT = 1
	VERBOSE = 2
	DEBUG   = 4
	TRACE   = 5
)

// NewLogger creates a zap-backed logr.Logger for production use. verbosity
// selects the highest V() level that will be emitted.
func NewLogger(verbosity int, development bool) logr.Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	// logr V-levels map to negative zap levels.
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		// The static configs above always build; fall back just in case.
		z = zap.NewNop()
	}
	return zapr.NewLogger(z)
}

// NewTestLogger creates a new Zap logger using the dev mode.
func NewTestLogger() logr.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-TRACE))
	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		z = zap.NewNop()
	}
	return zapr.NewLogger(z)
}

// NewTestLoggerIntoContext creates a new Zap logger using the dev mode and inserts it into the given context.
func NewTestLoggerIntoContext(ctx context.Context) context.Context {
	return logr.NewContext(ctx, NewTestLogger())
}

// FromContext returns the logger stored in ctx, or a discarding logger.
func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}
