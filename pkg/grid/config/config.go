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

// Package config holds the grid's runtime configuration: plain structs with
// defaults filled in by Validate, optionally loaded from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Version-match strategies for the capability matcher.
const (
	// VersionMatchExactOrPrefix treats a requested version as a prefix:
	// "114" is satisfied by a "114.0.5735" stereotype.
	VersionMatchExactOrPrefix = "exact-or-prefix"
	// VersionMatchExact requires component-for-component equality.
	VersionMatchExact = "exact"
)

// Defaults applied by Validate.
const (
	DefaultListenAddress       = ":4444"
	DefaultRequestTimeout      = 5 * time.Minute
	DefaultSweepInterval       = 100 * time.Millisecond
	DefaultHealthCheckInterval = 5 * time.Second
	DefaultHealthTimeout       = 30 * time.Second
	DefaultRemovalGrace        = 2 * time.Minute
)

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Queue    QueueConfig    `yaml:"queue"`
	Registry RegistryConfig `yaml:"registry"`
	Drain    DrainConfig    `yaml:"drain"`
	Matcher  MatcherConfig  `yaml:"matcher"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP edge.
type ServerConfig struct {
	// ListenAddress is the host:port the grid serves on.
	ListenAddress string `yaml:"listenAddress"`
	// ExternalURL is how clients and workers reach this grid, used to
	// recognize self-addressed requests. Defaults to the listen address.
	ExternalURL string `yaml:"externalUrl"`
}

// QueueConfig configures the new-session queue.
type QueueConfig struct {
	// RequestTimeout bounds how long a new-session request may wait before it
	// is failed with a timeout.
	RequestTimeout Duration `yaml:"requestTimeout"`
	// SweepInterval is how often expired requests are collected.
	SweepInterval Duration `yaml:"sweepInterval"`
}

// RegistryConfig configures node health policy.
type RegistryConfig struct {
	// HealthTimeout is how long a node may go without a heartbeat before it
	// stops receiving sessions.
	HealthTimeout Duration `yaml:"healthTimeout"`
	// RemovalGrace is how long an unhealthy node stays registered before
	// removal.
	RemovalGrace Duration `yaml:"removalGrace"`
	// HealthCheckInterval is how often the health policy is evaluated.
	HealthCheckInterval Duration `yaml:"healthCheckInterval"`
}

// DrainConfig configures automatic node retirement.
type DrainConfig struct {
	// AfterSessionCount drains a node once it has served this many sessions.
	// Zero disables the threshold.
	AfterSessionCount int `yaml:"afterSessionCount"`
}

// MatcherConfig selects capability-matching behavior.
type MatcherConfig struct {
	// VersionMatch is one of VersionMatchExactOrPrefix (default) or
	// VersionMatchExact.
	VersionMatch string `yaml:"versionMatch"`
}

// LoggingConfig configures the logger built in cmd.
type LoggingConfig struct {
	// Verbosity is the logr V level everything at or below which is emitted.
	Verbosity int `yaml:"verbosity"`
	// Development switches zap to its human-readable development encoder.
	Development bool `yaml:"development"`
}

// Validate fills defaults for zero values and rejects invalid settings.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}
	if c.Server.ExternalURL == "" {
		c.Server.ExternalURL = "http://localhost" + c.Server.ListenAddress
	}
	if c.Queue.RequestTimeout <= 0 {
		c.Queue.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Queue.SweepInterval <= 0 {
		c.Queue.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.Registry.HealthTimeout <= 0 {
		c.Registry.HealthTimeout = Duration(DefaultHealthTimeout)
	}
	if c.Registry.RemovalGrace <= 0 {
		c.Registry.RemovalGrace = Duration(DefaultRemovalGrace)
	}
	if c.Registry.HealthCheckInterval <= 0 {
		c.Registry.HealthCheckInterval = Duration(DefaultHealthCheckInterval)
	}
	if c.Drain.AfterSessionCount < 0 {
		return fmt.Errorf("drain.afterSessionCount must not be negative, got %d", c.Drain.AfterSessionCount)
	}
	switch c.Matcher.VersionMatch {
	case "":
		c.Matcher.VersionMatch = VersionMatchExactOrPrefix
	case VersionMatchExactOrPrefix, VersionMatchExact:
	default:
		return fmt.Errorf("matcher.versionMatch must be %q or %q, got %q",
			VersionMatchExactOrPrefix, VersionMatchExact, c.Matcher.VersionMatch)
	}
	if c.Logging.Verbosity < 0 {
		return fmt.Errorf("logging.verbosity must not be negative, got %d", c.Logging.Verbosity)
	}
	return nil
}

// Load reads and validates a YAML config file. An empty path returns the
// validated defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
