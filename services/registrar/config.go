// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registrar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/regpilot/pkg/logging"
	"github.com/AleutianAI/regpilot/services/registrar/driver"
	"github.com/AleutianAI/regpilot/services/registrar/driver/simdriver"
	"github.com/AleutianAI/regpilot/services/registrar/engine"
	"github.com/AleutianAI/regpilot/services/registrar/ledger"
	"github.com/AleutianAI/regpilot/services/registrar/middleware"
	"github.com/AleutianAI/regpilot/services/registrar/sessionpool"
	"gopkg.in/yaml.v3"
)

// Driver kinds.
const (
	DriverHTTP = "http"
	DriverSim  = "sim"
)

// Environment overrides applied by LoadConfig after the file is read.
const (
	EnvPort         = "REGPILOT_PORT"
	EnvDataDir      = "REGPILOT_DATA_DIR"
	EnvPoolSize     = "REGPILOT_POOL_SIZE"
	EnvDriverURL    = "REGPILOT_DRIVER_URL"
	EnvAPIKeysFile  = "REGPILOT_API_KEYS_FILE"
	EnvOTelEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// ErrInvalidConfig wraps every configuration problem found by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete service configuration.
//
// # Example
//
//	port: 12310
//	api_keys_file: /etc/regpilot/keys.yaml
//	ledger:
//	  path: /var/lib/regpilot/ledger
//	pool:
//	  size: 4
//	driver:
//	  kind: http
//	  http:
//	    base_url: http://automation:9515
//	engine:
//	  queue_depth: 32
//	  job_deadline: 45m
type Config struct {
	Port    int    `yaml:"port"`
	GinMode string `yaml:"gin_mode"`

	// ServiceName labels traces and log entries. Default: "regpilot"
	ServiceName string `yaml:"service_name"`

	// OTelEndpoint is the OTLP gRPC collector. Empty disables trace export.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// ShutdownTimeout bounds graceful shutdown. Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// APIKeysFile enables tenant API keys. Without it every request is
	// served as the local tenant.
	APIKeysFile string `yaml:"api_keys_file"`

	// AuditLog writes audit events to the service log.
	AuditLog bool `yaml:"audit_log"`

	RateLimit middleware.RateConfig `yaml:"rate_limit"`
	Logging   logging.Config        `yaml:"logging"`
	Ledger    ledger.Config         `yaml:"ledger"`
	Pool      sessionpool.Config    `yaml:"pool"`
	Driver    DriverConfig          `yaml:"driver"`
	Engine    engine.Config         `yaml:"engine"`
}

// DriverConfig selects and configures the automation driver.
type DriverConfig struct {
	// Kind is "http" or "sim". Default: "http" when http.base_url is set,
	// otherwise "sim".
	Kind string            `yaml:"kind"`
	HTTP driver.HTTPConfig `yaml:"http"`
	Sim  simdriver.Config  `yaml:"sim"`
}

// LoadConfig reads path (if non-empty), applies environment overrides and
// defaults, and validates the result. Unknown keys in the file are an
// error.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvPort, v)
		}
		cfg.Port = port
	}
	if v, ok := lookup(EnvPoolSize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvPoolSize, v)
		}
		cfg.Pool.Size = n
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		cfg.Ledger.Path = v
	}
	if v, ok := lookup(EnvDriverURL); ok && v != "" {
		cfg.Driver.HTTP.BaseURL = v
	}
	if v, ok := lookup(EnvAPIKeysFile); ok && v != "" {
		cfg.APIKeysFile = v
	}
	if v, ok := lookup(EnvOTelEndpoint); ok && v != "" {
		cfg.OTelEndpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
	}
	return nil
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "regpilot"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = cfg.ServiceName
	}

	if !cfg.Ledger.InMemory {
		def := ledger.DefaultConfig()
		if cfg.Ledger.Path == "" {
			cfg.Ledger.Path = "./data/ledger"
		}
		if cfg.Ledger.GCInterval == 0 {
			cfg.Ledger.GCInterval = def.GCInterval
			cfg.Ledger.GCDiscardRatio = def.GCDiscardRatio
			cfg.Ledger.SyncWrites = def.SyncWrites
		}
		if cfg.Ledger.MaxConflictRetries == 0 {
			cfg.Ledger.MaxConflictRetries = def.MaxConflictRetries
		}
	}

	if cfg.Driver.Kind == "" {
		cfg.Driver.Kind = DriverSim
		if cfg.Driver.HTTP.BaseURL != "" {
			cfg.Driver.Kind = DriverHTTP
		}
	}

	cfg.Engine = cfg.Engine.WithDefaults()
	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = 2
	}
	if cfg.Pool.MaxWaiters <= 0 {
		cfg.Pool.MaxWaiters = cfg.Engine.QueueDepth
	}
	if cfg.Pool.AcquireTimeout <= 0 {
		cfg.Pool.AcquireTimeout = cfg.Engine.AcquireTimeout
	}
	return cfg
}

// Validate reports every problem with cfg at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("gin_mode %q must be debug, release or test", c.GinMode))
	}
	if c.Pool.Size < 1 {
		errs = append(errs, fmt.Errorf("pool.size must be at least 1"))
	}
	if !c.Ledger.InMemory && c.Ledger.Path == "" {
		errs = append(errs, fmt.Errorf("ledger.path is required"))
	}
	switch c.Driver.Kind {
	case DriverHTTP:
		if c.Driver.HTTP.BaseURL == "" {
			errs = append(errs, fmt.Errorf("driver.http.base_url is required for the http driver"))
		}
	case DriverSim:
	default:
		errs = append(errs, fmt.Errorf("driver.kind %q must be http or sim", c.Driver.Kind))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_second must not be negative"))
	}
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
