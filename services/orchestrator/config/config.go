// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the conductor's YAML configuration: embedded
// defaults, overlaid by an optional file, overlaid by environment
// variables, then validated.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/search"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/toolserver"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultsYAML []byte

// EnvConfigPath names the config file when no path is given.
const EnvConfigPath = "CONDUCTOR_CONFIG"

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full conductor configuration.
//
// Thread Safety: Immutable after Load; safe for concurrent reads.
type Config struct {
	Model        ModelConfig               `yaml:"model"`
	Planner      PlannerConfig             `yaml:"planner"`
	Executor     ExecutorConfig            `yaml:"executor"`
	Fallback     FallbackConfig            `yaml:"fallback"`
	Conversation ConversationConfig        `yaml:"conversation"`
	Search       SearchConfig              `yaml:"search"`
	Registry     RegistryConfig            `yaml:"registry"`
	ToolServers  []toolserver.ServerConfig `yaml:"tool_servers" validate:"dive"`
	Server       ServerConfig              `yaml:"server"`
	Logging      LoggingConfig             `yaml:"logging"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
}

// ModelConfig selects and tunes the model provider.
type ModelConfig struct {
	Provider string `yaml:"provider" validate:"oneof=gemini openai"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url" validate:"omitempty,url"`
	// APIKey is read from GEMINI_API_KEY or OPENAI_API_KEY; it may also be
	// set in the file, though that is discouraged.
	APIKey            string        `yaml:"api_key"`
	Temperature       float32       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxOutputTokens   int           `yaml:"max_output_tokens" validate:"gte=0"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
}

// PlannerConfig tunes plan creation.
type PlannerConfig struct {
	MaxSteps int `yaml:"max_steps" validate:"gte=1,lte=32"`
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	OrderShortFieldsFirst bool `yaml:"order_short_fields_first"`
	ValidateArguments     bool `yaml:"validate_arguments"`
	PreviewChars          int  `yaml:"preview_chars" validate:"gte=0"`
	PriorResultChars      int  `yaml:"prior_result_chars" validate:"gte=0"`
}

// FallbackConfig tunes the tiered controller.
type FallbackConfig struct {
	DefaultMode       string `yaml:"default_mode" validate:"oneof=plan_execute function_calling direct"`
	MaxFunctionRounds int    `yaml:"max_function_rounds" validate:"gte=1,lte=50"`
}

// ConversationConfig tunes prompt history.
type ConversationConfig struct {
	WindowTurns int `yaml:"window_turns" validate:"gte=0"`
}

// SearchConfig tunes the built-in search tools.
type SearchConfig struct {
	LightEnabled      bool          `yaml:"light_enabled"`
	HeavyEnabled      bool          `yaml:"heavy_enabled"`
	Endpoint          string        `yaml:"endpoint" validate:"omitempty,url"`
	MaxResults        int           `yaml:"max_results" validate:"gte=1,lte=25"`
	HeavyFetchPages   int           `yaml:"heavy_fetch_pages" validate:"gte=1,lte=10"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	CacheDir          string        `yaml:"cache_dir"`
	CacheTTL          time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
}

// RegistryConfig picks the canonical name collision policy.
type RegistryConfig struct {
	CollisionPolicy string `yaml:"collision_policy" validate:"oneof=overwrite suffix fail"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	TraceStdout bool `yaml:"trace_stdout"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded defaults with no file or environment
// applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := decode(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("embedded defaults: %w", err)
	}
	return cfg, nil
}

// Load reads the configuration.
//
// Description:
//
//	Layers, later wins: embedded defaults, the file at path (or at
//	$CONDUCTOR_CONFIG when path is empty; no file is fine), then
//	environment overrides. The result is validated.
//
// Inputs:
//   - path: Config file path. May be empty.
//
// Outputs:
//   - *Config: The validated configuration.
//   - error: Read, parse or validation failure.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		slog.Debug("config file loaded", slog.String("path", path))
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// applyEnv overlays provider credentials and a few operational knobs.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("CONDUCTOR_PROVIDER"); ok && v != "" {
		cfg.Model.Provider = v
	}
	switch cfg.Model.Provider {
	case "openai":
		setString(&cfg.Model.APIKey, lookup, "OPENAI_API_KEY")
		setString(&cfg.Model.Model, lookup, "OPENAI_MODEL")
		setString(&cfg.Model.BaseURL, lookup, "OPENAI_BASE_URL")
	default:
		setString(&cfg.Model.APIKey, lookup, "GEMINI_API_KEY")
		setString(&cfg.Model.Model, lookup, "GEMINI_MODEL")
		setString(&cfg.Model.BaseURL, lookup, "GEMINI_BASE_URL")
	}
	setString(&cfg.Server.Addr, lookup, "CONDUCTOR_ADDR")
	setString(&cfg.Logging.Level, lookup, "CONDUCTOR_LOG_LEVEL")
	setString(&cfg.Search.CacheDir, lookup, "CONDUCTOR_SEARCH_CACHE_DIR")

	if v, ok := lookup("CONDUCTOR_HEAVY_SEARCH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_HEAVY_SEARCH: %w", err)
		}
		cfg.Search.HeavyEnabled = b
	}
	return nil
}

func setString(dst *string, lookup func(string) (string, bool), key string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = v
	}
}

// =============================================================================
// Validation
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.ToolServers))
	for _, s := range c.ToolServers {
		if seen[s.Name] {
			return fmt.Errorf("invalid config: duplicate tool server %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Flags returns the catalog feature flags derived from the search section.
func (c *Config) Flags() catalog.Flags {
	return catalog.Flags{
		search.FlagLight: c.Search.LightEnabled,
		search.FlagDeep:  c.Search.HeavyEnabled,
	}
}

// SearcherConfig maps the search section onto search.Config.
func (c *Config) SearcherConfig() search.Config {
	return search.Config{
		Endpoint:          c.Search.Endpoint,
		MaxResults:        c.Search.MaxResults,
		FetchPages:        c.Search.HeavyFetchPages,
		FetchTimeout:      c.Search.FetchTimeout,
		RequestsPerMinute: c.Search.RequestsPerMinute,
	}
}

// SlogLevel maps Logging.Level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
