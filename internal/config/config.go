// Package config loads the server configuration file. Every option has a
// default; the file is read once at startup and validated before any
// component starts.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is one completion tier: a session completes once both thresholds are
// met. Tiers are evaluated top-down; first match wins.
type Tier struct {
	Name  string `json:"name" yaml:"name"`
	Score int    `json:"score" yaml:"score"`
	Loop  int    `json:"loop" yaml:"loop"`
}

type Config struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	Audit struct {
		TimeoutMS            int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
		MaxConcurrent        int      `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
		GraceTimeoutMS       int      `json:"grace_timeout_ms,omitempty" yaml:"grace_timeout_ms,omitempty"`
		MaxCaptureBytes      int64    `json:"max_capture_bytes,omitempty" yaml:"max_capture_bytes,omitempty"`
		ExecutableCandidates []string `json:"executable_candidates,omitempty" yaml:"executable_candidates,omitempty"`
		MinVersion           string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
		PreserveEnvVars      []string `json:"preserve_env_vars,omitempty" yaml:"preserve_env_vars,omitempty"`
		Async                bool     `json:"async,omitempty" yaml:"async,omitempty"`
	} `json:"audit,omitempty" yaml:"audit,omitempty"`

	Sessions struct {
		StateDirectory    string `json:"state_directory,omitempty" yaml:"state_directory,omitempty"`
		MaxAgeMS          int    `json:"max_age_ms,omitempty" yaml:"max_age_ms,omitempty"`
		CleanupIntervalMS int    `json:"cleanup_interval_ms,omitempty" yaml:"cleanup_interval_ms,omitempty"`
		MaxConcurrent     int    `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
		HistoryLimit      int    `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`
	} `json:"sessions,omitempty" yaml:"sessions,omitempty"`

	Completion struct {
		MaxIterations       int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
		StagnationThreshold float64 `json:"stagnation_threshold,omitempty" yaml:"stagnation_threshold,omitempty"`
		StagnationStartLoop int     `json:"stagnation_start_loop,omitempty" yaml:"stagnation_start_loop,omitempty"`
		Tiers               []Tier  `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	} `json:"completion,omitempty" yaml:"completion,omitempty"`
}

// Load reads a config file (YAML by default, JSON by extension) with strict
// field checking, applies defaults, and validates. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".json":
			if err := decodeJSONStrict(b, &cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		default:
			if err := decodeYAMLStrict(b, &cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Enabled == nil {
		t := true
		cfg.Enabled = &t
	}
	if cfg.Audit.TimeoutMS == 0 {
		cfg.Audit.TimeoutMS = 30000
	}
	if cfg.Audit.MaxConcurrent == 0 {
		cfg.Audit.MaxConcurrent = 10
	}
	if cfg.Audit.GraceTimeoutMS == 0 {
		cfg.Audit.GraceTimeoutMS = 5000
	}
	if cfg.Audit.MaxCaptureBytes == 0 {
		cfg.Audit.MaxCaptureBytes = 10 << 20
	}
	cfg.Audit.ExecutableCandidates = trimNonEmpty(cfg.Audit.ExecutableCandidates)
	if len(cfg.Audit.ExecutableCandidates) == 0 {
		cfg.Audit.ExecutableCandidates = []string{"codex"}
	}
	if strings.TrimSpace(cfg.Audit.MinVersion) == "" {
		cfg.Audit.MinVersion = "0.20.0"
	}
	cfg.Audit.PreserveEnvVars = trimNonEmpty(cfg.Audit.PreserveEnvVars)

	if strings.TrimSpace(cfg.Sessions.StateDirectory) == "" {
		cfg.Sessions.StateDirectory = defaultStateDirectory()
	}
	if cfg.Sessions.MaxAgeMS == 0 {
		cfg.Sessions.MaxAgeMS = int((24 * time.Hour).Milliseconds())
	}
	if cfg.Sessions.CleanupIntervalMS == 0 {
		cfg.Sessions.CleanupIntervalMS = int((5 * time.Minute).Milliseconds())
	}
	if cfg.Sessions.MaxConcurrent == 0 {
		cfg.Sessions.MaxConcurrent = 32
	}
	if cfg.Sessions.HistoryLimit == 0 {
		cfg.Sessions.HistoryLimit = 1000
	}

	if cfg.Completion.MaxIterations == 0 {
		cfg.Completion.MaxIterations = 25
	}
	if cfg.Completion.StagnationThreshold == 0 {
		cfg.Completion.StagnationThreshold = 0.95
	}
	if cfg.Completion.StagnationStartLoop == 0 {
		cfg.Completion.StagnationStartLoop = 10
	}
	if len(cfg.Completion.Tiers) == 0 {
		cfg.Completion.Tiers = DefaultTiers()
	}
}

// DefaultTiers returns the built-in completion tiers.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "Excellence", Score: 95, Loop: 10},
		{Name: "High quality", Score: 90, Loop: 15},
		{Name: "Acceptable", Score: 85, Loop: 20},
	}
}

func validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Audit.TimeoutMS < 0 {
		return fmt.Errorf("audit.timeout_ms must be >= 0")
	}
	if cfg.Audit.MaxConcurrent < 1 {
		return fmt.Errorf("audit.max_concurrent must be >= 1")
	}
	if cfg.Audit.GraceTimeoutMS < 0 {
		return fmt.Errorf("audit.grace_timeout_ms must be >= 0")
	}
	if cfg.Audit.MaxCaptureBytes < 1 {
		return fmt.Errorf("audit.max_capture_bytes must be >= 1")
	}
	if cfg.Sessions.MaxAgeMS < 0 {
		return fmt.Errorf("sessions.max_age_ms must be >= 0")
	}
	if cfg.Sessions.CleanupIntervalMS < 0 {
		return fmt.Errorf("sessions.cleanup_interval_ms must be >= 0")
	}
	if cfg.Sessions.MaxConcurrent < 1 {
		return fmt.Errorf("sessions.max_concurrent must be >= 1")
	}
	if cfg.Sessions.HistoryLimit < 1 {
		return fmt.Errorf("sessions.history_limit must be >= 1")
	}
	if cfg.Completion.MaxIterations < 1 {
		return fmt.Errorf("completion.max_iterations must be >= 1")
	}
	if cfg.Completion.StagnationThreshold <= 0 || cfg.Completion.StagnationThreshold > 1 {
		return fmt.Errorf("completion.stagnation_threshold must be in (0, 1]")
	}
	if cfg.Completion.StagnationStartLoop < 1 {
		return fmt.Errorf("completion.stagnation_start_loop must be >= 1")
	}
	prevScore := 101
	for i, tier := range cfg.Completion.Tiers {
		if strings.TrimSpace(tier.Name) == "" {
			return fmt.Errorf("completion.tiers[%d].name is required", i)
		}
		if tier.Score < 0 || tier.Score > 100 {
			return fmt.Errorf("completion.tiers[%d].score must be in 0..100", i)
		}
		if tier.Loop < 1 {
			return fmt.Errorf("completion.tiers[%d].loop must be >= 1", i)
		}
		// Tiers are matched top-down; a lower tier with a higher score bar
		// would be unreachable.
		if tier.Score >= prevScore {
			return fmt.Errorf("completion.tiers[%d].score must descend (got %d after %d)", i, tier.Score, prevScore)
		}
		prevScore = tier.Score
	}
	return nil
}

// IsEnabled reports whether GAN auditing is enabled.
func (c *Config) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

func (c *Config) AuditTimeout() time.Duration {
	return time.Duration(c.Audit.TimeoutMS) * time.Millisecond
}

func (c *Config) GraceTimeout() time.Duration {
	return time.Duration(c.Audit.GraceTimeoutMS) * time.Millisecond
}

func (c *Config) MaxSessionAge() time.Duration {
	return time.Duration(c.Sessions.MaxAgeMS) * time.Millisecond
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Sessions.CleanupIntervalMS) * time.Millisecond
}

func defaultStateDirectory() string {
	base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
	if base == "" {
		home := strings.TrimSpace(os.Getenv("HOME"))
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "ganaudit", "sessions")
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
