package audit

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/ganaudit/internal/diag"
)

// Scope selects how much of the repository the external CLI may read.
type Scope string

const (
	ScopeDiff      Scope = "diff"
	ScopePaths     Scope = "paths"
	ScopeWorkspace Scope = "workspace"
)

// InlineConfig is the caller-supplied override block embedded in a thought
// as a fenced ```gan-config``` YAML snippet. Unknown keys are rejected; a
// missing block means all defaults.
type InlineConfig struct {
	Task      string   `yaml:"task"`
	Scope     Scope    `yaml:"scope"`
	Paths     []string `yaml:"paths"`
	Threshold int      `yaml:"threshold"`
	Judges    []string `yaml:"judges"`
	MaxCycles int      `yaml:"maxCycles"`
}

// DefaultInlineConfig returns the values used when the thought carries no
// gan-config block or leaves fields unset.
func DefaultInlineConfig() InlineConfig {
	return InlineConfig{
		Task:      "Audit and improve the provided candidate code",
		Scope:     ScopeDiff,
		Threshold: 85,
		Judges:    []string{"internal"},
		MaxCycles: 1,
	}
}

var ganConfigFence = regexp.MustCompile("(?s)```gan-config\\s*\\n(.*?)```")

// ExtractInlineConfig finds at most one gan-config fence in the thought text
// and merges it over the defaults. found reports whether a fence was
// present, independent of whether it parsed.
func ExtractInlineConfig(thought string) (cfg InlineConfig, found bool, err error) {
	cfg = DefaultInlineConfig()
	m := ganConfigFence.FindStringSubmatch(thought)
	if m == nil {
		return cfg, false, nil
	}
	var raw InlineConfig
	dec := yaml.NewDecoder(bytes.NewReader([]byte(m[1])))
	dec.KnownFields(true)
	if derr := dec.Decode(&raw); derr != nil && derr != io.EOF {
		return cfg, true, diag.Newf(diag.CategoryValidation, "gan-config block is not valid: %v", derr).
			WithSuggestions("allowed keys: task, scope, paths, threshold, judges, maxCycles")
	}

	if s := strings.TrimSpace(raw.Task); s != "" {
		cfg.Task = s
	}
	if raw.Scope != "" {
		switch raw.Scope {
		case ScopeDiff, ScopePaths, ScopeWorkspace:
			cfg.Scope = raw.Scope
		default:
			return cfg, true, diag.Newf(diag.CategoryValidation, "gan-config scope %q not in {diff, paths, workspace}", raw.Scope)
		}
	}
	if len(raw.Paths) > 0 {
		for _, p := range raw.Paths {
			if !doublestar.ValidatePattern(p) {
				return cfg, true, diag.Newf(diag.CategoryValidation, "gan-config path pattern %q is not a valid glob", p)
			}
		}
		cfg.Paths = raw.Paths
	}
	if cfg.Scope == ScopePaths && len(cfg.Paths) == 0 {
		return cfg, true, diag.New(diag.CategoryValidation, "gan-config scope=paths requires a paths list")
	}
	if raw.Threshold != 0 {
		if raw.Threshold < 0 || raw.Threshold > 100 {
			return cfg, true, diag.Newf(diag.CategoryValidation, "gan-config threshold %d outside 0..100", raw.Threshold)
		}
		cfg.Threshold = raw.Threshold
	}
	if len(raw.Judges) > 0 {
		cfg.Judges = raw.Judges
	}
	if raw.MaxCycles != 0 {
		if raw.MaxCycles < 1 || raw.MaxCycles > 100 {
			return cfg, true, diag.Newf(diag.CategoryValidation, "gan-config maxCycles %d outside 1..100", raw.MaxCycles)
		}
		cfg.MaxCycles = raw.MaxCycles
	}
	return cfg, true, nil
}

// Rubric is the dimension/weight list sent to the external CLI.
type Rubric struct {
	Dimensions []RubricDimension `json:"dimensions"`
}

type RubricDimension struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// Budget bounds the external CLI's effort for one audit.
type Budget struct {
	MaxCycles      int `json:"maxCycles"`
	ScoreThreshold int `json:"scoreThreshold"`
}

// Request is the JSON document written to the external CLI's stdin.
type Request struct {
	Candidate string   `json:"candidate"`
	Task      string   `json:"task"`
	Scope     Scope    `json:"scope"`
	Paths     []string `json:"paths,omitempty"`
	Judges    []string `json:"judges"`
	Rubric    Rubric   `json:"rubric"`
	Budget    Budget   `json:"budget"`
	LoopID    string   `json:"loopId,omitempty"`
}

// BuildRequest assembles the subprocess request from the thought text and
// its (already merged) inline configuration.
func BuildRequest(thought string, cfg InlineConfig, loopID string) Request {
	dims := make([]RubricDimension, 0, len(DimensionWeights))
	for _, name := range []string{"Correctness", "Tests", "Style", "Security", "Performance", "Docs"} {
		dims = append(dims, RubricDimension{Name: name, Weight: DimensionWeights[name]})
	}
	return Request{
		Candidate: thought,
		Task:      cfg.Task,
		Scope:     cfg.Scope,
		Paths:     cfg.Paths,
		Judges:    cfg.Judges,
		Rubric:    Rubric{Dimensions: dims},
		Budget:    Budget{MaxCycles: cfg.MaxCycles, ScoreThreshold: cfg.Threshold},
		LoopID:    strings.TrimSpace(loopID),
	}
}
