package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"time"

	"github.com/danshapiro/ganaudit/internal/diag"
	"github.com/danshapiro/ganaudit/internal/environ"
	"github.com/danshapiro/ganaudit/internal/procman"
)

const auditSubcommand = "audit"

// stdoutExcerptLimit bounds how much raw subprocess output rides along on a
// parse diagnostic.
const stdoutExcerptLimit = 2048

// Engine composes the environment resolver, process manager, and strict
// response parsing into the synchronous audit operation. It is reentrant
// across sessions; per-session serialization is the request handler's job.
type Engine struct {
	resolver   *environ.Resolver
	executor   *procman.Executor
	enabled    bool
	minVersion string
	timeout    time.Duration
	grace      time.Duration
	captureCap int64
	logger     *log.Logger
}

type EngineOptions struct {
	Enabled         bool
	MinVersion      string
	Timeout         time.Duration
	Grace           time.Duration
	MaxCaptureBytes int64
	Logger          *log.Logger
}

func NewEngine(resolver *environ.Resolver, executor *procman.Executor, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[audit] ", log.LstdFlags)
	}
	return &Engine{
		resolver:   resolver,
		executor:   executor,
		enabled:    opts.Enabled,
		minVersion: opts.MinVersion,
		timeout:    opts.Timeout,
		grace:      opts.Grace,
		captureCap: opts.MaxCaptureBytes,
		logger:     logger,
	}
}

// Audit runs one external audit over the thought text. There is no fallback
// path: every failure surfaces as a Diagnostic for the caller to package.
func (e *Engine) Audit(ctx context.Context, thought string, workingDirHint string, loopID string) (*Review, error) {
	if !e.enabled {
		return nil, diag.New(diag.CategoryValidation, "GAN auditing is disabled").
			WithSuggestions("set enabled: true in the config file")
	}

	cfg, _, err := ExtractInlineConfig(thought)
	if err != nil {
		return nil, err
	}

	exe, err := e.resolver.ResolveExecutable()
	if err != nil {
		return nil, err
	}
	workDir, err := e.resolver.ResolveWorkingDirectory(workingDirHint)
	if err != nil {
		return nil, err
	}

	req := BuildRequest(thought, cfg, loopID)
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, diag.Newf(diag.CategoryValidation, "encode audit request: %v", err)
	}

	res, err := e.executor.Execute(ctx, procman.Spec{
		Argv:            []string{exe, auditSubcommand, "--cwd", workDir},
		Dir:             workDir,
		Env:             e.resolver.BuildEnvironment(),
		Timeout:         e.timeout,
		Grace:           e.grace,
		Stdin:           string(payload),
		MaxCaptureBytes: e.captureCap,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, diag.Newf(diag.CategoryProcess, "audit CLI exited %d", res.ExitCode).
			WithDetails(excerpt(res.Stderr))
	}

	review, err := parseReview(res.Stdout)
	if err != nil {
		return nil, err
	}
	return review, nil
}

// parseReview decodes stdout as a single strict JSON document, checks it
// against the review schema, then re-validates ranges. No greedy or partial
// parsing: trailing junk is a parse failure.
func parseReview(stdout string) (*Review, error) {
	raw := []byte(stdout)

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, diag.Newf(diag.CategoryParse, "audit CLI stdout is not JSON: %v", err).
			WithDetails(excerpt(stdout))
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return nil, diag.New(diag.CategoryParse, "audit CLI stdout has trailing content after the JSON document").
			WithDetails(excerpt(stdout))
	}
	if err := compiledReviewSchema.Validate(normalizeForSchema(doc)); err != nil {
		return nil, diag.Newf(diag.CategoryValidation, "audit CLI response does not match the review schema: %v", err).
			WithDetails(excerpt(stdout))
	}

	var review Review
	if err := json.Unmarshal(raw, &review); err != nil {
		return nil, diag.Newf(diag.CategoryParse, "decode review: %v", err).WithDetails(excerpt(stdout))
	}
	if err := validateReview(&review); err != nil {
		return nil, err
	}
	return &review, nil
}

// normalizeForSchema rewrites json.Number values into the plain types the
// schema validator expects.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}

func excerpt(s string) string {
	if len(s) > stdoutExcerptLimit {
		s = s[:stdoutExcerptLimit]
	}
	return s
}

// TerminateAll force-stops all in-flight audit subprocesses. Used at
// shutdown only.
func (e *Engine) TerminateAll() {
	e.executor.TerminateAll(e.grace)
}
