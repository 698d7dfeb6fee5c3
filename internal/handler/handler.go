package handler

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danshapiro/ganaudit/internal/audit"
	"github.com/danshapiro/ganaudit/internal/completion"
	"github.com/danshapiro/ganaudit/internal/diag"
	"github.com/danshapiro/ganaudit/internal/respond"
	"github.com/danshapiro/ganaudit/internal/session"
)

// Options carries the tunables the handler needs from the config.
type Options struct {
	Enabled             bool
	Async               bool
	HistoryLimit        int
	Tiers               []completion.Tier
	MaxIterations       int
	StagnationThreshold float64
	StagnationStartLoop int
	Logger              *log.Logger
}

type historyEntry struct {
	ThoughtNumber int
	BranchID      string
}

type Handler struct {
	engine *audit.Engine
	store  *session.Store
	locks  *session.KeyedLocks
	opts   Options
	logger *log.Logger

	validated atomic.Bool

	mu       sync.Mutex
	history  []historyEntry
	branches map[string]int
}

func New(engine *audit.Engine, store *session.Store, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[handler] ", log.LstdFlags)
	}
	if opts.HistoryLimit < 1 {
		opts.HistoryLimit = 1000
	}
	return &Handler{
		engine:   engine,
		store:    store,
		locks:    session.NewKeyedLocks(),
		opts:     opts,
		logger:   opts.Logger,
		branches: map[string]int{},
	}
}

// MarkValidated unlocks the audit path after the startup availability check
// succeeds.
func (h *Handler) MarkValidated() {
	h.validated.Store(true)
}

// Handle runs one tool call end to end.
func (h *Handler) Handle(ctx context.Context, t Thought) (*respond.Envelope, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	branches, historyLen := h.recordThought(t)

	base := respond.Input{
		ThoughtNumber:        t.ThoughtNumber,
		TotalThoughts:        t.TotalThoughts,
		NextThoughtNeeded:    t.NextThoughtNeeded,
		Branches:             branches,
		ThoughtHistoryLength: historyLen,
		SessionID:            t.BranchID,
	}

	if !h.opts.Enabled || !ShouldAudit(t.Thought) {
		// Plain sequential-thinking passthrough: no audit, history updated.
		return respond.Assemble(base)
	}

	if h.opts.Async {
		h.dispatchAsync(t)
		return respond.Assemble(base)
	}

	if !h.validated.Load() {
		return nil, diag.New(diag.CategoryEnvironment, "audit path unavailable: startup validation has not succeeded").
			WithSuggestions("check the server startup log for the availability check result")
	}

	return h.auditCycle(ctx, t, base)
}

// auditCycle holds the per-session lock across audit, append, completion
// evaluation, and assembly, so iterations within one session never
// interleave.
func (h *Handler) auditCycle(ctx context.Context, t Thought, base respond.Input) (*respond.Envelope, error) {
	sessionID := t.BranchID
	if sessionID == "" {
		sessionID = session.NewID()
	}
	base.SessionID = sessionID

	h.locks.Lock(sessionID)
	defer h.locks.Unlock(sessionID)

	sess, err := h.store.GetOrCreate(sessionID)
	if err != nil {
		return nil, err
	}
	// A completed session refuses further iterations up front, before any
	// subprocess is spawned on its behalf.
	if sess.IsComplete {
		return nil, diag.Newf(diag.CategoryValidation, "session %s is complete; no further iterations accepted", sessionID)
	}
	if t.LoopID != "" {
		if err := h.store.ContextLifecycle(sessionID, session.ContextStart, ""); err != nil {
			h.logger.Printf("context start for %s: %v", sessionID, err)
		}
	}

	review, err := h.engine.Audit(ctx, t.Thought, "", t.LoopID)
	if err != nil {
		return nil, err
	}

	sess, err = h.store.Append(sessionID, session.IterationRecord{
		ThoughtNumber: t.ThoughtNumber,
		Code:          t.Thought,
		AuditResult:   *review,
	})
	if err != nil {
		return nil, err
	}

	stag := completion.DetectStagnation(recentCodes(sess), h.opts.StagnationThreshold)
	result := completion.Evaluate(review.Overall, sess.CurrentLoop, completion.Params{
		Tiers:               h.opts.Tiers,
		MaxIterations:       h.opts.MaxIterations,
		StagnationStartLoop: h.opts.StagnationStartLoop,
	}, completion.Signals{
		Stagnant:          stag.Stagnant,
		IdenticalContent:  stag.Identical,
		HasCriticalInline: review.HasCriticalInline(),
	})

	if result.Status != completion.StatusInProgress {
		sess.IsComplete = true
		sess.CompletionReason = result.Reason
		if err := h.store.Update(sess); err != nil {
			return nil, err
		}
		if err := h.store.ContextLifecycle(sessionID, session.ContextTerminate, result.Reason); err != nil {
			h.logger.Printf("context terminate for %s: %v", sessionID, err)
		}
	} else if t.LoopID != "" {
		if err := h.store.ContextLifecycle(sessionID, session.ContextMaintain, ""); err != nil {
			h.logger.Printf("context maintain for %s: %v", sessionID, err)
		}
	}

	base.Review = review
	base.Completion = &result
	if review.Verdict != audit.VerdictPass {
		base.Feedback = respond.BuildFeedback(review, nil, nil, nil)
	}
	return respond.Assemble(base)
}

// dispatchAsync preserves the fire-and-forget legacy contract: the audit
// runs detached from the request, its outcome is logged and never
// correlated back to a response.
func (h *Handler) dispatchAsync(t Thought) {
	go func() {
		sessionID := t.BranchID
		if sessionID == "" {
			sessionID = session.NewID()
		}
		h.locks.Lock(sessionID)
		defer h.locks.Unlock(sessionID)

		sess, err := h.store.GetOrCreate(sessionID)
		if err != nil {
			h.logger.Printf("async audit session %s: %v", sessionID, err)
			return
		}
		if sess.IsComplete {
			h.logger.Printf("async audit session %s: already complete, skipping", sessionID)
			return
		}
		review, err := h.engine.Audit(context.Background(), t.Thought, "", t.LoopID)
		if err != nil {
			h.logger.Printf("async audit session %s failed: %v", sessionID, err)
			return
		}
		if _, err := h.store.Append(sessionID, session.IterationRecord{
			ThoughtNumber: t.ThoughtNumber,
			Code:          t.Thought,
			AuditResult:   *review,
		}); err != nil {
			h.logger.Printf("async audit session %s append: %v", sessionID, err)
			return
		}
		h.logger.Printf("async audit session %s: overall=%d verdict=%s", sessionID, review.Overall, review.Verdict)
	}()
}

// recordThought appends to the bounded history and branch map, evicting
// oldest-first, and returns the current branch list and history length.
func (h *Handler) recordThought(t Thought) ([]string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, historyEntry{ThoughtNumber: t.ThoughtNumber, BranchID: t.BranchID})
	if t.BranchID != "" {
		h.branches[t.BranchID]++
	}
	for len(h.history) > h.opts.HistoryLimit {
		old := h.history[0]
		h.history = h.history[1:]
		if old.BranchID != "" {
			h.branches[old.BranchID]--
			if h.branches[old.BranchID] <= 0 {
				delete(h.branches, old.BranchID)
			}
		}
	}

	branches := make([]string, 0, len(h.branches))
	for b := range h.branches {
		branches = append(branches, b)
	}
	sort.Strings(branches)
	return branches, len(h.history)
}

func recentCodes(sess *session.Session) []string {
	n := len(sess.Iterations)
	start := n - completion.StagnationWindow
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, n-start)
	for _, it := range sess.Iterations[start:] {
		out = append(out, it.Code)
	}
	return out
}
