package handler

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/ganaudit/internal/audit"
	"github.com/danshapiro/ganaudit/internal/completion"
	"github.com/danshapiro/ganaudit/internal/diag"
	"github.com/danshapiro/ganaudit/internal/environ"
	"github.com/danshapiro/ganaudit/internal/procman"
	"github.com/danshapiro/ganaudit/internal/session"
)

const codeThought = "Here is the fix:\n```go\nfunc add(a, b int) int { return a + b }\n```"

// chdir stands in for t.Chdir, which requires Go 1.24+.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

// reviewScript emits a fixed review for every audit invocation.
func reviewScript(overall int, verdict string) string {
	return `cat > /dev/null
cat <<EOF
{"overall": ` + itoa(overall) + `, "verdict": "` + verdict + `", "dimensions": [{"name": "Correctness", "score": ` + itoa(overall) + `}], "review": {"summary": "fixed review"}}
EOF
`
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func newTestHandler(t *testing.T, scriptBody string) *Handler {
	t.Helper()
	repo := t.TempDir()
	if err := os.Mkdir(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatalf("mk repo marker: %v", err)
	}
	chdir(t, repo)

	exe := filepath.Join(t.TempDir(), "fake-audit-cli")
	script := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo 'fake 1.0.0'; exit 0; fi\n" + scriptBody
	if err := os.WriteFile(exe, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}

	engine := audit.NewEngine(
		environ.NewResolver([]string{exe}, nil),
		procman.NewExecutor(4, nil),
		audit.EngineOptions{Enabled: true, MinVersion: "0.1.0", Timeout: 10 * time.Second, Grace: time.Second},
	)
	store, err := session.NewStore(t.TempDir(), 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h := New(engine, store, Options{
		Enabled:             true,
		HistoryLimit:        100,
		StagnationThreshold: 0.95,
		StagnationStartLoop: 10,
		MaxIterations:       25,
	})
	h.MarkValidated()
	return h
}

func thought(n int, branch string, text string) Thought {
	return Thought{
		Thought:           text,
		ThoughtNumber:     n,
		TotalThoughts:     30,
		NextThoughtNeeded: true,
		BranchID:          branch,
	}
}

func TestHandle_RejectsInvalidThought(t *testing.T) {
	h := newTestHandler(t, reviewScript(80, "revise"))
	cases := []Thought{
		{ThoughtNumber: 1, TotalThoughts: 1},                                      // empty text
		{Thought: "x", ThoughtNumber: 0, TotalThoughts: 1},                        // bad number
		{Thought: "x", ThoughtNumber: 1, TotalThoughts: 0},                        // bad total
		{Thought: "x", ThoughtNumber: 1, TotalThoughts: 1, IsRevision: true},      // revision without target
		{Thought: "x", ThoughtNumber: 1, TotalThoughts: 1, BranchFromThought: -1}, // negative branch origin
	}
	for i, tc := range cases {
		_, err := h.Handle(context.Background(), tc)
		var d *diag.Diagnostic
		if !errors.As(err, &d) || d.Category != diag.CategoryValidation {
			t.Fatalf("case %d: expected validation diagnostic, got %v", i, err)
		}
	}
}

func TestHandle_PassthroughWithoutCode(t *testing.T) {
	h := newTestHandler(t, "exit 9\n") // audit would fail if triggered
	env, err := h.Handle(context.Background(), thought(1, "b1", "Let me think about the approach first."))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if env.Gan != nil || env.Completion != nil {
		t.Fatalf("passthrough response carries audit fields: %+v", env)
	}
	if env.ThoughtHistoryLength != 1 || len(env.Branches) != 1 || env.Branches[0] != "b1" {
		t.Fatalf("history not updated: %+v", env)
	}
}

func TestHandle_AuditAppendsIteration(t *testing.T) {
	h := newTestHandler(t, reviewScript(96, "pass"))
	env, err := h.Handle(context.Background(), thought(1, "s1", codeThought))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if env.Gan == nil || env.Gan.Overall != 96 || env.Gan.Verdict != audit.VerdictPass {
		t.Fatalf("gan: %+v", env.Gan)
	}
	// First iteration: Excellence needs loop >= 10, so still in progress and
	// the caller's nextThoughtNeeded stands.
	if env.Completion == nil || env.Completion.Status != completion.StatusInProgress {
		t.Fatalf("completion: %+v", env.Completion)
	}
	if !env.NextThoughtNeeded {
		t.Fatalf("pass verdict at loop 1 should keep nextThoughtNeeded=true")
	}
	if env.Feedback != nil {
		t.Fatalf("pass verdict should not carry feedback")
	}

	sess, err := h.store.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess.CurrentLoop != 1 || len(sess.Iterations) != 1 {
		t.Fatalf("iteration not appended: loop=%d n=%d", sess.CurrentLoop, len(sess.Iterations))
	}
}

func TestHandle_ReviseLoopAccumulates(t *testing.T) {
	h := newTestHandler(t, reviewScript(72, "revise"))
	for i := 1; i <= 4; i++ {
		env, err := h.Handle(context.Background(), thought(i, "s1", codeThought))
		if err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
		if env.Gan.Verdict != audit.VerdictRevise {
			t.Fatalf("verdict: %s", env.Gan.Verdict)
		}
		if !env.NextThoughtNeeded {
			t.Fatalf("revise must force nextThoughtNeeded=true")
		}
		if env.Feedback == nil || env.Feedback.Decision != "no-ship" {
			t.Fatalf("feedback: %+v", env.Feedback)
		}
	}
	sess, _ := h.store.GetOrCreate("s1")
	if sess.CurrentLoop != 4 {
		t.Fatalf("loop: %d", sess.CurrentLoop)
	}
}

func TestHandle_CompletionByExcellence(t *testing.T) {
	h := newTestHandler(t, reviewScript(95, "pass"))
	// Vary the code per loop so stagnation does not fire first.
	for i := 1; i <= 10; i++ {
		text := codeThought + "\nvar revision" + itoa(i) + " = " + itoa(i*7)
		env, err := h.Handle(context.Background(), thought(i, "s1", text))
		if err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
		if i < 10 {
			if env.Completion.Status != completion.StatusInProgress {
				t.Fatalf("loop %d: status %s", i, env.Completion.Status)
			}
			continue
		}
		if env.Completion.Status != completion.StatusCompleted || env.Completion.Tier == nil || env.Completion.Tier.Name != "Excellence" {
			t.Fatalf("loop 10: %+v", env.Completion)
		}
		if env.NextThoughtNeeded {
			t.Fatalf("completed session must not request another thought")
		}
		if !strings.Contains(env.Gan.Review.Summary, "✅ COMPLETION: Excellence") {
			t.Fatalf("summary: %q", env.Gan.Review.Summary)
		}
	}
	sess, _ := h.store.GetOrCreate("s1")
	if !sess.IsComplete {
		t.Fatalf("session not marked complete")
	}

	// Completed sessions accept no more iterations.
	_, err := h.Handle(context.Background(), thought(11, "s1", codeThought))
	var d *diag.Diagnostic
	if !errors.As(err, &d) || d.Category != diag.CategoryValidation {
		t.Fatalf("expected validation diagnostic on completed session, got %v", err)
	}
}

func TestHandle_CompletedSessionSkipsSubprocess(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "invocations")
	h := newTestHandler(t, "echo hit >> "+marker+"\n"+reviewScript(95, "pass"))

	sess, err := h.store.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	sess.IsComplete = true
	sess.CompletionReason = "Excellence tier reached"
	if err := h.store.Update(sess); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err = h.Handle(context.Background(), thought(1, "s1", codeThought))
	var d *diag.Diagnostic
	if !errors.As(err, &d) || d.Category != diag.CategoryValidation {
		t.Fatalf("expected validation diagnostic, got %v", err)
	}
	if _, err := os.Stat(marker); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("audit subprocess ran against a completed session")
	}
}

func TestHandle_HardStopAtLoop25(t *testing.T) {
	h := newTestHandler(t, reviewScript(60, "revise"))
	var last *completion.Result
	for i := 1; i <= 25; i++ {
		text := codeThought + "\nvar attempt" + itoa(i) + " = " + itoa(i*13)
		env, err := h.Handle(context.Background(), thought(i, "s1", text))
		if err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
		last = env.Completion
		if i < 25 && last.Status == completion.StatusTerminated {
			t.Fatalf("terminated early at loop %d: %+v", i, last)
		}
	}
	if last.Status != completion.StatusTerminated || last.KillSwitch == nil || last.KillSwitch.Name != "Hard Stop" {
		t.Fatalf("loop 25: %+v", last)
	}
}

func TestHandle_StagnationTermination(t *testing.T) {
	h := newTestHandler(t, reviewScript(60, "revise"))
	var status completion.Status
	for i := 1; i <= 10; i++ {
		// Identical content every loop; stagnation arms at loop 10.
		env, err := h.Handle(context.Background(), thought(i, "s1", codeThought))
		if err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
		status = env.Completion.Status
		if i < 10 && status != completion.StatusInProgress {
			t.Fatalf("terminated early at loop %d", i)
		}
		if i == 10 {
			if status != completion.StatusTerminated || env.Completion.KillSwitch.Name != "Stagnation" {
				t.Fatalf("loop 10: %+v", env.Completion)
			}
		}
	}
}

func TestHandle_AuditFailureLeavesSessionUntouched(t *testing.T) {
	h := newTestHandler(t, "cat > /dev/null\necho 'not json'\n")
	if _, err := h.store.GetOrCreate("s1"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	_, err := h.Handle(context.Background(), thought(1, "s1", codeThought))
	var d *diag.Diagnostic
	if !errors.As(err, &d) || d.Category != diag.CategoryParse {
		t.Fatalf("expected parse diagnostic, got %v", err)
	}
	sess, _ := h.store.GetOrCreate("s1")
	if sess.CurrentLoop != 0 || len(sess.Iterations) != 0 {
		t.Fatalf("failed audit must not append: %+v", sess)
	}
}

func TestHandle_RefusesUntilValidated(t *testing.T) {
	h := newTestHandler(t, reviewScript(80, "revise"))
	h.validated.Store(false)
	_, err := h.Handle(context.Background(), thought(1, "s1", codeThought))
	var d *diag.Diagnostic
	if !errors.As(err, &d) || d.Category != diag.CategoryEnvironment {
		t.Fatalf("expected environment diagnostic, got %v", err)
	}
}

func TestHandle_AsyncReturnsImmediately(t *testing.T) {
	h := newTestHandler(t, reviewScript(88, "pass"))
	h.opts.Async = true
	env, err := h.Handle(context.Background(), thought(1, "s1", codeThought))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if env.Gan != nil {
		t.Fatalf("async mode must not attach audit results")
	}

	// The detached audit still lands in the session store.
	deadline := time.Now().Add(10 * time.Second)
	for {
		sess, err := h.store.GetOrCreate("s1")
		if err == nil && sess.CurrentLoop == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("async audit never recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandle_HistoryBounded(t *testing.T) {
	h := newTestHandler(t, reviewScript(80, "revise"))
	h.opts.HistoryLimit = 3
	for i := 1; i <= 5; i++ {
		branch := "b" + itoa(i)
		if _, err := h.Handle(context.Background(), thought(i, branch, "plain thought, no code here")); err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
	}
	branches, n := h.recordThought(thought(6, "", "another plain thought"))
	if n != 3 {
		t.Fatalf("history length: %d, want the configured cap of 3", n)
	}
	for _, b := range branches {
		if b == "b1" || b == "b2" {
			t.Fatalf("evicted branch still listed: %v", branches)
		}
	}
}

func TestShouldAudit(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"plain prose", "I think we should refactor the approach.", false},
		{"gan-config fence", "```gan-config\nthreshold: 90\n```", true},
		{"go code fence", codeThought, true},
		{"diff markers", "--- a/main.go\n+++ b/main.go\n@@ -1,3 +1,3 @@\n-old\n+new", true},
		{"keyword heuristics", "func handle(w http.ResponseWriter) { ... } and import \"net/http\"", true},
		{"single keyword is not enough", "we could import the data tomorrow", false},
		{"unrecognized fence language", "```mermaid\ngraph TD\n```", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldAudit(tc.text); got != tc.want {
				t.Fatalf("ShouldAudit(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}
