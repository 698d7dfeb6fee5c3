package respond

import (
	"fmt"
	"strings"

	"github.com/danshapiro/ganaudit/internal/audit"
)

// EvidenceItem is one row of the evidence table.
type EvidenceItem struct {
	Issue      string `json:"issue"`
	Severity   string `json:"severity"`
	Location   string `json:"location"`
	Proof      string `json:"proof"`
	FixSummary string `json:"fixSummary"`
}

// TraceRow links an acceptance criterion to its implementation and tests.
type TraceRow struct {
	Criterion      string `json:"criterion"`
	Implementation string `json:"implementation"`
	Tests          string `json:"tests"`
	Coverage       string `json:"coverage"`
}

// Feedback is the structured feedback document attached to audit responses.
type Feedback struct {
	Decision      string         `json:"decision"`
	Summary       []string       `json:"summary"`
	Evidence      []EvidenceItem `json:"evidence,omitempty"`
	ProposedDiffs []string       `json:"proposedDiffs,omitempty"`
	ReproCommands []string       `json:"reproCommands,omitempty"`
	Traceability  []TraceRow     `json:"traceability,omitempty"`
	FollowUps     []string       `json:"followUps,omitempty"`
}

// BuildFeedback derives the feedback document from one review. Pure: the
// same review and evidence produce the same document. All free text passes
// the sanitizer on the way out.
func BuildFeedback(review *audit.Review, evidence []EvidenceItem, diffs []string, trace []TraceRow) *Feedback {
	fb := &Feedback{
		Decision: "no-ship",
		Evidence: sanitizeEvidence(evidence),
	}
	if review.Verdict == audit.VerdictPass {
		fb.Decision = "ship"
	}

	critical := 0
	for _, c := range review.Review.Inline {
		lc := strings.ToLower(c.Comment)
		if strings.HasPrefix(lc, "critical") || strings.Contains(lc, "[critical]") {
			critical++
		}
	}

	fb.Summary = append(fb.Summary,
		fmt.Sprintf("Overall score %d/100, verdict %s", review.Overall, review.Verdict))
	if strong := review.StrongestDimensions(2); len(strong) > 0 {
		fb.Summary = append(fb.Summary, "Strongest: "+strings.Join(strong, ", "))
	}
	if weak := review.WeakestDimensions(2); len(weak) > 0 {
		fb.Summary = append(fb.Summary, "Weakest: "+strings.Join(weak, ", "))
	}
	fb.Summary = append(fb.Summary,
		fmt.Sprintf("Critical issues: %d", critical),
		"Risk level: "+riskLevel(review.Overall, critical))
	fb.Summary = sanitizeAll(fb.Summary)

	// Inline comments with no explicit evidence still get rows, so the table
	// is never empty when the review found something.
	if len(fb.Evidence) == 0 {
		for _, c := range review.Review.Inline {
			fb.Evidence = append(fb.Evidence, EvidenceItem{
				Issue:    Sanitize(c.Comment),
				Severity: inlineSeverity(c.Comment),
				Location: Sanitize(fmt.Sprintf("%s:%d", c.Path, c.Line)),
			})
		}
	}

	fb.ProposedDiffs = sanitizeAll(diffs)
	for _, ev := range fb.Evidence {
		if cmd := reproCommand(ev.Location); cmd != "" {
			fb.ReproCommands = append(fb.ReproCommands, cmd)
		}
	}
	if len(trace) > 0 {
		rows := make([]TraceRow, len(trace))
		for i, row := range trace {
			row.Criterion = Sanitize(row.Criterion)
			rows[i] = row
		}
		fb.Traceability = rows
	}
	fb.FollowUps = followUps(review, critical)
	return fb
}

func sanitizeEvidence(items []EvidenceItem) []EvidenceItem {
	out := make([]EvidenceItem, len(items))
	for i, ev := range items {
		out[i] = EvidenceItem{
			Issue:      Sanitize(ev.Issue),
			Severity:   ev.Severity,
			Location:   Sanitize(ev.Location),
			Proof:      Sanitize(ev.Proof),
			FixSummary: Sanitize(ev.FixSummary),
		}
	}
	return out
}

func riskLevel(overall int, critical int) string {
	switch {
	case critical > 0:
		return "high"
	case overall < 70:
		return "high"
	case overall < 85:
		return "medium"
	default:
		return "low"
	}
}

func inlineSeverity(comment string) string {
	lc := strings.ToLower(comment)
	if strings.HasPrefix(lc, "critical") || strings.Contains(lc, "[critical]") {
		return "critical"
	}
	return "error"
}

// reproCommand maps an issue location to a deterministic command that
// exercises the surrounding package.
func reproCommand(location string) string {
	path := location
	if i := strings.LastIndexByte(path, ':'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	dir := "."
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		dir = path[:i]
	}
	return "go test ./" + strings.TrimPrefix(dir, "./") + "/..."
}

// followUps orders the actionable items: critical fixes first, then the
// weakest dimensions, then a re-audit.
func followUps(review *audit.Review, critical int) []string {
	var out []string
	if critical > 0 {
		out = append(out, fmt.Sprintf("P0: resolve %d critical inline issue(s)", critical))
	}
	for _, w := range review.WeakestDimensions(2) {
		out = append(out, "P1: raise "+w)
	}
	out = append(out, "P2: re-run the audit after addressing the above")
	return sanitizeAll(out)
}
