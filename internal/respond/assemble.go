// Package respond builds the outbound response envelope and the structured
// feedback document. Everything here is deterministic; the assembler
// validates its own output before letting it leave the process.
package respond

import (
	"fmt"

	"github.com/danshapiro/ganaudit/internal/audit"
	"github.com/danshapiro/ganaudit/internal/completion"
	"github.com/danshapiro/ganaudit/internal/diag"
)

// Envelope is the success payload for one tool call.
type Envelope struct {
	ThoughtNumber        int                `json:"thoughtNumber"`
	TotalThoughts        int                `json:"totalThoughts"`
	NextThoughtNeeded    bool               `json:"nextThoughtNeeded"`
	Branches             []string           `json:"branches"`
	ThoughtHistoryLength int                `json:"thoughtHistoryLength"`
	SessionID            string             `json:"sessionId,omitempty"`
	Gan                  *audit.Review      `json:"gan,omitempty"`
	Completion           *completion.Result `json:"completion,omitempty"`
	Feedback             *Feedback          `json:"feedback,omitempty"`
}

// Input collects everything the assembler merges.
type Input struct {
	ThoughtNumber        int
	TotalThoughts        int
	NextThoughtNeeded    bool
	Branches             []string
	ThoughtHistoryLength int
	SessionID            string
	Review               *audit.Review
	Completion           *completion.Result
	Feedback             *Feedback
}

// Assemble merges the standard envelope with the optional audit results and
// applies the override rules: a completed/terminated completion result
// forces nextThoughtNeeded=false and wins over everything; otherwise a
// revise/reject verdict forces nextThoughtNeeded=true.
func Assemble(in Input) (*Envelope, error) {
	env := &Envelope{
		ThoughtNumber:        in.ThoughtNumber,
		TotalThoughts:        in.TotalThoughts,
		NextThoughtNeeded:    in.NextThoughtNeeded,
		Branches:             in.Branches,
		ThoughtHistoryLength: in.ThoughtHistoryLength,
		SessionID:            in.SessionID,
		Completion:           in.Completion,
		Feedback:             in.Feedback,
	}
	if env.Branches == nil {
		env.Branches = []string{}
	}

	if in.Review != nil {
		// Copy before annotating; the stored iteration keeps the original.
		review := *in.Review
		review.Review.Summary = Sanitize(review.Review.Summary)
		if in.Completion != nil {
			switch in.Completion.Status {
			case completion.StatusCompleted:
				name := in.Completion.Reason
				if in.Completion.Tier != nil {
					name = in.Completion.Tier.Name
				}
				review.Review.Summary += fmt.Sprintf("\n\n✅ COMPLETION: %s", name)
			case completion.StatusTerminated:
				name := in.Completion.Reason
				if in.Completion.KillSwitch != nil {
					name = in.Completion.KillSwitch.Name + " — " + in.Completion.KillSwitch.Condition
				}
				review.Review.Summary += fmt.Sprintf("\n\n⚠️ TERMINATED: %s", name)
			}
		}
		env.Gan = &review

		switch review.Verdict {
		case audit.VerdictRevise, audit.VerdictReject:
			env.NextThoughtNeeded = true
		}
	}
	if in.Completion != nil &&
		(in.Completion.Status == completion.StatusCompleted || in.Completion.Status == completion.StatusTerminated) {
		env.NextThoughtNeeded = false
	}

	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// validate is the last line of defense: a violation here is a bug in the
// assembly path, reported as Diagnostic(validation) instead of emitting
// malformed output.
func (e *Envelope) validate() error {
	if e.ThoughtNumber < 1 {
		return diag.Newf(diag.CategoryValidation, "envelope thoughtNumber %d < 1", e.ThoughtNumber)
	}
	if e.TotalThoughts < 1 {
		return diag.Newf(diag.CategoryValidation, "envelope totalThoughts %d < 1", e.TotalThoughts)
	}
	if e.ThoughtHistoryLength < 0 {
		return diag.Newf(diag.CategoryValidation, "envelope thoughtHistoryLength %d < 0", e.ThoughtHistoryLength)
	}
	if e.Gan != nil {
		if e.Gan.Overall < 0 || e.Gan.Overall > 100 {
			return diag.Newf(diag.CategoryValidation, "envelope score %d outside 0..100", e.Gan.Overall)
		}
		switch e.Gan.Verdict {
		case audit.VerdictPass, audit.VerdictRevise, audit.VerdictReject:
		default:
			return diag.Newf(diag.CategoryValidation, "envelope verdict %q not in {pass, revise, reject}", e.Gan.Verdict)
		}
	}
	if e.Completion != nil {
		switch e.Completion.Status {
		case completion.StatusCompleted, completion.StatusTerminated:
			if e.NextThoughtNeeded {
				return diag.New(diag.CategoryValidation, "nextThoughtNeeded must be false on completed/terminated sessions")
			}
		case completion.StatusInProgress:
		default:
			return diag.Newf(diag.CategoryValidation, "envelope completion status %q unknown", e.Completion.Status)
		}
	}
	return nil
}
