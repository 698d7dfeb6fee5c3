// Package handler owns the end-to-end lifecycle of one tool call: validate
// the thought, decide whether it deserves an audit, run the synchronous
// audit cycle under the session lock, and assemble the reply.
package handler

import (
	"github.com/danshapiro/ganaudit/internal/diag"
)

// Thought is the single tool's argument payload.
type Thought struct {
	Thought           string `json:"thought"`
	ThoughtNumber     int    `json:"thoughtNumber"`
	TotalThoughts     int    `json:"totalThoughts"`
	NextThoughtNeeded bool   `json:"nextThoughtNeeded"`
	BranchID          string `json:"branchId,omitempty"`
	LoopID            string `json:"loopId,omitempty"`
	IsRevision        bool   `json:"isRevision,omitempty"`
	RevisesThought    int    `json:"revisesThought,omitempty"`
	BranchFromThought int    `json:"branchFromThought,omitempty"`
	NeedsMoreThoughts bool   `json:"needsMoreThoughts,omitempty"`
}

// Validate checks the required fields. Presence of the booleans is enforced
// by the transport's input schema; here we check ranges and coherence.
func (t *Thought) Validate() error {
	if t.Thought == "" {
		return diag.New(diag.CategoryValidation, "thought text is required")
	}
	if t.ThoughtNumber < 1 {
		return diag.Newf(diag.CategoryValidation, "thoughtNumber %d must be >= 1", t.ThoughtNumber)
	}
	if t.TotalThoughts < 1 {
		return diag.Newf(diag.CategoryValidation, "totalThoughts %d must be >= 1", t.TotalThoughts)
	}
	if t.RevisesThought < 0 || (t.IsRevision && t.RevisesThought == 0) {
		return diag.New(diag.CategoryValidation, "isRevision requires a positive revisesThought")
	}
	if t.BranchFromThought < 0 {
		return diag.Newf(diag.CategoryValidation, "branchFromThought %d must be >= 0", t.BranchFromThought)
	}
	return nil
}
