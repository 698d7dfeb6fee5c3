// Package audit invokes the external code-analysis CLI and turns its output
// into validated reviews. It also owns the one-shot startup availability
// check for the CLI.
package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/ganaudit/internal/diag"
)

type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictRevise Verdict = "revise"
	VerdictReject Verdict = "reject"
)

// DimensionWeights fixes the rubric used for every audit.
var DimensionWeights = map[string]int{
	"Correctness": 30,
	"Tests":       20,
	"Style":       15,
	"Security":    15,
	"Performance": 10,
	"Docs":        10,
}

type Dimension struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

type InlineComment struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Comment string `json:"comment"`
}

type ReviewDetail struct {
	Summary string          `json:"summary"`
	Inline  []InlineComment `json:"inline,omitempty"`
}

type JudgeCard struct {
	Model string `json:"model"`
	Score int    `json:"score"`
	Notes string `json:"notes,omitempty"`
}

// Review is the strictly parsed response of one external audit invocation.
type Review struct {
	Overall    int          `json:"overall"`
	Verdict    Verdict      `json:"verdict"`
	Dimensions []Dimension  `json:"dimensions"`
	Review     ReviewDetail `json:"review"`
	JudgeCards []JudgeCard  `json:"judge_cards,omitempty"`
}

// reviewSchema is the wire contract for the external CLI's stdout. Unknown
// top-level keys are tolerated for forward compatibility; ranges and enums
// are enforced here, with a second structural pass in validateReview.
const reviewSchema = `{
  "type": "object",
  "required": ["overall", "verdict", "dimensions", "review"],
  "properties": {
    "overall": {"type": "integer", "minimum": 0, "maximum": 100},
    "verdict": {"enum": ["pass", "revise", "reject"]},
    "dimensions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "score"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "score": {"type": "integer", "minimum": 0, "maximum": 100}
        }
      }
    },
    "review": {
      "type": "object",
      "required": ["summary"],
      "properties": {
        "summary": {"type": "string"},
        "inline": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["path", "line", "comment"],
            "properties": {
              "path": {"type": "string"},
              "line": {"type": "integer", "minimum": 0},
              "comment": {"type": "string"}
            }
          }
        }
      }
    },
    "judge_cards": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["model", "score"],
        "properties": {
          "model": {"type": "string", "minLength": 1},
          "score": {"type": "integer", "minimum": 0, "maximum": 100},
          "notes": {"type": "string"}
        }
      }
    }
  }
}`

var compiledReviewSchema = jsonschema.MustCompileString("review.schema.json", reviewSchema)

// validateReview applies range and enum checks after decoding. The schema
// catches malformed documents; this catches anything a lenient decode let
// through, so the range guarantees do not hinge on the schema library.
func validateReview(r *Review) error {
	if r.Overall < 0 || r.Overall > 100 {
		return diag.Newf(diag.CategoryValidation, "overall score %d outside 0..100", r.Overall)
	}
	switch r.Verdict {
	case VerdictPass, VerdictRevise, VerdictReject:
	default:
		return diag.Newf(diag.CategoryValidation, "verdict %q not in {pass, revise, reject}", r.Verdict)
	}
	if len(r.Dimensions) == 0 {
		return diag.New(diag.CategoryValidation, "review has no dimensions")
	}
	for _, d := range r.Dimensions {
		if strings.TrimSpace(d.Name) == "" {
			return diag.New(diag.CategoryValidation, "dimension with empty name")
		}
		if d.Score < 0 || d.Score > 100 {
			return diag.Newf(diag.CategoryValidation, "dimension %s score %d outside 0..100", d.Name, d.Score)
		}
	}
	for _, c := range r.JudgeCards {
		if c.Score < 0 || c.Score > 100 {
			return diag.Newf(diag.CategoryValidation, "judge card %s score %d outside 0..100", c.Model, c.Score)
		}
	}
	return nil
}

// HasCriticalInline reports whether any inline comment is flagged critical.
// The external CLI marks these with a "CRITICAL" prefix or "[critical]" tag.
func (r *Review) HasCriticalInline() bool {
	for _, c := range r.Review.Inline {
		lc := strings.ToLower(c.Comment)
		if strings.HasPrefix(lc, "critical") || strings.Contains(lc, "[critical]") {
			return true
		}
	}
	return false
}

// WeakestDimensions returns up to n dimension names ordered worst-first.
func (r *Review) WeakestDimensions(n int) []string {
	return rankDimensions(r.Dimensions, n, func(a, b Dimension) bool { return a.Score < b.Score })
}

// StrongestDimensions returns up to n dimension names ordered best-first.
func (r *Review) StrongestDimensions(n int) []string {
	return rankDimensions(r.Dimensions, n, func(a, b Dimension) bool { return a.Score > b.Score })
}

func rankDimensions(dims []Dimension, n int, better func(a, b Dimension) bool) []string {
	sorted := make([]Dimension, len(dims))
	copy(sorted, dims)
	sort.SliceStable(sorted, func(i, j int) bool { return better(sorted[i], sorted[j]) })
	if n > len(sorted) {
		n = len(sorted)
	}
	out := make([]string, 0, n)
	for _, d := range sorted[:n] {
		out = append(out, fmt.Sprintf("%s (%d)", d.Name, d.Score))
	}
	return out
}
