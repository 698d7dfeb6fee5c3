package completion

import (
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

const (
	// StagnationWindow is how many trailing iterations the detector inspects.
	StagnationWindow = 3

	// IdenticalThreshold is the stronger identical-content signal; the
	// fingerprint fast path short-circuits it.
	IdenticalThreshold = 0.99
)

// StagnationResult reports the detector's verdict over one window.
type StagnationResult struct {
	Stagnant      bool
	Identical     bool
	MinSimilarity float64
}

// DetectStagnation computes pairwise similarity over the last
// StagnationWindow candidates. Stagnant iff every pair scores at or above
// threshold. Deterministic: no state beyond the window passed in.
func DetectStagnation(window []string, threshold float64) StagnationResult {
	if len(window) > StagnationWindow {
		window = window[len(window)-StagnationWindow:]
	}
	if len(window) < StagnationWindow {
		return StagnationResult{MinSimilarity: 0}
	}

	// Fast path: equal fingerprints mean equal content, similarity 1.
	allIdentical := true
	first := contentFingerprint(window[0])
	for _, w := range window[1:] {
		if contentFingerprint(w) != first {
			allIdentical = false
			break
		}
	}
	if allIdentical {
		return StagnationResult{Stagnant: threshold <= 1, Identical: true, MinSimilarity: 1}
	}

	sets := make([]map[string]struct{}, len(window))
	for i, w := range window {
		sets[i] = tokenSet(w)
	}
	min := 1.0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sim := jaccard(sets[i], sets[j])
			if sim < min {
				min = sim
			}
		}
	}
	return StagnationResult{
		Stagnant:      min >= threshold,
		Identical:     min >= IdenticalThreshold,
		MinSimilarity: min,
	}
}

func contentFingerprint(code string) [32]byte {
	return blake3.Sum256([]byte(normalize(code)))
}

// normalize strips comments and collapses whitespace so formatting churn
// does not mask stagnation.
func normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, line := range strings.Split(code, "\n") {
		line = stripLineComment(line)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func stripLineComment(line string) string {
	for _, marker := range []string{"//", "#", "--"} {
		if i := strings.Index(line, marker); i >= 0 {
			line = line[:i]
		}
	}
	return line
}

// tokenSet splits normalized content into identifier/symbol tokens.
func tokenSet(code string) map[string]struct{} {
	set := map[string]struct{}{}
	var tok strings.Builder
	flush := func() {
		if tok.Len() > 0 {
			set[tok.String()] = struct{}{}
			tok.Reset()
		}
	}
	for _, r := range normalize(code) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			tok.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			set[string(r)] = struct{}{}
		}
	}
	flush()
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
