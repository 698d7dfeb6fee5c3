// Package completion decides when an audit session is done. Both the tier
// evaluator and the stagnation detector are pure functions of their inputs.
package completion

// Status is the evaluator's verdict on the session as a whole.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
)

// Tier marks a session completed once both its thresholds are met.
type Tier struct {
	Name               string `json:"name"`
	ScoreThreshold     int    `json:"scoreThreshold"`
	IterationThreshold int    `json:"iterationThreshold"`
}

// KillSwitch names the predicate that forced termination.
type KillSwitch struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
}

type Result struct {
	Status            Status      `json:"status"`
	Reason            string      `json:"reason"`
	NextThoughtNeeded bool        `json:"nextThoughtNeeded"`
	Tier              *Tier       `json:"tier,omitempty"`
	KillSwitch        *KillSwitch `json:"killSwitch,omitempty"`
}

// Params fixes the rules for one evaluation. Zero values fall back to the
// built-in defaults so tests can pass a partial struct.
type Params struct {
	Tiers               []Tier
	MaxIterations       int
	StagnationStartLoop int
}

// Signals carries the per-loop facts beyond (score, loop).
type Signals struct {
	Stagnant          bool
	IdenticalContent  bool
	HasCriticalInline bool
}

const (
	defaultMaxIterations    = 25
	defaultStagnationLoop   = 10
	criticalPersistenceLoop = 15
)

// DefaultTiers returns the built-in tier ladder.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "Excellence", ScoreThreshold: 95, IterationThreshold: 10},
		{Name: "High quality", ScoreThreshold: 90, IterationThreshold: 15},
		{Name: "Acceptable", ScoreThreshold: 85, IterationThreshold: 20},
	}
}

// Evaluate applies the ordered tier list, then the kill switches, top-down
// with first match winning in each phase. Any kill switch match terminates
// the session even when a tier's thresholds were met on the same loop.
func Evaluate(score int, loop int, p Params, sig Signals) Result {
	tiers := p.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	maxIterations := p.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	stagnationLoop := p.StagnationStartLoop
	if stagnationLoop <= 0 {
		stagnationLoop = defaultStagnationLoop
	}

	var tierHit *Tier
	for i := range tiers {
		t := tiers[i]
		if score >= t.ScoreThreshold && loop >= t.IterationThreshold {
			tierHit = &t
			break
		}
	}

	if loop >= maxIterations {
		return terminated("Hard Stop", "loop limit reached")
	}
	if loop >= stagnationLoop && sig.Stagnant {
		if sig.IdenticalContent {
			return terminated("Stagnation", "identical candidate content across the window")
		}
		return terminated("Stagnation", "candidate content stopped changing")
	}
	if sig.HasCriticalInline && loop >= criticalPersistenceLoop {
		return terminated("Critical Persistence", "critical issue unresolved after repeated iterations")
	}

	if tierHit != nil {
		return Result{
			Status:            StatusCompleted,
			Reason:            tierHit.Name + " tier reached",
			NextThoughtNeeded: false,
			Tier:              tierHit,
		}
	}

	return Result{
		Status:            StatusInProgress,
		Reason:            "no completion tier met",
		NextThoughtNeeded: true,
	}
}

func terminated(name string, condition string) Result {
	return Result{
		Status:            StatusTerminated,
		Reason:            name + ": " + condition,
		NextThoughtNeeded: false,
		KillSwitch:        &KillSwitch{Name: name, Condition: condition},
	}
}
