package completion

import "testing"

func TestEvaluate_TierBoundaries(t *testing.T) {
	cases := []struct {
		name       string
		score      int
		loop       int
		wantStatus Status
		wantTier   string
	}{
		{"just below Excellence score", 94, 10, StatusInProgress, ""},
		{"Excellence loop unmet", 95, 9, StatusInProgress, ""},
		{"Excellence met", 95, 10, StatusCompleted, "Excellence"},
		{"High quality met", 91, 15, StatusCompleted, "High quality"},
		{"Acceptable met", 85, 20, StatusCompleted, "Acceptable"},
		{"high score early loop", 100, 1, StatusInProgress, ""},
		{"low score late loop", 60, 20, StatusInProgress, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Evaluate(tc.score, tc.loop, Params{}, Signals{})
			if res.Status != tc.wantStatus {
				t.Fatalf("status: got %s want %s", res.Status, tc.wantStatus)
			}
			if tc.wantTier != "" {
				if res.Tier == nil || res.Tier.Name != tc.wantTier {
					t.Fatalf("tier: got %+v want %s", res.Tier, tc.wantTier)
				}
				if res.NextThoughtNeeded {
					t.Fatalf("completed result must not request another thought")
				}
			}
		})
	}
}

func TestEvaluate_HardStopRegardlessOfScore(t *testing.T) {
	for _, score := range []int{0, 50, 84} {
		res := Evaluate(score, 25, Params{}, Signals{})
		if res.Status != StatusTerminated {
			t.Fatalf("score %d: status %s", score, res.Status)
		}
		if res.KillSwitch == nil || res.KillSwitch.Name != "Hard Stop" {
			t.Fatalf("score %d: kill switch %+v", score, res.KillSwitch)
		}
		if res.NextThoughtNeeded {
			t.Fatalf("terminated result must not request another thought")
		}
	}
}

func TestEvaluate_KillSwitchOverridesTier(t *testing.T) {
	// The loop limit terminates even an Excellence-qualifying score.
	res := Evaluate(95, 25, Params{}, Signals{})
	if res.Status != StatusTerminated || res.KillSwitch == nil || res.KillSwitch.Name != "Hard Stop" {
		t.Fatalf("expected Hard Stop termination, got %+v", res)
	}
	if res.Tier != nil {
		t.Fatalf("terminated result must not carry a tier: %+v", res)
	}

	// Same rule for the other switches: stagnation on an Acceptable loop.
	res = Evaluate(85, 20, Params{}, Signals{Stagnant: true})
	if res.Status != StatusTerminated || res.KillSwitch == nil || res.KillSwitch.Name != "Stagnation" {
		t.Fatalf("expected Stagnation termination, got %+v", res)
	}
}

func TestEvaluate_Stagnation(t *testing.T) {
	if res := Evaluate(70, 9, Params{}, Signals{Stagnant: true}); res.Status != StatusInProgress {
		t.Fatalf("stagnation must not fire before its start loop, got %s", res.Status)
	}
	res := Evaluate(70, 10, Params{}, Signals{Stagnant: true})
	if res.Status != StatusTerminated || res.KillSwitch.Name != "Stagnation" {
		t.Fatalf("expected Stagnation termination, got %+v", res)
	}
}

func TestEvaluate_CriticalPersistence(t *testing.T) {
	if res := Evaluate(70, 14, Params{}, Signals{HasCriticalInline: true}); res.Status != StatusInProgress {
		t.Fatalf("critical persistence must not fire before loop 15, got %s", res.Status)
	}
	res := Evaluate(70, 15, Params{}, Signals{HasCriticalInline: true})
	if res.Status != StatusTerminated || res.KillSwitch.Name != "Critical Persistence" {
		t.Fatalf("expected Critical Persistence termination, got %+v", res)
	}
}

func TestEvaluate_Pure(t *testing.T) {
	a := Evaluate(92, 17, Params{}, Signals{Stagnant: true})
	b := Evaluate(92, 17, Params{}, Signals{Stagnant: true})
	if a.Status != b.Status || a.Reason != b.Reason || a.NextThoughtNeeded != b.NextThoughtNeeded {
		t.Fatalf("identical inputs produced different outputs: %+v vs %+v", a, b)
	}
}

func TestEvaluate_CustomParams(t *testing.T) {
	p := Params{
		Tiers:               []Tier{{Name: "Only", ScoreThreshold: 50, IterationThreshold: 2}},
		MaxIterations:       5,
		StagnationStartLoop: 3,
	}
	if res := Evaluate(55, 2, p, Signals{}); res.Status != StatusCompleted {
		t.Fatalf("custom tier not honored: %+v", res)
	}
	if res := Evaluate(10, 5, p, Signals{}); res.Status != StatusTerminated || res.KillSwitch.Name != "Hard Stop" {
		t.Fatalf("custom max iterations not honored: %+v", res)
	}
	if res := Evaluate(10, 3, p, Signals{Stagnant: true}); res.Status != StatusTerminated {
		t.Fatalf("custom stagnation start loop not honored: %+v", res)
	}
}
