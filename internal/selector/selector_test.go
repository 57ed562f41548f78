package selector

import (
	"testing"

	"github.com/aditbridge/core/internal/logging"
	"github.com/aditbridge/core/internal/model"
)

func newTestSelector() *Selector {
	return New(logging.New("[selector-test] ", false))
}

func healthy(name string, primary bool) model.Instance {
	return model.Instance{
		ID:                   name,
		Name:                 name,
		Healthy:              true,
		ReportedPrimaryValid: true,
		ReportedPrimary:      primary,
	}
}

func TestColdStartElectsFirstReportingPrimary(t *testing.T) {
	s := newTestSelector()
	snap := map[string]model.Instance{
		"I1": healthy("N1", true),
	}
	got := s.Run(snap, []string{"I1"})
	if !got.Known || got.ID != "I1" {
		t.Fatalf("expected I1 elected, got %+v", got)
	}
}

func TestSplitBrainKeepsFirstByManagerOrder(t *testing.T) {
	s := newTestSelector()
	snap := map[string]model.Instance{
		"I1": healthy("N1", true),
		"I2": healthy("N2", true),
	}
	got := s.Run(snap, []string{"I1", "I2"})
	if got.ID != "I1" {
		t.Fatalf("expected I1 elected on split-brain tie-break, got %+v", got)
	}

	// Re-run: sticky-valid should keep I1, split-brain still logged (no crash/switch).
	got2 := s.Run(snap, []string{"I1", "I2"})
	if got2.ID != "I1" {
		t.Fatalf("expected sticky retention of I1, got %+v", got2)
	}
}

func TestStickyUncontestedKeepsPrimaryThatDroppedFlag(t *testing.T) {
	s := newTestSelector()
	snap := map[string]model.Instance{
		"I1": healthy("N1", true),
	}
	first := s.Run(snap, []string{"I1"})
	if first.ID != "I1" {
		t.Fatalf("setup: expected I1 elected first")
	}

	// I1 stays healthy but stops reporting primary; no other instance claims it.
	snap["I1"] = healthy("N1", false)
	got := s.Run(snap, []string{"I1"})
	if got.ID != "I1" {
		t.Fatalf("expected sticky-uncontested retention of I1, got %+v", got)
	}
}

func TestFallbackWhenNoneReportPrimary(t *testing.T) {
	s := newTestSelector()
	snap := map[string]model.Instance{
		"I1": healthy("N1", false),
		"I2": healthy("N2", false),
	}
	got := s.Run(snap, []string{"I1", "I2"})
	if got.ID != "I1" {
		t.Fatalf("expected fallback to first healthy I1, got %+v", got)
	}
}

func TestNoneEligibleWhenNoHealthyInstances(t *testing.T) {
	s := newTestSelector()
	snap := map[string]model.Instance{
		"I1": {ID: "I1", Name: "N1", Healthy: false},
	}
	got := s.Run(snap, []string{"I1"})
	if !got.Known || got.ID != "" {
		t.Fatalf("expected none-eligible (Known=true, ID=\"\"), got %+v", got)
	}
}

func TestPrimaryLossFallsBackToNextHealthy(t *testing.T) {
	s := newTestSelector()
	snap := map[string]model.Instance{
		"I1": healthy("N1", true),
		"I2": healthy("N2", false),
	}
	got := s.Run(snap, []string{"I1", "I2"})
	if got.ID != "I1" {
		t.Fatalf("setup: expected I1 elected first")
	}

	// I1 goes unhealthy (transport closed).
	i1 := snap["I1"]
	i1.Healthy = false
	snap["I1"] = i1

	got2 := s.Run(snap, []string{"I1", "I2"})
	if got2.ID != "I2" {
		t.Fatalf("expected fallback to I2 after I1 loss, got %+v", got2)
	}
}

func TestTransitionCallbackFiresOnlyOnChange(t *testing.T) {
	s := newTestSelector()
	transitions := 0
	s.OnTransition(func(prev, next model.EffectivePrimary) {
		transitions++
	})

	snap := map[string]model.Instance{
		"I1": healthy("N1", true),
	}
	s.Run(snap, []string{"I1"})
	s.Run(snap, []string{"I1"})
	s.Run(snap, []string{"I1"})

	if transitions != 1 {
		t.Fatalf("expected exactly 1 transition (cold start), got %d", transitions)
	}
}
