// Package selector implements the primary selector: sticky election over
// registry state, split-brain detection and logging, transition emission.
// Evaluation is a pure read-model computed from Instance healthy/
// reportedPrimary snapshots — no lock or lease is acquired because there
// is nothing distributed to fence, only a local sticky choice.
package selector

import (
	"sync"

	"github.com/aditbridge/core/internal/logging"
	"github.com/aditbridge/core/internal/metrics"
	"github.com/aditbridge/core/internal/model"
)

// Selector holds the sticky effectivePrimaryId across Run calls.
type Selector struct {
	mu      sync.RWMutex
	current model.EffectivePrimary

	onTransition func(prev, next model.EffectivePrimary)
	log          *logging.Logger
}

func New(log *logging.Logger) *Selector {
	return &Selector{log: log}
}

// OnTransition registers the callback invoked whenever Run actually changes
// effectivePrimaryId, emitting a change notification only when it
// actually changes.
func (s *Selector) OnTransition(fn func(prev, next model.EffectivePrimary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = fn
}

// Current returns the current effective primary.
func (s *Selector) Current() model.EffectivePrimary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reset clears the sticky choice, used by the orchestrator's stop path
// on orchestrator stop. It does not fire OnTransition — a reset is a
// teardown, not an election.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = model.EffectivePrimary{}
}

// Run re-evaluates the election against the given registry snapshot and
// Manager ordering, applying the election rules in order. It returns the
// new effective primary.
func (s *Selector) Run(snapshot map[string]model.Instance, order []string) model.EffectivePrimary {
	next, reason := s.evaluate(snapshot, order)

	s.mu.Lock()
	prev := s.current
	changed := !prev.Known || !prev.Equal(next)
	s.current = next
	cb := s.onTransition
	s.mu.Unlock()

	if changed {
		metrics.PrimaryTransitions.WithLabelValues(reason).Inc()
		if cb != nil {
			cb(prev, next)
		}
	}
	return next
}

func (s *Selector) evaluate(snapshot map[string]model.Instance, order []string) (model.EffectivePrimary, string) {
	prev := s.Current()

	// Rule 1 & 2: sticky retention, if the previous primary still exists.
	if prev.Known && prev.ID != "" {
		if inst, ok := snapshot[prev.ID]; ok && inst.Healthy {
			if inst.ReportedPrimaryValid && inst.ReportedPrimary {
				s.checkSplitBrain(snapshot, order, prev.ID)
				return model.EffectivePrimary{Known: true, ID: prev.ID}, "sticky_valid"
			}
			if !anyOtherReportsPrimary(snapshot, prev.ID) {
				return model.EffectivePrimary{Known: true, ID: prev.ID}, "sticky_uncontested"
			}
		}
	}

	// Rule 3: claimed election among healthy+reporting instances, by
	// Manager order.
	claimed := claimedCandidates(snapshot, order)
	if len(claimed) > 0 {
		if len(claimed) > 1 {
			s.logSplitBrain(snapshot, claimed)
		}
		return model.EffectivePrimary{Known: true, ID: claimed[0]}, "claimed_election"
	}

	// Rule 4: fallback to first healthy Instance by Manager order.
	for _, id := range order {
		inst, ok := snapshot[id]
		if ok && inst.Healthy {
			s.log.Warn("no instance reporting primary, falling back to '%s' (%s)", inst.Name, inst.ID)
			return model.EffectivePrimary{Known: true, ID: id}, "fallback"
		}
	}

	// Rule 5: no healthy instances.
	s.logNoneEligible(snapshot, order)
	return model.EffectivePrimary{Known: true, ID: ""}, "none"
}

func anyOtherReportsPrimary(snapshot map[string]model.Instance, exceptID string) bool {
	for id, inst := range snapshot {
		if id == exceptID {
			continue
		}
		if inst.Healthy && inst.ReportedPrimaryValid && inst.ReportedPrimary {
			return true
		}
	}
	return false
}

// claimedCandidates returns, in Manager order, every healthy Instance that
// currently reports primary.
func claimedCandidates(snapshot map[string]model.Instance, order []string) []string {
	var out []string
	for _, id := range order {
		inst, ok := snapshot[id]
		if ok && inst.Healthy && inst.ReportedPrimaryValid && inst.ReportedPrimary {
			out = append(out, id)
		}
	}
	return out
}

func (s *Selector) checkSplitBrain(snapshot map[string]model.Instance, order []string, currentID string) {
	if !anyOtherReportsPrimary(snapshot, currentID) {
		return
	}
	claimed := claimedCandidates(snapshot, order)
	s.logSplitBrain(snapshot, claimed)
}

func (s *Selector) logSplitBrain(snapshot map[string]model.Instance, claimed []string) {
	metrics.SplitBrainDetected.Inc()
	names := make([]string, 0, len(claimed))
	for _, id := range claimed {
		names = append(names, snapshot[id].Name+" ("+id+")")
	}
	s.log.Error("split-brain detected: multiple instances reporting primary: %v", names)
}

func (s *Selector) logNoneEligible(snapshot map[string]model.Instance, order []string) {
	diag := make([]string, 0, len(order))
	for _, id := range order {
		inst, ok := snapshot[id]
		if !ok {
			continue
		}
		diag = append(diag, inst.Name+" ("+id+"): healthy="+boolStr(inst.Healthy)+" primary="+boolStr(inst.ReportedPrimary))
	}
	s.log.Error("no healthy instance available for primary election: %v", diag)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
