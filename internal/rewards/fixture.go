package rewards

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fixtureFile is the on-disk shape read by LoadMemorySource. YAML and JSON
// are both accepted.
type fixtureFile struct {
	Actions []struct {
		ID           string       `yaml:"id"`
		ActorID      string       `yaml:"actorId"`
		ActionType   string       `yaml:"actionType"`
		Status       ActionStatus `yaml:"status"`
		EvidenceHash string       `yaml:"evidenceHash"`
	} `yaml:"actions"`
	Scores []struct {
		ActionID    string   `yaml:"actionId"`
		Decision    Decision `yaml:"decision"`
		FinalReward int64    `yaml:"finalReward"`
		LightScore  float64  `yaml:"lightScore"`
		Pillars     struct {
			S float64 `yaml:"S"`
			T float64 `yaml:"T"`
			H float64 `yaml:"H"`
			C float64 `yaml:"C"`
			U float64 `yaml:"U"`
		} `yaml:"pillars"`
	} `yaml:"scores"`
	FraudSignals []struct {
		ID         string `yaml:"id"`
		ActorID    string `yaml:"actorId"`
		SignalType string `yaml:"signalType"`
		Severity   int    `yaml:"severity"`
		IsResolved bool   `yaml:"isResolved"`
	} `yaml:"fraudSignals"`
}

// LoadMemorySource builds a MemorySource from a fixture file, for runs
// without the scoring database.
func LoadMemorySource(path string) (*MemorySource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fixtureFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rewards fixture: %w", err)
	}

	src := NewMemorySource()
	for _, a := range f.Actions {
		if a.ID == "" {
			return nil, fmt.Errorf("rewards fixture: action without id")
		}
		status := a.Status
		if status == "" {
			status = ActionScored
		}
		src.PutAction(Action{ID: a.ID, ActorID: a.ActorID, ActionType: a.ActionType, Status: status, EvidenceHash: a.EvidenceHash})
	}
	for _, s := range f.Scores {
		if _, ok := src.actions[s.ActionID]; !ok {
			return nil, fmt.Errorf("rewards fixture: score for unknown action %q", s.ActionID)
		}
		src.PutScore(Score{
			ActionID:    s.ActionID,
			Decision:    s.Decision,
			FinalReward: s.FinalReward,
			LightScore:  s.LightScore,
			Pillars:     Pillars{S: s.Pillars.S, T: s.Pillars.T, H: s.Pillars.H, C: s.Pillars.C, U: s.Pillars.U},
		})
	}
	for _, sig := range f.FraudSignals {
		src.AddSignal(FraudSignal{ID: sig.ID, ActorID: sig.ActorID, SignalType: sig.SignalType, Severity: sig.Severity, IsResolved: sig.IsResolved})
	}
	return src, nil
}
