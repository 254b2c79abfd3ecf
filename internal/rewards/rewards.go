// Package rewards reads the scoring side of the product: evaluated actions,
// their scores and the fraud signals raised against actors. The mint pipeline
// only writes one thing back, the scored -> minted transition of an action.
package rewards

import (
	"context"
	"errors"
	"sync"
)

type ActionStatus string

const (
	ActionReceived       ActionStatus = "received"
	ActionScored         ActionStatus = "scored"
	ActionRejected       ActionStatus = "rejected"
	ActionMintAuthorized ActionStatus = "mint_authorized"
	ActionMinted         ActionStatus = "minted"
)

// Mintable reports whether an action in this status may start a mint attempt.
func (s ActionStatus) Mintable() bool {
	return s == ActionScored || s == ActionMinted
}

type Decision string

const (
	DecisionPass Decision = "pass"
	DecisionFail Decision = "fail"
)

// HighSeverity is the fraud severity at which minting is blocked.
const HighSeverity = 4

var ErrActionNotFound = errors.New("action not found")

type Action struct {
	ID           string
	ActorID      string
	ActionType   string
	Status       ActionStatus
	EvidenceHash string
}

// Pillars is the per-pillar breakdown of a score.
type Pillars struct {
	S float64 `json:"S"`
	T float64 `json:"T"`
	H float64 `json:"H"`
	C float64 `json:"C"`
	U float64 `json:"U"`
}

type Score struct {
	ActionID    string
	Decision    Decision
	FinalReward int64
	LightScore  float64
	Pillars     Pillars
}

type FraudSignal struct {
	ID         string
	ActorID    string
	SignalType string
	Severity   int
	IsResolved bool
}

// Source is the collaborator interface the mint pipeline consumes. GetAction
// and GetScore return nil, nil when the row does not exist.
type Source interface {
	GetAction(ctx context.Context, actionID string) (*Action, error)
	GetScore(ctx context.Context, actionID string) (*Score, error)
	// OpenSignals lists unresolved signals for actorID with severity >= minSeverity.
	OpenSignals(ctx context.Context, actorID string, minSeverity int) ([]FraudSignal, error)
	// MarkMinted moves a scored action to minted. Actions in any other status
	// are left alone.
	MarkMinted(ctx context.Context, actionID string) error
}

// MemorySource is an in-process Source for tests and local runs.
type MemorySource struct {
	mu      sync.Mutex
	actions map[string]Action
	scores  map[string]Score
	signals []FraudSignal
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		actions: make(map[string]Action),
		scores:  make(map[string]Score),
	}
}

func (m *MemorySource) PutAction(a Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = a
}

func (m *MemorySource) PutScore(s Score) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[s.ActionID] = s
}

func (m *MemorySource) AddSignal(s FraudSignal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, s)
}

func (m *MemorySource) GetAction(_ context.Context, actionID string) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemorySource) GetScore(_ context.Context, actionID string) (*Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[actionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemorySource) OpenSignals(_ context.Context, actorID string, minSeverity int) ([]FraudSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FraudSignal
	for _, s := range m.signals {
		if s.ActorID == actorID && !s.IsResolved && s.Severity >= minSeverity {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemorySource) MarkMinted(_ context.Context, actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok {
		return ErrActionNotFound
	}
	if a.Status == ActionScored {
		a.Status = ActionMinted
		m.actions[actionID] = a
	}
	return nil
}
