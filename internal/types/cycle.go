package types

import "time"

// AgentStatus is the outcome of one stage in a cycle.
type AgentStatus string

const (
	StatusSuccess  AgentStatus = "success"
	StatusDegraded AgentStatus = "degraded"
	StatusFailed   AgentStatus = "failed"
)

// AgentTelemetry records how long a stage took and how it ended.
type AgentTelemetry struct {
	ExecutionTime time.Duration `json:"execution_time"`
	Status        AgentStatus   `json:"status"`
}

// SourceTelemetry records one evidence-source attempt.
type SourceTelemetry struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
}

// TopHypothesis summarizes the best hypothesis of a cycle.
type TopHypothesis struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// CycleContext carries one cycle's records between stages. It is discarded
// when the cycle ends; durability belongs to the context store.
type CycleContext struct {
	SessionID string `json:"session_id" validate:"required"`
	Query     string `json:"query" validate:"required"`
	Cycle     int    `json:"cycle" validate:"gte=1"`

	Evidence         []EvidenceItem     `json:"evidence"`
	Hypotheses       []Hypothesis       `json:"hypotheses"`
	Reflections      []ReflectionResult `json:"reflections"`
	Ranked           []RankedHypothesis `json:"ranked"`
	Evolved          []Hypothesis       `json:"evolved"`
	EvolutionDetails []EvolutionDetail  `json:"evolution_details"`
	MetaReview       *MetaReviewResult  `json:"meta_review,omitempty"`

	Agents  map[string]AgentTelemetry `json:"agents"`
	Sources []SourceTelemetry         `json:"sources"`
}

// NewCycleContext builds a validated context for one cycle.
func NewCycleContext(sessionID, query string, cycle int) (*CycleContext, error) {
	cc := &CycleContext{
		SessionID: sessionID,
		Query:     query,
		Cycle:     cycle,
		Agents:    make(map[string]AgentTelemetry),
	}
	if err := validate.Struct(cc); err != nil {
		return nil, &ValidationError{Op: "cycle context", Err: err}
	}
	return cc, nil
}

// Top returns the rank-1 hypothesis summary, or a zero value when unranked.
func (cc *CycleContext) Top() TopHypothesis {
	for _, r := range cc.Ranked {
		if r.Rank == 1 {
			return TopHypothesis{Text: r.Statement, Score: r.OverallScore}
		}
	}
	return TopHypothesis{}
}
