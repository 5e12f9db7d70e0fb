package types

// Bottleneck is an agent that consumed more than the threshold share of a cycle.
type Bottleneck struct {
	Agent      string  `json:"agent"`
	Time       float64 `json:"time"`
	Percentage float64 `json:"percentage"`
}

// PerformanceMetrics summarizes stage timings for one cycle. Times are seconds.
type PerformanceMetrics struct {
	TotalCycleTime   float64            `json:"total_cycle_time"`
	AgentTimes       map[string]float64 `json:"agent_times"`
	Bottlenecks      []Bottleneck       `json:"bottlenecks"`
	SuccessfulAgents int                `json:"successful_agents"`
	FailedAgents     int                `json:"failed_agents"`
}

// WebDataQuality summarizes the evidence collected for one cycle.
type WebDataQuality struct {
	SourcesCount          int     `json:"sources_count"`
	DataFreshness         float64 `json:"data_freshness"`
	DataRelevance         float64 `json:"data_relevance"`
	DataDiversity         float64 `json:"data_diversity"`
	SuccessfulExtractions int     `json:"successful_extractions"`
	FailedExtractions     int     `json:"failed_extractions"`
}

// HypothesisImprovement compares the current top hypothesis with the previous one.
type HypothesisImprovement struct {
	CurrentScore          float64 `json:"current_score"`
	PreviousScore         float64 `json:"previous_score"`
	ScoreDelta            float64 `json:"score_delta"`
	ImprovementPercentage float64 `json:"improvement_percentage"`
	ComplexityIncrease    float64 `json:"complexity_increase"`
	RefinementCount       int     `json:"refinement_count"`
}

// HistoryRollup aggregates the most recent cycles of a session.
type HistoryRollup struct {
	Cycles              int     `json:"cycles"`
	AverageCycleTime    float64 `json:"average_cycle_time"`
	AverageScoreDelta   float64 `json:"average_score_delta"`
	DominantBottleneck  string  `json:"dominant_bottleneck,omitempty"`
	AverageSourcesCount float64 `json:"average_sources_count"`
}

// MetaReviewResult is the evaluation of a completed cycle.
type MetaReviewResult struct {
	PerformanceMetrics    PerformanceMetrics    `json:"performance_metrics"`
	WebDataQuality        WebDataQuality        `json:"web_data_quality"`
	HypothesisImprovement HypothesisImprovement `json:"hypothesis_improvement"`
	History               HistoryRollup         `json:"history"`
	Insights              []string              `json:"insights"`
	Recommendations       []string              `json:"recommendations"`
	Bottlenecks           []string              `json:"bottlenecks"`
	ExecutionTime         float64               `json:"execution_time"`
}
