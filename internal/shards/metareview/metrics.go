package metareview

import (
	"sort"
	"time"

	"secondmind/internal/textual"
	"secondmind/internal/types"
)

// Performance sums stage times and flags every stage above threshold share
// of the total. Bottlenecks are ordered by time, longest first.
func Performance(agents map[string]types.AgentTelemetry, threshold float64) types.PerformanceMetrics {
	pm := types.PerformanceMetrics{
		AgentTimes:  make(map[string]float64, len(agents)),
		Bottlenecks: []types.Bottleneck{},
	}
	for name, a := range agents {
		secs := a.ExecutionTime.Seconds()
		pm.AgentTimes[name] = secs
		pm.TotalCycleTime += secs
		if a.Status == types.StatusFailed {
			pm.FailedAgents++
		} else {
			pm.SuccessfulAgents++
		}
	}
	if pm.TotalCycleTime <= 0 {
		return pm
	}
	for name, secs := range pm.AgentTimes {
		if secs > threshold*pm.TotalCycleTime {
			pm.Bottlenecks = append(pm.Bottlenecks, types.Bottleneck{
				Agent:      name,
				Time:       secs,
				Percentage: secs / pm.TotalCycleTime * 100,
			})
		}
	}
	sort.Slice(pm.Bottlenecks, func(i, j int) bool {
		if pm.Bottlenecks[i].Time != pm.Bottlenecks[j].Time {
			return pm.Bottlenecks[i].Time > pm.Bottlenecks[j].Time
		}
		return pm.Bottlenecks[i].Agent < pm.Bottlenecks[j].Agent
	})
	return pm
}

// WebQuality scores the cycle's evidence-source attempts against the query.
func WebQuality(sources []types.SourceTelemetry, query string, now time.Time) types.WebDataQuality {
	q := types.WebDataQuality{SourcesCount: len(sources)}
	if len(sources) == 0 {
		return q
	}

	kinds := make(map[string]bool)
	queryWords := textual.WordSet(query)
	var ageDays, dated int
	var relevance float64
	var withContent int

	for _, s := range sources {
		if s.Status == "success" {
			q.SuccessfulExtractions++
		} else {
			q.FailedExtractions++
		}

		kind := s.Type
		if kind == "" {
			kind = "unknown"
		}
		kinds[kind] = true

		if ts, err := time.Parse(time.RFC3339, s.Timestamp); err == nil {
			ageDays += int(now.Sub(ts).Hours() / 24)
			dated++
		}

		if s.Content != "" && len(queryWords) > 0 {
			overlap := textual.Overlap(queryWords, textual.WordSet(s.Content))
			relevance += float64(overlap) / float64(len(queryWords))
			withContent++
		}
	}

	if dated > 0 {
		q.DataFreshness = float64(ageDays) / float64(dated)
	}
	if withContent > 0 {
		q.DataRelevance = relevance / float64(withContent)
	}
	q.DataDiversity = float64(len(kinds)) / float64(len(sources))
	return q
}

// Improvement compares the current top hypothesis with the previous cycle's.
// priorCycles is the number of earlier cycles reviewed for the session.
func Improvement(current types.TopHypothesis, previous *types.TopHypothesis, priorCycles int) types.HypothesisImprovement {
	hi := types.HypothesisImprovement{CurrentScore: current.Score}
	if previous == nil {
		return hi
	}
	hi.PreviousScore = previous.Score
	hi.ScoreDelta = current.Score - previous.Score
	if previous.Score > 0 {
		hi.ImprovementPercentage = hi.ScoreDelta / previous.Score * 100
	}
	if n := len(previous.Text); n > 0 {
		hi.ComplexityIncrease = float64(len(current.Text)-n) / float64(n) * 100
	}
	hi.RefinementCount = priorCycles + 1
	return hi
}
