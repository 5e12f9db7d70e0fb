package metareview

import (
	"fmt"
	"strings"

	"secondmind/internal/recovery"
	"secondmind/internal/types"
)

const (
	maxInsights        = 5
	maxRecommendations = 5
	maxBottlenecks     = 3
)

// Insights is the oracle-derived (or default) commentary on a cycle.
type Insights struct {
	Insights        []string
	Recommendations []string
	Bottlenecks     []string
}

var insightSchema = recovery.Schema{
	Shape: recovery.ShapeObject,
	Fields: []recovery.Field{
		{Name: "insights", Kind: recovery.KindStringList, Required: true},
		{Name: "recommendations", Kind: recovery.KindStringList, Required: true},
		{Name: "bottlenecks", Kind: recovery.KindStringList, Required: true},
	},
}

// ParseDegraded is returned when the oracle answered but nothing usable
// could be parsed from the answer.
func ParseDegraded() Insights {
	return Insights{
		Insights:        []string{"No insights available due to LLM processing error"},
		Recommendations: []string{"Review system logs for errors", "Check LLM integration"},
		Bottlenecks:     []string{"LLM processing"},
	}
}

// CallFailed is returned when the oracle call itself failed.
func CallFailed(err error) Insights {
	return Insights{
		Insights: []string{"Failed to generate insights due to LLM error: " + err.Error()},
		Recommendations: []string{
			"Check LLM service connectivity",
			"Verify API key and credentials",
			"Review prompt structure and formatting",
		},
		Bottlenecks: []string{"LLM processing service"},
	}
}

// ParseInsights recovers the three lists from oracle text: structured JSON
// first, then bulleted sections. ok is false when both fail.
func ParseInsights(text string) (Insights, bool) {
	if v, err := recovery.Parse(text, insightSchema); err == nil {
		obj, _ := v.(map[string]any)
		ins, okI := recovery.Strings(obj, "insights")
		recs, okR := recovery.Strings(obj, "recommendations")
		bots, okB := recovery.Strings(obj, "bottlenecks")
		if okI && okR && okB {
			return capped(Insights{Insights: ins, Recommendations: recs, Bottlenecks: bots}), true
		}
	}
	if parsed, ok := parseBullets(text); ok {
		return capped(parsed), true
	}
	return Insights{}, false
}

// parseBullets reads "-" or "*" items under headings that name a section.
func parseBullets(text string) (Insights, bool) {
	var out Insights
	var section *[]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		low := strings.ToLower(line)
		switch {
		case section != nil && isBullet(line):
			if item := strings.TrimSpace(line[1:]); item != "" {
				*section = append(*section, item)
			}
		case strings.Contains(low, "insights"):
			section = &out.Insights
		case strings.Contains(low, "recommendations"):
			section = &out.Recommendations
		case strings.Contains(low, "bottlenecks"):
			section = &out.Bottlenecks
		}
	}
	if len(out.Insights)+len(out.Recommendations)+len(out.Bottlenecks) == 0 {
		return Insights{}, false
	}
	if len(out.Insights) == 0 {
		out.Insights = []string{"No insights available"}
	}
	if len(out.Recommendations) == 0 {
		out.Recommendations = []string{"No recommendations available"}
	}
	if len(out.Bottlenecks) == 0 {
		out.Bottlenecks = []string{"No bottlenecks identified"}
	}
	return out, true
}

// isBullet matches "- item" and "* item" but not "**Heading**" or "---".
func isBullet(line string) bool {
	if len(line) < 2 || (line[0] != '-' && line[0] != '*') {
		return false
	}
	return line[1] != '-' && line[1] != '*'
}

func capped(in Insights) Insights {
	return Insights{
		Insights:        first(in.Insights, maxInsights),
		Recommendations: first(in.Recommendations, maxRecommendations),
		Bottlenecks:     first(in.Bottlenecks, maxBottlenecks),
	}
}

func first(s []string, n int) []string {
	out := make([]string, 0, min(len(s), n))
	for _, v := range s {
		if len(out) == n {
			break
		}
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func buildPrompt(in Input, pm types.PerformanceMetrics, wq types.WebDataQuality, rollup types.HistoryRollup) string {
	hypothesis, score := in.Current.Text, in.Current.Score
	if hypothesis == "" {
		hypothesis = "No hypothesis available"
	}

	var ok, failed, slow []string
	for _, name := range sortedAgents(in.Agents) {
		if in.Agents[name].Status == types.StatusFailed {
			failed = append(failed, name)
		} else {
			ok = append(ok, name)
		}
	}
	for _, b := range pm.Bottlenecks {
		slow = append(slow, b.Agent)
	}
	orNone := func(s []string) string {
		if len(s) == 0 {
			return "none"
		}
		return strings.Join(s, ", ")
	}

	dominant := rollup.DominantBottleneck
	if dominant == "" {
		dominant = "none"
	}

	return fmt.Sprintf(`You are a Meta Review Agent in "The Second Mind" system that evaluates research cycles and provides feedback for improvement.

CURRENT CYCLE INFORMATION:
- Cycle ID: %d
- Query: %s
- Hypothesis: %s
- Hypothesis Score: %.1f/10

PERFORMANCE METRICS:
- Total Cycle Time: %.2f seconds
- Successful Agents: %s
- Failed Agents: %s
- Bottlenecks: %s

WEB DATA METRICS:
- Sources Count: %d
- Successful Extractions: %d
- Failed Extractions: %d

PREVIOUS CYCLES: %d
- Average Cycle Time: %.2f seconds
- Average Score Delta: %.2f
- Dominant Bottleneck: %s

Based on the information above, please provide the following:
1. Insights: Identify 3-5 key insights about the current cycle.
2. Recommendations: Suggest 3-5 specific improvements for the next cycle.
3. Bottlenecks: Identify the top 2-3 bottlenecks in the process.

IMPORTANT: Format your response as strict JSON with the following structure:
{
    "insights": ["insight1", "insight2", ...],
    "recommendations": ["recommendation1", "recommendation2", ...],
    "bottlenecks": ["bottleneck1", "bottleneck2", ...]
}

Do not include any commentary or explanations outside of the JSON.`,
		in.Cycle, in.Query, hypothesis, score,
		pm.TotalCycleTime, orNone(ok), orNone(failed), orNone(slow),
		wq.SourcesCount, wq.SuccessfulExtractions, wq.FailedExtractions,
		max(0, rollup.Cycles-1), rollup.AverageCycleTime, rollup.AverageScoreDelta, dominant)
}
