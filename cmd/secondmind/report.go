package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"secondmind/internal/pipeline"
	"secondmind/internal/types"
)

var (
	successColor = lipgloss.Color("#10b981")
	warningColor = lipgloss.Color("#f59e0b")
	errorColor   = lipgloss.Color("#ef4444")
	mutedColor   = lipgloss.Color("#6b7280")

	cycleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffffff")).
			Background(lipgloss.Color("#6366f1")).
			Padding(0, 1).
			Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

var stageOrder = []string{
	pipeline.StageGeneration,
	pipeline.StageReflection,
	pipeline.StageRanking,
	pipeline.StageEvolution,
	pipeline.StageMetaReview,
}

func statusStyle(s types.AgentStatus) lipgloss.Style {
	switch s {
	case types.StatusSuccess:
		return lipgloss.NewStyle().Foreground(successColor)
	case types.StatusDegraded:
		return lipgloss.NewStyle().Foreground(warningColor)
	default:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	}
}

// statusLine is a one-line summary of a finished cycle.
func statusLine(cc *types.CycleContext) string {
	parts := make([]string, 0, len(stageOrder))
	for _, name := range stageOrder {
		at, ok := cc.Agents[name]
		if !ok {
			continue
		}
		parts = append(parts, statusStyle(at.Status).Render(fmt.Sprintf("%s %.1fs", name, at.ExecutionTime.Seconds())))
	}
	top := cc.Top()
	return fmt.Sprintf("%s %s %s",
		cycleStyle.Render(fmt.Sprintf("cycle %d", cc.Cycle)),
		strings.Join(parts, mutedStyle.Render(" · ")),
		mutedStyle.Render(fmt.Sprintf("top %.1f/10", top.Score)))
}

// Report renders completed cycles as markdown.
func Report(sessionID, query string, cycles []*types.CycleContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research: %s\n\n", query)
	fmt.Fprintf(&b, "Session `%s`, %d cycle(s).\n\n", sessionID, len(cycles))
	if len(cycles) == 0 {
		b.WriteString("_No cycle completed._\n")
		return b.String()
	}

	last := cycles[len(cycles)-1]
	top := last.Top()
	b.WriteString("## Best hypothesis\n\n")
	if top.Text == "" {
		b.WriteString("_None ranked._\n\n")
	} else {
		fmt.Fprintf(&b, "> %s\n\n**Score:** %.1f/10\n\n", top.Text, top.Score)
	}

	for _, cc := range cycles {
		writeCycle(&b, cc)
	}
	return b.String()
}

func writeCycle(b *strings.Builder, cc *types.CycleContext) {
	fmt.Fprintf(b, "## Cycle %d\n\n", cc.Cycle)
	fmt.Fprintf(b, "Evidence items: %d\n\n", len(cc.Evidence))

	if len(cc.Ranked) > 0 {
		b.WriteString("| Rank | Score | Hypothesis |\n|---|---|---|\n")
		for _, r := range cc.Ranked {
			fmt.Fprintf(b, "| %d | %.1f | %s |\n", r.Rank, r.OverallScore, escapeCell(r.Statement))
		}
		b.WriteString("\n")
	}

	if len(cc.EvolutionDetails) > 0 {
		b.WriteString("**Evolved**\n\n")
		for _, d := range cc.EvolutionDetails {
			fmt.Fprintf(b, "- %s\n", d.EvolutionReason)
		}
		b.WriteString("\n")
	}

	mr := cc.MetaReview
	if mr == nil {
		return
	}
	fmt.Fprintf(b, "**Cycle time:** %.2fs", mr.PerformanceMetrics.TotalCycleTime)
	if len(mr.PerformanceMetrics.Bottlenecks) > 0 {
		names := make([]string, 0, len(mr.PerformanceMetrics.Bottlenecks))
		for _, bn := range mr.PerformanceMetrics.Bottlenecks {
			names = append(names, fmt.Sprintf("%s (%.0f%%)", bn.Agent, bn.Percentage))
		}
		sort.Strings(names)
		fmt.Fprintf(b, ", bottlenecks: %s", strings.Join(names, ", "))
	}
	b.WriteString("\n\n")
	writeList(b, "Insights", mr.Insights)
	writeList(b, "Recommendations", mr.Recommendations)
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s**\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

// renderMarkdown styles md for the terminal, or returns it unchanged when no
// renderer is available.
func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
