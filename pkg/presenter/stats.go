package presenter

import (
	"fmt"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/go-go-golems/vrf-timer/pkg/persistence/latencystore"
)

func msElapsed(ms int64) string { return FormatElapsed(time.Duration(ms) * time.Millisecond) }

// RenderStats renders latency statistics and, when given, the most recent round
// trips. styled selects a lipgloss table over tab separated text.
func RenderStats(stats latencystore.Stats, recent []latencystore.Entry, styled bool) string {
	if stats.Count == 0 {
		return "no completed requests recorded"
	}
	summary := [][]string{
		{"count", fmt.Sprintf("%d", stats.Count)},
		{"mean (s)", FormatElapsed(time.Duration(stats.MeanMs * float64(time.Millisecond)))},
		{"p50 (s)", msElapsed(stats.P50Ms)},
		{"p95 (s)", msElapsed(stats.P95Ms)},
		{"max (s)", msElapsed(stats.MaxMs)},
	}
	rows := make([][]string, 0, len(recent))
	for _, e := range recent {
		rows = append(rows, []string{
			e.RequestID,
			FormatTimestamp(time.UnixMilli(e.StartMs)),
			FormatTimestamp(time.UnixMilli(e.EndMs)),
			msElapsed(e.LatencyMs),
		})
	}
	recentHeaders := []string{"Request ID", "Start (UTC)", "End (UTC)", "Elapsed (s)"}

	if !styled {
		var sb strings.Builder
		for _, r := range summary {
			sb.WriteString(strings.Join(r, "\t") + "\n")
		}
		if len(rows) > 0 {
			sb.WriteString("\n" + strings.Join(recentHeaders, "\t") + "\n")
			for _, r := range rows {
				sb.WriteString(strings.Join(r, "\t") + "\n")
			}
		}
		return strings.TrimRight(sb.String(), "\n")
	}

	style := func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		return cellStyle
	}
	out := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("Metric", "Value").
		Rows(summary...).
		StyleFunc(style).
		String()
	if len(rows) > 0 {
		out += "\n" + table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(borderStyle).
			Headers(recentHeaders...).
			Rows(rows...).
			StyleFunc(style).
			String()
	}
	return out
}
