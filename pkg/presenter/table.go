package presenter

import (
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/go-go-golems/vrf-timer/pkg/timeline"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	runningStyle  = cellStyle.Foreground(lipgloss.Color("214"))
	failedStyle   = cellStyle.Foreground(lipgloss.Color("196"))
	orphanStyle   = cellStyle.Foreground(lipgloss.Color("#888888"))
	borderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	emptyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
	columnHeaders = []string{"Request ID", "Requester", "Start (UTC)", "End (UTC)", "Elapsed (s)", "Result", "State"}
)

// Rows converts records to table cells. Elapsed for running records is measured
// against now.
func Rows(records []timeline.Record, now time.Time) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			FormatRequestID(rec.RequestID),
			FormatAddress(rec.Initiator),
			FormatTimestamp(rec.StartTime),
			FormatTimestamp(rec.EndTime),
			elapsedCell(rec, now),
			FormatResult(rec),
			FormatState(rec),
		})
	}
	return rows
}

func elapsedCell(rec timeline.Record, now time.Time) string {
	if rec.StartTime.IsZero() || rec.State() == timeline.StateFailed {
		return placeholder
	}
	return FormatElapsed(rec.Elapsed(now))
}

// RenderTable renders the ordered timeline as a bordered table.
func RenderTable(records []timeline.Record, now time.Time) string {
	if len(records) == 0 {
		return emptyStyle.Render("no requests in the tracked window")
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(columnHeaders...).
		Rows(Rows(records, now)...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(records) {
				return cellStyle
			}
			rec := records[row]
			switch {
			case rec.Orphan():
				return orphanStyle
			case rec.State() == timeline.StateFailed:
				return failedStyle
			case rec.State() == timeline.StateRunning:
				return runningStyle
			default:
				return cellStyle
			}
		})
	return t.String()
}

// RenderPlain renders the timeline as tab separated lines for pipes.
func RenderPlain(records []timeline.Record, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(columnHeaders, "\t"))
	sb.WriteString("\n")
	for _, row := range Rows(records, now) {
		sb.WriteString(strings.Join(row, "\t"))
		sb.WriteString("\n")
	}
	return sb.String()
}
