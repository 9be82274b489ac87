// Package presenter renders the request timeline on terminals and in logs.
package presenter

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
	"github.com/go-go-golems/vrf-timer/pkg/timeline"
)

const (
	timestampLayout = "2006-01-02 15:04:05"
	placeholder     = "-"
)

// FormatAddress shortens an address to its first four and last four hex digits,
// e.g. 0xDF2F...6AFA.
func FormatAddress(a occurrence.Address) string {
	if a.IsZero() {
		return placeholder
	}
	return shorten(upperHex(a.Hex()))
}

func FormatHash(h occurrence.Hash) string {
	if h.IsZero() {
		return placeholder
	}
	return shorten(upperHex(h.Hex()))
}

func upperHex(hex string) string {
	return "0x" + strings.ToUpper(strings.TrimPrefix(hex, "0x"))
}

func shorten(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:6] + "..." + hex[len(hex)-4:]
}

// FormatTimestamp renders t as YYYY-MM-DD HH:MM:SS in UTC.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return placeholder
	}
	return t.UTC().Format(timestampLayout)
}

// FormatElapsed renders d in seconds with millisecond precision.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.3f", d.Seconds())
}

func FormatRequestID(id occurrence.Word) string {
	if id.IsZero() {
		return "pending"
	}
	return id.String()
}

func FormatResult(rec timeline.Record) string {
	if rec.EndTime.IsZero() {
		return placeholder
	}
	return rec.Result.String()
}

// FormatState names the record state, with the failure reason for failed
// submissions and a marker for orphans.
func FormatState(rec timeline.Record) string {
	switch {
	case rec.Orphan():
		return "fulfilled (no request seen)"
	case rec.State() == timeline.StateFailed:
		return "failed: " + rec.Failure
	case rec.State() == timeline.StateRunning && rec.Provisional():
		return "submitted"
	default:
		return rec.State().String()
	}
}
