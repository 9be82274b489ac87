package timeline

import (
	"time"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

type State int

const (
	StateRunning State = iota
	StateTerminal
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateTerminal:
		return "terminal"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is the canonical lifecycle of one oracle request.
//
// Zero values are sentinels: a zero RequestID is unassigned, a zero EndTime means
// the request is not fulfilled yet, and a zero StartTime marks an orphan whose
// Requested occurrence was never observed.
type Record struct {
	// SubmissionKey is set only for locally submitted requests. It is the hash of
	// the dispatched transaction.
	SubmissionKey occurrence.Hash
	// TxHash is the transaction that emitted the Requested occurrence, when known.
	TxHash    occurrence.Hash
	RequestID occurrence.Word
	Initiator occurrence.Address
	Result    occurrence.Word
	StartTime time.Time
	EndTime   time.Time
	// Failure is set when the local submission could not reach the contract.
	Failure string
}

func (r Record) State() State {
	if !r.EndTime.IsZero() {
		return StateTerminal
	}
	if r.Failure != "" {
		return StateFailed
	}
	return StateRunning
}

func (r Record) Provisional() bool { return r.RequestID.IsZero() }

func (r Record) Orphan() bool { return r.StartTime.IsZero() && !r.EndTime.IsZero() }

// Elapsed is the round trip for terminal records and the time spent so far for
// running ones. Orphans and failed records report zero.
func (r Record) Elapsed(now time.Time) time.Duration {
	if r.StartTime.IsZero() {
		return 0
	}
	switch r.State() {
	case StateTerminal:
		return r.EndTime.Sub(r.StartTime)
	case StateRunning:
		if now.Before(r.StartTime) {
			return 0
		}
		return now.Sub(r.StartTime)
	default:
		return 0
	}
}

// View is the presentation shape of a record. Times are milliseconds since the
// epoch; zero means unset.
type View struct {
	SubmissionKey string `json:"submission_key,omitempty"`
	TxHash        string `json:"tx_hash,omitempty"`
	Initiator     string `json:"initiator,omitempty"`
	RequestID     string `json:"request_id"`
	Result        string `json:"result,omitempty"`
	StartTimeMs   int64  `json:"start_time_ms"`
	EndTimeMs     int64  `json:"end_time_ms"`
	ElapsedMs     int64  `json:"elapsed_ms"`
	State         string `json:"state"`
	Failure       string `json:"failure,omitempty"`
}

func (r Record) View(now time.Time) View {
	v := View{
		RequestID: r.RequestID.String(),
		State:     r.State().String(),
		Failure:   r.Failure,
		ElapsedMs: r.Elapsed(now).Milliseconds(),
	}
	if !r.SubmissionKey.IsZero() {
		v.SubmissionKey = r.SubmissionKey.Hex()
	}
	if !r.TxHash.IsZero() {
		v.TxHash = r.TxHash.Hex()
	}
	if !r.Initiator.IsZero() {
		v.Initiator = r.Initiator.Hex()
	}
	if !r.EndTime.IsZero() {
		v.Result = r.Result.String()
		v.EndTimeMs = r.EndTime.UnixMilli()
	}
	if !r.StartTime.IsZero() {
		v.StartTimeMs = r.StartTime.UnixMilli()
	}
	return v
}

func Views(records []Record, now time.Time) []View {
	out := make([]View, 0, len(records))
	for _, r := range records {
		out = append(out, r.View(now))
	}
	return out
}
