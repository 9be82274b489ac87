package presenter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/vrf-timer/pkg/timeline"
	"github.com/go-go-golems/vrf-timer/pkg/tracker"
)

// LogPresenter reports record transitions as structured log lines. Used when
// stdout is not a terminal.
type LogPresenter struct {
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]timeline.State
	ids  map[string]bool
}

var _ tracker.Presenter = (*LogPresenter)(nil)

func NewLogPresenter(logger zerolog.Logger) *LogPresenter {
	return &LogPresenter{
		logger: logger.With().Str("component", "presenter").Logger(),
		seen:   map[string]timeline.State{},
		ids:    map[string]bool{},
	}
}

func recordKey(rec timeline.Record) string {
	switch {
	case !rec.SubmissionKey.IsZero():
		return rec.SubmissionKey.Hex()
	case !rec.TxHash.IsZero():
		return rec.TxHash.Hex()
	default:
		return rec.RequestID.String()
	}
}

func (p *LogPresenter) Snapshot(records []timeline.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range records {
		key := recordKey(rec)
		state := rec.State()
		prev, known := p.seen[key]
		bound := !rec.Provisional()
		if known && prev == state && p.ids[key] == bound {
			continue
		}
		p.seen[key] = state
		p.ids[key] = bound

		ev := p.logger.Info()
		if state == timeline.StateFailed {
			ev = p.logger.Warn().Str("failure", rec.Failure)
		}
		ev = ev.Str("request_id", FormatRequestID(rec.RequestID)).
			Str("requester", FormatAddress(rec.Initiator)).
			Str("state", FormatState(rec))
		if !rec.StartTime.IsZero() {
			ev = ev.Str("start", FormatTimestamp(rec.StartTime))
		}
		if state == timeline.StateTerminal {
			ev = ev.Str("end", FormatTimestamp(rec.EndTime)).Str("result", rec.Result.String())
			if !rec.StartTime.IsZero() {
				ev = ev.Str("elapsed_s", FormatElapsed(rec.Elapsed(rec.EndTime)))
			}
		}
		ev.Msg("request updated")
	}
}

// Tick is ignored; log output only changes on transitions.
func (p *LogPresenter) Tick(time.Time, []timeline.Progress) {}

func (p *LogPresenter) Alert(a tracker.Alert) {
	ev := p.logger.Warn()
	if a.Level == tracker.AlertError {
		ev = p.logger.Error()
	}
	if !a.SubmissionKey.IsZero() {
		ev = ev.Str("submission_key", a.SubmissionKey.Hex())
	}
	if !a.RequestID.IsZero() {
		ev = ev.Str("request_id", a.RequestID.String())
	}
	ev.Msg(a.Message)
}
