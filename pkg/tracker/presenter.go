package tracker

import (
	"context"
	"time"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
	"github.com/go-go-golems/vrf-timer/pkg/timeline"
)

type AlertLevel string

const (
	AlertWarning AlertLevel = "warning"
	AlertError   AlertLevel = "error"
)

// Alert is a condition surfaced to the user: a failed submission or a
// consistency conflict.
type Alert struct {
	Level         AlertLevel
	Message       string
	SubmissionKey occurrence.Hash
	RequestID     occurrence.Word
	At            time.Time
}

// Presenter receives the ordered timeline after every mutation, elapsed time for
// running records on every tick, and alerts. Calls may come from several
// goroutines, but snapshots arrive one at a time and never older than one already
// delivered. Implementations must not block for long or call back into the
// session from Snapshot.
type Presenter interface {
	Snapshot(records []timeline.Record)
	Tick(now time.Time, running []timeline.Progress)
	Alert(a Alert)
}

// Recorder exports terminal records, e.g. to a latency store.
type Recorder interface {
	Record(ctx context.Context, rec timeline.Record) (bool, error)
}

// PresenterFuncs adapts plain functions to Presenter. Nil fields are skipped.
type PresenterFuncs struct {
	OnSnapshot func([]timeline.Record)
	OnTick     func(time.Time, []timeline.Progress)
	OnAlert    func(Alert)
}

func (p PresenterFuncs) Snapshot(records []timeline.Record) {
	if p.OnSnapshot != nil {
		p.OnSnapshot(records)
	}
}

func (p PresenterFuncs) Tick(now time.Time, running []timeline.Progress) {
	if p.OnTick != nil {
		p.OnTick(now, running)
	}
}

func (p PresenterFuncs) Alert(a Alert) {
	if p.OnAlert != nil {
		p.OnAlert(a)
	}
}
