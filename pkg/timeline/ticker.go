package timeline

import (
	"context"
	"time"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

const DefaultTickInterval = 100 * time.Millisecond

// Progress is the elapsed time of one running record at a tick.
type Progress struct {
	SubmissionKey occurrence.Hash
	RequestID     occurrence.Word
	StartTime     time.Time
	Elapsed       time.Duration
}

// Ticker periodically reports elapsed time for running records. It parks while
// nothing is running and resumes on Wake.
type Ticker struct {
	store    *Store
	interval time.Duration
	sink     func(now time.Time, running []Progress)
	now      func() time.Time
	wake     chan struct{}
}

type TickerOption func(*Ticker)

func WithInterval(d time.Duration) TickerOption {
	return func(t *Ticker) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithNow(now func() time.Time) TickerOption {
	return func(t *Ticker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTicker(store *Store, sink func(time.Time, []Progress), opts ...TickerOption) *Ticker {
	t := &Ticker{
		store:    store,
		interval: DefaultTickInterval,
		sink:     sink,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Wake resumes a parked ticker. It never blocks.
func (t *Ticker) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled. No tick is delivered after cancellation is
// observed.
func (t *Ticker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if len(t.store.Running()) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-t.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.wake:
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	now := t.now()
	running := t.store.Running()
	if len(running) == 0 {
		return
	}
	SortRecords(running)
	progress := make([]Progress, 0, len(running))
	for _, rec := range running {
		progress = append(progress, Progress{
			SubmissionKey: rec.SubmissionKey,
			RequestID:     rec.RequestID,
			StartTime:     rec.StartTime,
			Elapsed:       rec.Elapsed(now),
		})
	}
	if ctx.Err() != nil || t.sink == nil {
		return
	}
	t.sink(now, progress)
}
