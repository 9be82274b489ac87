// Package timestamps resolves block markers to wall-clock times.
package timestamps

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// BlockClock looks up the timestamp of a single block.
type BlockClock interface {
	BlockTime(ctx context.Context, marker uint64) (time.Time, error)
}

type BlockClockFunc func(ctx context.Context, marker uint64) (time.Time, error)

func (f BlockClockFunc) BlockTime(ctx context.Context, marker uint64) (time.Time, error) {
	return f(ctx, marker)
}

const DefaultConcurrency = 8

// Resolver deduplicates markers and resolves them concurrently. A call to Resolve
// yields either every requested marker or an error, never a partial map.
type Resolver struct {
	clock       BlockClock
	concurrency int
}

type Option func(*Resolver)

func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func NewResolver(clock BlockClock, opts ...Option) *Resolver {
	r := &Resolver{clock: clock, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, markers []uint64) (map[uint64]time.Time, error) {
	if r == nil || r.clock == nil {
		return nil, errors.New("timestamp resolver: no block clock")
	}
	distinct := make([]uint64, 0, len(markers))
	seen := make(map[uint64]struct{}, len(markers))
	for _, m := range markers {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		distinct = append(distinct, m)
	}

	out := make(map[uint64]time.Time, len(distinct))
	if len(distinct) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, m := range distinct {
		g.Go(func() error {
			ts, err := r.clock.BlockTime(gctx, m)
			if err != nil {
				return errors.Wrapf(err, "resolve block %d", m)
			}
			mu.Lock()
			out[m] = ts
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Debug().Str("component", "timestamps").Int("markers", len(markers)).Int("lookups", len(distinct)).Msg("resolved block timestamps")
	return out, nil
}

func (r *Resolver) ResolveOne(ctx context.Context, marker uint64) (time.Time, error) {
	times, err := r.Resolve(ctx, []uint64{marker})
	if err != nil {
		return time.Time{}, err
	}
	return times[marker], nil
}
