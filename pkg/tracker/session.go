// Package tracker owns one tracking session: the request store, the live
// subscriptions, the elapsed-time ticker and the presenters they feed.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
	"github.com/go-go-golems/vrf-timer/pkg/timeline"
	"github.com/go-go-golems/vrf-timer/pkg/timestamps"
)

var (
	ErrNoLiveSource   = errors.New("session has no live source")
	ErrNoSubmitter    = errors.New("session has no submitter")
	ErrAlreadyRunning = errors.New("session live loop already running")
	ErrSessionClosed  = errors.New("session closed")
)

// Session is the explicit owner of a request store and everything that writes to
// it. Live subscriptions and the ticker are acquired and released together by
// Run; submission watchers are released by Close.
type Session struct {
	id         string
	store      *timeline.Store
	ticker     *timeline.Ticker
	resolver   *timestamps.Resolver
	historical occurrence.HistoricalSource
	live       occurrence.LiveSource
	submitter  occurrence.Submitter
	recorder   Recorder
	window     uint64
	tick       time.Duration
	now        func() time.Time

	mu         sync.RWMutex
	presenters []Presenter
	running    bool
	ready      chan struct{}
	readyOnce  sync.Once

	// notifyMu is held while a snapshot is taken and delivered, so the last
	// snapshot a presenter sees is the newest.
	notifyMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Session)

func WithHistorical(h occurrence.HistoricalSource) Option {
	return func(s *Session) { s.historical = h }
}

func WithLive(l occurrence.LiveSource) Option {
	return func(s *Session) { s.live = l }
}

func WithSubmitter(sub occurrence.Submitter) Option {
	return func(s *Session) { s.submitter = sub }
}

func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

func WithPresenter(p Presenter) Option {
	return func(s *Session) {
		if p != nil {
			s.presenters = append(s.presenters, p)
		}
	}
}

// WithBlockClock enables timestamp resolution for backfill and for live Requested
// occurrences that do not belong to a local submission.
func WithBlockClock(clock timestamps.BlockClock, concurrency int) Option {
	return func(s *Session) {
		if clock != nil {
			s.resolver = timestamps.NewResolver(clock, timestamps.WithConcurrency(concurrency))
		}
	}
}

func WithWindow(blocks uint64) Option {
	return func(s *Session) {
		if blocks > 0 {
			s.window = blocks
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Session {
	s := &Session{
		id:     uuid.NewString(),
		window: occurrence.MaxRange,
		tick:   timeline.DefaultTickInterval,
		now:    time.Now,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.store = timeline.NewStore(timeline.WithObserver(s.onChange))
	s.ticker = timeline.NewTicker(s.store, s.onTick, timeline.WithInterval(s.tick), timeline.WithNow(s.now))
	return s
}

func (s *Session) ID() string { return s.id }

// LiveReady is closed once Run has opened its subscriptions for the first time.
func (s *Session) LiveReady() <-chan struct{} { return s.ready }

func (s *Session) AddPresenter(p Presenter) {
	if p == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	s.presenters = append(s.presenters, p)
	s.mu.Unlock()
	p.Snapshot(s.store.SnapshotOrdered())
}

// Snapshot returns the ordered timeline.
func (s *Session) Snapshot() []timeline.Record { return s.store.SnapshotOrdered() }

func (s *Session) LookupSubmission(key occurrence.Hash) (timeline.Record, bool) {
	return s.store.LookupSubmission(key)
}

func (s *Session) LookupRequest(id occurrence.Word) (timeline.Record, bool) {
	return s.store.LookupRequest(id)
}

func (s *Session) presentersCopy() []Presenter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Presenter(nil), s.presenters...)
}

func (s *Session) onChange(c timeline.Change) {
	switch c.Kind {
	case timeline.ChangeCreated, timeline.ChangeBound:
		s.ticker.Wake()
	}
	rec := c.Record
	if s.recorder != nil && rec.State() == timeline.StateTerminal && !rec.StartTime.IsZero() {
		if _, err := s.recorder.Record(s.ctx, rec); err != nil {
			log.Warn().Err(err).Str("component", "tracker").Str("request_id", rec.RequestID.String()).Msg("failed to record latency")
		}
	}
	s.publishSnapshot()
}

func (s *Session) publishSnapshot() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	snapshot := s.store.SnapshotOrdered()
	for _, p := range s.presentersCopy() {
		p.Snapshot(snapshot)
	}
}

func (s *Session) onTick(now time.Time, running []timeline.Progress) {
	for _, p := range s.presentersCopy() {
		p.Tick(now, running)
	}
}

func (s *Session) alert(a Alert) {
	if a.At.IsZero() {
		a.At = s.now()
	}
	for _, p := range s.presentersCopy() {
		p.Alert(a)
	}
}

// Backfill loads the most recent window of blocks. Transport failures leave the
// store as it was and are only logged.
func (s *Session) Backfill(ctx context.Context) error {
	if s.historical == nil {
		log.Debug().Str("component", "tracker").Msg("no historical source, skipping backfill")
		return nil
	}
	latest, err := s.historical.Latest(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("component", "tracker").Msg("backfill: latest block unavailable, starting empty")
		return nil
	}
	from, to := occurrence.Window(latest, s.window)
	return s.BackfillRange(ctx, from, to)
}

// BackfillRange loads [from, to]. Only an invalid range or cancellation is
// returned as an error.
func (s *Session) BackfillRange(ctx context.Context, from, to uint64) error {
	if err := occurrence.ValidateRange(from, to); err != nil {
		return err
	}
	if s.historical == nil {
		return nil
	}

	batches := make([][]occurrence.Occurrence, len(occurrence.Kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range occurrence.Kinds {
		g.Go(func() error {
			batches[i] = s.fetch(gctx, kind, from, to)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	var occs []occurrence.Occurrence
	for _, b := range batches {
		occs = append(occs, b...)
	}
	if len(occs) == 0 {
		log.Info().Str("component", "tracker").Uint64("from", from).Uint64("to", to).Msg("backfill: no occurrences in window")
		return nil
	}
	if s.resolver == nil {
		log.Warn().Str("component", "tracker").Msg("backfill: no block clock, skipping")
		return nil
	}
	times, err := s.resolver.Resolve(ctx, occurrence.Markers(occs))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("component", "tracker").Msg("backfill: timestamp resolution failed, starting empty")
		return nil
	}

	records := timeline.CorrelateAll(occs, times)
	applied := 0
	for _, rec := range timeline.Ordered(records) {
		if s.merge(rec) {
			applied++
		}
	}
	log.Info().Str("component", "tracker").
		Uint64("from", from).Uint64("to", to).
		Int("occurrences", len(occs)).Int("records", len(records)).Int("applied", applied).
		Msg("backfill complete")
	return nil
}

func (s *Session) fetch(ctx context.Context, kind occurrence.Kind, from, to uint64) []occurrence.Occurrence {
	occs, err := s.historical.FetchHistorical(ctx, kind, from, to)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("component", "tracker").Str("kind", kind.String()).Msg("backfill: historical fetch failed, using empty result")
		}
		return nil
	}
	return occs
}

// merge applies one correlated record through the keyed store operations.
func (s *Session) merge(rec timeline.Record) bool {
	ok := true
	if !rec.Orphan() {
		_, err := s.store.BindRequestID(timeline.Binding{
			SubmissionKey: rec.TxHash,
			RequestID:     rec.RequestID,
			Initiator:     rec.Initiator,
			ObservedAt:    rec.StartTime,
		})
		ok = s.report(err, rec.TxHash, rec.RequestID) && ok
	}
	if !rec.EndTime.IsZero() {
		_, err := s.store.BindResult(rec.RequestID, rec.Result, rec.EndTime)
		ok = s.report(err, rec.TxHash, rec.RequestID) && ok
	}
	return ok
}

// Apply merges one live occurrence into the store. Conflicts are reported to the
// presenters and returned; they never stop the session.
func (s *Session) Apply(ctx context.Context, occ occurrence.Occurrence) error {
	switch o := occ.(type) {
	case occurrence.Requested:
		binding := timeline.Binding{
			SubmissionKey: o.At.TxHash,
			RequestID:     o.RequestID,
			Initiator:     o.Initiator,
		}
		if _, local := s.store.LookupSubmission(o.At.TxHash); !local || o.At.TxHash.IsZero() {
			binding.ObservedAt = s.markerTime(ctx, o.At.Marker)
		}
		_, err := s.store.BindRequestID(binding)
		s.report(err, o.At.TxHash, o.RequestID)
		return err

	case occurrence.Fulfilled:
		end := o.ObservedAt
		if end.IsZero() {
			end = s.markerTime(ctx, o.At.Marker)
		}
		_, err := s.store.BindResult(o.RequestID, o.Result, end)
		s.report(err, occurrence.Hash{}, o.RequestID)
		return err

	default:
		return errors.Errorf("unsupported occurrence %T", occ)
	}
}

func (s *Session) markerTime(ctx context.Context, marker uint64) time.Time {
	if s.resolver != nil && marker > 0 {
		ts, err := s.resolver.ResolveOne(ctx, marker)
		if err == nil {
			return ts
		}
		log.Debug().Err(err).Str("component", "tracker").Uint64("marker", marker).Msg("block time unavailable, using local clock")
	}
	return s.now()
}

func (s *Session) report(err error, key occurrence.Hash, id occurrence.Word) bool {
	if err == nil {
		return true
	}
	ev := log.Warn().Err(err).Str("component", "tracker").Str("request_id", id.String())
	if !key.IsZero() {
		ev = ev.Str("submission_key", key.Hex())
	}
	if errors.Is(err, timeline.ErrConsistencyConflict) {
		ev.Msg("consistency conflict, keeping first value")
		s.alert(Alert{Level: AlertWarning, Message: err.Error(), SubmissionKey: key, RequestID: id})
		return false
	}
	ev.Msg("occurrence rejected")
	return false
}

// Submit dispatches a new request, records it provisionally and watches it until
// the submission is confirmed or fails.
func (s *Session) Submit(ctx context.Context) (timeline.Record, error) {
	if s.submitter == nil {
		return timeline.Record{}, ErrNoSubmitter
	}
	if s.ctx.Err() != nil {
		return timeline.Record{}, ErrSessionClosed
	}
	sub, err := s.submitter.Submit(ctx)
	if err != nil {
		s.alert(Alert{Level: AlertError, Message: "submission failed: " + err.Error()})
		return timeline.Record{}, errors.Wrap(err, "submit")
	}
	start := sub.DispatchedAt
	if start.IsZero() {
		start = s.now()
	}
	rec, err := s.store.CreateProvisional(sub.Key, sub.Initiator, start)
	if err != nil {
		log.Warn().Err(err).Str("component", "tracker").Str("submission_key", sub.Key.Hex()).Msg("provisional record not created")
		return rec, err
	}
	log.Info().Str("component", "tracker").Str("submission_key", sub.Key.Hex()).Msg("request submitted")

	s.wg.Add(1)
	go s.await(sub.Key)
	return rec, nil
}

func (s *Session) await(key occurrence.Hash) {
	defer s.wg.Done()
	err := s.submitter.Await(s.ctx, key)
	if err == nil || s.ctx.Err() != nil {
		return
	}
	rec, ferr := s.store.FailProvisional(key, err.Error())
	switch {
	case ferr == nil:
		log.Warn().Err(err).Str("component", "tracker").Str("submission_key", key.Hex()).Msg("submission failed")
		s.alert(Alert{Level: AlertError, Message: "submission failed: " + err.Error(), SubmissionKey: key})
	case errors.Is(ferr, timeline.ErrNotProvisional):
		log.Debug().Err(err).Str("component", "tracker").Str("request_id", rec.RequestID.String()).Msg("submission watcher failed after the request was accepted")
	default:
		log.Warn().Err(ferr).Str("component", "tracker").Str("submission_key", key.Hex()).Msg("could not flag submission failed")
	}
}

// Run opens both live subscriptions and the ticker and blocks until ctx is
// cancelled or a subscription fails. All three are released before Run returns.
// A nil return means ctx was cancelled.
func (s *Session) Run(ctx context.Context) error {
	if s.live == nil {
		return ErrNoLiveSource
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	subs := make([]occurrence.Subscription, 0, len(occurrence.Kinds))
	defer func() {
		for _, sub := range subs {
			if err := sub.Close(); err != nil {
				log.Debug().Err(err).Str("component", "tracker").Msg("closing subscription")
			}
		}
	}()
	for _, kind := range occurrence.Kinds {
		sub, err := s.live.SubscribeLive(gctx, kind)
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", kind)
		}
		subs = append(subs, sub)
	}
	for i, kind := range occurrence.Kinds {
		sub := subs[i]
		g.Go(func() error { return s.consume(gctx, kind, sub) })
	}
	g.Go(func() error { return s.ticker.Run(gctx) })
	s.readyOnce.Do(func() { close(s.ready) })

	log.Info().Str("component", "tracker").Str("session_id", s.id).Msg("live tracking started")
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) consume(ctx context.Context, kind occurrence.Kind, sub occurrence.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return errors.Wrapf(err, "%s subscription", kind)
		case occ, ok := <-sub.Occurrences():
			if !ok {
				select {
				case err := <-sub.Err():
					return errors.Wrapf(err, "%s subscription", kind)
				default:
				}
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrapf(occurrence.ErrSubscriptionClosed, "%s subscription", kind)
			}
			_ = s.Apply(ctx, occ)
		}
	}
}

// Supervise runs the live loop until ctx is cancelled, re-establishing the
// subscriptions after delay whenever they fail. Each restart backfills again so
// occurrences missed while disconnected are merged.
func (s *Session) Supervise(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		err := s.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrNoLiveSource) || errors.Is(err, ErrAlreadyRunning) {
			return err
		}
		log.Warn().Err(err).Str("component", "tracker").Dur("retry_in", delay).Msg("live subscriptions ended, re-establishing")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if err := s.Backfill(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("component", "tracker").Msg("catch-up backfill failed")
		}
	}
}

// Close stops submission watchers. It does not stop Run; cancel its context.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
}
