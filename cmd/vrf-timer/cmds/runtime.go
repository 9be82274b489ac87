package cmds

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/vrf-timer/pkg/bus"
	"github.com/go-go-golems/vrf-timer/pkg/chain"
	"github.com/go-go-golems/vrf-timer/pkg/config"
	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
	"github.com/go-go-golems/vrf-timer/pkg/persistence/latencystore"
	"github.com/go-go-golems/vrf-timer/pkg/redisstream"
	"github.com/go-go-golems/vrf-timer/pkg/tracker"
)

// runtime owns everything one command invocation opens: the RPC connection, the
// optional bus transport, the latency store and the tracking session.
type runtime struct {
	settings config.Settings
	contract *chain.Contract
	pubsub   *redisstream.PubSub
	source   *bus.Source
	latency  *latencystore.Store
	session  *tracker.Session

	// background runs next to the live session, e.g. an in-process relay.
	background []func(ctx context.Context) error
}

type runtimeOptions struct {
	live       bool
	presenters []tracker.Presenter
}

func dialContract(ctx context.Context, s config.Settings) (*chain.Contract, error) {
	address, err := s.ContractAddress()
	if err != nil {
		return nil, err
	}
	account, err := s.AccountAddress()
	if err != nil {
		return nil, err
	}
	dial := func(ctx context.Context) (*chain.Client, error) {
		return chain.Dial(ctx, s.RPCURL)
	}
	client, err := dial(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", s.RPCURL)
	}
	log.Info().Str("component", "cmd").Str("rpc_url", s.RPCURL).Str("contract", address.Hex()).Msg("connected to rpc endpoint")
	return chain.NewContract(client, address,
		chain.WithAccount(account),
		chain.WithRedial(dial),
		chain.WithReceiptPollInterval(s.ReceiptPollInterval),
	), nil
}

func newRuntime(ctx context.Context, s config.Settings, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{settings: s}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	contract, err := dialContract(ctx, s)
	if err != nil {
		return nil, err
	}
	rt.contract = contract

	sessionOpts := []tracker.Option{
		tracker.WithHistorical(contract),
		tracker.WithBlockClock(contract, s.ResolveConcurrency),
		tracker.WithWindow(s.BackfillWindow),
		tracker.WithTickInterval(s.TickInterval),
	}
	if acct, _ := s.AccountAddress(); !acct.IsZero() {
		sessionOpts = append(sessionOpts, tracker.WithSubmitter(contract))
	}

	if opts.live {
		live, err := rt.liveSource(ctx)
		if err != nil {
			return nil, err
		}
		sessionOpts = append(sessionOpts, tracker.WithLive(live))
	}

	if s.LatencyDB.DSN != "" {
		store, err := latencystore.Open(s.LatencyDB.Driver, s.LatencyDB.DSN)
		if err != nil {
			return nil, err
		}
		rt.latency = store
		sessionOpts = append(sessionOpts, tracker.WithRecorder(store))
	}

	for _, p := range opts.presenters {
		sessionOpts = append(sessionOpts, tracker.WithPresenter(p))
	}
	rt.session = tracker.New(sessionOpts...)
	ok = true
	return rt, nil
}

// liveSource picks the chain subscription or the bus. An in-memory bus is fed by
// an in-process relay so the bus path works without Redis.
func (rt *runtime) liveSource(ctx context.Context) (occurrence.LiveSource, error) {
	s := rt.settings
	if s.Source != config.SourceBus {
		return rt.contract, nil
	}
	ps, err := redisstream.Build(s.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "build bus transport")
	}
	rt.pubsub = ps
	if s.Redis.Enabled {
		for _, kind := range occurrence.Kinds {
			topic := bus.Topic(s.TopicPrefix, kind)
			if err := redisstream.EnsureGroupAtTail(ctx, s.Redis.Addr, topic, s.Redis.Group); err != nil {
				return nil, errors.Wrapf(err, "prepare consumer group on %s", topic)
			}
		}
	} else {
		pub := bus.NewPublisher(ps.Publisher, s.TopicPrefix)
		rt.background = append(rt.background, func(ctx context.Context) error {
			return superviseRelay(ctx, rt.contract, pub, s.ReconnectDelay)
		})
	}
	rt.source = bus.NewSource(ps.Subscriber, s.TopicPrefix)
	return rt.source, nil
}

// preflight simulates a request when an account is configured and only warns on
// failure.
func (rt *runtime) preflight(ctx context.Context) {
	if acct, _ := rt.settings.AccountAddress(); acct.IsZero() {
		log.Info().Str("component", "cmd").Msg("no account configured, submissions disabled")
		return
	}
	if err := rt.contract.Preflight(ctx); err != nil {
		log.Warn().Err(err).Str("component", "cmd").Msg("request simulation failed, submissions will likely revert")
		return
	}
	log.Debug().Str("component", "cmd").Msg("request simulation succeeded")
}

// runLive backfills, then supervises the live session and background work until
// ctx is cancelled.
func (rt *runtime) runLive(ctx context.Context) error {
	if err := rt.session.Backfill(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return rt.superviseLive(ctx)
}

// superviseLive keeps the live session and background work running until ctx
// is cancelled.
func (rt *runtime) superviseLive(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.session.Supervise(gctx, rt.settings.ReconnectDelay) })
	for _, fn := range rt.background {
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}

func (rt *runtime) Close() {
	if rt.session != nil {
		rt.session.Close()
	}
	if rt.source != nil {
		if err := rt.source.Close(); err != nil {
			log.Debug().Err(err).Str("component", "cmd").Msg("close bus source")
		}
	}
	if rt.pubsub != nil {
		if err := rt.pubsub.Close(); err != nil {
			log.Debug().Err(err).Str("component", "cmd").Msg("close bus transport")
		}
	}
	if rt.latency != nil {
		if err := rt.latency.Close(); err != nil {
			log.Warn().Err(err).Str("component", "cmd").Msg("close latency store")
		}
	}
	if rt.contract != nil {
		_ = rt.contract.Close()
	}
}

// superviseRelay forwards live chain occurrences to the bus, re-subscribing after
// delay when the chain subscription fails.
func superviseRelay(ctx context.Context, src occurrence.LiveSource, pub *bus.Publisher, delay time.Duration) error {
	for {
		err := bus.Relay(ctx, src, pub)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Str("component", "relay").Dur("retry_in", delay).Msg("relay stopped, re-subscribing")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
