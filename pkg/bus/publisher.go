package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

type Publisher struct {
	publisher message.Publisher
	prefix    string
}

func NewPublisher(publisher message.Publisher, prefix string) *Publisher {
	return &Publisher{publisher: publisher, prefix: prefix}
}

func (p *Publisher) Publish(occ occurrence.Occurrence) error {
	msg, err := Encode(occ)
	if err != nil {
		return err
	}
	topic := Topic(p.prefix, occ.Kind())
	if err := p.publisher.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	return nil
}

// Relay forwards every live occurrence from src to the bus until ctx is
// cancelled or a subscription fails.
func Relay(ctx context.Context, src occurrence.LiveSource, pub *Publisher) error {
	g, gctx := errgroup.WithContext(ctx)
	subs := make([]occurrence.Subscription, 0, len(occurrence.Kinds))
	for _, kind := range occurrence.Kinds {
		sub, err := src.SubscribeLive(gctx, kind)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return errors.Wrapf(err, "relay: subscribe %s", kind)
		}
		subs = append(subs, sub)
	}
	for i, kind := range occurrence.Kinds {
		sub := subs[i]
		g.Go(func() error {
			defer func() { _ = sub.Close() }()
			return forward(gctx, kind, sub, pub)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func forward(ctx context.Context, kind occurrence.Kind, sub occurrence.Subscription, pub *Publisher) error {
	var relayed int
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "bus").Str("kind", kind.String()).Int("relayed", relayed).Msg("relay stopped")
			return nil
		case err := <-sub.Err():
			return err
		case occ, ok := <-sub.Occurrences():
			if !ok {
				select {
				case err := <-sub.Err():
					return err
				default:
				}
				if ctx.Err() != nil {
					return nil
				}
				return occurrence.ErrSubscriptionClosed
			}
			if err := pub.Publish(occ); err != nil {
				return err
			}
			relayed++
			log.Debug().Str("component", "bus").Str("kind", kind.String()).Str("request_id", requestIDOf(occ)).Msg("relayed occurrence")
		}
	}
}

func requestIDOf(occ occurrence.Occurrence) string {
	switch o := occ.(type) {
	case occurrence.Requested:
		return o.RequestID.String()
	case occurrence.Fulfilled:
		return o.RequestID.String()
	}
	return ""
}
