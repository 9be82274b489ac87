package bus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

// Source is a LiveSource fed by a watermill subscriber.
type Source struct {
	subscriber message.Subscriber
	prefix     string
}

func NewSource(subscriber message.Subscriber, prefix string) *Source {
	return &Source{subscriber: subscriber, prefix: prefix}
}

func (s *Source) SubscribeLive(ctx context.Context, kind occurrence.Kind) (occurrence.Subscription, error) {
	if s == nil || s.subscriber == nil {
		return nil, errors.New("bus source: nil subscriber")
	}
	runCtx, cancel := context.WithCancel(ctx)
	topic := Topic(s.prefix, kind)
	ch, err := s.subscriber.Subscribe(runCtx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	sub := &subscription{
		topic:  topic,
		kind:   kind,
		cancel: cancel,
		out:    make(chan occurrence.Occurrence, 64),
		errs:   make(chan error, 1),
	}
	go sub.consume(runCtx, ch)
	log.Info().Str("component", "bus").Str("topic", topic).Msg("bus subscription: started")
	return sub, nil
}

// Close closes the underlying subscriber.
func (s *Source) Close() error {
	if s == nil || s.subscriber == nil {
		return nil
	}
	return s.subscriber.Close()
}

type subscription struct {
	topic  string
	kind   occurrence.Kind
	cancel context.CancelFunc
	once   sync.Once
	out    chan occurrence.Occurrence
	errs   chan error
}

func (s *subscription) consume(ctx context.Context, ch <-chan *message.Message) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "bus").Str("topic", s.topic).Msg("bus subscription: stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					s.errs <- occurrence.ErrSubscriptionClosed
				}
				return
			}
			occ, err := Decode(msg.Payload)
			if err != nil || occ.Kind() != s.kind {
				if err != nil {
					log.Warn().Err(err).Str("component", "bus").Str("topic", s.topic).Str("msg_id", msg.UUID).Msg("bus subscription: failed to decode occurrence")
				}
				msg.Ack()
				continue
			}
			select {
			case s.out <- occ:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}
}

func (s *subscription) Occurrences() <-chan occurrence.Occurrence { return s.out }

func (s *subscription) Err() <-chan error { return s.errs }

func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}
