package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub bundles the publisher and subscriber of one transport.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	closers    []func() error
}

func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build constructs a Redis Streams backed PubSub when enabled. Otherwise it returns
// an in-process channel pubsub.
func Build(s Settings) (*PubSub, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &PubSub{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, err
	}
	return &PubSub{
		Publisher:  pub,
		Subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// EnsureGroupAtTail creates the consumer group of a stream at its tail ($) when it
// does not exist yet. Occurrences older than the group come from backfill.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if isBusyGroup(err) {
			return nil
		}
		return err
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

var _ watermill.LoggerAdapter = (*zerologAdapter)(nil)
