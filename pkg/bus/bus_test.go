package bus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

func newChannel() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
}

func sampleFulfilled() occurrence.Fulfilled {
	var tx occurrence.Hash
	tx[0] = 0xaa
	return occurrence.Fulfilled{
		At:             occurrence.Position{Marker: 105, TxHash: tx, LogIndex: 2},
		RequestID:      occurrence.WordFromUint64(42),
		Result:         occurrence.WordFromUint64(777),
		SequenceMarker: 105,
		ObservedAt:     time.UnixMilli(1300),
	}
}

func TestEnvelope(t *testing.T) {
	f := sampleFulfilled()
	msg, err := Encode(f)
	require.NoError(t, err)
	require.Equal(t, "fulfilled", msg.Metadata.Get("kind"))

	again, err := Encode(f)
	require.NoError(t, err)
	require.Equal(t, msg.UUID, again.UUID)

	occ, err := Decode(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, f, occ)

	_, err = Decode([]byte(`{"kind":"cancelled"}`))
	require.Error(t, err)
}

func TestTopic(t *testing.T) {
	require.Equal(t, "vrf.requested", Topic("", occurrence.KindRequested))
	require.Equal(t, "fuji.fulfilled", Topic("fuji", occurrence.KindFulfilled))
}

func TestSource_DeliversAndSkipsGarbage(t *testing.T) {
	ch := newChannel()
	defer func() { _ = ch.Close() }()

	src := NewSource(ch, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := src.SubscribeLive(ctx, occurrence.KindFulfilled)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, ch.Publish("vrf.fulfilled", message.NewMessage(watermill.NewUUID(), []byte("not json"))))
	pub := NewPublisher(ch, "")
	require.NoError(t, pub.Publish(sampleFulfilled()))

	select {
	case occ := <-sub.Occurrences():
		require.Equal(t, sampleFulfilled(), occ)
	case <-ctx.Done():
		t.Fatal("occurrence not delivered")
	}

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Occurrences():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

type fakeSub struct {
	out  chan occurrence.Occurrence
	errs chan error
}

func (s *fakeSub) Occurrences() <-chan occurrence.Occurrence { return s.out }
func (s *fakeSub) Err() <-chan error                         { return s.errs }
func (s *fakeSub) Close() error                              { return nil }

type liveFunc func(occurrence.Kind) occurrence.Subscription

func (f liveFunc) SubscribeLive(_ context.Context, k occurrence.Kind) (occurrence.Subscription, error) {
	return f(k), nil
}

func TestRelay_ForwardsUntilCancelled(t *testing.T) {
	ch := newChannel()
	defer func() { _ = ch.Close() }()

	subs := map[occurrence.Kind]*fakeSub{
		occurrence.KindRequested: {out: make(chan occurrence.Occurrence, 1), errs: make(chan error, 1)},
		occurrence.KindFulfilled: {out: make(chan occurrence.Occurrence, 1), errs: make(chan error, 1)},
	}
	live := liveFunc(func(k occurrence.Kind) occurrence.Subscription { return subs[k] })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	received, err := ch.Subscribe(ctx, "vrf.fulfilled")
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- Relay(runCtx, live, NewPublisher(ch, "")) }()

	subs[occurrence.KindFulfilled].out <- sampleFulfilled()
	select {
	case msg := <-received:
		msg.Ack()
		occ, err := Decode(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, sampleFulfilled(), occ)
	case <-ctx.Done():
		t.Fatal("relay did not publish")
	}

	stop()
	require.NoError(t, <-done)
}

func TestRelay_ClosedSubscriptionFails(t *testing.T) {
	ch := newChannel()
	defer func() { _ = ch.Close() }()

	req := &fakeSub{out: make(chan occurrence.Occurrence), errs: make(chan error, 1)}
	ful := &fakeSub{out: make(chan occurrence.Occurrence), errs: make(chan error, 1)}
	live := liveFunc(func(k occurrence.Kind) occurrence.Subscription {
		if k == occurrence.KindRequested {
			return req
		}
		return ful
	})
	close(req.out)

	err := Relay(context.Background(), live, NewPublisher(ch, ""))
	require.ErrorIs(t, err, occurrence.ErrSubscriptionClosed)
}
