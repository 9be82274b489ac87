package occurrence

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// MaxRange bounds a single historical query, in blocks.
const MaxRange uint64 = 1000

var (
	ErrRangeTooLarge      = errors.New("historical range exceeds maximum")
	ErrSubscriptionClosed = errors.New("live subscription closed")
)

// HistoricalSource answers bounded range queries over past blocks.
type HistoricalSource interface {
	// Latest returns the most recent block marker known to the source.
	Latest(ctx context.Context) (uint64, error)
	// FetchHistorical returns the occurrences of kind emitted in [from, to], ordered
	// by position.
	FetchHistorical(ctx context.Context, kind Kind, from, to uint64) ([]Occurrence, error)
}

// LiveSource opens unbounded push streams. Delivery is at-least-once and
// unordered across kinds.
type LiveSource interface {
	SubscribeLive(ctx context.Context, kind Kind) (Subscription, error)
}

// Subscription is a cancellable live stream. Close releases the underlying
// resources and is safe to call more than once. After Close, or after a value is
// delivered on Err, Occurrences is closed.
type Subscription interface {
	Occurrences() <-chan Occurrence
	Err() <-chan error
	Close() error
}

// Submission is a locally dispatched request that the remote service has not
// acknowledged yet. Key is the dispatched transaction hash.
type Submission struct {
	Key          Hash
	Initiator    Address
	DispatchedAt time.Time
}

// Submitter dispatches new requests and reports whether they reached the
// contract. Await returns nil once the submission is included, and an error if it
// was rejected or could not be confirmed.
type Submitter interface {
	Submit(ctx context.Context) (Submission, error)
	Await(ctx context.Context, key Hash) error
}

// Window returns the [from, to] range covering the last span blocks up to latest,
// floored at block zero.
func Window(latest, span uint64) (uint64, uint64) {
	if span > MaxRange {
		span = MaxRange
	}
	if latest < span {
		return 0, latest
	}
	return latest - span, latest
}

func ValidateRange(from, to uint64) error {
	if from > to {
		return errors.Errorf("invalid range: from %d > to %d", from, to)
	}
	if to-from > MaxRange {
		return errors.Wrapf(ErrRangeTooLarge, "range %d..%d", from, to)
	}
	return nil
}
