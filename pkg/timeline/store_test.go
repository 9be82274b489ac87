package timeline

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

func hash(b byte) occurrence.Hash {
	var h occurrence.Hash
	h[31] = b
	return h
}

func addr(b byte) occurrence.Address {
	var a occurrence.Address
	a[19] = b
	return a
}

func word(n uint64) occurrence.Word { return occurrence.WordFromUint64(n) }

func ms(n int64) time.Time { return time.UnixMilli(n) }

func TestStore_SubmitBindFulfill(t *testing.T) {
	var changes []ChangeKind
	s := NewStore(WithObserver(func(c Change) { changes = append(changes, c.Kind) }))

	rec, err := s.CreateProvisional(hash(1), addr(9), ms(1000))
	require.NoError(t, err)
	require.True(t, rec.Provisional())
	require.Equal(t, StateRunning, rec.State())

	rec, err = s.BindRequestID(Binding{SubmissionKey: hash(1), RequestID: word(42), Initiator: addr(9), ObservedAt: ms(1010)})
	require.NoError(t, err)
	require.Equal(t, word(42), rec.RequestID)
	require.Equal(t, ms(1000), rec.StartTime)
	require.True(t, rec.EndTime.IsZero())

	rec, err = s.BindResult(word(42), word(777), ms(1300))
	require.NoError(t, err)
	require.Equal(t, StateTerminal, rec.State())
	require.Equal(t, word(777), rec.Result)
	require.Equal(t, 300*time.Millisecond, rec.Elapsed(ms(5000)))

	require.Equal(t, 1, s.Len())
	require.Equal(t, []ChangeKind{ChangeCreated, ChangeBound, ChangeCompleted}, changes)
}

func TestStore_FulfilledBeforeRequested(t *testing.T) {
	s := NewStore()
	_, err := s.CreateProvisional(hash(1), addr(9), ms(1000))
	require.NoError(t, err)

	// The fulfillment arrives before the Requested occurrence and lands as an orphan.
	orphan, err := s.BindResult(word(42), word(777), ms(1300))
	require.NoError(t, err)
	require.True(t, orphan.Orphan())
	require.Equal(t, 2, s.Len())

	rec, err := s.BindRequestID(Binding{SubmissionKey: hash(1), RequestID: word(42), Initiator: addr(9)})
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	require.Equal(t, ms(1000), rec.StartTime)
	require.Equal(t, ms(1300), rec.EndTime)
	require.Equal(t, word(777), rec.Result)
	require.Equal(t, hash(1), rec.SubmissionKey)

	got, ok := s.LookupRequest(word(42))
	require.True(t, ok)
	require.Equal(t, rec, got)
}

func TestStore_RebindIsConflict(t *testing.T) {
	s := NewStore()
	_, err := s.CreateProvisional(hash(1), addr(9), ms(1000))
	require.NoError(t, err)
	_, err = s.BindRequestID(Binding{SubmissionKey: hash(1), RequestID: word(42)})
	require.NoError(t, err)

	rec, err := s.BindRequestID(Binding{SubmissionKey: hash(1), RequestID: word(43)})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConsistencyConflict))
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "request_id", conflict.Field)
	require.Equal(t, word(42), rec.RequestID)

	// Same id again is a no-op.
	_, err = s.BindRequestID(Binding{SubmissionKey: hash(1), RequestID: word(42)})
	require.NoError(t, err)

	_, ok := s.LookupRequest(word(43))
	require.False(t, ok)
}

func TestStore_ResultFirstWins(t *testing.T) {
	s := NewStore()
	_, err := s.BindRequestID(Binding{RequestID: word(5), ObservedAt: ms(100)})
	require.NoError(t, err)
	_, err = s.BindResult(word(5), word(1), ms(200))
	require.NoError(t, err)

	_, err = s.BindResult(word(5), word(1), ms(200))
	require.NoError(t, err)

	rec, err := s.BindResult(word(5), word(2), ms(200))
	require.True(t, errors.Is(err, ErrConsistencyConflict))
	require.Equal(t, word(1), rec.Result)

	rec, err = s.BindResult(word(5), word(1), ms(900))
	require.True(t, errors.Is(err, ErrConsistencyConflict))
	require.Equal(t, ms(200), rec.EndTime)
}

func TestStore_StartNeverAfterEnd(t *testing.T) {
	s := NewStore()
	_, err := s.BindRequestID(Binding{RequestID: word(5), ObservedAt: ms(500)})
	require.NoError(t, err)
	rec, err := s.BindResult(word(5), word(1), ms(400))
	require.NoError(t, err)
	require.Equal(t, ms(400), rec.EndTime)
	require.Equal(t, ms(400), rec.StartTime)
	require.Equal(t, time.Duration(0), rec.Elapsed(ms(9999)))

	_, err = s.BindResult(word(5), word(1), ms(400))
	require.NoError(t, err)
}

func TestStore_OrderIndependent(t *testing.T) {
	apply := func(requestedFirst bool, start, end time.Time) Record {
		s := NewStore()
		bind := func() {
			_, err := s.BindRequestID(Binding{SubmissionKey: hash(7), RequestID: word(1), Initiator: addr(2), ObservedAt: start})
			require.NoError(t, err)
		}
		result := func() {
			_, err := s.BindResult(word(1), word(9), end)
			require.NoError(t, err)
		}
		if requestedFirst {
			bind()
			result()
		} else {
			result()
			bind()
		}
		require.Equal(t, 1, s.Len())
		rec, ok := s.LookupRequest(word(1))
		require.True(t, ok)
		return rec
	}

	for _, tc := range []struct {
		name       string
		start, end time.Time
	}{
		{"end after start", ms(1000), ms(1300)},
		{"end before start", ms(1000), ms(900)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, apply(true, tc.start, tc.end), apply(false, tc.start, tc.end))
		})
	}
}

func TestStore_DuplicateSubmission(t *testing.T) {
	s := NewStore()
	_, err := s.CreateProvisional(hash(1), addr(9), ms(1000))
	require.NoError(t, err)
	rec, err := s.CreateProvisional(hash(1), addr(9), ms(2000))
	require.True(t, errors.Is(err, ErrDuplicateSubmission))
	require.Equal(t, ms(1000), rec.StartTime)
	require.Equal(t, 1, s.Len())

	_, err = s.CreateProvisional(occurrence.Hash{}, addr(9), ms(1000))
	require.ErrorIs(t, err, ErrInvalidSubmission)
}

func TestStore_SubmissionAfterRequestedObserved(t *testing.T) {
	s := NewStore()
	_, err := s.BindRequestID(Binding{SubmissionKey: hash(3), RequestID: word(11), Initiator: addr(9), ObservedAt: ms(1500)})
	require.NoError(t, err)

	rec, err := s.CreateProvisional(hash(3), addr(9), ms(1000))
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	require.Equal(t, word(11), rec.RequestID)
	require.Equal(t, hash(3), rec.SubmissionKey)
	require.Equal(t, ms(1000), rec.StartTime)
}

func TestStore_LocalStartIndependentOfArrivalOrder(t *testing.T) {
	apply := map[string]func(*Store) error{
		"provisional": func(s *Store) error {
			_, err := s.CreateProvisional(hash(3), addr(9), ms(1000))
			return err
		},
		"requested": func(s *Store) error {
			_, err := s.BindRequestID(Binding{SubmissionKey: hash(3), RequestID: word(11), Initiator: addr(9), ObservedAt: ms(1500)})
			return err
		},
		"fulfilled": func(s *Store) error {
			_, err := s.BindResult(word(11), word(5), ms(1200))
			return err
		},
	}
	orders := [][]string{
		{"provisional", "requested", "fulfilled"},
		{"requested", "provisional", "fulfilled"},
		{"requested", "fulfilled", "provisional"},
		{"fulfilled", "requested", "provisional"},
		{"provisional", "fulfilled", "requested"},
		{"fulfilled", "provisional", "requested"},
	}
	for _, order := range orders {
		s := NewStore()
		for _, step := range order {
			require.NoError(t, apply[step](s), "%v", order)
		}
		require.Equal(t, 1, s.Len(), "%v", order)
		rec, ok := s.LookupSubmission(hash(3))
		require.True(t, ok, "%v", order)
		require.Equal(t, word(11), rec.RequestID, "%v", order)
		require.Equal(t, ms(1000), rec.StartTime, "%v", order)
		require.Equal(t, ms(1200), rec.EndTime, "%v", order)
	}
}

func TestStore_MatchByInitiator(t *testing.T) {
	s := NewStore()
	_, err := s.CreateProvisional(hash(1), addr(9), ms(1000))
	require.NoError(t, err)
	_, err = s.CreateProvisional(hash(2), addr(9), ms(2000))
	require.NoError(t, err)

	rec, err := s.BindRequestID(Binding{RequestID: word(8), Initiator: addr(9)})
	require.NoError(t, err)
	require.Equal(t, hash(2), rec.SubmissionKey)

	rec, err = s.BindRequestID(Binding{RequestID: word(7), Initiator: addr(9)})
	require.NoError(t, err)
	require.Equal(t, hash(1), rec.SubmissionKey)
	require.Equal(t, 2, s.Len())
}

func TestStore_FailProvisional(t *testing.T) {
	s := NewStore()
	_, err := s.CreateProvisional(hash(1), addr(9), ms(1000))
	require.NoError(t, err)

	rec, err := s.FailProvisional(hash(1), "reverted")
	require.NoError(t, err)
	require.Equal(t, StateFailed, rec.State())
	require.Empty(t, s.Running())

	_, err = s.FailProvisional(hash(2), "x")
	require.True(t, errors.Is(err, ErrUnknownSubmission))

	_, err = s.CreateProvisional(hash(3), addr(9), ms(1000))
	require.NoError(t, err)
	_, err = s.BindRequestID(Binding{SubmissionKey: hash(3), RequestID: word(4)})
	require.NoError(t, err)
	_, err = s.FailProvisional(hash(3), "late")
	require.ErrorIs(t, err, ErrNotProvisional)
}

func TestStore_RejectsZeroRequestID(t *testing.T) {
	s := NewStore()
	_, err := s.BindRequestID(Binding{SubmissionKey: hash(1)})
	require.ErrorIs(t, err, ErrInvalidRequestID)
	_, err = s.BindResult(occurrence.Word{}, word(1), ms(1))
	require.ErrorIs(t, err, ErrInvalidRequestID)
	require.Equal(t, 0, s.Len())
}

func TestStore_SnapshotOrdering(t *testing.T) {
	s := NewStore()
	_, _ = s.BindRequestID(Binding{RequestID: word(3), ObservedAt: ms(100)})
	_, _ = s.BindRequestID(Binding{RequestID: word(2), ObservedAt: ms(300)})
	_, _ = s.BindRequestID(Binding{RequestID: word(9), ObservedAt: ms(200)})
	_, _ = s.BindRequestID(Binding{RequestID: word(1), ObservedAt: ms(200)})

	snap := s.SnapshotOrdered()
	ids := make([]uint64, 0, len(snap))
	for _, r := range snap {
		n, _ := r.RequestID.Uint64()
		ids = append(ids, n)
	}
	require.Equal(t, []uint64{2, 1, 9, 3}, ids)
}

func TestStore_ConcurrentWritesConverge(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		id := word(uint64(i))
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.BindRequestID(Binding{RequestID: id, ObservedAt: ms(1000)})
		}()
		go func() {
			defer wg.Done()
			_, _ = s.BindResult(id, word(7), ms(2000))
		}()
	}
	wg.Wait()

	require.Equal(t, 50, s.Len())
	for _, rec := range s.SnapshotOrdered() {
		require.Equal(t, StateTerminal, rec.State())
		require.Equal(t, ms(1000), rec.StartTime)
		require.Equal(t, ms(2000), rec.EndTime)
	}
}
