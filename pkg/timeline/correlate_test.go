package timeline

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

func TestCorrelate_JoinsOnRequestID(t *testing.T) {
	times := map[uint64]time.Time{100: ms(1000), 105: ms(1300)}
	requested := []occurrence.Requested{
		{At: occurrence.Position{Marker: 100, TxHash: hash(1)}, RequestID: word(7), Initiator: addr(2)},
	}
	fulfilled := []occurrence.Fulfilled{
		{At: occurrence.Position{Marker: 105, TxHash: hash(2)}, RequestID: word(7), Result: word(99), ObservedAt: ms(1299)},
	}

	out := Correlate(requested, fulfilled, times)
	require.Len(t, out, 1)
	rec := out[word(7)]
	require.Equal(t, hash(1), rec.TxHash)
	require.Equal(t, addr(2), rec.Initiator)
	require.Equal(t, ms(1000), rec.StartTime)
	require.Equal(t, ms(1300), rec.EndTime)
	require.Equal(t, word(99), rec.Result)
	require.Equal(t, StateTerminal, rec.State())
}

func TestCorrelate_Orphan(t *testing.T) {
	fulfilled := []occurrence.Fulfilled{
		{At: occurrence.Position{Marker: 50}, RequestID: word(9), Result: word(1), ObservedAt: ms(800)},
	}
	out := Correlate(nil, fulfilled, map[uint64]time.Time{})
	rec := out[word(9)]
	require.True(t, rec.Orphan())
	require.Equal(t, ms(800), rec.EndTime)
	require.True(t, rec.StartTime.IsZero())
}

func TestCorrelate_DuplicateRequestKeepsEarliest(t *testing.T) {
	times := map[uint64]time.Time{10: ms(100), 20: ms(200)}
	requested := []occurrence.Requested{
		{At: occurrence.Position{Marker: 20, TxHash: hash(2)}, RequestID: word(1)},
		{At: occurrence.Position{Marker: 10, TxHash: hash(1)}, RequestID: word(1)},
		{At: occurrence.Position{Marker: 10, TxHash: hash(3)}},
	}
	out := Correlate(requested, nil, times)
	require.Len(t, out, 1)
	require.Equal(t, hash(1), out[word(1)].TxHash)
	require.Equal(t, ms(100), out[word(1)].StartTime)
}

func TestCorrelate_OrderIndependent(t *testing.T) {
	times := map[uint64]time.Time{}
	var occs []occurrence.Occurrence
	for i := uint64(1); i <= 20; i++ {
		times[i*10] = ms(int64(i) * 1000)
		times[i*10+3] = ms(int64(i)*1000 + 250)
		occs = append(occs,
			occurrence.Requested{At: occurrence.Position{Marker: i * 10, TxHash: hash(byte(i))}, RequestID: word(i)},
			occurrence.Fulfilled{At: occurrence.Position{Marker: i*10 + 3}, RequestID: word(i), Result: word(i * 3)},
		)
	}
	want := Ordered(CorrelateAll(occs, times))

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 10; round++ {
		shuffled := append([]occurrence.Occurrence(nil), occs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.Equal(t, want, Ordered(CorrelateAll(shuffled, times)))
	}
	require.Len(t, want, 20)
	n, _ := want[0].RequestID.Uint64()
	require.Equal(t, uint64(20), n)
}

func TestCorrelate_ApplyTwiceIsIdempotent(t *testing.T) {
	times := map[uint64]time.Time{1: ms(10), 2: ms(20)}
	occs := []occurrence.Occurrence{
		occurrence.Requested{At: occurrence.Position{Marker: 1}, RequestID: word(3)},
		occurrence.Fulfilled{At: occurrence.Position{Marker: 2}, RequestID: word(3), Result: word(4)},
	}
	first := CorrelateAll(occs, times)
	second := CorrelateAll(append(occs, occs...), times)
	require.Equal(t, first, second)
}
