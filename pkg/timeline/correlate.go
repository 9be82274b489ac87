package timeline

import (
	"sort"
	"time"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

// Correlate joins a batch of Requested and Fulfilled occurrences on their request
// id. times maps block markers to wall-clock times; a marker missing from times
// leaves the start time unset and falls back to the payload time for end times.
//
// The result does not depend on input order. When the same id is requested more
// than once the earliest position wins. A Fulfilled without a matching Requested
// yields an orphan record with no start time.
func Correlate(requested []occurrence.Requested, fulfilled []occurrence.Fulfilled, times map[uint64]time.Time) map[occurrence.Word]Record {
	req := append([]occurrence.Requested(nil), requested...)
	ful := append([]occurrence.Fulfilled(nil), fulfilled...)
	sort.SliceStable(req, func(i, j int) bool { return req[i].At.Less(req[j].At) })
	sort.SliceStable(ful, func(i, j int) bool { return ful[i].At.Less(ful[j].At) })

	out := make(map[occurrence.Word]Record, len(req))
	for _, r := range req {
		if r.RequestID.IsZero() {
			continue
		}
		if _, ok := out[r.RequestID]; ok {
			continue
		}
		out[r.RequestID] = Record{
			TxHash:    r.At.TxHash,
			RequestID: r.RequestID,
			Initiator: r.Initiator,
			StartTime: times[r.At.Marker],
		}
	}

	for _, f := range ful {
		if f.RequestID.IsZero() {
			continue
		}
		rec := out[f.RequestID]
		if !rec.EndTime.IsZero() {
			continue
		}
		rec.RequestID = f.RequestID
		rec.Result = f.Result
		rec.EndTime = FulfilledTime(f, times)
		clampStart(&rec)
		out[f.RequestID] = rec
	}
	return out
}

// CorrelateAll partitions a mixed batch and correlates it.
func CorrelateAll(occs []occurrence.Occurrence, times map[uint64]time.Time) map[occurrence.Word]Record {
	requested, fulfilled := occurrence.Partition(occs)
	return Correlate(requested, fulfilled, times)
}

// FulfilledTime picks the end time for a Fulfilled occurrence: the resolved block
// time when known, the payload time otherwise.
func FulfilledTime(f occurrence.Fulfilled, times map[uint64]time.Time) time.Time {
	if ts, ok := times[f.At.Marker]; ok && !ts.IsZero() {
		return ts
	}
	return f.ObservedAt
}

// Ordered returns the correlated records sorted the same way as SnapshotOrdered.
func Ordered(records map[occurrence.Word]Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	SortRecords(out)
	return out
}
