package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

type ChangeKind int

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeBound
	ChangeCompleted
	ChangeFailed
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeBound:
		return "bound"
	case ChangeCompleted:
		return "completed"
	case ChangeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Change describes one applied mutation. Record is the state after the write.
type Change struct {
	Kind   ChangeKind
	Record Record
}

// Binding carries a Requested occurrence into the store.
type Binding struct {
	// SubmissionKey is the hash of the transaction that emitted the occurrence.
	// When zero the store matches the most recent unbound submission from Initiator.
	SubmissionKey occurrence.Hash
	RequestID     occurrence.Word
	Initiator     occurrence.Address
	// ObservedAt is the start time used when no local submission matches.
	ObservedAt time.Time
}

// Store is the in-memory table of request lifecycles.
//
// Every write is a keyed read-modify-write under the store lock. Writes fill
// missing fields and never overwrite a durable or terminal field, which makes the
// result independent of delivery order and safe under redelivery.
type Store struct {
	mu           sync.Mutex
	records      []*Record
	bySubmission map[occurrence.Hash]*Record
	byTx         map[occurrence.Hash]*Record
	byRequest    map[occurrence.Word]*Record
	observers    []func(Change)
}

type StoreOption func(*Store)

// WithObserver registers fn to be called after every applied mutation, outside the
// store lock.
func WithObserver(fn func(Change)) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		bySubmission: map[occurrence.Hash]*Record{},
		byTx:         map[occurrence.Hash]*Record{},
		byRequest:    map[occurrence.Word]*Record{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe registers an additional observer.
func (s *Store) Observe(fn func(Change)) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// CreateProvisional records a locally dispatched request before the remote service
// has assigned an id. If the Requested occurrence for the same transaction was
// already observed, the submission key is attached to that record instead.
func (s *Store) CreateProvisional(key occurrence.Hash, initiator occurrence.Address, start time.Time) (Record, error) {
	if key.IsZero() {
		return Record{}, ErrInvalidSubmission
	}
	s.mu.Lock()
	if existing, ok := s.bySubmission[key]; ok {
		rec := *existing
		s.mu.Unlock()
		return rec, errors.Wrapf(ErrDuplicateSubmission, "submission %s", key.Hex())
	}

	if rec, ok := s.byTx[key]; ok {
		rec.SubmissionKey = key
		s.bySubmission[key] = rec
		if rec.Initiator.IsZero() {
			rec.Initiator = initiator
		}
		// The start taken from the Requested block is provisional; a local
		// submission always starts at its dispatch time.
		if !start.IsZero() {
			rec.StartTime = start
			clampStart(rec)
		}
		return s.commit(ChangeBound, rec)
	}

	rec := &Record{
		SubmissionKey: key,
		TxHash:        key,
		Initiator:     initiator,
		StartTime:     start,
	}
	s.records = append(s.records, rec)
	s.bySubmission[key] = rec
	s.byTx[key] = rec
	return s.commit(ChangeCreated, rec)
}

// BindRequestID applies a Requested occurrence. A matching provisional record moves
// to the durable key; otherwise a durable record is created or completed.
// Rebinding a record to a different id is rejected with a ConflictError.
func (s *Store) BindRequestID(b Binding) (Record, error) {
	if b.RequestID.IsZero() {
		return Record{}, ErrInvalidRequestID
	}
	s.mu.Lock()

	target := s.matchLocked(b)
	existing := s.byRequest[b.RequestID]

	switch {
	case target != nil && !target.RequestID.IsZero():
		if target.RequestID == b.RequestID {
			rec := *target
			s.mu.Unlock()
			return rec, nil
		}
		rec := *target
		s.mu.Unlock()
		return rec, &ConflictError{
			Field:    "request_id",
			Key:      keyOf(&rec),
			Kept:     rec.RequestID.String(),
			Rejected: b.RequestID.String(),
		}

	case target != nil:
		if existing != nil && !existing.SubmissionKey.IsZero() {
			rec := *target
			s.mu.Unlock()
			return rec, &ConflictError{
				Field:    "request_id",
				Key:      keyOf(&rec),
				Kept:     "unassigned",
				Rejected: b.RequestID.String() + " (bound to " + existing.SubmissionKey.Hex() + ")",
			}
		}
		target.RequestID = b.RequestID
		target.Failure = ""
		if target.Initiator.IsZero() {
			target.Initiator = b.Initiator
		}
		if existing != nil {
			s.foldLocked(target, existing)
		}
		s.byRequest[b.RequestID] = target
		return s.commit(ChangeBound, target)

	case existing != nil:
		changed := false
		if existing.Initiator.IsZero() && !b.Initiator.IsZero() {
			existing.Initiator = b.Initiator
			changed = true
		}
		if existing.TxHash.IsZero() && !b.SubmissionKey.IsZero() {
			if _, taken := s.byTx[b.SubmissionKey]; !taken {
				existing.TxHash = b.SubmissionKey
				s.byTx[b.SubmissionKey] = existing
				changed = true
			}
		}
		if existing.StartTime.IsZero() && !b.ObservedAt.IsZero() {
			existing.StartTime = b.ObservedAt
			clampStart(existing)
			changed = true
		}
		if !changed {
			rec := *existing
			s.mu.Unlock()
			return rec, nil
		}
		return s.commit(ChangeBound, existing)

	default:
		rec := &Record{
			TxHash:    b.SubmissionKey,
			RequestID: b.RequestID,
			Initiator: b.Initiator,
			StartTime: b.ObservedAt,
		}
		s.records = append(s.records, rec)
		s.byRequest[b.RequestID] = rec
		if !b.SubmissionKey.IsZero() {
			s.byTx[b.SubmissionKey] = rec
		}
		return s.commit(ChangeCreated, rec)
	}
}

// BindResult applies a Fulfilled occurrence. Reapplying the same result is a
// no-op; a different result or end time is rejected and the first value wins. A
// result for an unknown request creates an orphan record.
func (s *Store) BindResult(id occurrence.Word, result occurrence.Word, end time.Time) (Record, error) {
	if id.IsZero() {
		return Record{}, ErrInvalidRequestID
	}
	s.mu.Lock()
	rec, ok := s.byRequest[id]
	if !ok {
		rec = &Record{RequestID: id, Result: result, EndTime: end}
		s.records = append(s.records, rec)
		s.byRequest[id] = rec
		log.Debug().Str("component", "timeline").Str("request_id", id.String()).Msg("fulfilled without a known request, keeping orphan")
		return s.commit(ChangeCreated, rec)
	}

	if rec.EndTime.IsZero() {
		rec.Result = result
		rec.EndTime = end
		rec.Failure = ""
		clampStart(rec)
		return s.commit(ChangeCompleted, rec)
	}

	if rec.Result == result && rec.EndTime.Equal(end) {
		out := *rec
		s.mu.Unlock()
		return out, nil
	}
	out := *rec
	s.mu.Unlock()
	if rec.Result != result {
		return out, &ConflictError{Field: "result", Key: id.String(), Kept: out.Result.String(), Rejected: result.String()}
	}
	return out, &ConflictError{
		Field:    "end_time",
		Key:      id.String(),
		Kept:     out.EndTime.UTC().Format(time.RFC3339Nano),
		Rejected: end.UTC().Format(time.RFC3339Nano),
	}
}

// FailProvisional flags a local submission that will never produce a Requested
// occurrence. Records already accepted by the remote service cannot fail.
func (s *Store) FailProvisional(key occurrence.Hash, reason string) (Record, error) {
	if reason == "" {
		reason = "submission failed"
	}
	s.mu.Lock()
	rec, ok := s.bySubmission[key]
	if !ok {
		s.mu.Unlock()
		return Record{}, errors.Wrapf(ErrUnknownSubmission, "submission %s", key.Hex())
	}
	if !rec.RequestID.IsZero() || !rec.EndTime.IsZero() {
		out := *rec
		s.mu.Unlock()
		return out, ErrNotProvisional
	}
	if rec.Failure != "" {
		out := *rec
		s.mu.Unlock()
		return out, nil
	}
	rec.Failure = reason
	return s.commit(ChangeFailed, rec)
}

func (s *Store) LookupSubmission(key occurrence.Hash) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySubmission[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (s *Store) LookupRequest(id occurrence.Word) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byRequest[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Running returns copies of every record still waiting for fulfillment.
func (s *Store) Running() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.State() == StateRunning && !rec.StartTime.IsZero() {
			out = append(out, *rec)
		}
	}
	return out
}

// SnapshotOrdered returns copies of all records, newest start first. Equal start
// times are ordered by request id, then by submission key.
func (s *Store) SnapshotOrdered() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.Unlock()
	SortRecords(out)
	return out
}

func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		if c := a.RequestID.Cmp(b.RequestID); c != 0 {
			return c < 0
		}
		if a.SubmissionKey != b.SubmissionKey {
			return string(a.SubmissionKey[:]) < string(b.SubmissionKey[:])
		}
		return string(a.TxHash[:]) < string(b.TxHash[:])
	})
}

// matchLocked finds the record a Requested occurrence belongs to, if any.
func (s *Store) matchLocked(b Binding) *Record {
	if !b.SubmissionKey.IsZero() {
		if rec, ok := s.bySubmission[b.SubmissionKey]; ok {
			return rec
		}
		return nil
	}
	if b.Initiator.IsZero() {
		return nil
	}
	var best *Record
	for _, rec := range s.records {
		if rec.SubmissionKey.IsZero() || !rec.RequestID.IsZero() || rec.Initiator != b.Initiator {
			continue
		}
		if rec.State() != StateRunning {
			continue
		}
		if best == nil || !rec.StartTime.Before(best.StartTime) {
			best = rec
		}
	}
	return best
}

// foldLocked merges a durable record observed before its local submission was
// bound into target and drops it from the table.
func (s *Store) foldLocked(target, other *Record) {
	if target.EndTime.IsZero() && !other.EndTime.IsZero() {
		target.EndTime = other.EndTime
		target.Result = other.Result
	}
	if target.TxHash.IsZero() {
		target.TxHash = other.TxHash
	}
	if target.StartTime.IsZero() {
		target.StartTime = other.StartTime
	}
	if target.Initiator.IsZero() {
		target.Initiator = other.Initiator
	}
	clampStart(target)
	if !other.TxHash.IsZero() && s.byTx[other.TxHash] == other {
		s.byTx[other.TxHash] = target
	}
	for i, rec := range s.records {
		if rec == other {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
}

// commit copies rec, releases the lock and notifies observers. Callers must hold
// s.mu.
func (s *Store) commit(kind ChangeKind, rec *Record) (Record, error) {
	out := *rec
	observers := s.observers
	s.mu.Unlock()
	ch := Change{Kind: kind, Record: out}
	for _, fn := range observers {
		fn(ch)
	}
	return out, nil
}

// clampStart keeps EndTime >= StartTime. EndTime is the observed fulfillment and
// never moves, so a start recorded after it is pulled back.
func clampStart(rec *Record) {
	if rec.EndTime.IsZero() || rec.StartTime.IsZero() {
		return
	}
	if rec.EndTime.Before(rec.StartTime) {
		rec.StartTime = rec.EndTime
	}
}

func keyOf(rec *Record) string {
	if !rec.SubmissionKey.IsZero() {
		return "submission " + rec.SubmissionKey.Hex()
	}
	return "request " + rec.RequestID.String()
}
