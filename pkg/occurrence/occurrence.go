// Package occurrence defines the two notification kinds emitted by the oracle
// contract and the source contracts that deliver them, either from a bounded
// historical block range or from a live push subscription.
package occurrence

import (
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindRequested Kind = iota + 1
	KindFulfilled
)

// Kinds lists every occurrence kind in processing order.
var Kinds = []Kind{KindRequested, KindFulfilled}

func (k Kind) String() string {
	switch k {
	case KindRequested:
		return "requested"
	case KindFulfilled:
		return "fulfilled"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "requested":
		return KindRequested, nil
	case "fulfilled":
		return KindFulfilled, nil
	default:
		return 0, errors.Errorf("unknown occurrence kind %q", s)
	}
}

// Position locates an occurrence in the chain.
type Position struct {
	Marker   uint64 // block number
	TxHash   Hash
	LogIndex uint
}

// Key identifies one emitted log; redelivery of the same log yields the same key.
type Key struct {
	TxHash   Hash
	LogIndex uint
}

func (p Position) Key() Key { return Key{TxHash: p.TxHash, LogIndex: p.LogIndex} }

// Less orders positions by block, then by log index.
func (p Position) Less(o Position) bool {
	if p.Marker != o.Marker {
		return p.Marker < o.Marker
	}
	if p.LogIndex != o.LogIndex {
		return p.LogIndex < o.LogIndex
	}
	return string(p.TxHash[:]) < string(o.TxHash[:])
}

// Occurrence is either a Requested or a Fulfilled value. The interface is sealed;
// consumers switch over the two concrete types.
type Occurrence interface {
	Kind() Kind
	Where() Position
	sealed()
}

// Requested is emitted when the contract accepts a request and assigns its id.
type Requested struct {
	At        Position
	RequestID Word
	Initiator Address
}

// Fulfilled is emitted when the oracle delivers the result for a request.
type Fulfilled struct {
	At        Position
	RequestID Word
	Result    Word
	// SequenceMarker and ObservedAt are the block number and block time the contract
	// recorded in the event payload.
	SequenceMarker uint64
	ObservedAt     time.Time
}

func (Requested) Kind() Kind        { return KindRequested }
func (r Requested) Where() Position { return r.At }
func (Requested) sealed()           {}

func (Fulfilled) Kind() Kind        { return KindFulfilled }
func (f Fulfilled) Where() Position { return f.At }
func (Fulfilled) sealed()           {}

// Partition splits a mixed batch into its two kinds, preserving input order.
func Partition(occs []Occurrence) ([]Requested, []Fulfilled) {
	var requested []Requested
	var fulfilled []Fulfilled
	for _, occ := range occs {
		switch o := occ.(type) {
		case Requested:
			requested = append(requested, o)
		case *Requested:
			if o != nil {
				requested = append(requested, *o)
			}
		case Fulfilled:
			fulfilled = append(fulfilled, o)
		case *Fulfilled:
			if o != nil {
				fulfilled = append(fulfilled, *o)
			}
		}
	}
	return requested, fulfilled
}

// Markers returns the distinct block markers referenced by occs, ascending.
func Markers(occs []Occurrence) []uint64 {
	seen := map[uint64]struct{}{}
	out := make([]uint64, 0, len(occs))
	for _, occ := range occs {
		if occ == nil {
			continue
		}
		m := occ.Where().Marker
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}
