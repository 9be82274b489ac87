// Package bus carries occurrences over a watermill transport so several timer
// processes can share one chain subscription.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

const DefaultTopicPrefix = "vrf"

// Topic returns the topic an occurrence kind is published on.
func Topic(prefix string, kind occurrence.Kind) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "." + kind.String()
}

// Envelope is the wire form of an occurrence.
type Envelope struct {
	Kind           string             `json:"kind"`
	Marker         uint64             `json:"marker"`
	TxHash         occurrence.Hash    `json:"tx_hash"`
	LogIndex       uint               `json:"log_index"`
	RequestID      occurrence.Word    `json:"request_id"`
	Initiator      occurrence.Address `json:"initiator"`
	Result         occurrence.Word    `json:"result"`
	SequenceMarker uint64             `json:"sequence_marker,omitempty"`
	ObservedAtMs   int64              `json:"observed_at_ms,omitempty"`
}

var occurrenceNamespace = uuid.MustParse("6f1d3c52-86a3-4b57-9f0e-4a8a3c1b2e71")

// MessageID derives a stable id from the log position so redelivered logs keep
// the same message id.
func MessageID(occ occurrence.Occurrence) string {
	at := occ.Where()
	return uuid.NewSHA1(occurrenceNamespace, []byte(fmt.Sprintf("%s/%s/%d", occ.Kind(), at.TxHash.Hex(), at.LogIndex))).String()
}

func Encode(occ occurrence.Occurrence) (*message.Message, error) {
	var env Envelope
	switch o := occ.(type) {
	case occurrence.Requested:
		env = Envelope{
			Kind:      o.Kind().String(),
			Marker:    o.At.Marker,
			TxHash:    o.At.TxHash,
			LogIndex:  o.At.LogIndex,
			RequestID: o.RequestID,
			Initiator: o.Initiator,
		}
	case occurrence.Fulfilled:
		env = Envelope{
			Kind:           o.Kind().String(),
			Marker:         o.At.Marker,
			TxHash:         o.At.TxHash,
			LogIndex:       o.At.LogIndex,
			RequestID:      o.RequestID,
			Result:         o.Result,
			SequenceMarker: o.SequenceMarker,
		}
		if !o.ObservedAt.IsZero() {
			env.ObservedAtMs = o.ObservedAt.UnixMilli()
		}
	default:
		return nil, errors.Errorf("cannot encode occurrence %T", occ)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode occurrence")
	}
	msg := message.NewMessage(MessageID(occ), payload)
	msg.Metadata.Set("kind", env.Kind)
	return msg, nil
}

func Decode(payload []byte) (occurrence.Occurrence, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Wrap(err, "decode occurrence")
	}
	kind, err := occurrence.ParseKind(env.Kind)
	if err != nil {
		return nil, err
	}
	at := occurrence.Position{Marker: env.Marker, TxHash: env.TxHash, LogIndex: env.LogIndex}
	switch kind {
	case occurrence.KindRequested:
		return occurrence.Requested{At: at, RequestID: env.RequestID, Initiator: env.Initiator}, nil
	default:
		f := occurrence.Fulfilled{At: at, RequestID: env.RequestID, Result: env.Result, SequenceMarker: env.SequenceMarker}
		if env.ObservedAtMs != 0 {
			f.ObservedAt = time.UnixMilli(env.ObservedAtMs)
		}
		return f, nil
	}
}
