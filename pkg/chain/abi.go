package chain

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

const (
	RequestedEvent  = "RandomNumberRequested(address,uint256)"
	FulfilledEvent  = "RandomnessFulfilled(uint256,uint256,uint256,uint256)"
	RequestFunction = "requestRandomNumber()"
)

var (
	RequestedTopic = occurrence.Hash(keccak(RequestedEvent))
	FulfilledTopic = occurrence.Hash(keccak(FulfilledEvent))
)

var ErrUnknownEvent = errors.New("log does not match a known event")

func keccak(s string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(s))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RequestCalldata is the input for a requestRandomNumber() call.
func RequestCalldata() []byte {
	sel := keccak(RequestFunction)
	return append([]byte(nil), sel[:4]...)
}

func TopicFor(kind occurrence.Kind) (occurrence.Hash, error) {
	switch kind {
	case occurrence.KindRequested:
		return RequestedTopic, nil
	case occurrence.KindFulfilled:
		return FulfilledTopic, nil
	default:
		return occurrence.Hash{}, errors.Errorf("no topic for kind %s", kind)
	}
}

// Log is a decoded eth log entry.
type Log struct {
	Address     occurrence.Address
	Topics      []occurrence.Hash
	Data        []byte
	BlockNumber uint64
	TxHash      occurrence.Hash
	LogIndex    uint
	Removed     bool
}

type rpcLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

func (l rpcLog) decode() (Log, error) {
	var out Log
	var err error
	if out.Address, err = occurrence.ParseAddress(l.Address); err != nil {
		return Log{}, err
	}
	for _, t := range l.Topics {
		h, err := occurrence.ParseHash(t)
		if err != nil {
			return Log{}, err
		}
		out.Topics = append(out.Topics, h)
	}
	if out.Data, err = decodeData(l.Data); err != nil {
		return Log{}, err
	}
	if l.BlockNumber != "" {
		if out.BlockNumber, err = decodeQuantity(l.BlockNumber); err != nil {
			return Log{}, err
		}
	}
	if l.TxHash != "" {
		if out.TxHash, err = occurrence.ParseHash(l.TxHash); err != nil {
			return Log{}, err
		}
	}
	if l.LogIndex != "" {
		idx, err := decodeQuantity(l.LogIndex)
		if err != nil {
			return Log{}, err
		}
		out.LogIndex = uint(idx)
	}
	out.Removed = l.Removed
	return out, nil
}

// DecodeLog maps a contract log to an occurrence.
func DecodeLog(l Log) (occurrence.Occurrence, error) {
	if len(l.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	at := occurrence.Position{Marker: l.BlockNumber, TxHash: l.TxHash, LogIndex: l.LogIndex}
	switch l.Topics[0] {
	case RequestedTopic:
		if len(l.Topics) < 2 {
			return nil, errors.New("requested log: missing indexed initiator")
		}
		words, err := splitWords(l.Data, 1)
		if err != nil {
			return nil, errors.Wrap(err, "requested log")
		}
		var initiator occurrence.Address
		copy(initiator[:], l.Topics[1][12:])
		return occurrence.Requested{At: at, RequestID: words[0], Initiator: initiator}, nil

	case FulfilledTopic:
		words, err := splitWords(l.Data, 4)
		if err != nil {
			return nil, errors.Wrap(err, "fulfilled log")
		}
		marker, ok := words[2].Uint64()
		if !ok {
			return nil, errors.New("fulfilled log: block number overflows")
		}
		secs, ok := words[3].Uint64()
		if !ok || secs > 1<<62 {
			return nil, errors.New("fulfilled log: timestamp overflows")
		}
		return occurrence.Fulfilled{
			At:             at,
			RequestID:      words[0],
			Result:         words[1],
			SequenceMarker: marker,
			ObservedAt:     time.Unix(int64(secs), 0),
		}, nil

	default:
		return nil, ErrUnknownEvent
	}
}

func splitWords(data []byte, n int) ([]occurrence.Word, error) {
	if len(data) < n*32 {
		return nil, errors.Errorf("data has %d bytes, want %d", len(data), n*32)
	}
	out := make([]occurrence.Word, n)
	for i := range out {
		copy(out[i][:], data[i*32:(i+1)*32])
	}
	return out, nil
}
