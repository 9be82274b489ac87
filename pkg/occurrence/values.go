package occurrence

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// Word is an unsigned 256-bit value in big-endian byte order.
//
// Request ids and results emitted by the oracle contract are uint256 values. Word
// keeps them comparable by value so they can be used directly as map keys.
type Word [32]byte

// Address is a 20-byte account address.
type Address [20]byte

// Hash is a 32-byte transaction or block hash.
type Hash [32]byte

var maxWord = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func WordFromUint64(v uint64) Word {
	var w Word
	for i := 0; i < 8; i++ {
		w[31-i] = byte(v >> (8 * i))
	}
	return w
}

func WordFromBig(v *big.Int) (Word, error) {
	var w Word
	if v == nil {
		return w, nil
	}
	if v.Sign() < 0 {
		return w, errors.Errorf("word: negative value %s", v.String())
	}
	if v.Cmp(maxWord) > 0 {
		return w, errors.Errorf("word: value %s overflows 256 bits", v.String())
	}
	v.FillBytes(w[:])
	return w, nil
}

// ParseWord accepts a decimal string or a 0x-prefixed hex quantity.
func ParseWord(s string) (Word, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Word{}, errors.New("word: empty string")
	}
	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if digits == "" {
			return Word{}, nil
		}
		_, ok = v.SetString(digits, 16)
	} else {
		_, ok = v.SetString(s, 10)
	}
	if !ok {
		return Word{}, errors.Errorf("word: invalid number %q", s)
	}
	return WordFromBig(v)
}

func (w Word) IsZero() bool { return w == Word{} }

func (w Word) Big() *big.Int { return new(big.Int).SetBytes(w[:]) }

func (w Word) Uint64() (uint64, bool) {
	for _, b := range w[:24] {
		if b != 0 {
			return 0, false
		}
	}
	var v uint64
	for _, b := range w[24:] {
		v = v<<8 | uint64(b)
	}
	return v, true
}

func (w Word) Cmp(o Word) int { return bytes.Compare(w[:], o[:]) }

func (w Word) String() string { return w.Big().String() }

func (w Word) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *Word) UnmarshalText(b []byte) error {
	parsed, err := ParseWord(string(b))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

func ParseAddress(s string) (Address, error) {
	var a Address
	if err := decodeFixedHex(s, a[:]); err != nil {
		return Address{}, errors.Wrap(err, "address")
	}
	return a, nil
}

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := decodeFixedHex(s, h[:]); err != nil {
		return Hash{}, errors.Wrap(err, "hash")
	}
	return h, nil
}

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func decodeFixedHex(s string, dst []byte) error {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*len(dst) {
		return errors.Errorf("expected %d hex digits, got %d", 2*len(dst), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return errors.Wrap(err, "invalid hex")
	}
	return nil
}
