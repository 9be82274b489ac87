package chain

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func encodeQuantity(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

func decodeQuantity(s string) (uint64, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if raw == "" {
		return 0, errors.Errorf("empty quantity %q", s)
	}
	n, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "decode quantity %q", s)
	}
	return n, nil
}

func encodeData(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func decodeData(s string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw)%2 == 1 {
		raw = "0" + raw
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode data %q", s)
	}
	return b, nil
}
