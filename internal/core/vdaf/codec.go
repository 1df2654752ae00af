package vdaf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Aggregate shares and prep messages are encoded as simple length-prefixed
// byte strings. No third-party binary codec appears anywhere in the
// retrieved pack for this kind of internal wire framing, so this uses
// encoding/binary directly rather than grounding on a library.

// ErrMalformedInputShare marks a LeaderInitialized failure as stemming
// from an un-decodable or wrongly-shaped input share, rather than a
// genuine VDAF preparation failure (spec.md §7 "Codec ... indicates
// malformed protocol message"). Callers use errors.Is against this to
// classify the failure as PrepareErrorInvalidMessage rather than
// PrepareErrorVdafPrepError.
var ErrMalformedInputShare = errors.New("vdaf: malformed input share")

func encodeDecimal(d decimal.Decimal) []byte {
	return []byte(d.String())
}

func decodeDecimal(b []byte) (decimal.Decimal, error) {
	return decimal.NewFromString(string(b))
}

func encodeDecimalVector(v []decimal.Decimal) []byte {
	var buf []byte
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	buf = append(buf, lenBuf[:]...)
	for _, d := range v {
		s := []byte(d.String())
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, s...)
	}
	return buf
}

func decodeDecimalVector(b []byte) ([]decimal.Decimal, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("vdaf: truncated vector header")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	out := make([]decimal.Decimal, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("vdaf: truncated vector entry %d", i)
		}
		entryLen := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < entryLen {
			return nil, fmt.Errorf("vdaf: truncated vector entry %d payload", i)
		}
		d, err := decimal.NewFromString(string(b[:entryLen]))
		if err != nil {
			return nil, fmt.Errorf("vdaf: decode vector entry %d: %w", i, err)
		}
		out = append(out, d)
		b = b[entryLen:]
	}
	return out, nil
}

func vectorLenFromParam(aggParam []byte) int {
	if len(aggParam) < 4 {
		return 1
	}
	return int(binary.BigEndian.Uint32(aggParam[:4]))
}

func zeroVector(n int) []decimal.Decimal {
	v := make([]decimal.Decimal, n)
	for i := range v {
		v[i] = decimal.Zero
	}
	return v
}
