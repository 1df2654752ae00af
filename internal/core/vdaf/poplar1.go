package vdaf

import (
	"encoding/binary"
	"fmt"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/shopspring/decimal"
)

// Poplar1 is a 2-round VDAF: the first round exchanges correction-word
// shares for the declared prefix (the aggregation parameter), the second
// round exchanges the check-share needed to confirm the prefix evaluation
// before the leader trusts its own count share (spec.md §8 S2: "Poplar-like
// VDAF with one extra round"). The aggregate is a per-prefix count, same
// shape as Prio3Count's output.
type Poplar1 struct{}

func (Poplar1) ID() dap.VdafID { return dap.VdafPoplar1 }
func (Poplar1) Rounds() int    { return 2 }

// Poplar1's Transition encodes the leader's own running count share,
// carried from round 1 to round 2.
func encodePoplarTransition(countShare []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(countShare)))
	return append(lenBuf[:], countShare...)
}

func decodePoplarTransition(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("poplar1: truncated transition")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, fmt.Errorf("poplar1: truncated transition payload")
	}
	return b[:n], nil
}

func (Poplar1) LeaderInitialized(_ []byte, _ []byte, _ []byte, _ []byte, leaderInputShare []byte) (Step, error) {
	if _, err := decodeDecimal(leaderInputShare); err != nil {
		return Step{}, fmt.Errorf("poplar1: decode input share: %v: %w", err, ErrMalformedInputShare)
	}
	// Round 1 message: the leader's correction-word share, here just the
	// input share itself; the real check-share calculation is the
	// out-of-scope VDAF mathematics.
	return Step{
		Kind:            StepContinue,
		OutgoingMessage: leaderInputShare,
		Transition:      encodePoplarTransition(leaderInputShare),
	}, nil
}

func (Poplar1) LeaderContinued(transition []byte, _ []byte, helperMessage []byte) (Step, error) {
	countShareBytes, err := decodePoplarTransition(transition)
	if err != nil {
		return Step{}, err
	}
	countShare, err := decodeDecimal(countShareBytes)
	if err != nil {
		return Step{}, fmt.Errorf("poplar1: decode carried count share: %w", err)
	}

	// Round 2: the helper's message confirms validity (and, in a real
	// implementation, whether the check shares are consistent). We treat
	// any non-empty helper message as confirmation and finish with the
	// leader's own count share.
	if len(helperMessage) == 0 {
		return Step{}, fmt.Errorf("poplar1: empty round-2 helper message")
	}

	return Step{
		Kind:            StepFinished,
		OutgoingMessage: helperMessage,
		OutputShare:     encodeDecimal(countShare),
	}, nil
}

func (Poplar1) MergeAggregateShares(_ []byte, current, incoming []byte) ([]byte, error) {
	return mergeScalar(current, incoming)
}

func (Poplar1) ZeroAggregateShare(_ []byte) []byte { return encodeDecimal(decimal.Zero) }
