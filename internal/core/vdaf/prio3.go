package vdaf

import (
	"fmt"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/shopspring/decimal"
)

// Prio3Count is a 1-round VDAF over a single boolean measurement: the
// aggregate is the count of true measurements (spec.md §8 S1).
//
// Real Prio3 runs a zero-knowledge circuit check across one message
// exchange before the leader trusts its own input share as final; that
// check is the out-of-scope "VDAF mathematics" (spec.md §1). Here the
// leader's input share is trusted directly and the one exchanged message
// plays the role of the verifier share, so the state-machine shape (one
// round, then Finished) matches the real protocol.
type Prio3Count struct{}

func (Prio3Count) ID() dap.VdafID { return dap.VdafPrio3Count }
func (Prio3Count) Rounds() int    { return 1 }

func (Prio3Count) LeaderInitialized(_ []byte, _ []byte, _ []byte, _ []byte, leaderInputShare []byte) (Step, error) {
	d, err := decodeDecimal(leaderInputShare)
	if err != nil {
		return Step{}, fmt.Errorf("prio3count: decode input share: %v: %w", err, ErrMalformedInputShare)
	}
	if !d.Equal(decimal.Zero) && !d.Equal(decimal.NewFromInt(1)) {
		return Step{}, fmt.Errorf("prio3count: input share out of range: %w", ErrMalformedInputShare)
	}
	return Step{
		Kind:            StepFinished,
		OutgoingMessage: leaderInputShare,
		OutputShare:     encodeDecimal(d),
	}, nil
}

func (Prio3Count) LeaderContinued(_ []byte, _ []byte, _ []byte) (Step, error) {
	return Step{}, fmt.Errorf("prio3count: no continuation round exists")
}

func (Prio3Count) MergeAggregateShares(_ []byte, current, incoming []byte) ([]byte, error) {
	return mergeScalar(current, incoming)
}

func (Prio3Count) ZeroAggregateShare(_ []byte) []byte { return encodeDecimal(decimal.Zero) }

// Prio3Sum is a 1-round VDAF over a bounded integer measurement: the
// aggregate is the sum.
type Prio3Sum struct{}

func (Prio3Sum) ID() dap.VdafID { return dap.VdafPrio3Sum }
func (Prio3Sum) Rounds() int    { return 1 }

func (Prio3Sum) LeaderInitialized(_ []byte, _ []byte, _ []byte, _ []byte, leaderInputShare []byte) (Step, error) {
	d, err := decodeDecimal(leaderInputShare)
	if err != nil {
		return Step{}, fmt.Errorf("prio3sum: decode input share: %v: %w", err, ErrMalformedInputShare)
	}
	return Step{
		Kind:            StepFinished,
		OutgoingMessage: leaderInputShare,
		OutputShare:     encodeDecimal(d),
	}, nil
}

func (Prio3Sum) LeaderContinued(_ []byte, _ []byte, _ []byte) (Step, error) {
	return Step{}, fmt.Errorf("prio3sum: no continuation round exists")
}

func (Prio3Sum) MergeAggregateShares(_ []byte, current, incoming []byte) ([]byte, error) {
	return mergeScalar(current, incoming)
}

func (Prio3Sum) ZeroAggregateShare(_ []byte) []byte { return encodeDecimal(decimal.Zero) }

func mergeScalar(current, incoming []byte) ([]byte, error) {
	c, err := decodeDecimal(current)
	if err != nil {
		return nil, fmt.Errorf("merge: decode current: %w", err)
	}
	i, err := decodeDecimal(incoming)
	if err != nil {
		return nil, fmt.Errorf("merge: decode incoming: %w", err)
	}
	return encodeDecimal(c.Add(i)), nil
}

// Prio3Histogram is a 1-round VDAF whose measurement is a one-hot vector
// (the selected bucket) and whose aggregate is the per-bucket count
// vector. The aggregation parameter's first four bytes (big-endian) carry
// the bucket count.
type Prio3Histogram struct{}

func (Prio3Histogram) ID() dap.VdafID { return dap.VdafPrio3Histogram }
func (Prio3Histogram) Rounds() int    { return 1 }

func (Prio3Histogram) LeaderInitialized(_ []byte, aggParam []byte, _ []byte, _ []byte, leaderInputShare []byte) (Step, error) {
	v, err := decodeDecimalVector(leaderInputShare)
	if err != nil {
		return Step{}, fmt.Errorf("prio3histogram: decode input share: %v: %w", err, ErrMalformedInputShare)
	}
	if n := vectorLenFromParam(aggParam); len(v) != n {
		return Step{}, fmt.Errorf("prio3histogram: input share has %d buckets, task declares %d: %w", len(v), n, ErrMalformedInputShare)
	}
	return Step{
		Kind:            StepFinished,
		OutgoingMessage: leaderInputShare,
		OutputShare:     leaderInputShare,
	}, nil
}

func (Prio3Histogram) LeaderContinued(_ []byte, _ []byte, _ []byte) (Step, error) {
	return Step{}, fmt.Errorf("prio3histogram: no continuation round exists")
}

func (Prio3Histogram) MergeAggregateShares(_ []byte, current, incoming []byte) ([]byte, error) {
	return mergeVector(current, incoming)
}

func (Prio3Histogram) ZeroAggregateShare(aggParam []byte) []byte {
	return encodeDecimalVector(zeroVector(vectorLenFromParam(aggParam)))
}

// Prio3SumVec is a 1-round VDAF whose measurement and aggregate are both
// fixed-length vectors of bounded integers ("sum-vectors" in spec.md §1).
type Prio3SumVec struct{}

func (Prio3SumVec) ID() dap.VdafID { return dap.VdafPrio3SumVec }
func (Prio3SumVec) Rounds() int    { return 1 }

func (Prio3SumVec) LeaderInitialized(_ []byte, aggParam []byte, _ []byte, _ []byte, leaderInputShare []byte) (Step, error) {
	v, err := decodeDecimalVector(leaderInputShare)
	if err != nil {
		return Step{}, fmt.Errorf("prio3sumvec: decode input share: %v: %w", err, ErrMalformedInputShare)
	}
	if n := vectorLenFromParam(aggParam); len(v) != n {
		return Step{}, fmt.Errorf("prio3sumvec: input share has %d entries, task declares %d: %w", len(v), n, ErrMalformedInputShare)
	}
	return Step{
		Kind:            StepFinished,
		OutgoingMessage: leaderInputShare,
		OutputShare:     leaderInputShare,
	}, nil
}

func (Prio3SumVec) LeaderContinued(_ []byte, _ []byte, _ []byte) (Step, error) {
	return Step{}, fmt.Errorf("prio3sumvec: no continuation round exists")
}

func (Prio3SumVec) MergeAggregateShares(_ []byte, current, incoming []byte) ([]byte, error) {
	return mergeVector(current, incoming)
}

func (Prio3SumVec) ZeroAggregateShare(aggParam []byte) []byte {
	return encodeDecimalVector(zeroVector(vectorLenFromParam(aggParam)))
}

func mergeVector(current, incoming []byte) ([]byte, error) {
	c, err := decodeDecimalVector(current)
	if err != nil {
		return nil, fmt.Errorf("merge: decode current: %w", err)
	}
	i, err := decodeDecimalVector(incoming)
	if err != nil {
		return nil, fmt.Errorf("merge: decode incoming: %w", err)
	}
	if len(c) != len(i) {
		return nil, fmt.Errorf("merge: vector length mismatch %d != %d", len(c), len(i))
	}
	out := make([]decimal.Decimal, len(c))
	for idx := range c {
		out[idx] = c[idx].Add(i[idx])
	}
	return encodeDecimalVector(out), nil
}
