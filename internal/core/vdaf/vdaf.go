// Package vdaf defines the Verifiable Distributed Aggregation Function
// capability set the leader-side pipeline needs (spec.md §9 Design Note:
// "a Vdaf capability set ... selected at task-load time", modeled as a
// tagged enum/registry rather than static generics or macro dispatch).
//
// The actual zero-knowledge proof systems behind Prio3/Poplar1 are out of
// scope (spec.md §1: "the VDAF mathematics themselves (provided by an
// external VDAF library)"); these implementations carry the state-machine
// shape (init/continue rounds, aggregate-share merge) that the leader
// pipeline depends on, with simplified arithmetic standing in for the real
// field/circuit operations.
package vdaf

import (
	"fmt"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
)

// StepKind distinguishes "another round is needed" from "this side is
// already finished", mirroring spec.md §4.6's ContinuedValue variants
// (WithMessage / FinishedNoMessage) and extending the same shape to the
// init round so the driver can treat init and continue rounds uniformly.
type StepKind int

const (
	StepContinue StepKind = iota
	StepFinished
)

// Step is the result of evaluating one VDAF preparation round on the
// leader's side.
type Step struct {
	Kind StepKind

	// OutgoingMessage is always populated: the prep message this round
	// sends to the helper.
	OutgoingMessage []byte

	// Transition is the opaque next-round prep state, valid when
	// Kind == StepContinue. It is exactly what spec.md §4.6 step 4 calls
	// "its stored transition" on a WaitingLeader report aggregation.
	Transition []byte

	// OutputShare is valid when Kind == StepFinished.
	OutputShare []byte
}

// Vdaf is the capability set a task's VdafID resolves to. Implementations
// are registered in Registry and looked up once at task-load time; nothing
// downstream branches on VDAF identity again.
type Vdaf interface {
	ID() dap.VdafID

	// Rounds is the number of leader<->helper message exchanges this VDAF
	// needs before every report aggregation reaches a terminal state
	// (spec.md §3 AggregationJob: "round count bounded by VDAF").
	Rounds() int

	// LeaderInitialized evaluates the first preparation round. nonce is
	// the report id, used as the VDAF's per-report binding value.
	LeaderInitialized(verifyKey, aggParam, nonce, publicShare, leaderInputShare []byte) (Step, error)

	// LeaderContinued evaluates a later preparation round, given the prep
	// state carried forward from the previous Step.Transition and the
	// helper's response message for this round.
	LeaderContinued(transition, aggParam, helperMessage []byte) (Step, error)

	// MergeAggregateShares folds incoming into current, both VDAF-encoded
	// aggregate shares for the same aggregation parameter (spec.md §3
	// BatchAggregation invariant: "the true batch aggregate is the sum of
	// shards").
	MergeAggregateShares(aggParam, current, incoming []byte) ([]byte, error)

	// ZeroAggregateShare returns the identity element for
	// MergeAggregateShares under this aggregation parameter.
	ZeroAggregateShare(aggParam []byte) []byte
}

// Registry maps a task's VdafID to its capability set, the same shape as
// the teacher's aggregation-operator registry (internal/core/aggregation
// .Operators in the teacher repo): a single map lookup on the hot path,
// no type switch.
var Registry = map[dap.VdafID]Vdaf{
	dap.VdafPrio3Count:     Prio3Count{},
	dap.VdafPrio3Sum:       Prio3Sum{},
	dap.VdafPrio3Histogram: Prio3Histogram{},
	dap.VdafPrio3SumVec:    Prio3SumVec{},
	dap.VdafPoplar1:        Poplar1{},
}

// For looks up the capability set for a VdafID.
func For(id dap.VdafID) (Vdaf, error) {
	v, ok := Registry[id]
	if !ok {
		return nil, fmt.Errorf("vdaf: unsupported vdaf id %q", id)
	}
	return v, nil
}
