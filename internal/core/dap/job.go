package dap

import "time"

// AggregationJobState is the top-level state of an AggregationJob
// (spec.md §3/§4.8).
type AggregationJobState string

const (
	AggregationJobInProgress AggregationJobState = "InProgress"
	AggregationJobFinished   AggregationJobState = "Finished"
	AggregationJobAbandoned  AggregationJobState = "Abandoned"
)

// AggregationJob packs a set of reports for one VDAF preparation round-trip
// with the helper. PartialBatchID is the batch identifier for fixed-size
// tasks, or the empty string ("unit") for time-interval tasks.
type AggregationJob struct {
	TaskID           string
	JobID            string
	AggregationParam []byte
	PartialBatchID   string

	MinClientTimestamp time.Time
	MaxClientTimestamp time.Time // per spec.md §4.3: interval is [min, max-min+1s)

	Step  int
	State AggregationJobState
}

// ClientTimestampInterval returns the [start, end) interval this job's
// reports span, per the §4.3 packing rule: end = max - min + 1s.
func (j *AggregationJob) ClientTimestampInterval() (time.Time, time.Time) {
	return j.MinClientTimestamp, j.MaxClientTimestamp.Add(time.Second)
}

// ReportAggregationState is the per-report leader-side VDAF preparation
// state (spec.md §3/§4.8).
type ReportAggregationState string

const (
	ReportAggregationStartLeader   ReportAggregationState = "StartLeader"
	ReportAggregationWaitingLeader ReportAggregationState = "WaitingLeader"
	ReportAggregationWaitingHelper ReportAggregationState = "WaitingHelper"
	ReportAggregationFinished      ReportAggregationState = "Finished"
	ReportAggregationFailed        ReportAggregationState = "Failed"
)

// ReportAggregation is one report's progress through a job's VDAF rounds.
// Exactly one of the State-dependent fields below is meaningful at a time;
// State says which.
type ReportAggregation struct {
	TaskID          string
	JobID           string
	ReportID        string
	Ord             int // ordinal within the job, for deterministic response matching
	ClientTimestamp time.Time

	State ReportAggregationState

	// StartLeader fields.
	PublicShare               []byte
	LeaderExtensions          []Extension
	LeaderInputShare          []byte
	HelperEncryptedInputShare []byte

	// WaitingLeader fields: opaque leader-side VDAF transition state,
	// produced by leader_continued and consumed on the next continue step,
	// plus the helper's most recent prepare message, held until that next
	// continue step calls leader_continued(Transition, aggParam,
	// PendingHelperMessage) to produce the following round's outgoing
	// message.
	Transition           []byte
	PendingHelperMessage []byte

	// WaitingHelper field: never legal for a leader-driven job (spec.md
	// §4.6 step 2); kept so the state enum is exhaustive and internal
	// errors can name it.
	HelperPrepState []byte

	// Finished field.
	OutputShare []byte

	// Failed field.
	PrepareError PrepareErrorKind
}

// Terminal reports whether the report aggregation has reached a state from
// which it can no longer transition (spec.md §4.6 step 8).
func (ra *ReportAggregation) Terminal() bool {
	return ra.State == ReportAggregationFinished || ra.State == ReportAggregationFailed
}
