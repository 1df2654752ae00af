package dap

import "time"

// CollectionJobState is the lifecycle of a CollectionJob (spec.md §3).
type CollectionJobState string

const (
	CollectionJobStart       CollectionJobState = "Start"
	CollectionJobCollectable CollectionJobState = "Collectable"
	CollectionJobFinished    CollectionJobState = "Finished"
	CollectionJobAbandoned   CollectionJobState = "Abandoned"
	CollectionJobDeleted     CollectionJobState = "Deleted"
)

// CollectionQuery identifies what a CollectionJob collects: a time interval,
// a specific fixed-size batch, or "current batch" (the next outstanding
// batch meeting min_batch_size at collection time).
type CollectionQuery struct {
	IntervalStart   time.Time
	IntervalEnd     time.Time
	BatchIdentifier string
	CurrentBatch    bool
}

// CollectionJob is a collector's request to combine a batch's aggregate
// shares (spec.md §3). Its fulfillment is the Collection Job Driver's
// contract boundary (spec.md §1/§4, "contract only").
type CollectionJob struct {
	TaskID           string
	JobID            string
	Query            CollectionQuery
	AggregationParam []byte
	State            CollectionJobState

	// LeaderAggregateShare is populated once Finished: the leader's half of
	// the combined aggregate share, ready to be sent to the collector
	// alongside the helper's half (fetched over the collector-facing API,
	// which is out of scope here).
	LeaderAggregateShare []byte
	ReportCount          int64
	Checksum             [32]byte
}
