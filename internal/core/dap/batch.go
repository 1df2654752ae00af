package dap

import "time"

// BatchState is the lifecycle of a Batch (spec.md §3/§4.8): Open accepts new
// jobs, Closing accepts no more but has outstanding jobs, Closed is terminal
// and irreversible.
type BatchState string

const (
	BatchOpen    BatchState = "Open"
	BatchClosing BatchState = "Closing"
	BatchClosed  BatchState = "Closed"
)

// Batch is a unit of collection: either a fixed-size batch identified by a
// random batch id, or a time-interval window identified by its aligned
// start timestamp.
type Batch struct {
	TaskID           string
	BatchIdentifier  string // batch id (fixed-size) or formatted window start (time-interval)
	AggregationParam []byte

	State                      BatchState
	OutstandingAggregationJobs int

	MinClientTimestamp time.Time
	MaxClientTimestamp time.Time
}

// Closeable reports whether the batch may transition Closing -> Closed: all
// jobs assigned to it have finished (spec.md §3 Batch).
func (b *Batch) Closeable() bool {
	return b.State == BatchClosing && b.OutstandingAggregationJobs == 0
}

// OutstandingBatch is a not-yet-closed fixed-size batch with an achievable
// size range given currently assigned reports (spec.md §3).
type OutstandingBatch struct {
	TaskID          string
	BatchIdentifier string
	MinSize         int
	MaxSize         int
}

// BatchAggregation is one shard of a batch's accumulated aggregate
// (spec.md §3). The true batch aggregate is the sum over all shards of one
// (task, batch, aggregation_param); see Testable Property 5.
type BatchAggregation struct {
	TaskID           string
	BatchIdentifier  string
	AggregationParam []byte
	Ord              int

	AggregateShare []byte // VDAF-encoded partial aggregate share
	ReportCount    int64
	Checksum       [32]byte // XOR of SHA-256(report_id) over included reports

	MinClientTimestamp time.Time
	MaxClientTimestamp time.Time
}
