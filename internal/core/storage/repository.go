// Package storage defines the Datastore contract the aggregation and
// collection drivers run against (spec.md §4.1). It has two
// implementations: postgres (the real adapter, internal/core/storage/postgres)
// and storagetest (an in-memory fake for unit and integration tests),
// mirroring the teacher's EventStore/postgres.Adapter split.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// RunInTx runs fn inside a single serializable transaction, retrying on
// serialization failures per the teacher's run_tx idiom (internal/core
// /storage/postgres transactional adapters), generalized from per-method
// prepared statements to one shared transaction boundary because a leader
// job's commit (spec.md §4.6 step 8) must apply the job, its report
// aggregations, and every touched batch aggregation atomically.
type RunInTx func(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

// Transaction is the set of operations available inside one RunInTx call.
// All reads and writes the drivers perform go through this interface so
// storagetest's in-memory fake and the postgres adapter present identical
// semantics to their callers.
type Transaction interface {
	// Reports

	GetUnaggregatedClientReportIDsForTask(ctx context.Context, taskID string, limit int) ([]string, error)
	GetReport(ctx context.Context, taskID, reportID string) (*dap.Report, error)
	PutReport(ctx context.Context, report *dap.Report) error
	MarkReportsAggregating(ctx context.Context, taskID string, reportIDs []string) error
	ScrubClientReport(ctx context.Context, taskID, reportID string) error

	// Aggregation jobs

	PutAggregationJob(ctx context.Context, job *dap.AggregationJob) error
	GetAggregationJob(ctx context.Context, taskID, jobID string) (*dap.AggregationJob, error)
	UpdateAggregationJob(ctx context.Context, job *dap.AggregationJob) error

	// Report aggregations

	PutReportAggregations(ctx context.Context, reportAggregations []*dap.ReportAggregation) error
	GetReportAggregationsForJob(ctx context.Context, taskID, jobID string) ([]*dap.ReportAggregation, error)
	UpdateReportAggregations(ctx context.Context, reportAggregations []*dap.ReportAggregation) error

	// Batches and outstanding batches

	GetOutstandingBatchesForTask(ctx context.Context, taskID string, maxSize int) ([]*dap.OutstandingBatch, error)
	PutOutstandingBatch(ctx context.Context, taskID, batchIdentifier string) error
	DeleteOutstandingBatch(ctx context.Context, taskID, batchIdentifier string) error
	AcquireFilledOutstandingBatch(ctx context.Context, taskID string, minSize int) (string, error)

	GetBatch(ctx context.Context, taskID, batchIdentifier string, aggregationParam []byte) (*dap.Batch, error)
	PutBatch(ctx context.Context, batch *dap.Batch) error
	UpdateBatch(ctx context.Context, batch *dap.Batch) error

	// Batch aggregations (accumulator flush target)

	GetBatchAggregationsForBatch(ctx context.Context, taskID, batchIdentifier string, aggregationParam []byte) ([]*dap.BatchAggregation, error)
	IncrementBatchAggregationShard(ctx context.Context, delta *dap.BatchAggregation) error

	// Collection jobs

	GetCollectionJob(ctx context.Context, taskID, jobID string) (*dap.CollectionJob, error)
	PutCollectionJob(ctx context.Context, job *dap.CollectionJob) error
	UpdateCollectionJob(ctx context.Context, job *dap.CollectionJob) error

	// Leases

	AcquireLeases(ctx context.Context, kind dap.ResourceKind, now time.Time, leaseFor time.Duration, maxLeases int) ([]*dap.Lease, error)
	ReleaseLease(ctx context.Context, lease *dap.Lease) error
	UpdateLease(ctx context.Context, lease *dap.Lease) error
}

// Datastore is the top-level handle a binary builds once at startup and
// passes to every component that needs transactional storage access.
type Datastore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}
