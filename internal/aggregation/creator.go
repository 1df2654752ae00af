package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/lease"
)

// CreatorParams bounds the packing algorithm (spec.md §4.3).
type CreatorParams struct {
	MinJobSize int
	MaxJobSize int
}

// Creator partitions a task's unaggregated reports into aggregation jobs
// and assigns each job to an open batch, respecting per-batch capacity
// (spec.md §4.3).
type Creator struct {
	ds     storage.Datastore
	leases *lease.Manager
	params CreatorParams
}

// NewCreator builds a Creator over ds. leases seeds one lease row per newly
// created aggregation job, the same "creation implicitly creates its lease
// row" contract collection.Service.CreateCollectionJob follows, so the
// Aggregation Job Driver has something to acquire on its next tick.
func NewCreator(ds storage.Datastore, leases *lease.Manager, params CreatorParams) *Creator {
	return &Creator{ds: ds, leases: leases, params: params}
}

// unaggregatedReport is the packing algorithm's view of one pending report.
type unaggregatedReport struct {
	ReportID                  string
	Ts                        time.Time
	PublicShare               []byte
	LeaderExtensions          []dap.Extension
	LeaderInputShare          []byte
	HelperEncryptedInputShare []byte
}

// packedJob is one job the algorithm has decided to create, along with the
// batch it attaches to and whether that batch already existed.
type packedJob struct {
	job              *dap.AggregationJob
	reportAggs       []*dap.ReportAggregation
	reportIDs        []string
	batchIdentifier  string
	batchPreExisting bool
}

// readWindow bounds how many unaggregated reports one RunOnce call
// considers; additional backlog is picked up on the next tick.
const readWindow = 100_000

// RunOnce drains as much of task's unaggregated-report pool as the packing
// algorithm allows into new jobs, in a single transaction (spec.md §4.3:
// "the entire packing + write is one transaction so either all jobs land or
// none do"). It returns whether any job was created, which the scheduler
// uses to decide between an immediate re-run and sleeping one interval.
func (c *Creator) RunOnce(ctx context.Context, task *dap.Task) (bool, error) {
	var created bool
	err := c.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		reportIDs, err := tx.GetUnaggregatedClientReportIDsForTask(ctx, task.ID, readWindow)
		if err != nil {
			return fmt.Errorf("creator: read unaggregated reports: %w", err)
		}
		if len(reportIDs) == 0 {
			return nil
		}

		reports := make([]unaggregatedReport, 0, len(reportIDs))
		for _, id := range reportIDs {
			r, err := tx.GetReport(ctx, task.ID, id)
			if err != nil {
				return fmt.Errorf("creator: load report %q: %w", id, err)
			}
			reports = append(reports, unaggregatedReport{
				ReportID:                  r.ReportID,
				Ts:                        r.ClientTimestamp,
				PublicShare:               r.PublicShare,
				LeaderExtensions:          r.LeaderExtensions,
				LeaderInputShare:          r.LeaderEncryptedInputShare,
				HelperEncryptedInputShare: r.HelperEncryptedInputShare,
			})
		}

		var packed []packedJob
		if task.QueryType == dap.QueryTypeFixedSize {
			packed, err = c.packFixedSize(ctx, tx, task, reports)
		} else {
			packed, err = c.packTimeInterval(task, reports)
		}
		if err != nil {
			return err
		}
		if len(packed) == 0 {
			return nil
		}

		if err := c.writePacked(ctx, tx, task, packed); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// packFixedSize implements spec.md §4.3's packing algorithm for fixed-size
// tasks: iterate existing outstanding batches, then an infinite stream of
// freshly-minted empty batches, filling each to task.FixedSize.MaxBatchSize.
func (c *Creator) packFixedSize(ctx context.Context, tx storage.Transaction, task *dap.Task, reports []unaggregatedReport) ([]packedJob, error) {
	outstanding, err := tx.GetOutstandingBatchesForTask(ctx, task.ID, task.FixedSize.MaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("creator: read outstanding batches: %w", err)
	}

	type candidate struct {
		identifier  string
		maxSoFar    int
		preExisting bool
	}
	candidates := make([]candidate, 0, len(outstanding)+1)
	for _, ob := range outstanding {
		candidates = append(candidates, candidate{identifier: ob.BatchIdentifier, maxSoFar: ob.MaxSize, preExisting: true})
	}

	var packed []packedJob
	idx, candIdx := 0, 0
	for idx < len(reports) {
		if candIdx >= len(candidates) {
			candidates = append(candidates, candidate{identifier: uuid.NewString(), preExisting: false})
		}
		cand := &candidates[candIdx]

		remaining := len(reports) - idx
		size := min3(remaining, c.params.MaxJobSize, task.FixedSize.MaxBatchSize-cand.maxSoFar)

		switch {
		case size >= c.params.MinJobSize && size > 0:
			packed = append(packed, newPackedJob(task, reports[idx:idx+size], cand.identifier, cand.preExisting))
			cand.maxSoFar += size
			idx += size
			// stay on the same batch

		case size > 0 && cand.maxSoFar < task.MinBatchSize && cand.maxSoFar+size >= task.MinBatchSize:
			packed = append(packed, newPackedJob(task, reports[idx:idx+size], cand.identifier, cand.preExisting))
			cand.maxSoFar += size
			idx += size
			candIdx++

		case cand.preExisting || cand.maxSoFar > 0:
			candIdx++

		default:
			// Freshly-minted, still-empty batch cannot take a job: stop
			// (spec.md §4.3 — "additional fresh batches would face identical
			// constraints").
			return packed, nil
		}
	}
	return packed, nil
}

// packTimeInterval implements the time-interval variant: "batch" is the
// time-precision-aligned window containing the report timestamp; the
// creator never crosses window boundaries within one job, MIN_JOB applies
// only to the latest window, and historical windows flush any remaining
// reports as a single job regardless of size (spec.md §4.3).
func (c *Creator) packTimeInterval(task *dap.Task, reports []unaggregatedReport) ([]packedJob, error) {
	byWindow := make(map[time.Time][]unaggregatedReport)
	var windowOrder []time.Time
	for _, r := range reports {
		w := task.TruncateToPrecision(r.Ts)
		if _, ok := byWindow[w]; !ok {
			windowOrder = append(windowOrder, w)
		}
		byWindow[w] = append(byWindow[w], r)
	}

	latest := windowOrder[0]
	for _, w := range windowOrder {
		if w.After(latest) {
			latest = w
		}
	}

	var packed []packedJob
	for _, w := range windowOrder {
		windowReports := byWindow[w]
		windowID := w.Format(time.RFC3339)
		historical := w.Before(latest)

		idx := 0
		for idx < len(windowReports) {
			remaining := len(windowReports) - idx
			size := min3(remaining, c.params.MaxJobSize, remaining)
			if !historical && size < c.params.MinJobSize {
				break // not enough left in the latest window yet; leave for next run
			}
			packed = append(packed, newPackedJob(task, windowReports[idx:idx+size], windowID, false))
			idx += size
		}
	}
	return packed, nil
}

func newPackedJob(task *dap.Task, reports []unaggregatedReport, batchIdentifier string, batchPreExisting bool) packedJob {
	job, aggs, ids := buildJob(task, reports, batchIdentifier)
	return packedJob{
		job:              job,
		reportAggs:       aggs,
		reportIDs:        ids,
		batchIdentifier:  batchIdentifier,
		batchPreExisting: batchPreExisting,
	}
}

// writePacked persists every packed job, its report aggregations, and the
// batch rows it touches, all within the caller's transaction.
func (c *Creator) writePacked(ctx context.Context, tx storage.Transaction, task *dap.Task, packed []packedJob) error {
	jobsPerBatch := make(map[string]int)
	for _, p := range packed {
		jobsPerBatch[p.batchIdentifier]++
	}

	handledBatch := make(map[string]bool)
	for _, p := range packed {
		if err := tx.MarkReportsAggregating(ctx, task.ID, p.reportIDs); err != nil {
			return fmt.Errorf("creator: mark reports aggregating: %w", err)
		}
		if err := tx.PutAggregationJob(ctx, p.job); err != nil {
			return fmt.Errorf("creator: put aggregation job %q: %w", p.job.JobID, err)
		}
		if err := tx.PutReportAggregations(ctx, p.reportAggs); err != nil {
			return fmt.Errorf("creator: put report aggregations: %w", err)
		}
		if err := c.leases.Put(ctx, tx, &dap.Lease{
			ResourceKind: dap.ResourceAggregationJob,
			ResourceID:   dap.AggregationJobResourceID(task.ID, p.job.JobID),
		}); err != nil {
			return fmt.Errorf("creator: seed lease for job %q: %w", p.job.JobID, err)
		}

		if handledBatch[p.batchIdentifier] {
			continue
		}
		handledBatch[p.batchIdentifier] = true

		if task.QueryType == dap.QueryTypeFixedSize {
			if err := c.settleFixedSizeBatch(ctx, tx, task, p, jobsPerBatch[p.batchIdentifier]); err != nil {
				return err
			}
			continue
		}

		if err := c.settleTimeIntervalBatch(ctx, tx, task, p, jobsPerBatch[p.batchIdentifier]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Creator) settleFixedSizeBatch(ctx context.Context, tx storage.Transaction, task *dap.Task, p packedJob, jobCount int) error {
	if p.batchPreExisting {
		if err := tx.DeleteOutstandingBatch(ctx, task.ID, p.batchIdentifier); err != nil {
			return fmt.Errorf("creator: delete outstanding batch %q: %w", p.batchIdentifier, err)
		}
		existing, err := tx.GetBatch(ctx, task.ID, p.batchIdentifier, nil)
		if err != nil {
			return fmt.Errorf("creator: get batch %q: %w", p.batchIdentifier, err)
		}
		existing.OutstandingAggregationJobs += jobCount
		if err := tx.UpdateBatch(ctx, existing); err != nil {
			return fmt.Errorf("creator: update batch %q: %w", p.batchIdentifier, err)
		}
		return nil
	}

	if err := tx.PutBatch(ctx, &dap.Batch{
		TaskID:                     task.ID,
		BatchIdentifier:            p.batchIdentifier,
		State:                      dap.BatchOpen,
		OutstandingAggregationJobs: jobCount,
	}); err != nil {
		return fmt.Errorf("creator: put batch %q: %w", p.batchIdentifier, err)
	}
	return tx.PutOutstandingBatch(ctx, task.ID, p.batchIdentifier)
}

func (c *Creator) settleTimeIntervalBatch(ctx context.Context, tx storage.Transaction, task *dap.Task, p packedJob, jobCount int) error {
	existing, err := tx.GetBatch(ctx, task.ID, p.batchIdentifier, nil)
	if err == storage.ErrNotFound {
		return tx.PutBatch(ctx, &dap.Batch{
			TaskID:                     task.ID,
			BatchIdentifier:            p.batchIdentifier,
			State:                      dap.BatchOpen,
			OutstandingAggregationJobs: jobCount,
		})
	}
	if err != nil {
		return fmt.Errorf("creator: get batch %q: %w", p.batchIdentifier, err)
	}
	existing.OutstandingAggregationJobs += jobCount
	return tx.UpdateBatch(ctx, existing)
}

func buildJob(task *dap.Task, reports []unaggregatedReport, batchIdentifier string) (*dap.AggregationJob, []*dap.ReportAggregation, []string) {
	jobID := dap.NewJobID()
	minTS, maxTS := reports[0].Ts, reports[0].Ts
	for _, r := range reports[1:] {
		if r.Ts.Before(minTS) {
			minTS = r.Ts
		}
		if r.Ts.After(maxTS) {
			maxTS = r.Ts
		}
	}

	job := &dap.AggregationJob{
		TaskID:             task.ID,
		JobID:              jobID,
		PartialBatchID:     batchIdentifier,
		MinClientTimestamp: minTS,
		MaxClientTimestamp: maxTS,
		Step:               0,
		State:              dap.AggregationJobInProgress,
	}

	aggs := make([]*dap.ReportAggregation, len(reports))
	ids := make([]string, len(reports))
	for i, r := range reports {
		aggs[i] = &dap.ReportAggregation{
			TaskID:                    task.ID,
			JobID:                     jobID,
			ReportID:                  r.ReportID,
			Ord:                       i,
			ClientTimestamp:           r.Ts,
			State:                     dap.ReportAggregationStartLeader,
			PublicShare:               r.PublicShare,
			LeaderExtensions:          r.LeaderExtensions,
			LeaderInputShare:          r.LeaderInputShare,
			HelperEncryptedInputShare: r.HelperEncryptedInputShare,
		}
		ids[i] = r.ReportID
	}
	return job, aggs, ids
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
