// Package collection implements the Collection Job Driver at its contract
// boundary only (spec.md §1/§2): it advances a CollectionJob from Start to
// Collectable once its target batches have drained their outstanding
// aggregation jobs, then from Collectable to Finished by combining those
// batches' BatchAggregation shards with Vdaf.MergeAggregateShares. Collector
// key unwrapping and the client-facing collect API that serves the finished
// share onward are named Non-goals (spec.md §1); LeaderAggregateShare is
// left as the raw VDAF-encoded combined share.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/core/vdaf"
	"github.com/divviup/ppm-aggregator/internal/lease"
)

// TaskProvider resolves a task by id, the same contract aggregation.Driver
// depends on.
type TaskProvider interface {
	Task(ctx context.Context, taskID string) (*dap.Task, error)
}

// BatchAggregationReader is the read surface a Driver needs to combine a
// batch's shards into one aggregate share. storage.Transaction satisfies it
// structurally; narrowed to an interface here per spec.md §1's contract-only
// boundary for this component.
type BatchAggregationReader interface {
	GetBatch(ctx context.Context, taskID, batchIdentifier string, aggregationParam []byte) (*dap.Batch, error)
	GetBatchAggregationsForBatch(ctx context.Context, taskID, batchIdentifier string, aggregationParam []byte) ([]*dap.BatchAggregation, error)
}

// DriverParams bounds one driver tick.
type DriverParams struct {
	MaxConcurrentJobs int
}

// Driver runs the Collection Job Driver state machine.
type Driver struct {
	ds     storage.Datastore
	leases *lease.Manager
	tasks  TaskProvider
	params DriverParams
}

// NewDriver builds a Driver.
func NewDriver(ds storage.Datastore, leases *lease.Manager, tasks TaskProvider, params DriverParams) *Driver {
	return &Driver{ds: ds, leases: leases, tasks: tasks, params: params}
}

// RunOnce acquires as many collection-job leases as params.MaxConcurrentJobs
// allows and drives each one step further, mirroring
// aggregation.Driver.RunOnce's return convention.
func (d *Driver) RunOnce(ctx context.Context, now time.Time) (bool, error) {
	leases, err := d.leases.Acquire(ctx, dap.ResourceCollectionJob, now, d.params.MaxConcurrentJobs)
	if err != nil {
		return false, fmt.Errorf("collection driver: acquire leases: %w", err)
	}
	if len(leases) == 0 {
		return false, nil
	}

	for _, l := range leases {
		if err := d.processLease(ctx, l); err != nil {
			if d.leases.Exhausted(l) {
				slog.Error("collection job abandoned after exhausting attempts", "resource_id", l.ResourceID, "error", err)
				d.abandon(ctx, l)
				continue
			}
			slog.Warn("collection job step failed, leaving lease to expire and retry", "resource_id", l.ResourceID, "attempts", l.Attempts, "error", err)
		}
	}
	return true, nil
}

func splitResourceID(resourceID string) (taskID, jobID string) {
	i := strings.IndexByte(resourceID, '/')
	if i < 0 {
		return resourceID, ""
	}
	return resourceID[:i], resourceID[i+1:]
}

func (d *Driver) processLease(ctx context.Context, l *dap.Lease) error {
	taskID, jobID := splitResourceID(l.ResourceID)

	task, err := d.tasks.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("collection driver: load task %q: %w", taskID, err)
	}
	v, err := vdaf.For(task.VdafID)
	if err != nil {
		return fmt.Errorf("collection driver: resolve vdaf for task %q: %w", taskID, err)
	}

	var job *dap.CollectionJob
	err = d.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		var err error
		job, err = tx.GetCollectionJob(ctx, taskID, jobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("collection driver: load job %q: %w", jobID, err)
	}

	switch job.State {
	case dap.CollectionJobFinished, dap.CollectionJobAbandoned, dap.CollectionJobDeleted:
		return d.leases.Release(ctx, l)
	case dap.CollectionJobStart:
		return d.advanceToCollectable(ctx, task, job, l)
	case dap.CollectionJobCollectable:
		return d.combine(ctx, task, v, job, l)
	default:
		return dap.NewInternalError(fmt.Sprintf("collection job %q in unknown state %q", jobID, job.State), nil)
	}
}

func (d *Driver) abandon(ctx context.Context, l *dap.Lease) {
	taskID, jobID := splitResourceID(l.ResourceID)
	_ = d.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		job, err := tx.GetCollectionJob(ctx, taskID, jobID)
		if err != nil {
			return err
		}
		job.State = dap.CollectionJobAbandoned
		if err := tx.UpdateCollectionJob(ctx, job); err != nil {
			return err
		}
		return tx.ReleaseLease(ctx, l)
	})
}

// resolveBatchIdentifiers returns the batch identifiers a query targets,
// given the task's windowing scheme. It returns nil for an unresolved
// "current batch" query: that case is resolved (and persisted onto
// job.Query) by resolveCurrentBatch before this is ever called.
func resolveBatchIdentifiers(task *dap.Task, job *dap.CollectionJob) []string {
	q := job.Query
	if q.BatchIdentifier != "" {
		return []string{q.BatchIdentifier}
	}
	if !q.IntervalStart.IsZero() && !q.IntervalEnd.IsZero() {
		var ids []string
		for w := task.TruncateToPrecision(q.IntervalStart); w.Before(q.IntervalEnd); w = w.Add(task.TimePrecision) {
			ids = append(ids, w.Format(time.RFC3339))
		}
		return ids
	}
	return nil
}

// advanceToCollectable resolves the job's target batches and moves it to
// Collectable once every one of them has no outstanding aggregation jobs
// left (spec.md §2: "once a batch reaches its size/time conditions and all
// constituent jobs are finished"). If the batches aren't ready yet, it
// leaves the lease to expire so another tick retries.
func (d *Driver) advanceToCollectable(ctx context.Context, task *dap.Task, job *dap.CollectionJob, l *dap.Lease) error {
	if job.Query.CurrentBatch && job.Query.BatchIdentifier == "" {
		resolved, err := d.resolveCurrentBatch(ctx, task, job)
		if err != nil {
			return err
		}
		if !resolved {
			return nil
		}
	}

	ids := resolveBatchIdentifiers(task, job)
	if len(ids) == 0 {
		return nil
	}

	ready, err := d.batchesReady(ctx, task, job, ids)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	job.State = dap.CollectionJobCollectable
	return d.commitJob(ctx, job, nil, false, l)
}

// resolveCurrentBatch implements the "current batch" query kind: it pulls
// whichever fixed-size outstanding batch has reached task.MinBatchSize and
// pins the job to it, turning the query into an ordinary batch-id query from
// then on. Returns false if no outstanding batch qualifies yet.
func (d *Driver) resolveCurrentBatch(ctx context.Context, task *dap.Task, job *dap.CollectionJob) (bool, error) {
	var resolved bool
	err := d.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		batchID, err := tx.AcquireFilledOutstandingBatch(ctx, task.ID, task.MinBatchSize)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		job.Query.BatchIdentifier = batchID
		resolved = true
		return tx.UpdateCollectionJob(ctx, job)
	})
	return resolved, err
}

func (d *Driver) batchesReady(ctx context.Context, task *dap.Task, job *dap.CollectionJob, ids []string) (bool, error) {
	ready := true
	err := d.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		for _, id := range ids {
			b, err := tx.GetBatch(ctx, task.ID, id, job.AggregationParam)
			if err == storage.ErrNotFound {
				ready = false
				return nil
			}
			if err != nil {
				return err
			}
			if b.OutstandingAggregationJobs > 0 {
				ready = false
				return nil
			}
		}
		return nil
	})
	return ready, err
}

// combine folds every target batch's BatchAggregation shards into one
// combined aggregate share via Vdaf.MergeAggregateShares, closes each target
// batch (spec.md §4.4's no-collected-batch invariant takes effect from this
// point on), and finishes the job.
func (d *Driver) combine(ctx context.Context, task *dap.Task, v vdaf.Vdaf, job *dap.CollectionJob, l *dap.Lease) error {
	ids := resolveBatchIdentifiers(task, job)
	if len(ids) == 0 {
		return dap.NewInternalError(fmt.Sprintf("collection job %q reached Collectable with no resolved batch identifiers", job.JobID), nil)
	}

	combinedShare := v.ZeroAggregateShare(job.AggregationParam)
	var reportCount int64
	var checksum [32]byte
	var closedBatches []*dap.Batch

	err := d.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		var reader BatchAggregationReader = tx
		for _, id := range ids {
			b, err := reader.GetBatch(ctx, task.ID, id, job.AggregationParam)
			if err != nil {
				return fmt.Errorf("collection driver: load batch %q: %w", id, err)
			}
			shards, err := reader.GetBatchAggregationsForBatch(ctx, task.ID, id, job.AggregationParam)
			if err != nil {
				return fmt.Errorf("collection driver: load batch aggregations %q: %w", id, err)
			}
			for _, shard := range shards {
				combinedShare, err = v.MergeAggregateShares(job.AggregationParam, combinedShare, shard.AggregateShare)
				if err != nil {
					return fmt.Errorf("collection driver: merge shard %d of batch %q: %w", shard.Ord, id, err)
				}
				reportCount += shard.ReportCount
				for i := range checksum {
					checksum[i] ^= shard.Checksum[i]
				}
			}
			b.State = dap.BatchClosed
			closedBatches = append(closedBatches, b)
		}
		return nil
	})
	if err != nil {
		return err
	}

	job.LeaderAggregateShare = combinedShare
	job.ReportCount = reportCount
	job.Checksum = checksum
	job.State = dap.CollectionJobFinished

	return d.commitJob(ctx, job, closedBatches, true, l)
}

func (d *Driver) commitJob(ctx context.Context, job *dap.CollectionJob, closedBatches []*dap.Batch, release bool, l *dap.Lease) error {
	return d.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		if err := tx.UpdateCollectionJob(ctx, job); err != nil {
			return err
		}
		for _, b := range closedBatches {
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
		}
		if release {
			return tx.ReleaseLease(ctx, l)
		}
		return nil
	})
}
