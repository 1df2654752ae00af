package collection

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/core/storage/storagetest"
	"github.com/divviup/ppm-aggregator/internal/lease"
)

type fakeTasks struct {
	tasks map[string]*dap.Task
}

func (f *fakeTasks) Task(_ context.Context, taskID string) (*dap.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func countShard(reportID string, count int64, value int64, minTS, maxTS time.Time) *dap.BatchAggregation {
	sum := sha256.Sum256([]byte(reportID))
	return &dap.BatchAggregation{
		AggregateShare:     []byte(itoaShare(value)),
		ReportCount:        count,
		Checksum:           sum,
		MinClientTimestamp: minTS,
		MaxClientTimestamp: maxTS,
	}
}

func itoaShare(v int64) string {
	if v == 0 {
		return "0"
	}
	return "1"
}

func seedBatch(t *testing.T, store *storagetest.Store, taskID, batchID string, outstandingJobs int, shardReportCounts, shardValues []int64) {
	t.Helper()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		require.NoError(t, tx.PutBatch(ctx, &dap.Batch{
			TaskID:                     taskID,
			BatchIdentifier:            batchID,
			State:                      dap.BatchClosing,
			OutstandingAggregationJobs: outstandingJobs,
		}))
		for i, rc := range shardReportCounts {
			ba := countShard("r", rc, shardValues[i], time.Unix(1000, 0).UTC(), time.Unix(2000, 0).UTC())
			ba.TaskID = taskID
			ba.BatchIdentifier = batchID
			ba.Ord = i
			require.NoError(t, tx.IncrementBatchAggregationShard(ctx, ba))
		}
		return nil
	}))
}

func seedCollectionJob(t *testing.T, store *storagetest.Store, mgr *lease.Manager, taskID, jobID, batchID string) *dap.CollectionJob {
	t.Helper()
	job := &dap.CollectionJob{
		TaskID: taskID,
		JobID:  jobID,
		Query:  dap.CollectionQuery{BatchIdentifier: batchID},
		State:  dap.CollectionJobStart,
	}
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		if err := tx.PutCollectionJob(ctx, job); err != nil {
			return err
		}
		return mgr.Put(ctx, tx, &dap.Lease{
			ResourceKind: dap.ResourceCollectionJob,
			ResourceID:   dap.CollectionJobResourceID(taskID, jobID),
		})
	}))
	return job
}

func TestDriver_RunOnce_StaysAtStartUntilBatchDrains(t *testing.T) {
	store := storagetest.New()
	mgr := lease.New(store, time.Minute, 0, 5)
	tasks := &fakeTasks{tasks: map[string]*dap.Task{
		"task-1": {ID: "task-1", VdafID: dap.VdafPrio3Count},
	}}

	seedBatch(t, store, "task-1", "batch-1", 1, []int64{1}, []int64{1})
	seedCollectionJob(t, store, mgr, "task-1", "job-1", "batch-1")

	d := NewDriver(store, mgr, tasks, DriverParams{MaxConcurrentJobs: 10})
	acquired, err := d.RunOnce(context.Background(), time.Unix(100, 0).UTC())
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		job, err := tx.GetCollectionJob(ctx, "task-1", "job-1")
		require.NoError(t, err)
		require.Equal(t, dap.CollectionJobStart, job.State)
		return nil
	}))
}

func TestDriver_RunOnce_AdvancesThroughCollectableToFinished(t *testing.T) {
	store := storagetest.New()
	mgr := lease.New(store, time.Minute, 0, 5)
	tasks := &fakeTasks{tasks: map[string]*dap.Task{
		"task-1": {ID: "task-1", VdafID: dap.VdafPrio3Count},
	}}

	seedBatch(t, store, "task-1", "batch-1", 0, []int64{1, 1}, []int64{1, 1})
	seedCollectionJob(t, store, mgr, "task-1", "job-1", "batch-1")

	d := NewDriver(store, mgr, tasks, DriverParams{MaxConcurrentJobs: 10})

	acquired, err := d.RunOnce(context.Background(), time.Unix(100, 0).UTC())
	require.NoError(t, err)
	require.True(t, acquired)

	var job *dap.CollectionJob
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		job, err = tx.GetCollectionJob(ctx, "task-1", "job-1")
		return err
	}))
	require.Equal(t, dap.CollectionJobCollectable, job.State)

	// expire the lease again so RunOnce can re-acquire it for the second step
	store.PutLeaseForTest(&dap.Lease{
		ResourceKind: dap.ResourceCollectionJob,
		ResourceID:   dap.CollectionJobResourceID("task-1", "job-1"),
		Expiry:       time.Unix(0, 0).UTC(),
	})

	acquired, err = d.RunOnce(context.Background(), time.Unix(200, 0).UTC())
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		job, err := tx.GetCollectionJob(ctx, "task-1", "job-1")
		require.NoError(t, err)
		require.Equal(t, dap.CollectionJobFinished, job.State)
		require.Equal(t, int64(2), job.ReportCount)
		require.Equal(t, "2", string(job.LeaderAggregateShare))

		batch, err := tx.GetBatch(ctx, "task-1", "batch-1", nil)
		require.NoError(t, err)
		require.Equal(t, dap.BatchClosed, batch.State)
		return nil
	}))
}
