package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/core/storage/storagetest"
	"github.com/divviup/ppm-aggregator/internal/core/vdaf"
)

func seedJob(t *testing.T, store *storagetest.Store, taskID, jobID, batchIdentifier string, reportIDs []string) {
	t.Helper()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		if err := tx.PutAggregationJob(ctx, &dap.AggregationJob{
			TaskID:         taskID,
			JobID:          jobID,
			PartialBatchID: batchIdentifier,
			State:          dap.AggregationJobInProgress,
		}); err != nil {
			return err
		}
		aggs := make([]*dap.ReportAggregation, len(reportIDs))
		for i, id := range reportIDs {
			aggs[i] = &dap.ReportAggregation{TaskID: taskID, JobID: jobID, ReportID: id, Ord: i, State: dap.ReportAggregationStartLeader}
		}
		return tx.PutReportAggregations(ctx, aggs)
	}))
}

func TestWriter_CommitStep_DemotesReportsInClosedBatch(t *testing.T) {
	store := storagetest.New()
	writer := NewWriter(store)
	taskID, jobID, batchID := "task-1", "job-1", "batch-closed"

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		return tx.PutBatch(ctx, &dap.Batch{TaskID: taskID, BatchIdentifier: batchID, State: dap.BatchClosed})
	}))

	seedJob(t, store, taskID, jobID, batchID, []string{"r1", "r2"})

	job := &dap.AggregationJob{TaskID: taskID, JobID: jobID, PartialBatchID: batchID, Step: 1, State: dap.AggregationJobFinished}
	aggs := []*dap.ReportAggregation{
		{TaskID: taskID, JobID: jobID, ReportID: "r1", Ord: 0, State: dap.ReportAggregationFinished},
		{TaskID: taskID, JobID: jobID, ReportID: "r2", Ord: 1, State: dap.ReportAggregationFinished},
	}
	acc := NewAccumulator(taskID, vdaf.Prio3Count{}, 1)
	require.NoError(t, acc.Update(batchID, nil, "r1", time.Now(), countInputShare(true)))

	batches := []*dap.Batch{{TaskID: taskID, BatchIdentifier: batchID, State: dap.BatchClosed}}
	require.NoError(t, writer.CommitStep(context.Background(), job, aggs, acc, batches, nil, nil))

	for _, ra := range aggs {
		require.Equal(t, dap.ReportAggregationFailed, ra.State)
		require.Equal(t, dap.PrepareErrorBatchCollected, ra.PrepareError)
	}

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		bas, err := tx.GetBatchAggregationsForBatch(ctx, taskID, batchID, nil)
		require.NoError(t, err)
		require.Empty(t, bas, "accumulator entries for a closed batch must never be flushed")
		return nil
	}))
}

func TestWriter_CommitStep_WritesThroughForOpenBatch(t *testing.T) {
	store := storagetest.New()
	writer := NewWriter(store)
	taskID, jobID, batchID := "task-1", "job-2", "batch-open"

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		if err := tx.PutBatch(ctx, &dap.Batch{TaskID: taskID, BatchIdentifier: batchID, State: dap.BatchOpen, OutstandingAggregationJobs: 1}); err != nil {
			return err
		}
		return tx.PutReport(ctx, &dap.Report{TaskID: taskID, ReportID: "r1", Lifecycle: dap.ReportAggregating})
	}))
	seedJob(t, store, taskID, jobID, batchID, []string{"r1"})

	job := &dap.AggregationJob{TaskID: taskID, JobID: jobID, PartialBatchID: batchID, Step: 1, State: dap.AggregationJobFinished}
	aggs := []*dap.ReportAggregation{
		{TaskID: taskID, JobID: jobID, ReportID: "r1", Ord: 0, State: dap.ReportAggregationFinished},
	}
	acc := NewAccumulator(taskID, vdaf.Prio3Count{}, 1)
	require.NoError(t, acc.Update(batchID, nil, "r1", time.Now(), countInputShare(true)))

	batches := []*dap.Batch{{TaskID: taskID, BatchIdentifier: batchID, State: dap.BatchOpen, OutstandingAggregationJobs: 0}}
	require.NoError(t, writer.CommitStep(context.Background(), job, aggs, acc, batches, []string{"r1"}, nil))

	require.Equal(t, dap.ReportAggregationFinished, aggs[0].State)

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		bas, err := tx.GetBatchAggregationsForBatch(ctx, taskID, batchID, nil)
		require.NoError(t, err)
		require.Len(t, bas, 1)
		require.Equal(t, int64(1), bas[0].ReportCount)

		r, err := tx.GetReport(ctx, taskID, "r1")
		require.NoError(t, err)
		require.True(t, r.Scrubbed())
		return nil
	}))
}
