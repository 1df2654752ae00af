package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/core/storage/storagetest"
	"github.com/divviup/ppm-aggregator/internal/lease"
)

func newTestCreator(store *storagetest.Store, params CreatorParams) *Creator {
	return NewCreator(store, lease.New(store, time.Minute, 0, 5), params)
}

func seedReports(t *testing.T, store *storagetest.Store, taskID string, n int, ts time.Time) {
	t.Helper()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		for i := 0; i < n; i++ {
			if err := tx.PutReport(ctx, &dap.Report{
				TaskID:          taskID,
				ReportID:        reportIDFor(taskID, i),
				ClientTimestamp: ts,
				Lifecycle:       dap.ReportUnaggregated,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func reportIDFor(taskID string, i int) string {
	return taskID + "-report-" + itoaTest(i)
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func fixedSizeTask(minBatch, maxBatch int) *dap.Task {
	return &dap.Task{
		ID:           "task-fixed",
		Role:         dap.RoleLeader,
		QueryType:    dap.QueryTypeFixedSize,
		FixedSize:    dap.FixedSizeParams{MaxBatchSize: maxBatch},
		MinBatchSize: minBatch,
	}
}

// TestCreator_FixedSize_PacksWithinJobAndBatchBounds mirrors spec.md §8
// scenario S4: MIN_JOB=50, MAX_JOB=60, task min batch=200, max batch=300,
// 500 pending reports. The creator must keep minting fresh batches until
// every one of the 500 reports has been claimed by a job.
func TestCreator_FixedSize_PacksWithinJobAndBatchBounds(t *testing.T) {
	store := storagetest.New()
	task := fixedSizeTask(200, 300)
	seedReports(t, store, task.ID, 500, time.Unix(1000, 0).UTC())

	c := newTestCreator(store, CreatorParams{MinJobSize: 50, MaxJobSize: 60})
	created, err := c.RunOnce(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		ids, err := tx.GetUnaggregatedClientReportIDsForTask(ctx, task.ID, 1000)
		require.NoError(t, err)
		require.Empty(t, ids, "every report should have been claimed by a job")
		return nil
	}))
}

// TestCreator_FixedSize_StopsOnUndersizedFreshBatch verifies that once a
// freshly minted batch cannot reach MinJobSize, the creator stops packing
// rather than scattering undersized jobs across more fresh batches.
func TestCreator_FixedSize_StopsOnUndersizedFreshBatch(t *testing.T) {
	store := storagetest.New()
	task := fixedSizeTask(1000, 2000) // batch min far above what 30 reports could ever reach
	seedReports(t, store, task.ID, 30, time.Unix(2000, 0).UTC())

	c := newTestCreator(store, CreatorParams{MinJobSize: 50, MaxJobSize: 60})
	created, err := c.RunOnce(context.Background(), task)
	require.NoError(t, err)
	require.False(t, created, "30 reports can never reach MinJobSize in a fresh batch")

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		ids, err := tx.GetUnaggregatedClientReportIDsForTask(ctx, task.ID, 1000)
		require.NoError(t, err)
		require.Len(t, ids, 30, "reports must remain unaggregated, not silently dropped")
		return nil
	}))
}

// TestCreator_FixedSize_ClosingJobCanUndersizeJobBound verifies the
// closing-job exception: a job smaller than MinJobSize is still formed when
// it's the one that pushes a batch from under TaskMinBatchSize to at least
// TaskMinBatchSize (spec.md §4.3).
func TestCreator_FixedSize_ClosingJobCanUndersizeJobBound(t *testing.T) {
	store := storagetest.New()
	task := fixedSizeTask(55, 60)
	seedReports(t, store, task.ID, 55, time.Unix(3000, 0).UTC())

	c := newTestCreator(store, CreatorParams{MinJobSize: 60, MaxJobSize: 60})
	created, err := c.RunOnce(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created, "a 55-report closing job should still form even though it is below MinJobSize in isolation")
}

func timeIntervalTask(precision time.Duration) *dap.Task {
	return &dap.Task{
		ID:            "task-time",
		QueryType:     dap.QueryTypeTimeInterval,
		TimePrecision: precision,
		MinBatchSize:  1,
	}
}

// TestCreator_TimeInterval_HistoricalWindowFlushesRegardlessOfSize verifies
// that a non-latest window's remaining reports form a job even if under
// MinJobSize, while the latest window waits for more.
func TestCreator_TimeInterval_HistoricalWindowFlushesRegardlessOfSize(t *testing.T) {
	store := storagetest.New()
	task := timeIntervalTask(time.Hour)

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		for i := 0; i < 5; i++ {
			if err := tx.PutReport(ctx, &dap.Report{
				TaskID:          task.ID,
				ReportID:        "old-" + itoaTest(i),
				ClientTimestamp: time.Unix(0, 0).UTC(),
				Lifecycle:       dap.ReportUnaggregated,
			}); err != nil {
				return err
			}
		}
		for i := 0; i < 3; i++ {
			if err := tx.PutReport(ctx, &dap.Report{
				TaskID:          task.ID,
				ReportID:        "new-" + itoaTest(i),
				ClientTimestamp: time.Unix(7200, 0).UTC(),
				Lifecycle:       dap.ReportUnaggregated,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	c := newTestCreator(store, CreatorParams{MinJobSize: 10, MaxJobSize: 20})
	created, err := c.RunOnce(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created, "historical window must flush even though 5 < MinJobSize")

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		ids, err := tx.GetUnaggregatedClientReportIDsForTask(ctx, task.ID, 1000)
		require.NoError(t, err)
		require.Len(t, ids, 3, "latest window's 3 reports stay unaggregated until MinJobSize is reached")
		return nil
	}))
}
