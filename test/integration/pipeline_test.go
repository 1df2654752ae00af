// Package integration exercises the Aggregation Job Creator, Aggregation
// Job Driver, and Collection Job Driver together against one in-memory
// Datastore, the same way the teacher's suite drove its full
// ingest-to-rollup path rather than any single stage in isolation. No live
// database is needed: every other package test in this module runs against
// storagetest.Store, and this suite follows the same convention rather than
// gating on a //go:build integration tag and a real postgres instance.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/divviup/ppm-aggregator/internal/aggregation"
	"github.com/divviup/ppm-aggregator/internal/collection"
	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/core/storage/storagetest"
	"github.com/divviup/ppm-aggregator/internal/helper"
	"github.com/divviup/ppm-aggregator/internal/lease"
)

// fakeTasks is the TaskProvider every driver in this suite shares; both
// aggregation.Driver and collection.Driver depend on the same
// Task(ctx, id) shape.
type fakeTasks struct{ tasks map[string]*dap.Task }

func (f *fakeTasks) Task(_ context.Context, taskID string) (*dap.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

// fakeHelper answers every init round with Finished, the same no-op
// round-trip internal/aggregation's own driver tests use: Prio3Count's
// leader input share is already its own VDAF prepare message.
type fakeHelper struct{ initCalls int }

func (f *fakeHelper) InitAggregationJob(_ context.Context, _ *dap.Task, _ string, req *helper.AggregationJobInitReq) (*helper.AggregationJobResp, error) {
	f.initCalls++
	resp := &helper.AggregationJobResp{}
	for _, pi := range req.PrepareInits {
		resp.PrepareResps = append(resp.PrepareResps, helper.PrepareResp{ReportID: pi.ReportShare.ReportID, Kind: helper.PrepareStepFinished})
	}
	return resp, nil
}

func (f *fakeHelper) ContinueAggregationJob(_ context.Context, _ *dap.Task, _ string, _ *helper.AggregationJobContinueReq) (*helper.AggregationJobResp, error) {
	return &helper.AggregationJobResp{}, nil
}

func (f *fakeHelper) AbandonAggregationJob(_ context.Context, _ *dap.Task, _ string) {}

func countShare(v bool) []byte {
	if v {
		return []byte(decimal.NewFromInt(1).String())
	}
	return []byte(decimal.Zero.String())
}

func uploadReport(t *testing.T, store *storagetest.Store, taskID, reportID string, ts time.Time, value bool) {
	t.Helper()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		return tx.PutReport(ctx, &dap.Report{
			TaskID:                    taskID,
			ReportID:                  reportID,
			ClientTimestamp:           ts,
			LeaderEncryptedInputShare: countShare(value),
			Lifecycle:                 dap.ReportUnaggregated,
		})
	}))
}

// TestPipeline_TimeInterval_CountTaskEndToEnd drives a Prio3Count,
// time-interval task through every stage: the Creator packs the window's
// reports into one job, the Driver finishes that job in a single round
// against a stub helper and flushes the accumulated count into a batch
// aggregation, and the Collection Job Driver combines that batch into a
// finished collection job with the right report count and aggregate share.
func TestPipeline_TimeInterval_CountTaskEndToEnd(t *testing.T) {
	store := storagetest.New()
	window := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	task := &dap.Task{
		ID:            "task-count",
		Role:          dap.RoleLeader,
		VdafID:        dap.VdafPrio3Count,
		QueryType:     dap.QueryTypeTimeInterval,
		TimePrecision: time.Minute,
		MinBatchSize:  1,
		HelperURL:     "http://helper.invalid",
	}
	tasks := &fakeTasks{tasks: map[string]*dap.Task{task.ID: task}}

	uploadReport(t, store, task.ID, "r1", window, true)
	uploadReport(t, store, task.ID, "r2", window, true)
	uploadReport(t, store, task.ID, "r3", window, false)
	uploadReport(t, store, task.ID, "r4", window, true)

	leases := lease.New(store, time.Minute, 0, 5)

	creator := aggregation.NewCreator(store, leases, aggregation.CreatorParams{MinJobSize: 1, MaxJobSize: 10})
	created, err := creator.RunOnce(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created, "4 reports in one window should pack into a job")

	writer := aggregation.NewWriter(store)
	client := &fakeHelper{}
	driver := aggregation.NewDriver(store, writer, leases, client, tasks, aggregation.DriverParams{MaxConcurrentJobs: 10, BatchAggregationShardCount: 4})

	acquired, err := driver.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	require.True(t, acquired)
	require.Equal(t, 1, client.initCalls)

	windowID := window.Format(time.RFC3339)
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		batch, err := tx.GetBatch(ctx, task.ID, windowID, nil)
		require.NoError(t, err)
		require.Equal(t, 0, batch.OutstandingAggregationJobs, "the single job finishing should close out the batch's outstanding count")
		return nil
	}))

	collectionLeases := lease.New(store, time.Minute, 0, 5)
	svc := collection.NewService(store, collectionLeases, tasks)
	job, err := svc.CreateCollectionJob(context.Background(), task.ID, collection.CreateCollectionJobRequest{
		IntervalStart: window,
		IntervalEnd:   window.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, dap.CollectionJobStart, job.State)

	collectionDriver := collection.NewDriver(store, collectionLeases, tasks, collection.DriverParams{MaxConcurrentJobs: 10})

	_, err = collectionDriver.RunOnce(context.Background(), time.Unix(100, 0).UTC())
	require.NoError(t, err)

	store.PutLeaseForTest(&dap.Lease{
		ResourceKind: dap.ResourceCollectionJob,
		ResourceID:   dap.CollectionJobResourceID(task.ID, job.JobID),
		Expiry:       time.Unix(0, 0).UTC(),
	})
	_, err = collectionDriver.RunOnce(context.Background(), time.Unix(200, 0).UTC())
	require.NoError(t, err)

	finished, err := svc.GetCollectionJob(context.Background(), task.ID, job.JobID)
	require.NoError(t, err)
	require.Equal(t, dap.CollectionJobFinished, finished.State)
	require.Equal(t, int64(4), finished.ReportCount)
	require.Equal(t, decimal.NewFromInt(3).String(), string(finished.LeaderAggregateShare), "3 of 4 reports carried a true count")
}

// TestPipeline_FixedSize_RejectedReportIsExcludedFromBatch mirrors spec.md
// §8 scenario S3: the helper rejects one report mid-job, and that report's
// count must not reach the batch aggregation while the rest of the job
// still finishes normally.
func TestPipeline_FixedSize_RejectedReportIsExcludedFromBatch(t *testing.T) {
	store := storagetest.New()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	task := &dap.Task{
		ID:           "task-fixed",
		Role:         dap.RoleLeader,
		VdafID:       dap.VdafPrio3Count,
		QueryType:    dap.QueryTypeFixedSize,
		FixedSize:    dap.FixedSizeParams{MaxBatchSize: 10},
		MinBatchSize: 1,
		HelperURL:    "http://helper.invalid",
	}
	tasks := &fakeTasks{tasks: map[string]*dap.Task{task.ID: task}}

	uploadReport(t, store, task.ID, "r1", now, true)
	uploadReport(t, store, task.ID, "r2", now, true)
	uploadReport(t, store, task.ID, "r3", now, true)

	leases := lease.New(store, time.Minute, 0, 5)
	creator := aggregation.NewCreator(store, leases, aggregation.CreatorParams{MinJobSize: 1, MaxJobSize: 10})
	created, err := creator.RunOnce(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created)

	var batchID string
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		batches, err := tx.GetOutstandingBatchesForTask(ctx, task.ID, 0)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		batchID = batches[0].BatchIdentifier
		return nil
	}))

	writer := aggregation.NewWriter(store)
	client := &rejectingHelper{reject: "r2"}
	driver := aggregation.NewDriver(store, writer, leases, client, tasks, aggregation.DriverParams{MaxConcurrentJobs: 10, BatchAggregationShardCount: 2})

	acquired, err := driver.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		bas, err := tx.GetBatchAggregationsForBatch(ctx, task.ID, batchID, nil)
		require.NoError(t, err)
		var total int64
		for _, ba := range bas {
			total += ba.ReportCount
		}
		require.Equal(t, int64(2), total, "the rejected report must not be counted in the batch aggregation")
		return nil
	}))
}

// rejectingHelper finishes every report except one, which it rejects with
// VdafPrepError, the same shape internal/aggregation's own driver tests use
// to exercise the reject path.
type rejectingHelper struct{ reject string }

func (r *rejectingHelper) InitAggregationJob(_ context.Context, _ *dap.Task, _ string, req *helper.AggregationJobInitReq) (*helper.AggregationJobResp, error) {
	resp := &helper.AggregationJobResp{}
	for _, pi := range req.PrepareInits {
		if pi.ReportShare.ReportID == r.reject {
			resp.PrepareResps = append(resp.PrepareResps, helper.PrepareResp{
				ReportID: pi.ReportShare.ReportID, Kind: helper.PrepareStepReject, PrepareError: string(dap.PrepareErrorVdafPrepError),
			})
			continue
		}
		resp.PrepareResps = append(resp.PrepareResps, helper.PrepareResp{ReportID: pi.ReportShare.ReportID, Kind: helper.PrepareStepFinished})
	}
	return resp, nil
}

func (r *rejectingHelper) ContinueAggregationJob(_ context.Context, _ *dap.Task, _ string, _ *helper.AggregationJobContinueReq) (*helper.AggregationJobResp, error) {
	return &helper.AggregationJobResp{}, nil
}

func (r *rejectingHelper) AbandonAggregationJob(_ context.Context, _ *dap.Task, _ string) {}
