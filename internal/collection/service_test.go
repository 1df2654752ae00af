package collection

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

func TestService_CreateCollectionJob_SeedsJobAndLease(t *testing.T) {
	store := storagetest.New()
	mgr := lease.New(store, time.Minute, 0, 5)
	tasks := &fakeTasks{tasks: map[string]*dap.Task{"task-1": {ID: "task-1"}}}
	svc := NewService(store, mgr, tasks)

	job, err := svc.CreateCollectionJob(context.Background(), "task-1", CreateCollectionJobRequest{BatchIdentifier: "batch-1"})
	require.NoError(t, err)
	require.Equal(t, dap.CollectionJobStart, job.State)
	require.Equal(t, "batch-1", job.Query.BatchIdentifier)

	leases, err := mgr.Acquire(context.Background(), dap.ResourceCollectionJob, time.Unix(0, 0).UTC(), 10)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, dap.CollectionJobResourceID("task-1", job.JobID), leases[0].ResourceID)
}

func TestService_CreateCollectionJob_RejectsUnknownTask(t *testing.T) {
	store := storagetest.New()
	mgr := lease.New(store, time.Minute, 0, 5)
	tasks := &fakeTasks{tasks: map[string]*dap.Task{}}
	svc := NewService(store, mgr, tasks)

	_, err := svc.CreateCollectionJob(context.Background(), "no-such-task", CreateCollectionJobRequest{BatchIdentifier: "batch-1"})
	require.Error(t, err)
}

func TestService_CreateCollectionJob_RejectsAmbiguousQuery(t *testing.T) {
	store := storagetest.New()
	mgr := lease.New(store, time.Minute, 0, 5)
	tasks := &fakeTasks{tasks: map[string]*dap.Task{"task-1": {ID: "task-1"}}}
	svc := NewService(store, mgr, tasks)

	_, err := svc.CreateCollectionJob(context.Background(), "task-1", CreateCollectionJobRequest{
		BatchIdentifier: "batch-1",
		CurrentBatch:    true,
	})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestService_GetCollectionJob_ReturnsCurrentState(t *testing.T) {
	store := storagetest.New()
	mgr := lease.New(store, time.Minute, 0, 5)
	tasks := &fakeTasks{tasks: map[string]*dap.Task{"task-1": {ID: "task-1"}}}
	svc := NewService(store, mgr, tasks)

	created, err := svc.CreateCollectionJob(context.Background(), "task-1", CreateCollectionJobRequest{CurrentBatch: true})
	require.NoError(t, err)

	fetched, err := svc.GetCollectionJob(context.Background(), "task-1", created.JobID)
	require.NoError(t, err)
	require.Equal(t, created.JobID, fetched.JobID)
	require.True(t, fetched.Query.CurrentBatch)
}

func TestService_GetCollectionJob_NotFound(t *testing.T) {
	store := storagetest.New()
	mgr := lease.New(store, time.Minute, 0, 5)
	tasks := &fakeTasks{tasks: map[string]*dap.Task{"task-1": {ID: "task-1"}}}
	svc := NewService(store, mgr, tasks)

	_, err := svc.GetCollectionJob(context.Background(), "task-1", "no-such-job")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestService_DeleteCollectionJob_MarksDeleted(t *testing.T) {
	store := storagetest.New()
	mgr := lease.New(store, time.Minute, 0, 5)
	tasks := &fakeTasks{tasks: map[string]*dap.Task{"task-1": {ID: "task-1"}}}
	svc := NewService(store, mgr, tasks)

	created, err := svc.CreateCollectionJob(context.Background(), "task-1", CreateCollectionJobRequest{BatchIdentifier: "batch-1"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteCollectionJob(context.Background(), "task-1", created.JobID))

	fetched, err := svc.GetCollectionJob(context.Background(), "task-1", created.JobID)
	require.NoError(t, err)
	require.Equal(t, dap.CollectionJobDeleted, fetched.State)
}
