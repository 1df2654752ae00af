package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/lease"
)

// ErrInvalidQuery marks collection-job request validation errors (HTTP 400),
// the same role the teacher's projection.ErrInvalidQuery played for
// malformed aggregate queries.
var ErrInvalidQuery = errors.New("invalid collection job request")

// CreateCollectionJobRequest is what an operator submits to open a
// CollectionJob. Exactly one of BatchIdentifier, CurrentBatch, or the
// IntervalStart/IntervalEnd pair must be set (spec.md §3 CollectionJob
// query: "time interval or batch-id or current-batch").
type CreateCollectionJobRequest struct {
	AggregationParam []byte
	BatchIdentifier  string
	CurrentBatch     bool
	IntervalStart    time.Time
	IntervalEnd      time.Time
}

// Service is the operator-facing surface that opens and polls
// CollectionJobs. It does not itself drive a job to completion; Driver does
// that asynchronously, acquiring the lease Service seeds on creation.
type Service struct {
	ds     storage.Datastore
	leases *lease.Manager
	tasks  TaskProvider
}

// NewService builds a Service.
func NewService(ds storage.Datastore, leases *lease.Manager, tasks TaskProvider) *Service {
	return &Service{ds: ds, leases: leases, tasks: tasks}
}

// CreateCollectionJob validates req, opens a new CollectionJob in the Start
// state, and seeds its lease row so a Driver instance picks it up on its
// next tick.
func (s *Service) CreateCollectionJob(ctx context.Context, taskID string, req CreateCollectionJobRequest) (*dap.CollectionJob, error) {
	if _, err := s.tasks.Task(ctx, taskID); err != nil {
		return nil, fmt.Errorf("%w: unknown task %q", ErrInvalidQuery, taskID)
	}

	query, err := normalizeQuery(req)
	if err != nil {
		return nil, err
	}

	job := &dap.CollectionJob{
		TaskID:           taskID,
		JobID:            dap.NewJobID(),
		Query:            query,
		AggregationParam: req.AggregationParam,
		State:            dap.CollectionJobStart,
	}

	err = s.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		if err := tx.PutCollectionJob(ctx, job); err != nil {
			return err
		}
		return s.leases.Put(ctx, tx, &dap.Lease{
			ResourceKind: dap.ResourceCollectionJob,
			ResourceID:   dap.CollectionJobResourceID(taskID, job.JobID),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("collection service: create job: %w", err)
	}
	return job, nil
}

// GetCollectionJob returns the current state of one job.
func (s *Service) GetCollectionJob(ctx context.Context, taskID, jobID string) (*dap.CollectionJob, error) {
	var job *dap.CollectionJob
	err := s.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		var err error
		job, err = tx.GetCollectionJob(ctx, taskID, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteCollectionJob marks a job Deleted, matching the DAP collector's
// right to abandon a pending collection (spec.md §3 CollectionJobState).
func (s *Service) DeleteCollectionJob(ctx context.Context, taskID, jobID string) error {
	return s.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		job, err := tx.GetCollectionJob(ctx, taskID, jobID)
		if err != nil {
			return err
		}
		job.State = dap.CollectionJobDeleted
		return tx.UpdateCollectionJob(ctx, job)
	})
}

func normalizeQuery(req CreateCollectionJobRequest) (dap.CollectionQuery, error) {
	set := 0
	if req.BatchIdentifier != "" {
		set++
	}
	if req.CurrentBatch {
		set++
	}
	if !req.IntervalStart.IsZero() || !req.IntervalEnd.IsZero() {
		set++
	}
	if set != 1 {
		return dap.CollectionQuery{}, fmt.Errorf("%w: exactly one of batch_identifier, current_batch, or interval must be set", ErrInvalidQuery)
	}
	if (!req.IntervalStart.IsZero() || !req.IntervalEnd.IsZero()) && !req.IntervalEnd.After(req.IntervalStart) {
		return dap.CollectionQuery{}, fmt.Errorf("%w: interval end must be after start", ErrInvalidQuery)
	}

	return dap.CollectionQuery{
		IntervalStart:   req.IntervalStart,
		IntervalEnd:     req.IntervalEnd,
		BatchIdentifier: req.BatchIdentifier,
		CurrentBatch:    req.CurrentBatch,
	}, nil
}
