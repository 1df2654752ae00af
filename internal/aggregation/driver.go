package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/core/vdaf"
	"github.com/divviup/ppm-aggregator/internal/helper"
	"github.com/divviup/ppm-aggregator/internal/lease"
)

// helperClient is the outbound surface the driver needs from
// internal/helper.Client; narrowed to an interface here so tests can
// substitute a fake.
type helperClient interface {
	InitAggregationJob(ctx context.Context, task *dap.Task, jobID string, req *helper.AggregationJobInitReq) (*helper.AggregationJobResp, error)
	ContinueAggregationJob(ctx context.Context, task *dap.Task, jobID string, req *helper.AggregationJobContinueReq) (*helper.AggregationJobResp, error)
	AbandonAggregationJob(ctx context.Context, task *dap.Task, jobID string)
}

// TaskProvider resolves a task by id; the driver looks one up per leased
// job since a single driver process handles every task sharing this
// Datastore (spec.md §4.2 "one leased resource at a time, any task").
type TaskProvider interface {
	Task(ctx context.Context, taskID string) (*dap.Task, error)
}

// DriverParams bounds one driver tick.
type DriverParams struct {
	MaxConcurrentJobs          int
	BatchAggregationShardCount int
}

// Driver runs the Aggregation Job Driver state machine (spec.md §4.6): it
// acquires leases on in-progress aggregation jobs, drives each job's VDAF
// preparation rounds against the helper, and commits the result through
// Writer, which enforces the no-collected-batch invariant.
type Driver struct {
	ds     storage.Datastore
	writer *Writer
	leases *lease.Manager
	client helperClient
	tasks  TaskProvider
	params DriverParams
}

// NewDriver builds a Driver.
func NewDriver(ds storage.Datastore, writer *Writer, leases *lease.Manager, client helperClient, tasks TaskProvider, params DriverParams) *Driver {
	return &Driver{ds: ds, writer: writer, leases: leases, client: client, tasks: tasks, params: params}
}

// RunOnce acquires as many aggregation-job leases as params.MaxConcurrentJobs
// allows and drives each one step further. It returns whether any lease was
// acquired, mirroring Creator.RunOnce's return convention for the scheduler.
func (d *Driver) RunOnce(ctx context.Context, now time.Time) (bool, error) {
	leases, err := d.leases.Acquire(ctx, dap.ResourceAggregationJob, now, d.params.MaxConcurrentJobs)
	if err != nil {
		return false, fmt.Errorf("driver: acquire leases: %w", err)
	}
	if len(leases) == 0 {
		return false, nil
	}

	for _, l := range leases {
		if err := d.processLease(ctx, l); err != nil {
			if d.leases.Exhausted(l) {
				slog.Error("aggregation job abandoned after exhausting attempts", "resource_id", l.ResourceID, "error", err)
				d.abandon(ctx, l)
				continue
			}
			slog.Warn("aggregation job step failed, leaving lease to expire and retry", "resource_id", l.ResourceID, "attempts", l.Attempts, "error", err)
			continue
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
		return fmt.Errorf("driver: load task %q: %w", taskID, err)
	}
	v, err := vdaf.For(task.VdafID)
	if err != nil {
		return fmt.Errorf("driver: resolve vdaf for task %q: %w", taskID, err)
	}

	var job *dap.AggregationJob
	var reportAggs []*dap.ReportAggregation
	err = d.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		var err error
		job, err = tx.GetAggregationJob(ctx, taskID, jobID)
		if err != nil {
			return err
		}
		reportAggs, err = tx.GetReportAggregationsForJob(ctx, taskID, jobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("driver: load job %q: %w", jobID, err)
	}

	if job.State != dap.AggregationJobInProgress {
		return d.leases.Release(ctx, l)
	}

	acc := NewAccumulator(taskID, v, d.params.BatchAggregationShardCount)
	scrubIDs, err := d.driveStep(ctx, task, v, job, reportAggs, acc)
	if err != nil {
		return err
	}

	if allTerminal(reportAggs) {
		job.State = dap.AggregationJobFinished
	}

	batch, err := d.currentBatch(ctx, task, job)
	if err != nil {
		return fmt.Errorf("driver: load batch %q: %w", job.PartialBatchID, err)
	}
	if job.State == dap.AggregationJobFinished && batch != nil {
		batch.OutstandingAggregationJobs--
	}

	var batches []*dap.Batch
	if batch != nil {
		batches = []*dap.Batch{batch}
	}
	return d.writer.CommitStep(ctx, job, reportAggs, acc, batches, scrubIDs, l)
}

func (d *Driver) currentBatch(ctx context.Context, task *dap.Task, job *dap.AggregationJob) (*dap.Batch, error) {
	var b *dap.Batch
	err := d.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		var err error
		b, err = tx.GetBatch(ctx, task.ID, job.PartialBatchID, job.AggregationParam)
		if err == storage.ErrNotFound {
			b = nil
			return nil
		}
		return err
	})
	return b, err
}

func (d *Driver) abandon(ctx context.Context, l *dap.Lease) {
	taskID, jobID := splitResourceID(l.ResourceID)
	task, err := d.tasks.Task(ctx, taskID)
	if err == nil {
		d.client.AbandonAggregationJob(ctx, task, jobID)
	}
	_ = d.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		job, err := tx.GetAggregationJob(ctx, taskID, jobID)
		if err != nil {
			return err
		}
		job.State = dap.AggregationJobAbandoned
		if err := tx.UpdateAggregationJob(ctx, job); err != nil {
			return err
		}
		return tx.ReleaseLease(ctx, l)
	})
}

func allTerminal(reportAggs []*dap.ReportAggregation) bool {
	for _, ra := range reportAggs {
		if !ra.Terminal() {
			return false
		}
	}
	return true
}

// driveStep runs exactly one network round of the job's VDAF preparation
// (init if job.Step == 0, else continue), mutates reportAggs and acc in
// place, and returns the report ids to scrub once committed (spec.md §4.6
// steps 3-7). It never writes to the datastore itself; the caller commits
// through Writer.
func (d *Driver) driveStep(ctx context.Context, task *dap.Task, v vdaf.Vdaf, job *dap.AggregationJob, reportAggs []*dap.ReportAggregation, acc *Accumulator) ([]string, error) {
	if job.Step == 0 {
		return d.driveInit(ctx, task, v, job, reportAggs, acc)
	}
	return d.driveContinue(ctx, task, v, job, reportAggs, acc)
}

func (d *Driver) driveInit(ctx context.Context, task *dap.Task, v vdaf.Vdaf, job *dap.AggregationJob, reportAggs []*dap.ReportAggregation, acc *Accumulator) ([]string, error) {
	byID := make(map[string]*dap.ReportAggregation, len(reportAggs))
	localSteps := make(map[string]vdaf.Step)

	var prepareInits []helper.PrepareInit
	for _, ra := range reportAggs {
		if ra.State != dap.ReportAggregationStartLeader {
			continue
		}
		byID[ra.ReportID] = ra

		if hasDuplicateExtensionType(ra.LeaderExtensions) {
			ra.State = dap.ReportAggregationFailed
			ra.PrepareError = dap.PrepareErrorInvalidMessage
			continue
		}

		step, err := v.LeaderInitialized(task.VdafVerifyKey, job.AggregationParam, []byte(ra.ReportID), ra.PublicShare, ra.LeaderInputShare)
		if err != nil {
			ra.State = dap.ReportAggregationFailed
			ra.PrepareError = classifyInitError(err)
			continue
		}
		localSteps[ra.ReportID] = step
		prepareInits = append(prepareInits, helper.PrepareInit{
			ReportShare: helper.ReportShare{
				ReportID:                  ra.ReportID,
				PublicShare:               ra.PublicShare,
				HelperEncryptedInputShare: ra.HelperEncryptedInputShare,
			},
			Message: step.OutgoingMessage,
		})
	}

	if len(prepareInits) == 0 {
		job.Step++
		return nil, nil
	}

	resp, err := d.client.InitAggregationJob(ctx, task, job.JobID, &helper.AggregationJobInitReq{
		AggregationParam:     job.AggregationParam,
		PartialBatchSelector: job.PartialBatchID,
		PrepareInits:         prepareInits,
	})
	if err != nil {
		var derr *dap.Error
		if errors.As(err, &derr) && !derr.IsRetryable() {
			return nil, derr // non-retryable: caller's Exhausted check will abandon on repeated failure
		}
		return nil, err
	}
	if len(resp.PrepareResps) != len(prepareInits) {
		return nil, dap.NewInternalError("helper response size mismatch on init round", nil)
	}

	var scrubIDs []string
	for _, presp := range resp.PrepareResps {
		ra, ok := byID[presp.ReportID]
		if !ok {
			return nil, dap.NewInternalError(fmt.Sprintf("helper response referenced unknown report %q", presp.ReportID), nil)
		}
		step := localSteps[presp.ReportID]
		switch presp.Kind {
		case helper.PrepareStepReject:
			ra.State = dap.ReportAggregationFailed
			ra.PrepareError = dap.PrepareErrorKind(presp.PrepareError)

		case helper.PrepareStepFinished:
			if step.Kind != vdaf.StepFinished {
				ra.State = dap.ReportAggregationFailed
				ra.PrepareError = dap.PrepareErrorInvalidMessage
				continue
			}
			ra.State = dap.ReportAggregationFinished
			ra.OutputShare = step.OutputShare
			if err := acc.Update(job.PartialBatchID, job.AggregationParam, ra.ReportID, ra.ClientTimestamp, ra.OutputShare); err != nil {
				return nil, fmt.Errorf("driver: accumulate %q: %w", ra.ReportID, err)
			}
			scrubIDs = append(scrubIDs, ra.ReportID)

		case helper.PrepareStepContinue:
			if step.Kind != vdaf.StepContinue {
				ra.State = dap.ReportAggregationFailed
				ra.PrepareError = dap.PrepareErrorInvalidMessage
				continue
			}
			ra.State = dap.ReportAggregationWaitingLeader
			ra.Transition = step.Transition
			ra.PendingHelperMessage = presp.Message

		default:
			return nil, dap.NewInternalError(fmt.Sprintf("unknown prepare step kind %q", presp.Kind), nil)
		}
	}

	job.Step++
	return scrubIDs, nil
}

// hasDuplicateExtensionType reports whether extensions carries two or more
// entries with the same Extension.Type (spec.md §4.6 step 3).
func hasDuplicateExtensionType(extensions []dap.Extension) bool {
	seen := make(map[uint16]struct{}, len(extensions))
	for _, e := range extensions {
		if _, ok := seen[e.Type]; ok {
			return true
		}
		seen[e.Type] = struct{}{}
	}
	return false
}

// classifyInitError maps a LeaderInitialized failure to a PrepareError kind
// (spec.md §4.6 step 3 "failure is classified and mapped to a PrepareError").
// vdaf.ErrMalformedInputShare marks the input share itself as undecodable
// or wrongly shaped (spec.md §7's "Codec ... malformed protocol message"),
// which maps to InvalidMessage; anything else is a genuine VDAF
// preparation failure.
func classifyInitError(err error) dap.PrepareErrorKind {
	if errors.Is(err, vdaf.ErrMalformedInputShare) {
		return dap.PrepareErrorInvalidMessage
	}
	return dap.PrepareErrorVdafPrepError
}

func (d *Driver) driveContinue(ctx context.Context, task *dap.Task, v vdaf.Vdaf, job *dap.AggregationJob, reportAggs []*dap.ReportAggregation, acc *Accumulator) ([]string, error) {
	byID := make(map[string]*dap.ReportAggregation, len(reportAggs))
	localSteps := make(map[string]vdaf.Step)

	var prepareContinues []helper.PrepareContinue
	for _, ra := range reportAggs {
		if ra.State != dap.ReportAggregationWaitingLeader {
			continue
		}
		byID[ra.ReportID] = ra

		step, err := v.LeaderContinued(ra.Transition, job.AggregationParam, ra.PendingHelperMessage)
		if err != nil {
			ra.State = dap.ReportAggregationFailed
			ra.PrepareError = dap.PrepareErrorVdafPrepError
			continue
		}
		localSteps[ra.ReportID] = step
		prepareContinues = append(prepareContinues, helper.PrepareContinue{ReportID: ra.ReportID, Message: step.OutgoingMessage})
	}

	if len(prepareContinues) == 0 {
		job.Step++
		return nil, nil
	}

	resp, err := d.client.ContinueAggregationJob(ctx, task, job.JobID, &helper.AggregationJobContinueReq{
		Step:             job.Step,
		PrepareContinues: prepareContinues,
	})
	if err != nil {
		var derr *dap.Error
		if errors.As(err, &derr) && !derr.IsRetryable() {
			return nil, derr
		}
		return nil, err
	}
	if len(resp.PrepareResps) != len(prepareContinues) {
		return nil, dap.NewInternalError("helper response size mismatch on continue round", nil)
	}

	var scrubIDs []string
	for _, presp := range resp.PrepareResps {
		ra, ok := byID[presp.ReportID]
		if !ok {
			return nil, dap.NewInternalError(fmt.Sprintf("helper response referenced unknown report %q", presp.ReportID), nil)
		}
		step := localSteps[presp.ReportID]
		switch presp.Kind {
		case helper.PrepareStepReject:
			ra.State = dap.ReportAggregationFailed
			ra.PrepareError = dap.PrepareErrorKind(presp.PrepareError)

		case helper.PrepareStepFinished:
			if step.Kind != vdaf.StepFinished {
				ra.State = dap.ReportAggregationFailed
				ra.PrepareError = dap.PrepareErrorInvalidMessage
				continue
			}
			ra.State = dap.ReportAggregationFinished
			ra.OutputShare = step.OutputShare
			if err := acc.Update(job.PartialBatchID, job.AggregationParam, ra.ReportID, ra.ClientTimestamp, ra.OutputShare); err != nil {
				return nil, fmt.Errorf("driver: accumulate %q: %w", ra.ReportID, err)
			}
			scrubIDs = append(scrubIDs, ra.ReportID)

		case helper.PrepareStepContinue:
			// Every VDAF in the registry bounds Rounds() at 2, so a second
			// continue round is a protocol violation rather than a valid
			// next step (spec.md §3 AggregationJob "round count bounded by
			// VDAF").
			ra.State = dap.ReportAggregationFailed
			ra.PrepareError = dap.PrepareErrorInvalidMessage

		default:
			return nil, dap.NewInternalError(fmt.Sprintf("unknown prepare step kind %q", presp.Kind), nil)
		}
	}

	job.Step++
	return scrubIDs, nil
}
