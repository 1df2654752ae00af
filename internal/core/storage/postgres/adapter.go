// Package postgres is the real storage.Datastore implementation, the
// adapter layer the teacher builds per-table (events_adapter.go,
// pre_aggregate_adapter.go) generalized here to one adapter covering every
// DAP table behind a shared transaction, since the aggregation and
// collection drivers need cross-table atomicity (spec.md §4.6 step 8) that
// per-table adapters can't provide.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/lib/pq"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
)

// Adapter implements storage.Datastore over a *sql.DB connection pool.
type Adapter struct {
	db *sql.DB
}

// New wraps an already-open connection pool.
func New(db *sql.DB) *Adapter {
	return &Adapter{db: db}
}

// pqSerializationFailure is the PostgreSQL SQLSTATE for a transaction that
// lost a serializability race and must be retried from the top.
const pqSerializationFailure = "40001"

// pqDeadlockDetected is the PostgreSQL SQLSTATE for a transaction aborted to
// break a deadlock; it is retried the same way.
const pqDeadlockDetected = "40P01"

// RunInTx runs fn in a SERIALIZABLE transaction, retrying automatically on
// serialization failures and deadlocks (spec.md §4.1's "each operation runs inside a
// single serializable transaction"). Any other error, including one the
// caller wraps as a dap.Error, is surfaced immediately without retry —
// retry policy for those belongs to the caller's IsRetryable check, not
// here.
func (a *Adapter) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Transaction) error) error {
	attempt := func() (struct{}, error) {
		sqlTx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return struct{}{}, fmt.Errorf("begin tx: %w", err)
		}
		defer sqlTx.Rollback() //nolint:errcheck

		if err := fn(ctx, &tx{sqlTx: sqlTx}); err != nil {
			if isSerializationFailure(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}

		if err := sqlTx.Commit(); err != nil {
			if isSerializationFailure(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(fmt.Errorf("commit tx: %w", err))
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
	if err != nil {
		slog.Debug("run_tx failed", "error", err)
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pqErr interface{ SQLState() string }
	if !errors.As(err, &pqErr) {
		return false
	}
	state := pqErr.SQLState()
	return state == pqSerializationFailure || state == pqDeadlockDetected
}

type tx struct {
	sqlTx *sql.Tx
}

func (t *tx) GetUnaggregatedClientReportIDsForTask(ctx context.Context, taskID string, limit int) ([]string, error) {
	rows, err := t.sqlTx.QueryContext(ctx, queryGetUnaggregatedReportIDs, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("get unaggregated report ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("get unaggregated report ids: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *tx) GetReport(ctx context.Context, taskID, reportID string) (*dap.Report, error) {
	var r dap.Report
	var lifecycle string
	err := t.sqlTx.QueryRowContext(ctx, queryGetReport, taskID, reportID).Scan(
		&r.TaskID, &r.ReportID, &r.ClientTimestamp, &r.PublicShare,
		&r.LeaderEncryptedInputShare, &r.HelperEncryptedInputShare, &lifecycle,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	r.Lifecycle = dap.ReportLifecycle(lifecycle)
	return &r, nil
}

func (t *tx) PutReport(ctx context.Context, r *dap.Report) error {
	_, err := t.sqlTx.ExecContext(ctx, queryPutReport,
		r.TaskID, r.ReportID, r.ClientTimestamp, r.PublicShare,
		r.LeaderEncryptedInputShare, r.HelperEncryptedInputShare, string(r.Lifecycle),
	)
	if err != nil {
		return fmt.Errorf("put report: %w", err)
	}
	return nil
}

func (t *tx) MarkReportsAggregating(ctx context.Context, taskID string, reportIDs []string) error {
	for _, id := range reportIDs {
		if _, err := t.sqlTx.ExecContext(ctx, queryMarkReportAggregating, taskID, id); err != nil {
			return fmt.Errorf("mark report aggregating %s: %w", id, err)
		}
	}
	return nil
}

func (t *tx) ScrubClientReport(ctx context.Context, taskID, reportID string) error {
	res, err := t.sqlTx.ExecContext(ctx, queryScrubReport, taskID, reportID)
	if err != nil {
		return fmt.Errorf("scrub report: %w", err)
	}
	return requireOneRow(res, "scrub report")
}

func (t *tx) PutAggregationJob(ctx context.Context, j *dap.AggregationJob) error {
	_, err := t.sqlTx.ExecContext(ctx, queryPutAggregationJob,
		j.TaskID, j.JobID, j.AggregationParam, j.PartialBatchID,
		j.MinClientTimestamp, j.MaxClientTimestamp, j.Step, string(j.State),
	)
	if err != nil {
		return fmt.Errorf("put aggregation job: %w", err)
	}
	return nil
}

func (t *tx) GetAggregationJob(ctx context.Context, taskID, jobID string) (*dap.AggregationJob, error) {
	var j dap.AggregationJob
	var state string
	err := t.sqlTx.QueryRowContext(ctx, queryGetAggregationJob, taskID, jobID).Scan(
		&j.TaskID, &j.JobID, &j.AggregationParam, &j.PartialBatchID,
		&j.MinClientTimestamp, &j.MaxClientTimestamp, &j.Step, &state,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregation job: %w", err)
	}
	j.State = dap.AggregationJobState(state)
	return &j, nil
}

func (t *tx) UpdateAggregationJob(ctx context.Context, j *dap.AggregationJob) error {
	res, err := t.sqlTx.ExecContext(ctx, queryUpdateAggregationJob, j.TaskID, j.JobID, j.Step, string(j.State))
	if err != nil {
		return fmt.Errorf("update aggregation job: %w", err)
	}
	return requireOneRow(res, "update aggregation job")
}

func (t *tx) PutReportAggregations(ctx context.Context, ras []*dap.ReportAggregation) error {
	for _, ra := range ras {
		_, err := t.sqlTx.ExecContext(ctx, queryPutReportAggregation,
			ra.TaskID, ra.JobID, ra.ReportID, ra.Ord, string(ra.State),
			ra.PublicShare, ra.LeaderInputShare, ra.HelperEncryptedInputShare,
			ra.Transition, ra.HelperPrepState, ra.OutputShare, string(ra.PrepareError),
		)
		if err != nil {
			return fmt.Errorf("put report aggregation %s: %w", ra.ReportID, err)
		}
	}
	return nil
}

func (t *tx) GetReportAggregationsForJob(ctx context.Context, taskID, jobID string) ([]*dap.ReportAggregation, error) {
	rows, err := t.sqlTx.QueryContext(ctx, queryGetReportAggregationsForJob, taskID, jobID)
	if err != nil {
		return nil, fmt.Errorf("get report aggregations: %w", err)
	}
	defer rows.Close()

	var out []*dap.ReportAggregation
	for rows.Next() {
		var ra dap.ReportAggregation
		var state, prepErr string
		if err := rows.Scan(
			&ra.TaskID, &ra.JobID, &ra.ReportID, &ra.Ord, &state,
			&ra.PublicShare, &ra.LeaderInputShare, &ra.HelperEncryptedInputShare,
			&ra.Transition, &ra.HelperPrepState, &ra.OutputShare, &prepErr,
		); err != nil {
			return nil, fmt.Errorf("get report aggregations: scan: %w", err)
		}
		ra.State = dap.ReportAggregationState(state)
		ra.PrepareError = dap.PrepareErrorKind(prepErr)
		out = append(out, &ra)
	}
	return out, rows.Err()
}

func (t *tx) UpdateReportAggregations(ctx context.Context, ras []*dap.ReportAggregation) error {
	return t.PutReportAggregations(ctx, ras)
}

func (t *tx) GetOutstandingBatchesForTask(ctx context.Context, taskID string, maxSize int) ([]*dap.OutstandingBatch, error) {
	rows, err := t.sqlTx.QueryContext(ctx, queryGetOutstandingBatches, taskID)
	if err != nil {
		return nil, fmt.Errorf("get outstanding batches: %w", err)
	}
	defer rows.Close()

	var out []*dap.OutstandingBatch
	for rows.Next() {
		var ob dap.OutstandingBatch
		if err := rows.Scan(&ob.TaskID, &ob.BatchIdentifier); err != nil {
			return nil, fmt.Errorf("get outstanding batches: scan: %w", err)
		}
		ob.MaxSize = maxSize
		out = append(out, &ob)
	}
	return out, rows.Err()
}

func (t *tx) PutOutstandingBatch(ctx context.Context, taskID, batchIdentifier string) error {
	_, err := t.sqlTx.ExecContext(ctx, queryPutOutstandingBatch, taskID, batchIdentifier)
	if err != nil {
		return fmt.Errorf("put outstanding batch: %w", err)
	}
	return nil
}

func (t *tx) DeleteOutstandingBatch(ctx context.Context, taskID, batchIdentifier string) error {
	_, err := t.sqlTx.ExecContext(ctx, queryDeleteOutstandingBatch, taskID, batchIdentifier)
	if err != nil {
		return fmt.Errorf("delete outstanding batch: %w", err)
	}
	return nil
}

func (t *tx) AcquireFilledOutstandingBatch(ctx context.Context, taskID string, minSize int) (string, error) {
	var ident string
	err := t.sqlTx.QueryRowContext(ctx, queryAcquireFilledOutstandingBatch, taskID).Scan(&ident)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("acquire filled outstanding batch: %w", err)
	}
	return ident, nil
}

func (t *tx) GetBatch(ctx context.Context, taskID, batchIdentifier string, aggregationParam []byte) (*dap.Batch, error) {
	var b dap.Batch
	var state string
	err := t.sqlTx.QueryRowContext(ctx, queryGetBatch, taskID, batchIdentifier, aggregationParam).Scan(
		&b.TaskID, &b.BatchIdentifier, &b.AggregationParam, &state,
		&b.OutstandingAggregationJobs, &b.MinClientTimestamp, &b.MaxClientTimestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b.State = dap.BatchState(state)
	return &b, nil
}

func (t *tx) PutBatch(ctx context.Context, b *dap.Batch) error {
	_, err := t.sqlTx.ExecContext(ctx, queryPutBatch,
		b.TaskID, b.BatchIdentifier, b.AggregationParam, string(b.State),
		b.OutstandingAggregationJobs, b.MinClientTimestamp, b.MaxClientTimestamp,
	)
	if err != nil {
		return fmt.Errorf("put batch: %w", err)
	}
	return nil
}

func (t *tx) UpdateBatch(ctx context.Context, b *dap.Batch) error {
	res, err := t.sqlTx.ExecContext(ctx, queryUpdateBatch,
		b.TaskID, b.BatchIdentifier, b.AggregationParam, string(b.State),
		b.OutstandingAggregationJobs, b.MinClientTimestamp, b.MaxClientTimestamp,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	return requireOneRow(res, "update batch")
}

func (t *tx) GetBatchAggregationsForBatch(ctx context.Context, taskID, batchIdentifier string, aggregationParam []byte) ([]*dap.BatchAggregation, error) {
	rows, err := t.sqlTx.QueryContext(ctx, queryGetBatchAggregationsForBatch, taskID, batchIdentifier, aggregationParam)
	if err != nil {
		return nil, fmt.Errorf("get batch aggregations: %w", err)
	}
	defer rows.Close()

	var out []*dap.BatchAggregation
	for rows.Next() {
		ba, err := scanBatchAggregation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ba)
	}
	return out, rows.Err()
}

func (t *tx) IncrementBatchAggregationShard(ctx context.Context, delta *dap.BatchAggregation) error {
	var existing dap.BatchAggregation
	var checksum []byte
	err := t.sqlTx.QueryRowContext(ctx, queryLockBatchAggregationShard,
		delta.TaskID, delta.BatchIdentifier, delta.AggregationParam, delta.Ord,
	).Scan(&existing.AggregateShare, &existing.ReportCount, &checksum,
		&existing.MinClientTimestamp, &existing.MaxClientTimestamp)

	final := *delta
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no existing shard row: final is exactly the delta.
	case err != nil:
		return fmt.Errorf("lock batch aggregation shard: %w", err)
	default:
		copy(existing.Checksum[:], checksum)
		final.ReportCount = existing.ReportCount + delta.ReportCount
		for i := range final.Checksum {
			final.Checksum[i] = existing.Checksum[i] ^ delta.Checksum[i]
		}
		if existing.MinClientTimestamp.Before(final.MinClientTimestamp) {
			final.MinClientTimestamp = existing.MinClientTimestamp
		}
		if existing.MaxClientTimestamp.After(final.MaxClientTimestamp) {
			final.MaxClientTimestamp = existing.MaxClientTimestamp
		}
	}

	_, err = t.sqlTx.ExecContext(ctx, queryUpsertBatchAggregationShard,
		final.TaskID, final.BatchIdentifier, final.AggregationParam, final.Ord,
		final.AggregateShare, final.ReportCount, final.Checksum[:],
		final.MinClientTimestamp, final.MaxClientTimestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert batch aggregation shard: %w", err)
	}
	return nil
}

func scanBatchAggregation(rows *sql.Rows) (*dap.BatchAggregation, error) {
	var ba dap.BatchAggregation
	var checksum []byte
	if err := rows.Scan(
		&ba.TaskID, &ba.BatchIdentifier, &ba.AggregationParam, &ba.Ord,
		&ba.AggregateShare, &ba.ReportCount, &checksum,
		&ba.MinClientTimestamp, &ba.MaxClientTimestamp,
	); err != nil {
		return nil, fmt.Errorf("scan batch aggregation: %w", err)
	}
	copy(ba.Checksum[:], checksum)
	return &ba, nil
}

func (t *tx) GetCollectionJob(ctx context.Context, taskID, jobID string) (*dap.CollectionJob, error) {
	var cj dap.CollectionJob
	var state string
	var checksum []byte
	var intervalStart, intervalEnd sql.NullTime
	var batchIdentifier sql.NullString
	err := t.sqlTx.QueryRowContext(ctx, queryGetCollectionJob, taskID, jobID).Scan(
		&cj.TaskID, &cj.JobID, &intervalStart, &intervalEnd, &batchIdentifier, &cj.Query.CurrentBatch,
		&cj.AggregationParam, &state, &cj.LeaderAggregateShare, &cj.ReportCount, &checksum,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get collection job: %w", err)
	}
	cj.Query.IntervalStart = intervalStart.Time
	cj.Query.IntervalEnd = intervalEnd.Time
	cj.Query.BatchIdentifier = batchIdentifier.String
	cj.State = dap.CollectionJobState(state)
	copy(cj.Checksum[:], checksum)
	return &cj, nil
}

func (t *tx) PutCollectionJob(ctx context.Context, cj *dap.CollectionJob) error {
	_, err := t.sqlTx.ExecContext(ctx, queryPutCollectionJob,
		cj.TaskID, cj.JobID, nullTime(cj.Query.IntervalStart), nullTime(cj.Query.IntervalEnd),
		nullString(cj.Query.BatchIdentifier), cj.Query.CurrentBatch,
		cj.AggregationParam, string(cj.State), cj.LeaderAggregateShare, cj.ReportCount, cj.Checksum[:],
	)
	if err != nil {
		return fmt.Errorf("put collection job: %w", err)
	}
	return nil
}

func (t *tx) UpdateCollectionJob(ctx context.Context, cj *dap.CollectionJob) error {
	res, err := t.sqlTx.ExecContext(ctx, queryUpdateCollectionJob,
		cj.TaskID, cj.JobID, string(cj.State), cj.LeaderAggregateShare, cj.ReportCount, cj.Checksum[:],
	)
	if err != nil {
		return fmt.Errorf("update collection job: %w", err)
	}
	return requireOneRow(res, "update collection job")
}

func (t *tx) AcquireLeases(ctx context.Context, kind dap.ResourceKind, now time.Time, leaseFor time.Duration, maxLeases int) ([]*dap.Lease, error) {
	rows, err := t.sqlTx.QueryContext(ctx, queryFindAcquirableLeases, string(kind), now, maxLeases)
	if err != nil {
		return nil, fmt.Errorf("acquire leases: find candidates: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var k, resourceID string
		if err := rows.Scan(&k, &resourceID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("acquire leases: scan candidate: %w", err)
		}
		candidates = append(candidates, resourceID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	expiry := now.Add(leaseFor)
	out := make([]*dap.Lease, 0, len(candidates))
	for _, resourceID := range candidates {
		l := &dap.Lease{ResourceKind: kind, ResourceID: resourceID, Token: dap.NewLeaseToken(), Expiry: expiry}
		if err := t.sqlTx.QueryRowContext(ctx, queryStampLease, string(kind), resourceID, l.Token, expiry).Scan(&l.Attempts); err != nil {
			return nil, fmt.Errorf("acquire leases: stamp %s: %w", resourceID, err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *tx) ReleaseLease(ctx context.Context, l *dap.Lease) error {
	res, err := t.sqlTx.ExecContext(ctx, queryReleaseLease, string(l.ResourceKind), l.ResourceID, l.Token)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return requireOneRow(res, "release lease")
}

func (t *tx) UpdateLease(ctx context.Context, l *dap.Lease) error {
	_, err := t.sqlTx.ExecContext(ctx, queryUpdateLease, string(l.ResourceKind), l.ResourceID, l.Token, l.Expiry, l.Attempts)
	if err != nil {
		return fmt.Errorf("update lease: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
