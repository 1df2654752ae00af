// Package storagetest is an in-memory fake of storage.Datastore, used the
// way the teacher's test_helpers.go mockEventStore/mockPreAggStore back
// aggregation tests without a real database: every driver and scheduler
// test in this repo runs against this fake rather than sqlmock, since the
// drivers exercise multi-statement transactional semantics (read-modify
// -write loops across reports, aggregation jobs, and batch aggregations)
// that are far more readable as a plain Go map than as a recorded SQL
// expectation script.
package storagetest

import (
	"context"
	"sync"
	"time"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
)

type reportKey struct{ taskID, reportID string }
type jobKey struct{ taskID, jobID string }
type reportAggKey struct{ taskID, jobID, reportID string }
type batchKey struct{ taskID, batchIdentifier, aggregationParam string }
type batchAggKey struct {
	taskID, batchIdentifier, aggregationParam string
	ord                                       int
}

// Store is an in-memory Datastore. Zero value is ready to use.
type Store struct {
	mu sync.Mutex

	reports            map[reportKey]*dap.Report
	aggregationJobs    map[jobKey]*dap.AggregationJob
	reportAggregations map[reportAggKey]*dap.ReportAggregation
	batches            map[batchKey]*dap.Batch
	outstandingBatches map[string]map[string]bool // taskID -> batchIdentifier set
	batchAggregations  map[batchAggKey]*dap.BatchAggregation
	collectionJobs     map[jobKey]*dap.CollectionJob
	leases             map[string]*dap.Lease // ResourceKind+":"+ResourceID
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		reports:            make(map[reportKey]*dap.Report),
		aggregationJobs:    make(map[jobKey]*dap.AggregationJob),
		reportAggregations: make(map[reportAggKey]*dap.ReportAggregation),
		batches:            make(map[batchKey]*dap.Batch),
		outstandingBatches: make(map[string]map[string]bool),
		batchAggregations:  make(map[batchAggKey]*dap.BatchAggregation),
		collectionJobs:     make(map[jobKey]*dap.CollectionJob),
		leases:             make(map[string]*dap.Lease),
	}
}

// RunInTx serializes all callers behind one lock: sufficient isolation for
// a test fake where transactions never run concurrently with themselves.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &tx{s: s})
}

type tx struct{ s *Store }

func (t *tx) GetUnaggregatedClientReportIDsForTask(ctx context.Context, taskID string, limit int) ([]string, error) {
	var ids []string
	for k, r := range t.s.reports {
		if k.taskID != taskID || r.Lifecycle != dap.ReportUnaggregated {
			continue
		}
		ids = append(ids, r.ReportID)
		if len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (t *tx) GetReport(ctx context.Context, taskID, reportID string) (*dap.Report, error) {
	r, ok := t.s.reports[reportKey{taskID, reportID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *tx) PutReport(ctx context.Context, report *dap.Report) error {
	cp := *report
	t.s.reports[reportKey{report.TaskID, report.ReportID}] = &cp
	return nil
}

func (t *tx) MarkReportsAggregating(ctx context.Context, taskID string, reportIDs []string) error {
	for _, id := range reportIDs {
		k := reportKey{taskID, id}
		r, ok := t.s.reports[k]
		if !ok {
			return storage.ErrNotFound
		}
		r.Lifecycle = dap.ReportAggregating
	}
	return nil
}

func (t *tx) ScrubClientReport(ctx context.Context, taskID, reportID string) error {
	r, ok := t.s.reports[reportKey{taskID, reportID}]
	if !ok {
		return storage.ErrNotFound
	}
	r.LeaderEncryptedInputShare = nil
	r.HelperEncryptedInputShare = nil
	r.PublicShare = nil
	r.LeaderExtensions = nil
	r.Lifecycle = dap.ReportScrubbed
	return nil
}

func (t *tx) PutAggregationJob(ctx context.Context, job *dap.AggregationJob) error {
	cp := *job
	t.s.aggregationJobs[jobKey{job.TaskID, job.JobID}] = &cp
	return nil
}

func (t *tx) GetAggregationJob(ctx context.Context, taskID, jobID string) (*dap.AggregationJob, error) {
	j, ok := t.s.aggregationJobs[jobKey{taskID, jobID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (t *tx) UpdateAggregationJob(ctx context.Context, job *dap.AggregationJob) error {
	k := jobKey{job.TaskID, job.JobID}
	if _, ok := t.s.aggregationJobs[k]; !ok {
		return storage.ErrNotFound
	}
	cp := *job
	t.s.aggregationJobs[k] = &cp
	return nil
}

func (t *tx) PutReportAggregations(ctx context.Context, reportAggregations []*dap.ReportAggregation) error {
	for _, ra := range reportAggregations {
		cp := *ra
		t.s.reportAggregations[reportAggKey{ra.TaskID, ra.JobID, ra.ReportID}] = &cp
	}
	return nil
}

func (t *tx) GetReportAggregationsForJob(ctx context.Context, taskID, jobID string) ([]*dap.ReportAggregation, error) {
	var out []*dap.ReportAggregation
	for k, ra := range t.s.reportAggregations {
		if k.taskID == taskID && k.jobID == jobID {
			cp := *ra
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *tx) UpdateReportAggregations(ctx context.Context, reportAggregations []*dap.ReportAggregation) error {
	for _, ra := range reportAggregations {
		k := reportAggKey{ra.TaskID, ra.JobID, ra.ReportID}
		if _, ok := t.s.reportAggregations[k]; !ok {
			return storage.ErrNotFound
		}
		cp := *ra
		t.s.reportAggregations[k] = &cp
	}
	return nil
}

func (t *tx) GetOutstandingBatchesForTask(ctx context.Context, taskID string, maxSize int) ([]*dap.OutstandingBatch, error) {
	var out []*dap.OutstandingBatch
	for ident := range t.s.outstandingBatches[taskID] {
		current := t.currentBatchSize(taskID, ident)
		out = append(out, &dap.OutstandingBatch{TaskID: taskID, BatchIdentifier: ident, MinSize: current, MaxSize: current})
	}
	return out, nil
}

// currentBatchSize sums the report aggregations of every job already
// assigned to batchIdentifier, i.e. how full the batch is before this run's
// packing begins.
func (t *tx) currentBatchSize(taskID, batchIdentifier string) int {
	var n int
	for jk, job := range t.s.aggregationJobs {
		if jk.taskID != taskID || job.PartialBatchID != batchIdentifier {
			continue
		}
		for rk := range t.s.reportAggregations {
			if rk.taskID == taskID && rk.jobID == job.JobID {
				n++
			}
		}
	}
	return n
}

func (t *tx) PutOutstandingBatch(ctx context.Context, taskID, batchIdentifier string) error {
	if t.s.outstandingBatches[taskID] == nil {
		t.s.outstandingBatches[taskID] = make(map[string]bool)
	}
	t.s.outstandingBatches[taskID][batchIdentifier] = true
	return nil
}

func (t *tx) DeleteOutstandingBatch(ctx context.Context, taskID, batchIdentifier string) error {
	delete(t.s.outstandingBatches[taskID], batchIdentifier)
	return nil
}

func (t *tx) AcquireFilledOutstandingBatch(ctx context.Context, taskID string, minSize int) (string, error) {
	for ident := range t.s.outstandingBatches[taskID] {
		k := batchKey{taskID, ident, ""}
		if ba, ok := t.s.batches[k]; ok && ba.OutstandingAggregationJobs == 0 {
			delete(t.s.outstandingBatches[taskID], ident)
			return ident, nil
		}
	}
	return "", storage.ErrNotFound
}

func (t *tx) GetBatch(ctx context.Context, taskID, batchIdentifier string, aggregationParam []byte) (*dap.Batch, error) {
	b, ok := t.s.batches[batchKey{taskID, batchIdentifier, string(aggregationParam)}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (t *tx) PutBatch(ctx context.Context, b *dap.Batch) error {
	cp := *b
	t.s.batches[batchKey{b.TaskID, b.BatchIdentifier, string(b.AggregationParam)}] = &cp
	return nil
}

func (t *tx) UpdateBatch(ctx context.Context, b *dap.Batch) error {
	k := batchKey{b.TaskID, b.BatchIdentifier, string(b.AggregationParam)}
	if _, ok := t.s.batches[k]; !ok {
		return storage.ErrNotFound
	}
	cp := *b
	t.s.batches[k] = &cp
	return nil
}

func (t *tx) GetBatchAggregationsForBatch(ctx context.Context, taskID, batchIdentifier string, aggregationParam []byte) ([]*dap.BatchAggregation, error) {
	var out []*dap.BatchAggregation
	for k, ba := range t.s.batchAggregations {
		if k.taskID == taskID && k.batchIdentifier == batchIdentifier && k.aggregationParam == string(aggregationParam) {
			cp := *ba
			out = append(out, &cp)
		}
	}
	return out, nil
}

// IncrementBatchAggregationShard upserts one shard row, merging report
// count, XOR-ing checksums, and widening the client timestamp span,
// mirroring the teacher's ON CONFLICT DO UPDATE accumulator merge
// (internal/core/storage/postgres/pre_aggregate_adapter.go Flush). The
// caller is responsible for combining AggregateShare via the task's VDAF
// before calling this, since the merge rule is VDAF-specific.
func (t *tx) IncrementBatchAggregationShard(ctx context.Context, delta *dap.BatchAggregation) error {
	k := batchAggKey{delta.TaskID, delta.BatchIdentifier, string(delta.AggregationParam), delta.Ord}
	existing, ok := t.s.batchAggregations[k]
	if !ok {
		cp := *delta
		t.s.batchAggregations[k] = &cp
		return nil
	}
	existing.AggregateShare = delta.AggregateShare
	existing.ReportCount += delta.ReportCount
	for i := range existing.Checksum {
		existing.Checksum[i] ^= delta.Checksum[i]
	}
	if delta.MinClientTimestamp.Before(existing.MinClientTimestamp) {
		existing.MinClientTimestamp = delta.MinClientTimestamp
	}
	if delta.MaxClientTimestamp.After(existing.MaxClientTimestamp) {
		existing.MaxClientTimestamp = delta.MaxClientTimestamp
	}
	return nil
}

func (t *tx) GetCollectionJob(ctx context.Context, taskID, jobID string) (*dap.CollectionJob, error) {
	j, ok := t.s.collectionJobs[jobKey{taskID, jobID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (t *tx) PutCollectionJob(ctx context.Context, job *dap.CollectionJob) error {
	cp := *job
	t.s.collectionJobs[jobKey{job.TaskID, job.JobID}] = &cp
	return nil
}

func (t *tx) UpdateCollectionJob(ctx context.Context, job *dap.CollectionJob) error {
	k := jobKey{job.TaskID, job.JobID}
	if _, ok := t.s.collectionJobs[k]; !ok {
		return storage.ErrNotFound
	}
	cp := *job
	t.s.collectionJobs[k] = &cp
	return nil
}

func leaseMapKey(kind dap.ResourceKind, resourceID string) string {
	return string(kind) + ":" + resourceID
}

func (t *tx) AcquireLeases(ctx context.Context, kind dap.ResourceKind, now time.Time, leaseFor time.Duration, maxLeases int) ([]*dap.Lease, error) {
	var out []*dap.Lease
	for _, l := range t.s.leases {
		if l.ResourceKind != kind || !l.Expired(now) {
			continue
		}
		l.Token = newToken()
		l.Expiry = now.Add(leaseFor)
		l.Attempts++
		cp := *l
		out = append(out, &cp)
		if len(out) >= maxLeases {
			break
		}
	}
	return out, nil
}

func (t *tx) ReleaseLease(ctx context.Context, lease *dap.Lease) error {
	k := leaseMapKey(lease.ResourceKind, lease.ResourceID)
	l, ok := t.s.leases[k]
	if !ok || l.Token != lease.Token {
		return storage.ErrNotFound
	}
	l.Expiry = time.Time{}
	return nil
}

func (t *tx) UpdateLease(ctx context.Context, lease *dap.Lease) error {
	k := leaseMapKey(lease.ResourceKind, lease.ResourceID)
	cp := *lease
	t.s.leases[k] = &cp
	return nil
}

// PutLeaseForTest seeds a lease row directly, bypassing the normal
// "job/batch creation implicitly creates its lease row" path, since tests
// need to control initial Expiry/Attempts precisely.
func (s *Store) PutLeaseForTest(l *dap.Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.leases[leaseMapKey(l.ResourceKind, l.ResourceID)] = &cp
}

var tokenCounter int

func newToken() string {
	tokenCounter++
	return "test-token-" + itoa(tokenCounter)
}

func itoa(n int) string {
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
