// Package aggregation implements the leader-side aggregation pipeline: the
// Report Writer/Batcher, Aggregation Job Creator, Aggregation Job Writer,
// Accumulator, and Aggregation Job Driver (spec.md §2).
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
)

// ErrHpkeUnknownConfig is returned by Decrypter when the report's HPKE
// config id is not one the leader currently holds a private key for
// (spec.md §7 HpkeUnknownConfigId).
var ErrHpkeUnknownConfig = errors.New("reportwriter: unknown hpke config id")

// ErrHpkeDecryptFailed is returned by Decrypter when HPKE decryption itself
// fails (wrong key, corrupt ciphertext, AAD mismatch).
var ErrHpkeDecryptFailed = errors.New("reportwriter: hpke decrypt failed")

// Decrypter opens a client's HPKE-encrypted input share into the leader's
// plaintext share plus the matching helper-bound ciphertext to forward
// on. It is the out-of-scope "HPKE primitive implementations" collaborator
// (spec.md §1): this package depends only on the interface.
type Decrypter interface {
	DecryptLeaderShare(task *dap.Task, reportID string, publicShare, leaderEncryptedInputShare []byte) (*dap.PlaintextInputShare, error)
}

// Upload is one report as received from the out-of-scope HTTP upload
// endpoint, already separated into its leader- and helper-bound shares.
type Upload struct {
	TaskID                    string
	ReportID                  string
	ClientTimestamp           time.Time
	PublicShare               []byte
	LeaderEncryptedInputShare []byte
	HelperEncryptedInputShare []byte
}

// pendingUpload pairs an Upload with the channel its caller is blocked on.
type pendingUpload struct {
	task   *dap.Task
	upload Upload
	result chan error
}

// WriterParams controls batching cadence and capacity.
type WriterParams struct {
	// BatchWindow is how long the writer accumulates uploads before
	// committing whatever has arrived as one transaction.
	BatchWindow time.Duration

	// MaxBatchSize caps how many uploads one transaction commits, so a
	// burst doesn't grow one transaction without bound; reaching it
	// flushes immediately instead of waiting out BatchWindow.
	MaxBatchSize int

	// QueueCapacity bounds the writer's inbound channel; Submit blocks
	// (or returns ctx.Err()) once it's full, applying backpressure to
	// callers instead of growing memory without bound.
	QueueCapacity int

	// TooEarlyTolerance is how far into the future a report's
	// client_timestamp may be (clock skew allowance) before it is
	// rejected as TooEarly.
	TooEarlyTolerance time.Duration
}

func (p WriterParams) normalized() WriterParams {
	if p.BatchWindow <= 0 {
		p.BatchWindow = 100 * time.Millisecond
	}
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = 1000
	}
	if p.QueueCapacity <= 0 {
		p.QueueCapacity = 10000
	}
	return p
}

// ReportWriter is the bounded-queue Report Writer/Batcher (spec.md §2): callers
// Submit uploads concurrently; one background goroutine coalesces
// everything that arrives within one batch window into a single Datastore
// transaction, then routes the per-report outcome back to each caller.
// Directly descended from the teacher's ingestion Service, which fed one
// HTTP request straight to storage per call — this generalizes that to a
// queue drained in timed batches, since a leader aggregator's upload
// volume makes one transaction per report prohibitively expensive.
type ReportWriter struct {
	ds        storage.Datastore
	decrypter Decrypter
	params    WriterParams
	counters  map[string]*dap.UploadCounters

	queue chan *pendingUpload
	now   func() time.Time
}

// NewReportWriter builds a ReportWriter. Call Run in its own goroutine to start
// draining the queue.
func NewReportWriter(ds storage.Datastore, decrypter Decrypter, params WriterParams) *ReportWriter {
	return &ReportWriter{
		ds:        ds,
		decrypter: decrypter,
		params:    params.normalized(),
		counters:  make(map[string]*dap.UploadCounters),
		queue:     make(chan *pendingUpload, params.normalized().QueueCapacity),
		now:       time.Now,
	}
}

// Counters returns the per-task upload-rejection tallies, for a metrics
// exporter to read (spec.md §7: "surfaced via the metrics interface", the
// exporter itself out of scope).
func (w *ReportWriter) Counters(taskID string) map[dap.ReportRejectionReason]int64 {
	c, ok := w.counters[taskID]
	if !ok {
		return nil
	}
	return c.Snapshot()
}

func (w *ReportWriter) counterFor(taskID string) *dap.UploadCounters {
	c, ok := w.counters[taskID]
	if !ok {
		c = dap.NewUploadCounters()
		w.counters[taskID] = c
	}
	return c
}

// Submit enqueues one upload and blocks until it has been committed (or
// rejected) by a batch, or ctx is cancelled first.
func (w *ReportWriter) Submit(ctx context.Context, task *dap.Task, u Upload) error {
	p := &pendingUpload{task: task, upload: u, result: make(chan error, 1)}
	select {
	case w.queue <- p:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled, committing one batch per
// window (or sooner, once MaxBatchSize is reached). On return, every
// pendingUpload still queued is failed with ctx.Err() so no caller is left
// blocked forever.
func (w *ReportWriter) Run(ctx context.Context) {
	slog.Info("[ReportWriter] Starting", "batch_window", w.params.BatchWindow, "max_batch_size", w.params.MaxBatchSize)

	ticker := time.NewTicker(w.params.BatchWindow)
	defer ticker.Stop()

	var batch []*pendingUpload
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.commitBatch(ctx, batch)
		batch = nil
	}

	for {
		select {
		case p := <-w.queue:
			batch = append(batch, p)
			if len(batch) >= w.params.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			w.drainRemaining(ctx)
			slog.Info("[ReportWriter] Stopped")
			return
		}
	}
}

// drainRemaining fails every upload still sitting in the queue after Run
// has stopped accepting new batches, so Submit callers don't hang.
func (w *ReportWriter) drainRemaining(ctx context.Context) {
	for {
		select {
		case p := <-w.queue:
			p.result <- ctx.Err()
		default:
			return
		}
	}
}

// commitBatch decrypts and validates every pending upload, then writes the
// survivors as unaggregated reports in one transaction (spec.md §2: "uploads
// -> Report Writer -> Datastore (unaggregated)").
func (w *ReportWriter) commitBatch(ctx context.Context, batch []*pendingUpload) {
	type prepared struct {
		p      *pendingUpload
		report *dap.Report
	}
	var ok []prepared

	for _, p := range batch {
		report, reason := w.validateAndDecrypt(p.task, p.upload)
		if reason != "" {
			w.counterFor(p.task.ID).Incr(reason)
			p.result <- fmt.Errorf("reportwriter: report %q rejected: %s", p.upload.ReportID, reason)
			continue
		}
		ok = append(ok, prepared{p: p, report: report})
	}
	if len(ok) == 0 {
		return
	}

	err := w.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		for _, item := range ok {
			if err := tx.PutReport(ctx, item.report); err != nil {
				return err
			}
		}
		return nil
	})

	for _, item := range ok {
		item.p.result <- err
	}
}

// validateAndDecrypt applies the upload-time rejection checks of spec.md §7
// (TaskExpired, Expired, TooEarly, OutdatedHpkeConfig/DecryptFailure,
// DecodeFailure) and, on success, builds the Report to persist. An empty
// reason means the upload is accepted.
func (w *ReportWriter) validateAndDecrypt(task *dap.Task, u Upload) (*dap.Report, dap.ReportRejectionReason) {
	now := w.now()

	if task.Expired(now) {
		return nil, dap.ReportRejectedTaskExpired
	}

	ts := task.TruncateToPrecision(u.ClientTimestamp)
	if task.ReportExpiryAge != nil && now.Sub(ts) > *task.ReportExpiryAge {
		return nil, dap.ReportRejectedExpired
	}
	if w.params.TooEarlyTolerance > 0 && ts.Sub(now) > w.params.TooEarlyTolerance {
		return nil, dap.ReportRejectedTooEarly
	}

	plaintext, err := w.decrypter.DecryptLeaderShare(task, u.ReportID, u.PublicShare, u.LeaderEncryptedInputShare)
	if err != nil {
		switch {
		case errors.Is(err, ErrHpkeUnknownConfig):
			return nil, dap.ReportRejectedOutdatedHpkeConfig
		case errors.Is(err, ErrHpkeDecryptFailed):
			return nil, dap.ReportRejectedDecryptFailure
		default:
			return nil, dap.ReportRejectedDecodeFailure
		}
	}

	return &dap.Report{
		TaskID:                    u.TaskID,
		ReportID:                  u.ReportID,
		ClientTimestamp:           ts,
		PublicShare:               u.PublicShare,
		LeaderExtensions:          plaintext.Extensions,
		LeaderEncryptedInputShare: plaintext.Payload,
		HelperEncryptedInputShare: u.HelperEncryptedInputShare,
		Lifecycle:                 dap.ReportUnaggregated,
	}, ""
}
