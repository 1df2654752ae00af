package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
	"github.com/divviup/ppm-aggregator/internal/core/storage/storagetest"
)

type fakeDecrypter struct {
	rejectConfig  map[string]bool
	rejectDecrypt map[string]bool
}

func (d *fakeDecrypter) DecryptLeaderShare(task *dap.Task, reportID string, publicShare, leaderEncryptedInputShare []byte) (*dap.PlaintextInputShare, error) {
	if d.rejectConfig[reportID] {
		return nil, ErrHpkeUnknownConfig
	}
	if d.rejectDecrypt[reportID] {
		return nil, ErrHpkeDecryptFailed
	}
	return &dap.PlaintextInputShare{Payload: leaderEncryptedInputShare}, nil
}

func runWriterFor(t *testing.T, w *ReportWriter, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	<-done
}

func TestReportWriter_Submit_AcceptsAndPersistsReport(t *testing.T) {
	store := storagetest.New()
	task := &dap.Task{ID: "task-1"}
	w := NewReportWriter(store, &fakeDecrypter{}, WriterParams{BatchWindow: 5 * time.Millisecond, MaxBatchSize: 10})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	err := w.Submit(ctx, task, Upload{
		TaskID: task.ID, ReportID: "r1", ClientTimestamp: time.Unix(1000, 0).UTC(),
		PublicShare: []byte("pub"), LeaderEncryptedInputShare: []byte("leader-share"), HelperEncryptedInputShare: []byte("helper-share"),
	})
	require.NoError(t, err)

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		r, err := tx.GetReport(ctx, task.ID, "r1")
		require.NoError(t, err)
		require.Equal(t, dap.ReportUnaggregated, r.Lifecycle)
		require.Equal(t, []byte("leader-share"), r.LeaderEncryptedInputShare)
		require.Equal(t, []byte("helper-share"), r.HelperEncryptedInputShare)
		return nil
	}))
}

func TestReportWriter_Submit_CoalescesConcurrentUploadsIntoOneTransaction(t *testing.T) {
	store := storagetest.New()
	task := &dap.Task{ID: "task-1"}
	w := NewReportWriter(store, &fakeDecrypter{}, WriterParams{BatchWindow: 50 * time.Millisecond, MaxBatchSize: 1000})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errs <- w.Submit(ctx, task, Upload{
				TaskID: task.ID, ReportID: reportIDFor(task.ID, i), ClientTimestamp: time.Unix(2000, 0).UTC(),
				PublicShare: []byte("pub"), LeaderEncryptedInputShare: []byte("share"), HelperEncryptedInputShare: []byte("helper"),
			})
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Transaction) error {
		ids, err := tx.GetUnaggregatedClientReportIDsForTask(ctx, task.ID, n+10)
		require.NoError(t, err)
		require.Len(t, ids, n)
		return nil
	}))
}

func TestReportWriter_ValidateAndDecrypt_RejectsEachReason(t *testing.T) {
	store := storagetest.New()
	expired := &dap.Task{ID: "task-expired", Expiration: time.Unix(100, 0).UTC()}
	w := NewReportWriter(store, &fakeDecrypter{}, WriterParams{})
	w.now = func() time.Time { return time.Unix(200, 0).UTC() }

	_, reason := w.validateAndDecrypt(expired, Upload{ReportID: "r1", ClientTimestamp: time.Unix(150, 0).UTC()})
	require.Equal(t, dap.ReportRejectedTaskExpired, reason)

	age := time.Minute
	task := &dap.Task{ID: "task-1", ReportExpiryAge: &age}
	_, reason = w.validateAndDecrypt(task, Upload{ReportID: "r1", ClientTimestamp: time.Unix(0, 0).UTC()})
	require.Equal(t, dap.ReportRejectedExpired, reason)

	w2 := NewReportWriter(store, &fakeDecrypter{rejectConfig: map[string]bool{"r1": true}}, WriterParams{})
	w2.now = func() time.Time { return time.Unix(0, 0).UTC() }
	_, reason = w2.validateAndDecrypt(&dap.Task{ID: "task-1"}, Upload{ReportID: "r1"})
	require.Equal(t, dap.ReportRejectedOutdatedHpkeConfig, reason)

	w3 := NewReportWriter(store, &fakeDecrypter{rejectDecrypt: map[string]bool{"r1": true}}, WriterParams{})
	w3.now = func() time.Time { return time.Unix(0, 0).UTC() }
	_, reason = w3.validateAndDecrypt(&dap.Task{ID: "task-1"}, Upload{ReportID: "r1"})
	require.Equal(t, dap.ReportRejectedDecryptFailure, reason)

	_, reason = w.validateAndDecrypt(&dap.Task{ID: "task-1"}, Upload{ReportID: "ok"})
	require.Equal(t, dap.ReportRejectionReason(""), reason)
}

func TestReportWriter_Submit_RejectedUploadIncrementsCounterAndReturnsError(t *testing.T) {
	store := storagetest.New()
	task := &dap.Task{ID: "task-1"}
	w := NewReportWriter(store, &fakeDecrypter{rejectDecrypt: map[string]bool{"bad": true}}, WriterParams{BatchWindow: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	err := w.Submit(ctx, task, Upload{TaskID: task.ID, ReportID: "bad", ClientTimestamp: time.Unix(1000, 0).UTC()})
	require.Error(t, err)

	counts := w.Counters(task.ID)
	require.Equal(t, int64(1), counts[dap.ReportRejectedDecryptFailure])
}
