// Package lease implements the soft, expiring, tokenized mutex that lets
// multiple aggregation-job-driver or collection-job-driver processes share
// one Datastore without double-processing the same job (spec.md §3/§4.2).
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
	"github.com/divviup/ppm-aggregator/internal/core/storage"
)

// Manager acquires, renews, and releases Leases against a Datastore. One
// Manager instance is shared by every worker goroutine in a binary; the
// Datastore's transactional AcquireLeases handles cross-worker and
// cross-process contention, so Manager itself holds no locks.
type Manager struct {
	ds storage.Datastore

	// LeaseDuration is how long an acquired lease is held before it is
	// considered abandoned and eligible for re-acquisition by anyone.
	LeaseDuration time.Duration

	// ClockSkewAllowance is subtracted from LeaseDuration when a worker
	// decides whether it's safe to keep working on a lease it holds,
	// guarding against two workers both believing they own the same
	// resource near the lease's nominal expiry (spec.md §4.2).
	ClockSkewAllowance time.Duration

	// MaxAttempts is the number of lease acquisitions a resource may go
	// through before the driver gives up and abandons it outright
	// (spec.md §4.8 "maximum_attempts_before_failure").
	MaxAttempts int
}

// New builds a Manager. leaseDuration must exceed clockSkewAllowance.
func New(ds storage.Datastore, leaseDuration, clockSkewAllowance time.Duration, maxAttempts int) *Manager {
	return &Manager{ds: ds, LeaseDuration: leaseDuration, ClockSkewAllowance: clockSkewAllowance, MaxAttempts: maxAttempts}
}

// Acquire claims up to maxLeases expired leases of the given kind.
func (m *Manager) Acquire(ctx context.Context, kind dap.ResourceKind, now time.Time, maxLeases int) ([]*dap.Lease, error) {
	var leases []*dap.Lease
	err := m.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		var err error
		leases, err = tx.AcquireLeases(ctx, kind, now, m.LeaseDuration, maxLeases)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("lease: acquire: %w", err)
	}
	return leases, nil
}

// StillSafe reports whether now is early enough, relative to the lease's
// expiry less the clock-skew allowance, that the holder should keep
// working rather than stop and let the lease lapse.
func (m *Manager) StillSafe(l *dap.Lease, now time.Time) bool {
	return now.Before(l.Expiry.Add(-m.ClockSkewAllowance))
}

// Exhausted reports whether a lease has been attempted enough times that
// the resource it guards should be abandoned instead of retried again.
func (m *Manager) Exhausted(l *dap.Lease) bool {
	return m.MaxAttempts > 0 && l.Attempts >= m.MaxAttempts
}

// Release gives up a lease early, e.g. after successfully finishing its
// job, so another worker doesn't have to wait out the full duration to
// notice the resource is free. The lease row is kept, with its expiry reset
// so that it can be acquired again at once.
func (m *Manager) Release(ctx context.Context, l *dap.Lease) error {
	return m.ds.RunInTx(ctx, func(ctx context.Context, tx storage.Transaction) error {
		return tx.ReleaseLease(ctx, l)
	})
}

// Put seeds or re-stamps a lease row, used when a resource (aggregation
// job, collection job) is first created so it has a lease row to acquire.
func (m *Manager) Put(ctx context.Context, tx storage.Transaction, l *dap.Lease) error {
	return tx.UpdateLease(ctx, l)
}
