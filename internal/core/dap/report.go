package dap

import "time"

// ReportLifecycle describes where a Report sits between upload and GC.
type ReportLifecycle string

const (
	ReportUnaggregated ReportLifecycle = "unaggregated"
	ReportAggregating  ReportLifecycle = "aggregating"
	ReportScrubbed     ReportLifecycle = "scrubbed"
)

// Extension is an (type, payload) pair carried in a report's plaintext input
// share. spec.md §4.6 requires rejecting reports with duplicate extension
// types.
type Extension struct {
	Type    uint16
	Payload []byte
}

// PlaintextInputShare is what HPKE decryption of an encrypted input share
// yields (spec.md §6).
type PlaintextInputShare struct {
	Extensions []Extension
	Payload    []byte
}

// Report is a client upload, addressed by (Task, ReportID) and carrying an
// HPKE-encrypted input share per aggregator plus the metadata needed to
// route and order it (spec.md §3).
type Report struct {
	TaskID          string
	ReportID        string
	ClientTimestamp time.Time // rounded down to task time precision on arrival

	PublicShare               []byte
	LeaderExtensions          []Extension
	LeaderEncryptedInputShare []byte // AEAD-encrypted at rest; wiped on scrub
	HelperEncryptedInputShare []byte // AEAD-encrypted at rest; wiped on scrub

	Lifecycle ReportLifecycle
}

// Scrubbed reports whether the report's plaintext shares have already been
// wiped (spec.md §3 / Testable Property 8).
func (r *Report) Scrubbed() bool { return r.Lifecycle == ReportScrubbed }

// ReportExpired reports whether the report has aged past the task's
// report_expiry_age, relative to now (spec.md §8 S7).
func (t *Task) ReportExpired(r *Report, now time.Time) bool {
	if t.ReportExpiryAge == nil {
		return false
	}
	return now.Sub(r.ClientTimestamp) > *t.ReportExpiryAge
}
