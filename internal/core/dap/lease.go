package dap

import "time"

// ResourceKind names the kind of work item a Lease guards.
type ResourceKind string

const (
	ResourceAggregationJob ResourceKind = "aggregation_job"
	ResourceCollectionJob  ResourceKind = "collection_job"
)

// Lease is a soft, expiring, tokenized mutex stored alongside the guarded
// row (spec.md §3/§4.2). Acquisition atomically selects a row whose lease
// has expired, bumps Attempts, and issues a fresh Token.
type Lease struct {
	ResourceKind ResourceKind
	ResourceID   string // (task_id, job_id) encoded as a single string key
	Token        string
	Expiry       time.Time
	Attempts     int
}

// Expired reports whether the lease is available for (re-)acquisition.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.Expiry)
}

// AggregationJobResourceID builds the ResourceID a lease on (taskID, jobID)
// is stored under.
func AggregationJobResourceID(taskID, jobID string) string {
	return taskID + "/" + jobID
}

// CollectionJobResourceID builds the ResourceID a lease on (taskID, jobID)
// is stored under.
func CollectionJobResourceID(taskID, jobID string) string {
	return taskID + "/" + jobID
}
