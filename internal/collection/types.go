package collection

import "time"

// CreateCollectionJobBody is the JSON body for POST .../collection_jobs.
type CreateCollectionJobBody struct {
	AggregationParam string     `json:"aggregation_param,omitempty"` // base64url
	BatchIdentifier  string     `json:"batch_identifier,omitempty"`
	CurrentBatch     bool       `json:"current_batch,omitempty"`
	IntervalStart    *time.Time `json:"interval_start,omitempty"`
	IntervalEnd      *time.Time `json:"interval_end,omitempty"`
}

// CollectionJobResponse is the JSON shape returned for create/get.
type CollectionJobResponse struct {
	TaskID               string `json:"task_id"`
	JobID                string `json:"job_id"`
	State                string `json:"state"`
	LeaderAggregateShare string `json:"leader_aggregate_share,omitempty"` // base64url, populated once Finished
	ReportCount          int64  `json:"report_count,omitempty"`
	Checksum             string `json:"checksum,omitempty"` // hex, populated once Finished
}
