package postgres

const (
	queryGetUnaggregatedReportIDs = `
		SELECT report_id FROM reports
		WHERE task_id = $1 AND lifecycle = 'unaggregated'
		ORDER BY client_timestamp
		LIMIT $2
	`

	queryGetReport = `
		SELECT task_id, report_id, client_timestamp, public_share,
			leader_encrypted_input_share, helper_encrypted_input_share, lifecycle
		FROM reports WHERE task_id = $1 AND report_id = $2
	`

	queryPutReport = `
		INSERT INTO reports (
			task_id, report_id, client_timestamp, public_share,
			leader_encrypted_input_share, helper_encrypted_input_share, lifecycle
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id, report_id) DO NOTHING
	`

	queryMarkReportAggregating = `
		UPDATE reports SET lifecycle = 'aggregating' WHERE task_id = $1 AND report_id = $2
	`

	queryScrubReport = `
		UPDATE reports SET
			public_share = NULL,
			leader_encrypted_input_share = NULL,
			helper_encrypted_input_share = NULL,
			lifecycle = 'scrubbed'
		WHERE task_id = $1 AND report_id = $2
	`

	queryPutAggregationJob = `
		INSERT INTO aggregation_jobs (
			task_id, job_id, aggregation_param, partial_batch_id,
			min_client_timestamp, max_client_timestamp, step, state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	queryGetAggregationJob = `
		SELECT task_id, job_id, aggregation_param, partial_batch_id,
			min_client_timestamp, max_client_timestamp, step, state
		FROM aggregation_jobs WHERE task_id = $1 AND job_id = $2
	`

	queryUpdateAggregationJob = `
		UPDATE aggregation_jobs SET step = $3, state = $4
		WHERE task_id = $1 AND job_id = $2
	`

	queryPutReportAggregation = `
		INSERT INTO report_aggregations (
			task_id, job_id, report_id, ord, state,
			public_share, leader_input_share, helper_encrypted_input_share,
			transition, helper_prep_state, output_share, prepare_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (task_id, job_id, report_id) DO UPDATE SET
			state = EXCLUDED.state,
			transition = EXCLUDED.transition,
			helper_prep_state = EXCLUDED.helper_prep_state,
			output_share = EXCLUDED.output_share,
			prepare_error = EXCLUDED.prepare_error
	`

	queryGetReportAggregationsForJob = `
		SELECT task_id, job_id, report_id, ord, state,
			public_share, leader_input_share, helper_encrypted_input_share,
			transition, helper_prep_state, output_share, prepare_error
		FROM report_aggregations WHERE task_id = $1 AND job_id = $2 ORDER BY ord
	`

	queryGetOutstandingBatches = `
		SELECT task_id, batch_identifier FROM outstanding_batches WHERE task_id = $1
	`

	queryPutOutstandingBatch = `
		INSERT INTO outstanding_batches (task_id, batch_identifier) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`

	queryDeleteOutstandingBatch = `
		DELETE FROM outstanding_batches WHERE task_id = $1 AND batch_identifier = $2
	`

	queryAcquireFilledOutstandingBatch = `
		SELECT ob.batch_identifier
		FROM outstanding_batches ob
		JOIN batches b ON b.task_id = ob.task_id AND b.batch_identifier = ob.batch_identifier
		WHERE ob.task_id = $1 AND b.outstanding_aggregation_jobs = 0
		LIMIT 1
		FOR UPDATE OF ob SKIP LOCKED
	`

	queryGetBatch = `
		SELECT task_id, batch_identifier, aggregation_param, state,
			outstanding_aggregation_jobs, min_client_timestamp, max_client_timestamp
		FROM batches WHERE task_id = $1 AND batch_identifier = $2 AND aggregation_param = $3
	`

	queryPutBatch = `
		INSERT INTO batches (
			task_id, batch_identifier, aggregation_param, state,
			outstanding_aggregation_jobs, min_client_timestamp, max_client_timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	queryUpdateBatch = `
		UPDATE batches SET state = $4, outstanding_aggregation_jobs = $5,
			min_client_timestamp = $6, max_client_timestamp = $7
		WHERE task_id = $1 AND batch_identifier = $2 AND aggregation_param = $3
	`

	queryGetBatchAggregationsForBatch = `
		SELECT task_id, batch_identifier, aggregation_param, ord,
			aggregate_share, report_count, checksum, min_client_timestamp, max_client_timestamp
		FROM batch_aggregations
		WHERE task_id = $1 AND batch_identifier = $2 AND aggregation_param = $3
	`

	// queryLockBatchAggregationShard locks one shard row (if it already
	// exists) so its report_count/checksum can be folded with the incoming
	// delta in Go before being written back; queryUpsertBatchAggregationShard
	// then writes the final, already-merged values. Splitting the merge this
	// way keeps the XOR checksum fold (byte-wise, not a SQL-native operator
	// on bytea) out of SQL while still reusing one transaction for the
	// lock-then-write pair, the same shape as the teacher's checkpoint
	// lock-then-upsert in Flush.
	queryLockBatchAggregationShard = `
		SELECT aggregate_share, report_count, checksum, min_client_timestamp, max_client_timestamp
		FROM batch_aggregations
		WHERE task_id = $1 AND batch_identifier = $2 AND aggregation_param = $3 AND ord = $4
		FOR UPDATE
	`

	queryUpsertBatchAggregationShard = `
		INSERT INTO batch_aggregations (
			task_id, batch_identifier, aggregation_param, ord,
			aggregate_share, report_count, checksum, min_client_timestamp, max_client_timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id, batch_identifier, aggregation_param, ord) DO UPDATE SET
			aggregate_share = EXCLUDED.aggregate_share,
			report_count = EXCLUDED.report_count,
			checksum = EXCLUDED.checksum,
			min_client_timestamp = EXCLUDED.min_client_timestamp,
			max_client_timestamp = EXCLUDED.max_client_timestamp
	`

	queryGetCollectionJob = `
		SELECT task_id, job_id, interval_start, interval_end, batch_identifier, current_batch,
			aggregation_param, state, leader_aggregate_share, report_count, checksum
		FROM collection_jobs WHERE task_id = $1 AND job_id = $2
	`

	queryPutCollectionJob = `
		INSERT INTO collection_jobs (
			task_id, job_id, interval_start, interval_end, batch_identifier, current_batch,
			aggregation_param, state, leader_aggregate_share, report_count, checksum
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	queryUpdateCollectionJob = `
		UPDATE collection_jobs SET state = $3, leader_aggregate_share = $4,
			report_count = $5, checksum = $6
		WHERE task_id = $1 AND job_id = $2
	`

	// queryFindAcquirableLeases selects candidate rows; each is then
	// re-stamped with a fresh token by a separate per-row UPDATE so that
	// every acquired lease gets a distinct token (a batched UPDATE could
	// only assign one token to every matched row).
	queryFindAcquirableLeases = `
		SELECT resource_kind, resource_id
		FROM leases
		WHERE resource_kind = $1 AND expiry < $2
		ORDER BY expiry
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`

	queryStampLease = `
		UPDATE leases SET token = $3, expiry = $4, attempts = attempts + 1
		WHERE resource_kind = $1 AND resource_id = $2
		RETURNING attempts
	`

	queryReleaseLease = `
		UPDATE leases SET expiry = TIMESTAMP 'epoch'
		WHERE resource_kind = $1 AND resource_id = $2 AND token = $3
	`

	queryUpdateLease = `
		INSERT INTO leases (resource_kind, resource_id, token, expiry, attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_kind, resource_id) DO UPDATE SET
			token = EXCLUDED.token, expiry = EXCLUDED.expiry, attempts = EXCLUDED.attempts
	`
)
