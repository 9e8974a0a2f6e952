package postgres

// SQL statements for the control-plane schema. Every statement here is a
// single atomic operation — the store never opens a multi-statement
// transaction.

const (
	instanceColumns = `
		instance_id, site_id, site_url, status, pending_reason,
		site_pub_key, site_key_alg, minute_of_day, next_run_at,
		last_seen_at, last_success_at, app_version, build_id, commit_sha,
		built_at, created_at, updated_at
	`

	queryGetInstanceBySiteID = `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE site_id = $1
	`

	queryGetInstanceByID = `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE instance_id = $1
	`

	// queryUpsertInstance is the registration upsert. site_pub_key, site_key_alg
	// and minute_of_day are intentionally excluded from the DO UPDATE SET list:
	// on conflict they keep the row's existing (first-sync) value, implementing
	// trust-on-first-use key pinning and one-time minute assignment.
	queryUpsertInstance = `
		INSERT INTO instances (
			instance_id, site_id, site_url, status, pending_reason,
			site_pub_key, site_key_alg, minute_of_day, next_run_at,
			last_seen_at, app_version, build_id, commit_sha, built_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (site_id) DO UPDATE SET
			site_url       = EXCLUDED.site_url,
			status         = EXCLUDED.status,
			pending_reason = EXCLUDED.pending_reason,
			next_run_at    = EXCLUDED.next_run_at,
			last_seen_at   = EXCLUDED.last_seen_at,
			app_version    = EXCLUDED.app_version,
			build_id       = EXCLUDED.build_id,
			commit_sha     = EXCLUDED.commit_sha,
			built_at       = EXCLUDED.built_at,
			updated_at     = now()
		RETURNING ` + instanceColumns

	queryInsertBuildEvent = `
		INSERT INTO build_events (instance_id, idempotency_key, app_version, build_id, commit_sha, built_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instance_id, idempotency_key) DO NOTHING
		RETURNING id
	`

	queryDisableInstance = `
		UPDATE instances
		SET status = 'disabled', next_run_at = NULL, pending_reason = $2, updated_at = now()
		WHERE site_id = $1
		RETURNING ` + instanceColumns

	queryListDueInstances = `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE status = 'active' AND pending_reason IS NULL AND site_url IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`

	queryAdvanceNextRun = `
		UPDATE instances SET next_run_at = $2, updated_at = now() WHERE instance_id = $1
	`

	queryUpdateLastSuccess = `
		UPDATE instances SET last_success_at = $2, last_seen_at = $2, updated_at = now() WHERE instance_id = $1
	`

	// queryReserveMinuteSlot is the single-upsert quota admission statement.
	// The WHERE clause on the conflict path makes the increment conditional: the row is
	// only returned (and the increment applied) if it would not push total_count over
	// max_per_minute. A zero-row result means the minute is full.
	queryReserveMinuteSlot = `
		INSERT INTO dispatch_minute_load (minute_start, scheduled_count, retry_count, total_count)
		VALUES ($1, $2, $3, $2 + $3)
		ON CONFLICT (minute_start) DO UPDATE SET
			scheduled_count = dispatch_minute_load.scheduled_count + EXCLUDED.scheduled_count,
			retry_count     = dispatch_minute_load.retry_count + EXCLUDED.retry_count,
			total_count     = dispatch_minute_load.total_count + EXCLUDED.total_count,
			updated_at      = now()
		WHERE dispatch_minute_load.total_count + EXCLUDED.total_count <= $4
		RETURNING minute_start, scheduled_count, retry_count, total_count, created_at, updated_at
	`

	queryCreateDelivery = `
		INSERT INTO deliveries (id, instance_id, scheduled_for, enqueued_at, status, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	queryMarkDeliveryDelivered = `
		UPDATE deliveries
		SET status = 'delivered', response_status = $2, accepted = true, dedup_hit = $3, completed_at = $4, attempt_count = attempt_count + 1
		WHERE id = $1
	`

	queryMarkDeliveryFailed = `
		UPDATE deliveries
		SET status = 'failed', response_status = $2, last_error_code = $3, last_error_msg = $4, attempt_count = attempt_count + 1
		WHERE id = $1
	`

	queryMarkDeliveryDead = `
		UPDATE deliveries
		SET status = 'dead', last_error_code = $2, last_error_msg = $3, completed_at = $4
		WHERE id = $1
	`

	queryRecordAttempt = `
		INSERT INTO delivery_attempts (delivery_id, attempt_no, started_at, finished_at, http_status, timed_out, error_code, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	queryInsertTelemetrySample = `
		INSERT INTO telemetry_samples (
			delivery_id, instance_id, schema_ver, accepted, dedup_hit,
			protocol_verify_ms, protocol_ok, cron_jobs_run, cron_jobs_failed,
			disk_free_bytes, app_uptime_seconds, collected_at, raw_json
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (delivery_id) DO NOTHING
	`

	queryPruneTelemetryOlderThan   = `DELETE FROM telemetry_samples WHERE created_at < $1`
	queryPruneHourlyOlderThan      = `DELETE FROM telemetry_hourly WHERE bucket_hour < $1`
	queryPruneBuildEventsOlderThan = `DELETE FROM build_events WHERE created_at < $1`
	queryPruneMinuteLoadOlderThan  = `DELETE FROM dispatch_minute_load WHERE minute_start < $1`

	// queryRecomputeHourlyAggregates rebuilds telemetry_hourly from the raw window
	// of samples collected at or after $1, via a group-by-hour upsert.
	queryRecomputeHourlyAggregates = `
		INSERT INTO telemetry_hourly (
			instance_id, bucket_hour, sample_count, avg_protocol_verify,
			max_protocol_verify, sum_cron_jobs_run, sum_cron_jobs_failed, updated_at
		)
		SELECT
			instance_id,
			date_trunc('hour', collected_at) AS bucket_hour,
			count(*),
			avg(protocol_verify_ms),
			max(protocol_verify_ms),
			sum(cron_jobs_run),
			sum(cron_jobs_failed),
			now()
		FROM telemetry_samples
		WHERE collected_at >= $1
		GROUP BY instance_id, date_trunc('hour', collected_at)
		ON CONFLICT (instance_id, bucket_hour) DO UPDATE SET
			sample_count         = EXCLUDED.sample_count,
			avg_protocol_verify  = EXCLUDED.avg_protocol_verify,
			max_protocol_verify  = EXCLUDED.max_protocol_verify,
			sum_cron_jobs_run    = EXCLUDED.sum_cron_jobs_run,
			sum_cron_jobs_failed = EXCLUDED.sum_cron_jobs_failed,
			updated_at           = now()
	`

	queryUpsertSigningKey = `
		INSERT INTO cloud_signing_keys (kid, status, material, retire_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (kid) DO UPDATE SET
			status = EXCLUDED.status, material = EXCLUDED.material, retire_at = EXCLUDED.retire_at, updated_at = now()
	`

	queryListSigningKeys = `
		SELECT kid, status, material, retire_at, updated_at FROM cloud_signing_keys ORDER BY kid
	`
)
