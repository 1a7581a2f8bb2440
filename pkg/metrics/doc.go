/*
Package metrics provides Prometheus metrics and health endpoints for
cloudpodd.

All metrics are package-level collectors registered with the default registry
at init and exposed by Handler:

	cloudpods_jobs_enqueued_total{queue}
	cloudpods_jobs_processed_total{queue,result}
	cloudpods_job_duration_seconds{queue}
	cloudpods_queue_jobs{queue,state}
	cloudpods_quota_decisions_total{operation,result}
	cloudpods_quota_used{tenant,resource}
	cloudpods_quota_limit{tenant,resource}
	cloudpods_backups_total{type,result}
	cloudpods_backup_duration_seconds{type}
	cloudpods_retention_deleted_total
	cloudpods_backups_scheduled_total
	cloudpods_reconciliation_duration_seconds
	cloudpods_reconciliation_cycles_total
	cloudpods_pods_unhealthy

Counters and histograms are updated inline by the components that own the
event. Gauges mirroring stored state (queue depth, quota usage) are refreshed
by a Collector every 15 seconds.

Durations are measured with Timer:

	timer := metrics.NewTimer()
	err := handle(job)
	timer.ObserveDurationVec(metrics.JobDuration, job.Queue)

# Health

Components report their state with RegisterComponent / UpdateComponent.
HealthHandler reports every component, ReadyHandler only the critical ones
(store, queue, workers), and LivenessHandler always answers while the process
runs. cloudpodd mounts them on /health, /ready and /live next to /metrics.
*/
package metrics
