/*
Package backup manages backup policies and runs backups of CloudPods on their
Proxmox node.

A BackupPolicy schedules backups for one pod, or for every pod of a tenant
when PodID is nil. Schedules are cron expressions or one of the named
cadences hourly, daily, weekly and monthly. The Engine only evaluates
schedules on request (NextRun, DueSlot); dispatching due policies is the
scheduler's job.

# Backup lifecycle

	pending ──▶ running ──▶ completed
	                   └──▶ failed

TriggerBackup creates the record in pending before any hypervisor command
runs, so a failure always leaves a failed backup carrying the error message.
Snapshots are named backup_{YYYYMMDDTHHMMSSZ} and restored with pct rollback.
Full backups are vzdump archives; restoring them is not supported and fails
with errdefs.ErrNotImplemented without touching any state.

# Retention

EnforceRetention keeps the newest RetentionCount completed backups of a
policy and deletes the rest sequentially, newest first. A deletion that fails
is logged and skipped, and the returned count only includes successful
deletions.

Every policy and backup mutation is reported to the audit logger. Audit
failures never reach the caller.
*/
package backup
