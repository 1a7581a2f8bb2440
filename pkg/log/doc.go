/*
Package log provides structured logging for the CloudPod orchestrator using zerolog.

A single package-level Logger is configured once by Init and shared by every
component. Components derive child loggers that carry a fixed field so that
log lines can be filtered per subsystem or per entity:

	quotaLog := log.WithComponent("quota")
	quotaLog.Info().Str("tenant_id", tenantID).Msg("quota created")

	jobLog := log.WithJobID("backup", job.ID)
	jobLog.Error().Err(err).Int("attempt", job.AttemptsMade).Msg("job failed")

# Output

JSON output is intended for production and log shipping:

	{"level":"info","component":"queue","queue":"create","job_id":"create-101-1760000000000","time":"...","message":"job completed"}

Console output is intended for development and the CLI:

	10:30:01 INF job completed component=queue job_id=create-101-1760000000000 queue=create

# Levels

Debug, Info, Warn and Error filter globally through zerolog.SetGlobalLevel.
Fatal logs and exits the process and is reserved for cmd/cloudpodd startup.

Never log secrets: SSH key material, database passwords and Redis passwords are
kept out of every log field.
*/
package log
