/*
Package orchestrator ties quota admission, the job queues and the backup
engine into the CloudPod lifecycle.

A Context is built once per process (Open from configuration, or New from
already opened collaborators in tests) and handed to everything that needs
it. It carries the store, quota engine, queue manager, backup engine,
hypervisor executor, audit logger, event broker and health monitor.

# Producers

	RequestCreate   validate → derive job ID → duplicate? return existing
	                → reserve quota (atomic) → register pod (provisioning)
	                → enqueue create; undo reservation if either step fails
	RequestScale    reserve growth → enqueue scale; release on enqueue failure
	RequestDestroy  enqueue destroy
	RequestBackup   enqueue manual backup
	RequestHealthCheck  enqueue single-pod health check

A quota denial is returned as Admission.Decision with no error.

# Consumers

Handle is the worker pool's handler. It decodes the job payload and switches
on its type:

	CreatePayload   pct status → pct create (if absent) → pct start → active
	DestroyPayload  pct status → pct stop (if running) → pct destroy → deleted,
	                usage released once
	BackupPayload   TriggerBackup, then EnforceRetention for policy backups
	HealthPayload   Sweep for the sentinel, else CheckPodByID
	ScalePayload    optional snapshot → pct set → record size → settle quota

Missing records, invalid payloads and failed preconditions are permanent and
skip the remaining attempts.

# Compensation

OnFailed runs after a job exhausts its attempts. A failed create releases its
reservation and marks the pod deleted; the container is not destroyed since
the VMID may belong to another container. A failed scale releases the
reserved growth unless the pod already has the new size.
*/
package orchestrator
