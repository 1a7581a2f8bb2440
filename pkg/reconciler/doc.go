/*
Package reconciler keeps stored quota usage in step with the pods it counts.

Usage counters are maintained incrementally: reserved on request, released by
compensation when a job fails, settled after a resize. Any step that cannot
complete (a crash between two writes, a failed compensation) leaves the
counter wrong. The reconciler periodically rebuilds every tenant's usage from
its provisioning and active pods and overwrites the stored tally.

# Cycle

	┌────────────────────────────────────────────────────────────┐
	│                  Reconciliation Loop                       │
	│                  (every 15 minutes)                        │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	  For each tenant with a quota record:
	    • sum cores, RAM and disk of counted pods
	    • overwrite usage under the quota row lock
	    • mirror usage and limits into the quota gauges
	    • report a Drift when the stored value changed

A failing tenant does not stop the cycle; errors are aggregated and returned
together.

# Metrics

	cloudpods_reconciliation_duration_seconds
	cloudpods_reconciliation_cycles_total
*/
package reconciler
