/*
Package health checks that CloudPod containers are running and tracks their
health over consecutive checks.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴───────────┐
	    ▼                ▼
	┌──────────┐    ┌──────────┐
	│   Pct    │    │   TCP    │
	│ Checker  │    │ Checker  │
	└──────────┘    └──────────┘
	 pct status      podIP:port
	 on the node     (optional)

The Monitor runs the pct check first and, when configured with a TCP port and
the pod has an address, a TCP probe. It keeps a Status per pod:

	healthy ──(Retries consecutive failures)──▶ unhealthy
	   ▲                                           │
	   └──────────────(one success)────────────────┘

Each transition publishes pod.unhealthy or pod.recovered and updates the
cloudpods_pods_unhealthy gauge.

# Sweeps

The health queue's scheduled sentinel job (vmid 0, cloudPodId "all") calls
Sweep, which checks every active pod placed on a node. Pods that are no longer
active are forgotten after a complete sweep. A single-pod job calls
CheckPodByID.

A failed health check is a result, not an error: the monitor records it and
the job completes. Only failing to enumerate pods fails the job.
*/
package health
