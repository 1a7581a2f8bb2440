/*
Package quota implements per-tenant admission control and resource
accounting for CloudPods.

A tenant's quota holds limits (pods, CPU cores, RAM MB, disk GB) and the
usage committed against them. The record is created lazily with the
configured defaults the first time a tenant is seen.

# Admission

Capacity checks compare the prospective total with the limit: a request is
denied when used+requested > limit, so reaching the limit exactly is allowed.
Create checks run pods, CPU, RAM then disk and stop at the first violation.
Scale checks only look at dimensions that grow.

Checks return a QuotaCheckResult. A denial is a value whose Reason is safe to
show to the tenant, never an error.

# Reservations

CheckCreateCapacity followed later by IncrementUsage lets two concurrent
requests both pass the check before either is counted. Producers therefore
use the Reserve methods, which evaluate and commit in a single store
transaction:

	res, err := engine.ReserveCreateCapacity(tenantID, req)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return deny(res.Reason)
	}
	// ... enqueue; on failure give the capacity back:
	engine.DecrementUsage(tenantID, req)

For scale, ReserveScaleCapacity commits only the growing deltas. SettleScale
applies the shrinking deltas after the resize succeeds and
ReleaseScaleReservation returns the reservation if it fails.

All decrements clamp at zero. RecalculateUsage rebuilds usage from the
tenant's active and provisioning pods and is the repair path for drift.
*/
package quota
