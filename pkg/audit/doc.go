// Package audit records who did what to backups, policies, quotas and pods.
//
// Auditing is a best-effort side effect: Logger.Log has no return value, and a
// failing Sink is logged and ignored so the audited operation never fails
// because of it.
package audit
