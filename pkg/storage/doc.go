/*
Package storage persists the orchestrator's records: tenant quotas, CloudPods,
backup policies and backups.

Two implementations of the Store interface are provided:

	┌──────────────────── STORE ─────────────────────┐
	│                                                 │
	│  BoltStore (bbolt)        PostgresStore (gorm)  │
	│  - <dataDir>/cloudpods.db - cloudpod_quotas     │
	│  - JSON value per key     - cloud_pods          │
	│  - one bucket per kind    - backup_policies     │
	│                           - cloudpod_backups    │
	└─────────────────────────────────────────────────┘

BoltStore suits a single cloudpodd process. PostgresStore lets several
processes share state, which is required when workers run on more than one
host.

# Atomic quota updates

UpdateQuota is the only read-modify-write primitive. The mutator runs inside
a bbolt write transaction, or inside a Postgres transaction holding
SELECT ... FOR UPDATE on the tenant's row, so two concurrent admissions for
the same tenant are serialized:

	q, err := store.UpdateQuota(tenantID, func(q *types.Quota) error {
		if q.Usage.UsedPods+1 > q.Limits.MaxPods {
			return errDenied // aborts, nothing is written
		}
		q.Usage.UsedPods++
		return nil
	})

# Errors

Missing records are reported with an error wrapping errdefs.ErrNotFound, so
callers test them with errdefs.IsNotFound. All other errors come from the
underlying database and are returned unchanged.

# Moving Between Drivers

Copy writes every record of one store into another and is safe to re-run.
cloudpodd migrate uses it to move a bolt data directory into PostgreSQL.
*/
package storage
