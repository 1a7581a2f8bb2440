package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/cloudpods/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketQuotas   = []byte("quotas")
	bucketPods     = []byte("pods")
	bucketPolicies = []byte("backup_policies")
	bucketBackups  = []byte("backups")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cloudpods.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketQuotas,
			bucketPods,
			bucketPolicies,
			bucketBackups,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// get decodes the value at key into v and reports whether it existed
func get(tx *bolt.Tx, bucket []byte, key string, v interface{}) (bool, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// list decodes every value of a bucket, keeping those accepted by keep
func list[T any](db *bolt.DB, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var items []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if keep == nil || keep(&item) {
				items = append(items, &item)
			}
			return nil
		})
	})
	return items, err
}

// Quota operations
func (s *BoltStore) GetQuota(tenantID string) (*types.Quota, error) {
	var quota types.Quota
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketQuotas, tenantID, &quota)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("quota", tenantID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &quota, nil
}

func (s *BoltStore) CreateQuotaIfNotExists(quota *types.Quota) (*types.Quota, error) {
	var stored types.Quota
	err := s.db.Update(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketQuotas, quota.TenantID, &stored)
		if err != nil || ok {
			return err
		}
		stored = *quota
		now := s.now()
		stored.CreatedAt = now
		stored.UpdatedAt = now
		return put(tx, bucketQuotas, stored.TenantID, &stored)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *BoltStore) UpdateQuota(tenantID string, fn QuotaMutator) (*types.Quota, error) {
	var quota types.Quota
	err := s.db.Update(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketQuotas, tenantID, &quota)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("quota", tenantID)
		}
		if err := fn(&quota); err != nil {
			return err
		}
		quota.UpdatedAt = s.now()
		return put(tx, bucketQuotas, tenantID, &quota)
	})
	if err != nil {
		return nil, err
	}
	return &quota, nil
}

func (s *BoltStore) ListQuotas() ([]*types.Quota, error) {
	return list[types.Quota](s.db, bucketQuotas, nil)
}

// Pod operations
func (s *BoltStore) CreatePod(pod *types.CloudPod) error {
	now := s.now()
	if pod.CreatedAt.IsZero() {
		pod.CreatedAt = now
	}
	pod.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketPods, pod.ID, pod)
	})
}

func (s *BoltStore) GetPod(id string) (*types.CloudPod, error) {
	var pod types.CloudPod
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketPods, id, &pod)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("pod", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pod, nil
}

func (s *BoltStore) ListPods() ([]*types.CloudPod, error) {
	return list[types.CloudPod](s.db, bucketPods, nil)
}

func (s *BoltStore) ListPodsByTenant(tenantID string) ([]*types.CloudPod, error) {
	return list(s.db, bucketPods, func(p *types.CloudPod) bool {
		return p.TenantID == tenantID
	})
}

func (s *BoltStore) UpdatePod(pod *types.CloudPod) error {
	return s.CreatePod(pod) // Same as create (upsert)
}

func (s *BoltStore) DeletePod(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPods).Delete([]byte(id))
	})
}

// Backup policy operations
func (s *BoltStore) CreateBackupPolicy(policy *types.BackupPolicy) error {
	now := s.now()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketPolicies, policy.ID, policy)
	})
}

func (s *BoltStore) GetBackupPolicy(id string) (*types.BackupPolicy, error) {
	var policy types.BackupPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketPolicies, id, &policy)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("backup policy", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) ListBackupPolicies(tenantID string) ([]*types.BackupPolicy, error) {
	return list(s.db, bucketPolicies, func(p *types.BackupPolicy) bool {
		return tenantID == "" || p.TenantID == tenantID
	})
}

func (s *BoltStore) ListActiveBackupPolicies() ([]*types.BackupPolicy, error) {
	return list(s.db, bucketPolicies, func(p *types.BackupPolicy) bool {
		return p.IsActive
	})
}

func (s *BoltStore) UpdateBackupPolicy(policy *types.BackupPolicy) error {
	return s.CreateBackupPolicy(policy)
}

func (s *BoltStore) DeleteBackupPolicy(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).Delete([]byte(id))
	})
}

// Backup operations
func (s *BoltStore) CreateBackup(backup *types.Backup) error {
	if backup.CreatedAt.IsZero() {
		backup.CreatedAt = s.now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketBackups, backup.ID, backup)
	})
}

func (s *BoltStore) GetBackup(id string) (*types.Backup, error) {
	var backup types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketBackups, id, &backup)
		if err != nil {
			return err
		}
		if !ok {
			return notFound("backup", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) ListBackupsByPod(podID string) ([]*types.Backup, error) {
	backups, err := list(s.db, bucketBackups, func(b *types.Backup) bool {
		return b.PodID == podID
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(backups)
	return backups, nil
}

func (s *BoltStore) ListBackupsByPolicy(policyID string, status types.BackupStatus) ([]*types.Backup, error) {
	backups, err := list(s.db, bucketBackups, func(b *types.Backup) bool {
		if b.PolicyID == nil || *b.PolicyID != policyID {
			return false
		}
		return status == "" || b.Status == status
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(backups)
	return backups, nil
}

func (s *BoltStore) UpdateBackup(backup *types.Backup) error {
	return s.CreateBackup(backup)
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).Delete([]byte(id))
	})
}

// sortNewestFirst orders by creation time descending, ID as tie-breaker
func sortNewestFirst(backups []*types.Backup) {
	sort.SliceStable(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.After(backups[j].CreatedAt)
		}
		return backups[i].ID > backups[j].ID
	})
}
