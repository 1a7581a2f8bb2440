package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// PostgresStore implements Store interface on PostgreSQL through gorm
type PostgresStore struct {
	db *gorm.DB
}

// PostgresOptions tunes the connection pool and startup retry
type PostgresOptions struct {
	MaxRetries      int
	RetryDelay      time.Duration
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresOptions returns the pool settings used by cloudpodd
func DefaultPostgresOptions() PostgresOptions {
	return PostgresOptions{
		MaxRetries:      30,
		RetryDelay:      2 * time.Second,
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
	}
}

// NewPostgresStore connects to PostgreSQL, retrying while the database comes
// up, and migrates the orchestrator tables.
func NewPostgresStore(dsn string, opts PostgresOptions) (*PostgresStore, error) {
	logger := log.WithComponent("storage")

	var db *gorm.DB
	var err error
	for i := 0; i < opts.MaxRetries; i++ {
		db, err = OpenGorm(dsn)
		if err == nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", i+1).Int("max_attempts", opts.MaxRetries).
			Msg("Database connection failed, retrying")
		time.Sleep(opts.RetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", opts.MaxRetries, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.Info().Msg("Database connected")
	return &PostgresStore{db: db}, nil
}

// OpenGorm opens a gorm handle with the orchestrator's settings
func OpenGorm(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
	})
}

// Migrate creates or updates the orchestrator tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Quota{},
		&types.CloudPod{},
		&types.BackupPolicy{},
		&types.Backup{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// DB exposes the gorm handle for sinks sharing the connection
func (s *PostgresStore) DB() *gorm.DB {
	return s.db
}

// Close closes the database
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(kind, id)
	}
	return err
}

// Quota operations
func (s *PostgresStore) GetQuota(tenantID string) (*types.Quota, error) {
	var quota types.Quota
	if err := s.db.First(&quota, "tenant_id = ?", tenantID).Error; err != nil {
		return nil, translate(err, "quota", tenantID)
	}
	return &quota, nil
}

func (s *PostgresStore) CreateQuotaIfNotExists(quota *types.Quota) (*types.Quota, error) {
	q := *quota
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&q).Error; err != nil {
		return nil, err
	}
	return s.GetQuota(quota.TenantID)
}

// UpdateQuota locks the quota row for the duration of fn
func (s *PostgresStore) UpdateQuota(tenantID string, fn QuotaMutator) (*types.Quota, error) {
	var quota types.Quota
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&quota, "tenant_id = ?", tenantID).Error
		if err != nil {
			return translate(err, "quota", tenantID)
		}
		if err := fn(&quota); err != nil {
			return err
		}
		return tx.Save(&quota).Error
	})
	if err != nil {
		return nil, err
	}
	return &quota, nil
}

func (s *PostgresStore) ListQuotas() ([]*types.Quota, error) {
	var quotas []*types.Quota
	err := s.db.Order("tenant_id").Find(&quotas).Error
	return quotas, err
}

// Pod operations
func (s *PostgresStore) CreatePod(pod *types.CloudPod) error {
	return s.db.Create(pod).Error
}

func (s *PostgresStore) GetPod(id string) (*types.CloudPod, error) {
	var pod types.CloudPod
	if err := s.db.First(&pod, "id = ?", id).Error; err != nil {
		return nil, translate(err, "pod", id)
	}
	return &pod, nil
}

func (s *PostgresStore) ListPods() ([]*types.CloudPod, error) {
	var pods []*types.CloudPod
	err := s.db.Order("created_at").Find(&pods).Error
	return pods, err
}

// ListPodsByTenant reads inside a repeatable-read transaction so usage
// recalculation sums a consistent snapshot.
func (s *PostgresStore) ListPodsByTenant(tenantID string) ([]*types.CloudPod, error) {
	var pods []*types.CloudPod
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ").Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ?", tenantID).Order("created_at").Find(&pods).Error
	})
	return pods, err
}

func (s *PostgresStore) UpdatePod(pod *types.CloudPod) error {
	return s.db.Save(pod).Error
}

func (s *PostgresStore) DeletePod(id string) error {
	return s.db.Delete(&types.CloudPod{}, "id = ?", id).Error
}

// Backup policy operations
func (s *PostgresStore) CreateBackupPolicy(policy *types.BackupPolicy) error {
	return s.db.Create(policy).Error
}

func (s *PostgresStore) GetBackupPolicy(id string) (*types.BackupPolicy, error) {
	var policy types.BackupPolicy
	if err := s.db.First(&policy, "id = ?", id).Error; err != nil {
		return nil, translate(err, "backup policy", id)
	}
	return &policy, nil
}

func (s *PostgresStore) ListBackupPolicies(tenantID string) ([]*types.BackupPolicy, error) {
	var policies []*types.BackupPolicy
	q := s.db.Order("created_at")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	err := q.Find(&policies).Error
	return policies, err
}

func (s *PostgresStore) ListActiveBackupPolicies() ([]*types.BackupPolicy, error) {
	var policies []*types.BackupPolicy
	err := s.db.Where("is_active = ?", true).Order("created_at").Find(&policies).Error
	return policies, err
}

func (s *PostgresStore) UpdateBackupPolicy(policy *types.BackupPolicy) error {
	return s.db.Save(policy).Error
}

func (s *PostgresStore) DeleteBackupPolicy(id string) error {
	return s.db.Delete(&types.BackupPolicy{}, "id = ?", id).Error
}

// Backup operations
func (s *PostgresStore) CreateBackup(backup *types.Backup) error {
	return s.db.Create(backup).Error
}

func (s *PostgresStore) GetBackup(id string) (*types.Backup, error) {
	var backup types.Backup
	if err := s.db.First(&backup, "id = ?", id).Error; err != nil {
		return nil, translate(err, "backup", id)
	}
	return &backup, nil
}

func (s *PostgresStore) ListBackupsByPod(podID string) ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.Where("pod_id = ?", podID).Order("created_at DESC, id DESC").Find(&backups).Error
	return backups, err
}

func (s *PostgresStore) ListBackupsByPolicy(policyID string, status types.BackupStatus) ([]*types.Backup, error) {
	var backups []*types.Backup
	q := s.db.Where("policy_id = ?", policyID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("created_at DESC, id DESC").Find(&backups).Error
	return backups, err
}

func (s *PostgresStore) UpdateBackup(backup *types.Backup) error {
	return s.db.Save(backup).Error
}

func (s *PostgresStore) DeleteBackup(id string) error {
	return s.db.Delete(&types.Backup{}, "id = ?", id).Error
}
