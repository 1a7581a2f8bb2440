package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action is the audited operation
type Action string

const (
	ActionPolicyCreate   Action = "backup_policy.create"
	ActionPolicyUpdate   Action = "backup_policy.update"
	ActionPolicyDelete   Action = "backup_policy.delete"
	ActionBackupCreate   Action = "backup.create"
	ActionBackupRestore  Action = "backup.restore"
	ActionBackupDelete   Action = "backup.delete"
	ActionQuotaSetLimits Action = "quota.set_limits"
	ActionPodCreate      Action = "cloudpod.create"
	ActionPodDestroy     Action = "cloudpod.destroy"
	ActionPodScale       Action = "cloudpod.scale"
)

// Category groups actions for filtering
type Category string

const (
	CategoryBackup   Category = "backup"
	CategoryQuota    Category = "quota"
	CategoryCloudPod Category = "cloudpod"
)

// Context identifies who caused an action. A nil *Context means the system.
type Context struct {
	ActorID   string `json:"actorId,omitempty"`
	ActorType string `json:"actorType,omitempty"` // user, admin, system
	TenantID  string `json:"tenantId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Entry is one audit event
type Entry struct {
	Action     Action
	Category   Category
	Ctx        *Context
	EntityType string
	EntityID   string
	Details    map[string]interface{}
}

// Record is the persisted form of an Entry
type Record struct {
	ID         string    `json:"id" gorm:"column:id;primaryKey;size:64"`
	Action     Action    `json:"action" gorm:"column:action;size:50;not null;index"`
	Category   Category  `json:"category" gorm:"column:category;size:50;index"`
	ActorID    string    `json:"actorId" gorm:"column:actor_id;size:64;index"`
	ActorType  string    `json:"actorType" gorm:"column:actor_type;size:20"`
	TenantID   string    `json:"tenantId" gorm:"column:tenant_id;size:64;index"`
	EntityType string    `json:"entityType" gorm:"column:entity_type;size:50;index"`
	EntityID   string    `json:"entityId" gorm:"column:entity_id;size:64;index"`
	Details    string    `json:"details" gorm:"column:details;type:jsonb"`
	IPAddress  string    `json:"ipAddress" gorm:"column:ip_address;size:50"`
	UserAgent  string    `json:"userAgent" gorm:"column:user_agent;size:255"`
	CreatedAt  time.Time `json:"createdAt" gorm:"column:created_at;index"`
}

// TableName specifies the table name for Record
func (Record) TableName() string {
	return "audit_logs"
}

// Sink persists audit records
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// Logger is a best-effort audit writer. Log never fails observably: sink
// errors are logged and dropped.
type Logger struct {
	sink   Sink
	now    func() time.Time
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to sink
func NewLogger(sink Sink) *Logger {
	if sink == nil {
		sink = NopSink{}
	}
	return &Logger{
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithComponent("audit"),
	}
}

// Log records e. It is safe to call on a nil *Logger.
func (l *Logger) Log(ctx context.Context, e Entry) {
	if l == nil {
		return
	}

	rec := &Record{
		ID:         uuid.New().String(),
		Action:     e.Action,
		Category:   e.Category,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		CreatedAt:  l.now(),
	}
	if e.Ctx != nil {
		rec.ActorID = e.Ctx.ActorID
		rec.ActorType = e.Ctx.ActorType
		rec.TenantID = e.Ctx.TenantID
		rec.IPAddress = e.Ctx.IPAddress
		rec.UserAgent = e.Ctx.UserAgent
	} else {
		rec.ActorType = "system"
	}
	if len(e.Details) > 0 {
		if data, err := json.Marshal(e.Details); err == nil {
			rec.Details = string(data)
		} else {
			l.logger.Warn().Err(err).Str("action", string(e.Action)).Msg("Failed to encode audit details")
		}
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Str("action", string(e.Action)).Msg("Audit sink panicked")
		}
	}()
	if err := l.sink.Write(ctx, rec); err != nil {
		l.logger.Warn().Err(err).Str("action", string(e.Action)).Msg("Failed to write audit log")
	}
}
