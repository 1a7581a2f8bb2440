package audit

import (
	"context"

	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// NopSink discards every record
type NopSink struct{}

func (NopSink) Write(context.Context, *Record) error { return nil }

// LogSink writes records to the structured log
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.WithComponent("audit")}
}

func (s *LogSink) Write(_ context.Context, rec *Record) error {
	s.logger.Info().
		Str("audit_id", rec.ID).
		Str("action", string(rec.Action)).
		Str("category", string(rec.Category)).
		Str("actor_id", rec.ActorID).
		Str("actor_type", rec.ActorType).
		Str("tenant_id", rec.TenantID).
		Str("entity_type", rec.EntityType).
		Str("entity_id", rec.EntityID).
		RawJSON("details", detailsJSON(rec.Details)).
		Msg("Audit")
	return nil
}

func detailsJSON(details string) []byte {
	if details == "" {
		return []byte("{}")
	}
	return []byte(details)
}

// GormSink inserts records into the audit_logs table
type GormSink struct {
	db *gorm.DB
}

// NewGormSink migrates the audit table and returns a sink writing to it
func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &GormSink{db: db}, nil
}

func (s *GormSink) Write(ctx context.Context, rec *Record) error {
	if rec.Details == "" {
		rec.Details = "{}"
	}
	return s.db.WithContext(ctx).Create(rec).Error
}
