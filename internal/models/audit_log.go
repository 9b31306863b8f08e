package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog is an append-only compliance record of one completed request.
// It does NOT share the account tables' numeric keys because audit rows
// are written in batches and never updated.
type AuditLog struct {
	ID        uuid.UUID              `json:"id" gorm:"type:uuid;primaryKey"`
	SessionID string                 `json:"sessionId" gorm:"type:varchar(36);not null;index"`
	AccountID *uint64                `json:"accountId,omitempty" gorm:"index"`
	PublicID  string                 `json:"publicId,omitempty" gorm:"type:varchar(8)"`
	Email     string                 `json:"email,omitempty" gorm:"type:varchar(255)"`
	ClientIP  string                 `json:"clientIp" gorm:"type:varchar(45);not null;index"`
	UserAgent string                 `json:"userAgent,omitempty" gorm:"type:text"`
	Method    string                 `json:"method" gorm:"type:varchar(8);not null"`
	Path      string                 `json:"path" gorm:"type:varchar(255);not null"`
	Query     map[string]interface{} `json:"query,omitempty" gorm:"type:jsonb;serializer:json"`
	Body      map[string]interface{} `json:"body,omitempty" gorm:"type:jsonb;serializer:json"`
	Status    int                    `json:"status" gorm:"not null;index"`
	LatencyMS int64                  `json:"latencyMs" gorm:"not null"`
	Action    string                 `json:"action" gorm:"type:varchar(50);not null;index"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time              `json:"createdAt" gorm:"not null;index"`
}

func (a *AuditLog) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

// AuditArchiveCursor tracks the last successfully archived row so the
// periodic NDJSON export only ships new entries.
type AuditArchiveCursor struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	LastArchivedAt time.Time `json:"lastArchivedAt" gorm:"not null"`
	ArchivedCount  int64     `json:"archivedCount" gorm:"not null;default:0"`
}

func (a *AuditArchiveCursor) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (AuditArchiveCursor) TableName() string {
	return "audit_archive_cursors"
}
