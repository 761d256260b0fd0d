package domain

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditLog struct {
	ID         int64          `json:"id" gorm:"primaryKey"`
	OrgID      int64          `json:"organization_id" gorm:"column:org_id;not null;index"`
	Action     string         `json:"action" gorm:"type:text;not null"`
	TargetType string         `json:"target_type" gorm:"type:text;not null"`
	TargetID   *string        `json:"target_id,omitempty" gorm:"type:text"`
	Metadata   datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt  time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	OrgID  int64
	Action string
	Limit  int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}
