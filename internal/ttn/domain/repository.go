package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository persists connection rows. Mutations are expressed as targeted
// operations so state transitions stay explicit; ResetCredentials is the
// single shared field list for start-fresh and deep-clean.
type Repository interface {
	FindByOrg(ctx context.Context, db *gorm.DB, orgID int64) (*Connection, error)
	Upsert(ctx context.Context, db *gorm.DB, conn *Connection) error

	SetStatus(ctx context.Context, db *gorm.DB, orgID int64, status string, step *string, provisioningError *string) error
	IncrementAttempts(ctx context.Context, db *gorm.DB, orgID int64) error
	SetRightsCheck(ctx context.Context, db *gorm.DB, orgID int64, status string) error
	SetDiagnostics(ctx context.Context, db *gorm.DB, orgID int64, diag Diagnostics) error

	SetWebhookSecret(ctx context.Context, db *gorm.DB, orgID int64, encrypted, last4 string, rotatedAt time.Time) error
	SetWebhookURL(ctx context.Context, db *gorm.DB, orgID int64, url string) error

	// ResetCredentials bulk-nulls all credential, status and diagnostic
	// fields and returns the connection to idle. The row is kept.
	ResetCredentials(ctx context.Context, db *gorm.DB, orgID int64) error
}
