package repository

import (
	"context"
	"time"

	"github.com/coldtrace/coldtrace/internal/ttn/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByOrg(ctx context.Context, db *gorm.DB, orgID int64) (*domain.Connection, error) {
	var conn domain.Connection
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, region, application_id,
			api_key_encrypted, api_key_last4,
			webhook_secret_encrypted, webhook_secret_last4, webhook_url,
			provisioning_status, provisioning_step, provisioning_step_details,
			provisioning_error, provisioning_attempt_count,
			app_rights_check_status,
			last_http_status, last_http_body, last_ttn_correlation_id, last_ttn_error_name,
			credentials_last_rotated_at, created_at, updated_at
		 FROM ttn_connections
		 WHERE org_id = ?
		 LIMIT 1`,
		orgID,
	).Scan(&conn).Error
	if err != nil {
		return nil, err
	}
	if conn.ID == 0 {
		return nil, nil
	}
	return &conn, nil
}

// Upsert goes through the clause builder instead of raw SQL so the conflict
// handling renders correctly on every supported dialect.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, conn *domain.Connection) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "org_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"region",
			"application_id",
			"api_key_encrypted",
			"api_key_last4",
			"webhook_secret_encrypted",
			"webhook_secret_last4",
			"webhook_url",
			"provisioning_status",
			"provisioning_step",
			"provisioning_step_details",
			"provisioning_error",
			"provisioning_attempt_count",
			"app_rights_check_status",
			"credentials_last_rotated_at",
			"updated_at",
		}),
	}).Create(conn).Error
}

func (r *repo) SetStatus(ctx context.Context, db *gorm.DB, orgID int64, status string, step *string, provisioningError *string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ttn_connections
		 SET provisioning_status = ?, provisioning_step = ?, provisioning_error = ?, updated_at = ?
		 WHERE org_id = ?`,
		status,
		step,
		provisioningError,
		time.Now().UTC(),
		orgID,
	).Error
}

func (r *repo) IncrementAttempts(ctx context.Context, db *gorm.DB, orgID int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ttn_connections
		 SET provisioning_attempt_count = provisioning_attempt_count + 1, updated_at = ?
		 WHERE org_id = ?`,
		time.Now().UTC(),
		orgID,
	).Error
}

func (r *repo) SetRightsCheck(ctx context.Context, db *gorm.DB, orgID int64, status string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ttn_connections
		 SET app_rights_check_status = ?, updated_at = ?
		 WHERE org_id = ?`,
		status,
		time.Now().UTC(),
		orgID,
	).Error
}

func (r *repo) SetDiagnostics(ctx context.Context, db *gorm.DB, orgID int64, diag domain.Diagnostics) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ttn_connections
		 SET last_http_status = ?, last_http_body = ?, last_ttn_correlation_id = ?, last_ttn_error_name = ?, updated_at = ?
		 WHERE org_id = ?`,
		diag.HTTPStatus,
		diag.HTTPBody,
		diag.CorrelationID,
		diag.ErrorName,
		time.Now().UTC(),
		orgID,
	).Error
}

func (r *repo) SetWebhookSecret(ctx context.Context, db *gorm.DB, orgID int64, encrypted, last4 string, rotatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ttn_connections
		 SET webhook_secret_encrypted = ?, webhook_secret_last4 = ?, credentials_last_rotated_at = ?, updated_at = ?
		 WHERE org_id = ?`,
		encrypted,
		last4,
		rotatedAt,
		time.Now().UTC(),
		orgID,
	).Error
}

func (r *repo) SetWebhookURL(ctx context.Context, db *gorm.DB, orgID int64, url string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ttn_connections
		 SET webhook_url = ?, updated_at = ?
		 WHERE org_id = ?`,
		url,
		time.Now().UTC(),
		orgID,
	).Error
}

func (r *repo) ResetCredentials(ctx context.Context, db *gorm.DB, orgID int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ttn_connections
		 SET application_id = NULL,
			api_key_encrypted = NULL,
			api_key_last4 = NULL,
			webhook_secret_encrypted = NULL,
			webhook_secret_last4 = NULL,
			webhook_url = NULL,
			provisioning_status = ?,
			provisioning_step = NULL,
			provisioning_step_details = NULL,
			provisioning_error = NULL,
			app_rights_check_status = NULL,
			last_http_status = NULL,
			last_http_body = NULL,
			last_ttn_correlation_id = NULL,
			last_ttn_error_name = NULL,
			credentials_last_rotated_at = NULL,
			updated_at = ?
		 WHERE org_id = ?`,
		domain.StatusIdle,
		time.Now().UTC(),
		orgID,
	).Error
}
