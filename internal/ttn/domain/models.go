package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Provisioning lifecycle states for a connection. Transitions are driven
// exclusively by the connectivity service: idle -> pending -> complete or
// failed; failed -> pending on retry; any -> idle on start-fresh/deep-clean.
const (
	StatusIdle     = "idle"
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Outcomes of the most recent application-rights check.
const (
	RightsCheckValid      = "valid"
	RightsCheckForbidden  = "forbidden"
	RightsCheckInvalidKey = "invalid_key"
	RightsCheckNotFound   = "not_found"
	RightsCheckError      = "error"
)

// Provisioning steps recorded for diagnostics.
const (
	StepValidate = "validate"
	StepPersist  = "persist"
	StepWebhook  = "webhook"
)

// Connection is the per-organization link to the LoRaWAN network server.
// Exactly one row exists per organization; resets null the credential fields
// but never delete the row.
type Connection struct {
	ID    int64 `json:"id" gorm:"primaryKey"`
	OrgID int64 `json:"organization_id" gorm:"column:org_id;not null;uniqueIndex:ux_ttn_connections_org"`

	Region        string  `json:"region" gorm:"type:text;not null"`
	ApplicationID *string `json:"application_id,omitempty" gorm:"column:application_id;type:text"`

	APIKeyEncrypted *string `json:"-" gorm:"column:api_key_encrypted;type:text"`
	APIKeyLast4     *string `json:"api_key_last4,omitempty" gorm:"column:api_key_last4;type:text"`

	WebhookSecretEncrypted *string `json:"-" gorm:"column:webhook_secret_encrypted;type:text"`
	WebhookSecretLast4     *string `json:"webhook_secret_last4,omitempty" gorm:"column:webhook_secret_last4;type:text"`
	WebhookURL             *string `json:"webhook_url,omitempty" gorm:"column:webhook_url;type:text"`

	ProvisioningStatus       string         `json:"provisioning_status" gorm:"type:text;not null;default:idle"`
	ProvisioningStep         *string        `json:"provisioning_step,omitempty" gorm:"type:text"`
	ProvisioningStepDetails  datatypes.JSON `json:"provisioning_step_details,omitempty" gorm:"type:jsonb"`
	ProvisioningError        *string        `json:"provisioning_error,omitempty" gorm:"type:text"`
	ProvisioningAttemptCount int            `json:"provisioning_attempt_count" gorm:"not null;default:0"`

	AppRightsCheckStatus *string `json:"app_rights_check_status,omitempty" gorm:"column:app_rights_check_status;type:text"`

	LastHTTPStatus       *int    `json:"last_http_status,omitempty" gorm:"column:last_http_status"`
	LastHTTPBody         *string `json:"last_http_body,omitempty" gorm:"column:last_http_body;type:text"`
	LastTTNCorrelationID *string `json:"last_ttn_correlation_id,omitempty" gorm:"column:last_ttn_correlation_id;type:text"`
	LastTTNErrorName     *string `json:"last_ttn_error_name,omitempty" gorm:"column:last_ttn_error_name;type:text"`

	CredentialsLastRotatedAt *time.Time `json:"credentials_last_rotated_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Connection) TableName() string { return "ttn_connections" }

// Diagnostics captures the provider response fields persisted after the most
// recent provider call.
type Diagnostics struct {
	HTTPStatus    *int
	HTTPBody      *string
	CorrelationID *string
	ErrorName     *string
}
