package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrConnectionNotFound  = errors.New("connection_not_found")
	ErrOperationInFlight   = errors.New("operation_in_flight")
)

// ConfigurationError is returned when provisioning input fails validation. It
// maps to a client error at the HTTP boundary.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// Service is the connectivity orchestration surface consumed by the settings
// API.
type Service interface {
	// ValidateMainUserAPIKey preflights a personal API key against the
	// identity server before any organization resources exist.
	ValidateMainUserAPIKey(ctx context.Context, apiKey, region string) (PreflightResult, error)
	// ValidateConfiguration checks key format locally, then fetches and
	// analyzes application rights.
	ValidateConfiguration(ctx context.Context, req ValidateRequest) (ValidateResult, error)
	// ProvisionOrganization validates, persists encrypted credentials and
	// configures the inbound webhook. Webhook failure aborts the flow.
	ProvisionOrganization(ctx context.Context, req ProvisionRequest) (ProvisionResult, error)
	// RetryProvisioning re-runs the provisioning flow with stored
	// credentials. Only valid from the failed state.
	RetryProvisioning(ctx context.Context, orgID int64) (RetryResult, error)
	// StartFresh best-effort deletes the remote application with the admin
	// credential and resets local state to idle.
	StartFresh(ctx context.Context, orgID int64, region string) (StartFreshResult, error)
	// DeepClean removes all remote devices and the application, then resets
	// local state to idle.
	DeepClean(ctx context.Context, orgID int64) (DeepCleanResult, error)
	// UpdateWebhook applies a partial webhook update for the given event
	// names. Unknown names are ignored.
	UpdateWebhook(ctx context.Context, orgID int64, url string, events []string) error
	// RegenerateWebhookSecret rotates the webhook shared secret, persisting
	// it only after the provider accepted it.
	RegenerateWebhookSecret(ctx context.Context, orgID int64) error
	// GetCredentials returns the stored credentials redacted to last-4.
	GetCredentials(ctx context.Context, orgID int64) (CredentialsView, error)
	// GetStatus returns the provisioning state and provider diagnostics.
	GetStatus(ctx context.Context, orgID int64) (StatusView, error)
}

type ValidateRequest struct {
	APIKey        string `json:"api_key"`
	ApplicationID string `json:"application_id"`
	Region        string `json:"region"`
}

type ValidateResult struct {
	Valid       bool              `json:"valid"`
	Permissions *PermissionReport `json:"permissions,omitempty"`
	Error       string            `json:"error,omitempty"`
	Hint        string            `json:"hint,omitempty"`
}

type PreflightResult struct {
	Success bool     `json:"success"`
	Rights  []string `json:"rights,omitempty"`
	Error   string   `json:"error,omitempty"`
	Hint    string   `json:"hint,omitempty"`
}

type ProvisionRequest struct {
	OrgID         int64  `json:"-"`
	APIKey        string `json:"api_key"`
	ApplicationID string `json:"application_id"`
	Region        string `json:"region"`
}

type ProvisionResult struct {
	Success       bool            `json:"success"`
	WebhookAction string          `json:"webhook_action,omitempty"`
	Config        CredentialsView `json:"config"`
}

type RetryResult struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	UseStartFresh bool   `json:"use_start_fresh,omitempty"`
}

type StartFreshResult struct {
	Success    bool   `json:"success"`
	DeletedApp bool   `json:"deleted_app"`
	Error      string `json:"error,omitempty"`
}

type DeepCleanResult struct {
	Success        bool   `json:"success"`
	DeletedDevices int    `json:"deleted_devices"`
	DeletedApp     bool   `json:"deleted_app"`
	DeletedOrg     bool   `json:"deleted_org"`
	Error          string `json:"error,omitempty"`
}

// Secret display states for redacted credential views.
const (
	SecretStateEmpty     = "empty"
	SecretStateDecrypted = "decrypted"
	SecretStateFailed    = "failed"
)

type CredentialsView struct {
	Region             string     `json:"region,omitempty"`
	ApplicationID      string     `json:"application_id,omitempty"`
	APIKeyLast4        string     `json:"api_key_last4,omitempty"`
	APIKeyState        string     `json:"api_key_state"`
	WebhookSecretLast4 string     `json:"webhook_secret_last4,omitempty"`
	WebhookSecretState string     `json:"webhook_secret_state"`
	WebhookURL         string     `json:"webhook_url,omitempty"`
	LastRotatedAt      *time.Time `json:"credentials_last_rotated_at,omitempty"`
}

type StatusView struct {
	ProvisioningStatus       string         `json:"provisioning_status"`
	ProvisioningStep         string         `json:"provisioning_step,omitempty"`
	ProvisioningStepDetails  map[string]any `json:"provisioning_step_details,omitempty"`
	ProvisioningError        string         `json:"provisioning_error,omitempty"`
	ProvisioningAttemptCount int            `json:"provisioning_attempt_count"`
	AppRightsCheckStatus     string         `json:"app_rights_check_status,omitempty"`
	LastHTTPStatus           *int           `json:"last_http_status,omitempty"`
	LastHTTPBody             string         `json:"last_http_body,omitempty"`
	LastTTNCorrelationID     string         `json:"last_ttn_correlation_id,omitempty"`
	LastTTNErrorName         string         `json:"last_ttn_error_name,omitempty"`
}
