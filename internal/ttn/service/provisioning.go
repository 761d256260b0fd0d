package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coldtrace/coldtrace/internal/ttn/crypto"
	"github.com/coldtrace/coldtrace/internal/ttn/domain"
	"go.uber.org/zap"
)

// ProvisionOrganization validates the supplied configuration, persists the
// encrypted credentials and registers the inbound webhook. The flow is
// fail-fast: a webhook configuration failure aborts provisioning and leaves
// the connection in the failed state.
func (s *Service) ProvisionOrganization(ctx context.Context, req domain.ProvisionRequest) (domain.ProvisionResult, error) {
	if req.OrgID == 0 {
		return domain.ProvisionResult{}, domain.ErrInvalidOrganization
	}

	release, ok, err := s.acquireOrgLock(ctx, req.OrgID)
	if err != nil {
		return domain.ProvisionResult{}, err
	}
	if !ok {
		return domain.ProvisionResult{}, domain.ErrOperationInFlight
	}
	defer release()

	if s.metrics != nil {
		s.metrics.RecordProvisionAttempt(ctx, "provision")
	}

	if !strings.HasPrefix(req.APIKey, APIKeyPrefix) {
		return domain.ProvisionResult{}, domain.NewConfigurationError(errInvalidKeyFormat)
	}
	if strings.TrimSpace(req.ApplicationID) == "" {
		return domain.ProvisionResult{}, domain.NewConfigurationError("Application ID is required")
	}
	region := s.regionOrDefault(req.Region)

	outcome, err := s.validateAndAnalyze(ctx, region, req.APIKey, req.ApplicationID)
	if err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("rights check: %w", err)
	}
	if !outcome.result.Valid {
		// Bad configuration never creates a half-provisioned row, but an
		// existing connection gets the rights class and provider
		// diagnostics recorded.
		if existing, ferr := s.repo.FindByOrg(ctx, s.db, req.OrgID); ferr == nil && existing != nil {
			s.persistRightsOutcome(ctx, req.OrgID, outcome)
		}
		return domain.ProvisionResult{}, domain.NewConfigurationError("%s", outcome.result.Error)
	}

	if err := s.upsertConnection(ctx, req.OrgID, region, req.ApplicationID, req.APIKey); err != nil {
		return domain.ProvisionResult{}, err
	}

	action, err := s.ensureWebhook(ctx, req.OrgID, region, req.APIKey, req.ApplicationID)
	if err != nil {
		s.failProvisioning(ctx, req.OrgID, domain.StepWebhook, err.Error(), "provision")
		return domain.ProvisionResult{}, err
	}

	if err := s.repo.SetStatus(ctx, s.db, req.OrgID, domain.StatusComplete, nil, nil); err != nil {
		return domain.ProvisionResult{}, err
	}

	s.audit(ctx, req.OrgID, "ttn.provision", map[string]any{
		"region":         region,
		"application_id": req.ApplicationID,
		"webhook_action": action,
	})
	s.log.Info("organization provisioned",
		zap.Int64("org_id", req.OrgID),
		zap.String("region", region),
		zap.String("application_id", req.ApplicationID),
		zap.String("webhook_action", action),
	)

	view, err := s.GetCredentials(ctx, req.OrgID)
	if err != nil {
		return domain.ProvisionResult{}, err
	}
	return domain.ProvisionResult{Success: true, WebhookAction: action, Config: view}, nil
}

// upsertConnection writes the pending connection row. The webhook secret is
// owned by ensureWebhook; an existing one is carried over untouched.
func (s *Service) upsertConnection(ctx context.Context, orgID int64, region, applicationID, apiKey string) error {
	existing, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	conn := &domain.Connection{
		ID:                       s.genID.Generate().Int64(),
		OrgID:                    orgID,
		Region:                   region,
		ApplicationID:            strptr(applicationID),
		APIKeyEncrypted:          strptr(s.cipher.Obfuscate(apiKey)),
		APIKeyLast4:              strptr(crypto.Last4(apiKey)),
		ProvisioningStatus:       domain.StatusPending,
		ProvisioningStep:         strptr(domain.StepWebhook),
		ProvisioningAttemptCount: 1,
		AppRightsCheckStatus:     strptr(domain.RightsCheckValid),
		CredentialsLastRotatedAt: &now,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	if existing != nil {
		conn.ID = existing.ID
		conn.ProvisioningAttemptCount = existing.ProvisioningAttemptCount + 1
		conn.CreatedAt = existing.CreatedAt
		if deref(existing.WebhookSecretEncrypted) != "" {
			conn.WebhookSecretEncrypted = existing.WebhookSecretEncrypted
			conn.WebhookSecretLast4 = existing.WebhookSecretLast4
			conn.CredentialsLastRotatedAt = existing.CredentialsLastRotatedAt
		}
	}

	return s.repo.Upsert(ctx, s.db, conn)
}

// RetryProvisioning re-runs the provisioning flow using the stored
// credentials. Guard violations come back as results, not errors, so the
// settings UI can branch on them.
func (s *Service) RetryProvisioning(ctx context.Context, orgID int64) (domain.RetryResult, error) {
	if orgID == 0 {
		return domain.RetryResult{}, domain.ErrInvalidOrganization
	}

	release, ok, err := s.acquireOrgLock(ctx, orgID)
	if err != nil {
		return domain.RetryResult{}, err
	}
	if !ok {
		return domain.RetryResult{Success: false, Error: errInFlight}, nil
	}
	defer release()

	conn, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return domain.RetryResult{}, err
	}
	if conn == nil {
		return domain.RetryResult{Success: false, Error: "connection not found"}, nil
	}
	if conn.ProvisioningStatus != domain.StatusFailed {
		return domain.RetryResult{
			Success: false,
			Error:   fmt.Sprintf("cannot retry while provisioning status is %q", conn.ProvisioningStatus),
		}, nil
	}
	if deref(conn.AppRightsCheckStatus) == domain.RightsCheckForbidden {
		return domain.RetryResult{
			Success:       false,
			Error:         "the stored API key has no rights on the remote application",
			UseStartFresh: true,
		}, nil
	}

	if s.metrics != nil {
		s.metrics.RecordProvisionAttempt(ctx, "retry")
	}

	if err := s.repo.SetStatus(ctx, s.db, orgID, domain.StatusPending, strptr(domain.StepValidate), nil); err != nil {
		return domain.RetryResult{}, err
	}
	if err := s.repo.IncrementAttempts(ctx, s.db, orgID); err != nil {
		return domain.RetryResult{}, err
	}

	apiKey := s.cipher.Deobfuscate(deref(conn.APIKeyEncrypted))
	applicationID := deref(conn.ApplicationID)
	if apiKey == "" || applicationID == "" {
		msg := "stored credentials are incomplete"
		s.failProvisioning(ctx, orgID, domain.StepValidate, msg, "retry")
		return domain.RetryResult{Success: false, Error: msg, UseStartFresh: true}, nil
	}

	region := s.regionOrDefault(conn.Region)

	outcome, err := s.validateAndAnalyze(ctx, region, apiKey, applicationID)
	if err != nil {
		s.failProvisioning(ctx, orgID, domain.StepValidate, err.Error(), "retry")
		return domain.RetryResult{Success: false, Error: err.Error()}, nil
	}
	s.persistRightsOutcome(ctx, orgID, outcome)
	if !outcome.result.Valid {
		s.failProvisioning(ctx, orgID, domain.StepValidate, outcome.result.Error, "retry")
		return domain.RetryResult{
			Success:       false,
			Error:         outcome.result.Error,
			UseStartFresh: outcome.rightsClass == domain.RightsCheckForbidden,
		}, nil
	}

	if _, err := s.ensureWebhook(ctx, orgID, region, apiKey, applicationID); err != nil {
		s.failProvisioning(ctx, orgID, domain.StepWebhook, err.Error(), "retry")
		return domain.RetryResult{Success: false, Error: err.Error()}, nil
	}

	if err := s.repo.SetStatus(ctx, s.db, orgID, domain.StatusComplete, nil, nil); err != nil {
		return domain.RetryResult{}, err
	}

	s.audit(ctx, orgID, "ttn.retry", map[string]any{"region": region, "application_id": applicationID})
	s.log.Info("provisioning retry succeeded", zap.Int64("org_id", orgID))
	return domain.RetryResult{Success: true}, nil
}

// failProvisioning marks the connection failed with the given message.
func (s *Service) failProvisioning(ctx context.Context, orgID int64, step, message, operation string) {
	if s.metrics != nil {
		s.metrics.RecordProvisionFailure(ctx, operation)
	}
	if err := s.repo.SetStatus(ctx, s.db, orgID, domain.StatusFailed, strptr(step), strptr(message)); err != nil {
		s.log.Error("failed to persist failed provisioning state",
			zap.Int64("org_id", orgID),
			zap.Error(err),
		)
	}
}
