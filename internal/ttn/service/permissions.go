package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/coldtrace/coldtrace/internal/ttn/domain"
	"go.uber.org/zap"
)

// ValidateMainUserAPIKey preflights a key against the identity server. The
// key must be a personal key carrying the bootstrap create rights; scoped
// keys are rejected so a tenant cannot onboard with a credential that cannot
// create resources.
func (s *Service) ValidateMainUserAPIKey(ctx context.Context, apiKey, region string) (domain.PreflightResult, error) {
	region = s.regionOrDefault(region)

	info, result, err := s.client.AuthInfo(ctx, region, apiKey)
	s.recordProviderCall(ctx, "auth_info", err == nil && result.OK())
	if err != nil {
		return domain.PreflightResult{}, err
	}

	if !result.OK() {
		if result.StatusCode == 401 {
			return domain.PreflightResult{Success: false, Error: "Invalid Main User API Key"}, nil
		}
		return domain.PreflightResult{
			Success: false,
			Error:   fmt.Sprintf("Preflight failed: HTTP %d", result.StatusCode),
			Hint:    result.TruncatedBody(hintMaxBytes),
		}, nil
	}

	if info.ScopedEntity != "" {
		return domain.PreflightResult{
			Success: false,
			Error:   "Scoped API key detected",
			Hint:    fmt.Sprintf("the key is bound to a %s; use a personal user API key", info.ScopedEntity),
		}, nil
	}

	if info.IsAdmin {
		return domain.PreflightResult{
			Success: true,
			Rights:  []string{domain.AdminAllRights},
		}, nil
	}

	if missing := domain.MissingBootstrapRights(info.Rights); len(missing) > 0 {
		return domain.PreflightResult{
			Success: false,
			Error:   "API key is missing required rights: " + strings.Join(missing, ", "),
			Rights:  info.Rights,
		}, nil
	}

	return domain.PreflightResult{Success: true, Rights: info.Rights}, nil
}

// ValidateConfiguration checks the key format locally, then fetches and
// analyzes application rights. No state is persisted.
func (s *Service) ValidateConfiguration(ctx context.Context, req domain.ValidateRequest) (domain.ValidateResult, error) {
	if !strings.HasPrefix(req.APIKey, APIKeyPrefix) {
		return domain.ValidateResult{Valid: false, Error: errInvalidKeyFormat}, nil
	}
	if strings.TrimSpace(req.ApplicationID) == "" {
		return domain.ValidateResult{Valid: false, Error: "Application ID is required"}, nil
	}

	outcome, err := s.validateAndAnalyze(ctx, s.regionOrDefault(req.Region), req.APIKey, req.ApplicationID)
	if err != nil {
		return domain.ValidateResult{}, err
	}
	return outcome.result, nil
}

// rightsOutcome carries the validation result plus the persisted side
// channel: the rights-check class and provider diagnostics.
type rightsOutcome struct {
	result      domain.ValidateResult
	rightsClass string
	diagnostics *domain.Diagnostics
}

// validateAndAnalyze fetches application rights and computes the capability
// report. Provider HTTP failures are mapped per status, never swallowed.
func (s *Service) validateAndAnalyze(ctx context.Context, region, apiKey, applicationID string) (rightsOutcome, error) {
	rights, result, err := s.client.ApplicationRights(ctx, region, apiKey, applicationID)
	s.recordProviderCall(ctx, "application_rights", err == nil && result.OK())
	if err != nil {
		return rightsOutcome{}, err
	}

	if !result.OK() {
		diag := diagnosticsFromResult(result)
		outcome := rightsOutcome{diagnostics: &diag}
		switch result.StatusCode {
		case 401:
			outcome.rightsClass = domain.RightsCheckInvalidKey
			outcome.result = domain.ValidateResult{Valid: false, Error: "Invalid API key"}
		case 403:
			outcome.rightsClass = domain.RightsCheckForbidden
			outcome.result = domain.ValidateResult{Valid: false, Error: "Access denied: the API key has no rights on this application"}
		case 404:
			outcome.rightsClass = domain.RightsCheckNotFound
			outcome.result = domain.ValidateResult{Valid: false, Error: "Application not found"}
		default:
			outcome.rightsClass = domain.RightsCheckError
			outcome.result = domain.ValidateResult{
				Valid: false,
				Error: fmt.Sprintf("Rights check failed: HTTP %d", result.StatusCode),
				Hint:  result.TruncatedBody(hintMaxBytes),
			}
		}
		return outcome, nil
	}

	report := domain.ComputePermissionReport(rights)
	outcome := rightsOutcome{
		result:      domain.ValidateResult{Valid: report.Valid, Permissions: &report},
		rightsClass: domain.RightsCheckValid,
	}
	if !report.Valid {
		outcome.result.Error = "API key is missing required rights: " + strings.Join(report.MissingCore, ", ")
	}
	return outcome, nil
}

// persistRightsOutcome stores the rights-check class and diagnostics for an
// existing connection row. Best-effort: diagnostics must not fail a flow.
func (s *Service) persistRightsOutcome(ctx context.Context, orgID int64, outcome rightsOutcome) {
	if outcome.rightsClass != "" {
		if err := s.repo.SetRightsCheck(ctx, s.db, orgID, outcome.rightsClass); err != nil {
			s.log.Warn("failed to persist rights check status", zap.Int64("org_id", orgID), zap.Error(err))
		}
	}
	if outcome.diagnostics != nil {
		if err := s.repo.SetDiagnostics(ctx, s.db, orgID, *outcome.diagnostics); err != nil {
			s.log.Warn("failed to persist provider diagnostics", zap.Int64("org_id", orgID), zap.Error(err))
		}
	}
}

func (s *Service) recordProviderCall(ctx context.Context, endpoint string, ok bool) {
	if s.metrics != nil {
		s.metrics.RecordProviderCall(ctx, endpoint, ok)
	}
}
