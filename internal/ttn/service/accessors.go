package service

import (
	"context"
	"encoding/json"

	"github.com/coldtrace/coldtrace/internal/ttn/domain"
)

// GetCredentials returns the stored configuration redacted to last-4. The
// state fields distinguish a missing credential from one that no longer
// decrypts under the current salt.
func (s *Service) GetCredentials(ctx context.Context, orgID int64) (domain.CredentialsView, error) {
	if orgID == 0 {
		return domain.CredentialsView{}, domain.ErrInvalidOrganization
	}

	conn, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return domain.CredentialsView{}, err
	}
	if conn == nil {
		return domain.CredentialsView{}, domain.ErrConnectionNotFound
	}

	return domain.CredentialsView{
		Region:             conn.Region,
		ApplicationID:      deref(conn.ApplicationID),
		APIKeyLast4:        deref(conn.APIKeyLast4),
		APIKeyState:        s.secretState(conn.APIKeyEncrypted),
		WebhookSecretLast4: deref(conn.WebhookSecretLast4),
		WebhookSecretState: s.secretState(conn.WebhookSecretEncrypted),
		WebhookURL:         deref(conn.WebhookURL),
		LastRotatedAt:      conn.CredentialsLastRotatedAt,
	}, nil
}

// GetStatus returns the provisioning state machine position plus the provider
// diagnostics captured on the last failing call.
func (s *Service) GetStatus(ctx context.Context, orgID int64) (domain.StatusView, error) {
	if orgID == 0 {
		return domain.StatusView{}, domain.ErrInvalidOrganization
	}

	conn, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return domain.StatusView{}, err
	}
	if conn == nil {
		return domain.StatusView{}, domain.ErrConnectionNotFound
	}

	view := domain.StatusView{
		ProvisioningStatus:       conn.ProvisioningStatus,
		ProvisioningStep:         deref(conn.ProvisioningStep),
		ProvisioningError:        deref(conn.ProvisioningError),
		ProvisioningAttemptCount: conn.ProvisioningAttemptCount,
		AppRightsCheckStatus:     deref(conn.AppRightsCheckStatus),
		LastHTTPStatus:           conn.LastHTTPStatus,
		LastHTTPBody:             deref(conn.LastHTTPBody),
		LastTTNCorrelationID:     deref(conn.LastTTNCorrelationID),
		LastTTNErrorName:         deref(conn.LastTTNErrorName),
	}
	if len(conn.ProvisioningStepDetails) > 0 {
		details := map[string]any{}
		if err := json.Unmarshal(conn.ProvisioningStepDetails, &details); err == nil {
			view.ProvisioningStepDetails = details
		}
	}
	return view, nil
}

// secretState classifies a stored ciphertext for display.
func (s *Service) secretState(encrypted *string) string {
	stored := deref(encrypted)
	if stored == "" {
		return domain.SecretStateEmpty
	}
	if s.cipher.Deobfuscate(stored) == "" {
		return domain.SecretStateFailed
	}
	return domain.SecretStateDecrypted
}
