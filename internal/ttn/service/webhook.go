package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coldtrace/coldtrace/internal/ttn/client"
	"github.com/coldtrace/coldtrace/internal/ttn/crypto"
	"github.com/coldtrace/coldtrace/internal/ttn/domain"
	"go.uber.org/zap"
)

// Event paths exposed by the ingest API. Unknown event names sent by a
// caller are dropped, never forwarded to the provider.
var webhookEventPaths = map[string]string{
	"uplink_message": "/uplink",
	"join_accept":    "/join",
}

// ensureWebhook registers or refreshes the ingest webhook for an
// organization. The shared secret is persisted before the provider call so a
// crash between the two writes never leaves the provider holding a secret we
// cannot verify. Returns "created" or "updated".
func (s *Service) ensureWebhook(ctx context.Context, orgID int64, region, apiKey, applicationID string) (string, error) {
	conn, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return "", err
	}
	if conn == nil {
		return "", domain.ErrConnectionNotFound
	}

	action := "updated"
	secret := s.cipher.Deobfuscate(deref(conn.WebhookSecretEncrypted))
	if secret == "" {
		action = "created"
		secret, err = newWebhookSecret()
		if err != nil {
			return "", err
		}
		if err := s.repo.SetWebhookSecret(ctx, s.db, orgID, s.cipher.Obfuscate(secret), crypto.Last4(secret), time.Now().UTC()); err != nil {
			return "", err
		}
	}

	webhookURL := s.ingestURL(orgID)
	webhook := client.Webhook{
		IDs:           client.WebhookIDs{WebhookID: s.cfg.WebhookID},
		BaseURL:       webhookURL,
		Format:        "json",
		Headers:       map[string]string{"Authorization": "Bearer " + secret},
		UplinkMessage: &client.WebhookEventPath{Path: webhookEventPaths["uplink_message"]},
		JoinAccept:    &client.WebhookEventPath{Path: webhookEventPaths["join_accept"]},
	}
	fieldPaths := []string{"base_url", "format", "headers", "uplink_message", "join_accept"}

	result, err := s.client.SetWebhook(ctx, region, apiKey, applicationID, webhook, fieldPaths)
	s.recordProviderCall(ctx, "set_webhook", err == nil && result.OK())
	if err != nil {
		return "", err
	}
	if !result.OK() {
		diag := diagnosticsFromResult(result)
		if derr := s.repo.SetDiagnostics(ctx, s.db, orgID, diag); derr != nil {
			s.log.Warn("failed to persist webhook diagnostics", zap.Int64("org_id", orgID), zap.Error(derr))
		}
		return "", fmt.Errorf("webhook configuration failed: HTTP %d: %s", result.StatusCode, result.TruncatedBody(hintMaxBytes))
	}

	if err := s.repo.SetWebhookURL(ctx, s.db, orgID, webhookURL); err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.RecordWebhookConfigured(ctx, action)
	}
	return action, nil
}

// UpdateWebhook applies a partial update to the provider webhook. Only the
// base URL and the recognized event paths are touched; headers and the shared
// secret are left as configured.
func (s *Service) UpdateWebhook(ctx context.Context, orgID int64, url string, events []string) error {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	release, ok, err := s.acquireOrgLock(ctx, orgID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrOperationInFlight
	}
	defer release()

	url = strings.TrimSpace(url)
	if url == "" {
		return domain.NewConfigurationError("webhook URL is required")
	}

	conn, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return err
	}
	if conn == nil {
		return domain.ErrConnectionNotFound
	}

	apiKey := s.cipher.Deobfuscate(deref(conn.APIKeyEncrypted))
	applicationID := deref(conn.ApplicationID)
	if apiKey == "" || applicationID == "" {
		return domain.NewConfigurationError("connection has no stored credentials")
	}

	webhook := client.Webhook{
		IDs:     client.WebhookIDs{WebhookID: s.cfg.WebhookID},
		BaseURL: url,
	}
	fieldPaths := []string{"base_url"}
	for _, event := range events {
		path, known := webhookEventPaths[event]
		if !known {
			s.log.Debug("ignoring unknown webhook event", zap.String("event", event))
			continue
		}
		switch event {
		case "uplink_message":
			webhook.UplinkMessage = &client.WebhookEventPath{Path: path}
		case "join_accept":
			webhook.JoinAccept = &client.WebhookEventPath{Path: path}
		}
		fieldPaths = append(fieldPaths, event)
	}

	region := s.regionOrDefault(conn.Region)
	result, err := s.client.SetWebhook(ctx, region, apiKey, applicationID, webhook, fieldPaths)
	s.recordProviderCall(ctx, "set_webhook", err == nil && result.OK())
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("webhook update failed: HTTP %d: %s", result.StatusCode, result.TruncatedBody(hintMaxBytes))
	}

	if err := s.repo.SetWebhookURL(ctx, s.db, orgID, url); err != nil {
		return err
	}
	s.audit(ctx, orgID, "ttn.update_webhook", map[string]any{"url": url, "events": events})
	return nil
}

// RegenerateWebhookSecret rotates the shared secret. The provider is updated
// first and the new secret is stored only after it accepted the change, so a
// provider failure keeps the previous secret verifying traffic.
func (s *Service) RegenerateWebhookSecret(ctx context.Context, orgID int64) error {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	release, ok, err := s.acquireOrgLock(ctx, orgID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrOperationInFlight
	}
	defer release()

	conn, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return err
	}
	if conn == nil {
		return domain.ErrConnectionNotFound
	}

	apiKey := s.cipher.Deobfuscate(deref(conn.APIKeyEncrypted))
	applicationID := deref(conn.ApplicationID)
	if apiKey == "" || applicationID == "" {
		return domain.NewConfigurationError("connection has no stored credentials")
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return err
	}

	webhook := client.Webhook{
		IDs:     client.WebhookIDs{WebhookID: s.cfg.WebhookID},
		Headers: map[string]string{"Authorization": "Bearer " + secret},
	}

	region := s.regionOrDefault(conn.Region)
	result, err := s.client.SetWebhook(ctx, region, apiKey, applicationID, webhook, []string{"headers"})
	s.recordProviderCall(ctx, "set_webhook", err == nil && result.OK())
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("webhook secret rotation failed: HTTP %d: %s", result.StatusCode, result.TruncatedBody(hintMaxBytes))
	}

	now := time.Now().UTC()
	if err := s.repo.SetWebhookSecret(ctx, s.db, orgID, s.cipher.Obfuscate(secret), crypto.Last4(secret), now); err != nil {
		return err
	}

	s.audit(ctx, orgID, "ttn.rotate_webhook_secret", map[string]any{"rotated_at": now})
	s.log.Info("webhook secret rotated", zap.Int64("org_id", orgID))
	return nil
}

func (s *Service) ingestURL(orgID int64) string {
	base := strings.TrimSuffix(s.cfg.WebhookBaseURL, "/")
	return fmt.Sprintf("%s/api/v1/ingest/ttn/%d", base, orgID)
}
