package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coldtrace/coldtrace/internal/config"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 * 1024

// Client issues calls against The Things Stack v3 HTTP API. Every call
// carries its own timeout; retries are a whole-flow concern handled by the
// connectivity service, never at the transport layer.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *zap.Logger
}

func New(cfg config.TTNConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		baseURL:    strings.TrimSuffix(cfg.APIBaseURL, "/"),
		log:        log.Named("ttn.client"),
	}
}

// Result captures the provider response for diagnostics persistence.
type Result struct {
	StatusCode    int
	Body          []byte
	CorrelationID string
	ErrorName     string
}

func (r *Result) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// TruncatedBody returns the response body clipped for storage and hints.
func (r *Result) TruncatedBody(limit int) string {
	if r == nil || len(r.Body) == 0 {
		return ""
	}
	body := string(r.Body)
	if limit > 0 && len(body) > limit {
		return body[:limit]
	}
	return body
}

// AuthInfo is the identity server's description of the presented token.
type AuthInfo struct {
	IsAdmin bool
	Rights  []string
	// ScopedEntity is set when the key is bound to a single application,
	// organization or gateway rather than a user.
	ScopedEntity string
	UserID       string
}

type authInfoResponse struct {
	IsAdmin bool `json:"is_admin"`
	APIKey  *struct {
		EntityIDs map[string]json.RawMessage `json:"entity_ids"`
		APIKey    struct {
			Rights []string `json:"rights"`
		} `json:"api_key"`
	} `json:"api_key"`
	UniversalRights *struct {
		Rights []string `json:"rights"`
	} `json:"universal_rights"`
}

// AuthInfo calls GET /api/v3/auth_info with the given bearer token.
func (c *Client) AuthInfo(ctx context.Context, region, apiKey string) (*AuthInfo, *Result, error) {
	result, err := c.do(ctx, http.MethodGet, c.endpoint(region, "/api/v3/auth_info"), apiKey, nil)
	if err != nil {
		return nil, nil, err
	}
	if !result.OK() {
		return nil, result, nil
	}

	var parsed authInfoResponse
	if err := json.Unmarshal(result.Body, &parsed); err != nil {
		return nil, result, fmt.Errorf("decode auth_info response: %w", err)
	}

	info := &AuthInfo{IsAdmin: parsed.IsAdmin}
	if parsed.UniversalRights != nil {
		info.Rights = parsed.UniversalRights.Rights
	}
	if parsed.APIKey != nil {
		if len(parsed.APIKey.APIKey.Rights) > 0 {
			info.Rights = parsed.APIKey.APIKey.Rights
		}
		for entity, raw := range parsed.APIKey.EntityIDs {
			switch entity {
			case "application_ids":
				info.ScopedEntity = "application"
			case "organization_ids":
				info.ScopedEntity = "organization"
			case "gateway_ids":
				info.ScopedEntity = "gateway"
			case "user_ids":
				var ids struct {
					UserID string `json:"user_id"`
				}
				_ = json.Unmarshal(raw, &ids)
				info.UserID = ids.UserID
			}
		}
	}
	return info, result, nil
}

// ApplicationRights calls GET /api/v3/applications/{id}/rights.
func (c *Client) ApplicationRights(ctx context.Context, region, apiKey, applicationID string) ([]string, *Result, error) {
	path := fmt.Sprintf("/api/v3/applications/%s/rights", applicationID)
	result, err := c.do(ctx, http.MethodGet, c.endpoint(region, path), apiKey, nil)
	if err != nil {
		return nil, nil, err
	}
	if !result.OK() {
		return nil, result, nil
	}

	var parsed struct {
		Rights []string `json:"rights"`
	}
	if err := json.Unmarshal(result.Body, &parsed); err != nil {
		return nil, result, fmt.Errorf("decode rights response: %w", err)
	}
	return parsed.Rights, result, nil
}

// GetApplication calls GET /api/v3/applications/{id}.
func (c *Client) GetApplication(ctx context.Context, region, apiKey, applicationID string) (*Result, error) {
	path := fmt.Sprintf("/api/v3/applications/%s", applicationID)
	return c.do(ctx, http.MethodGet, c.endpoint(region, path), apiKey, nil)
}

// DeleteApplication calls DELETE /api/v3/applications/{id}.
func (c *Client) DeleteApplication(ctx context.Context, region, apiKey, applicationID string) (*Result, error) {
	path := fmt.Sprintf("/api/v3/applications/%s", applicationID)
	return c.do(ctx, http.MethodDelete, c.endpoint(region, path), apiKey, nil)
}

// ListDeviceIDs calls GET /api/v3/applications/{id}/devices and returns the
// registered device identifiers.
func (c *Client) ListDeviceIDs(ctx context.Context, region, apiKey, applicationID string) ([]string, *Result, error) {
	path := fmt.Sprintf("/api/v3/applications/%s/devices", applicationID)
	result, err := c.do(ctx, http.MethodGet, c.endpoint(region, path), apiKey, nil)
	if err != nil {
		return nil, nil, err
	}
	if !result.OK() {
		return nil, result, nil
	}

	var parsed struct {
		EndDevices []struct {
			IDs struct {
				DeviceID string `json:"device_id"`
			} `json:"ids"`
		} `json:"end_devices"`
	}
	if err := json.Unmarshal(result.Body, &parsed); err != nil {
		return nil, result, fmt.Errorf("decode devices response: %w", err)
	}

	ids := make([]string, 0, len(parsed.EndDevices))
	for _, device := range parsed.EndDevices {
		if device.IDs.DeviceID != "" {
			ids = append(ids, device.IDs.DeviceID)
		}
	}
	return ids, result, nil
}

// DeleteDevice calls DELETE /api/v3/applications/{id}/devices/{deviceId}.
func (c *Client) DeleteDevice(ctx context.Context, region, apiKey, applicationID, deviceID string) (*Result, error) {
	path := fmt.Sprintf("/api/v3/applications/%s/devices/%s", applicationID, deviceID)
	return c.do(ctx, http.MethodDelete, c.endpoint(region, path), apiKey, nil)
}

// Webhook is the provider-side webhook resource.
type Webhook struct {
	IDs           WebhookIDs        `json:"ids"`
	BaseURL       string            `json:"base_url,omitempty"`
	Format        string            `json:"format,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	UplinkMessage *WebhookEventPath `json:"uplink_message,omitempty"`
	JoinAccept    *WebhookEventPath `json:"join_accept,omitempty"`
}

type WebhookIDs struct {
	WebhookID      string `json:"webhook_id"`
	ApplicationIDs struct {
		ApplicationID string `json:"application_id"`
	} `json:"application_ids"`
}

type WebhookEventPath struct {
	Path string `json:"path"`
}

type setWebhookRequest struct {
	Webhook   Webhook `json:"webhook"`
	FieldMask struct {
		Paths []string `json:"paths"`
	} `json:"field_mask"`
}

// SetWebhook PUTs the webhook resource with the given field mask.
func (c *Client) SetWebhook(ctx context.Context, region, apiKey, applicationID string, webhook Webhook, fieldPaths []string) (*Result, error) {
	webhook.IDs.WebhookID = strings.TrimSpace(webhook.IDs.WebhookID)
	webhook.IDs.ApplicationIDs.ApplicationID = applicationID

	payload := setWebhookRequest{Webhook: webhook}
	payload.FieldMask.Paths = fieldPaths

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook request: %w", err)
	}

	path := fmt.Sprintf("/api/v3/as/applications/%s/webhooks/%s", applicationID, webhook.IDs.WebhookID)
	return c.do(ctx, http.MethodPut, c.endpoint(region, path), apiKey, body)
}

func (c *Client) endpoint(region, path string) string {
	if c.baseURL != "" {
		return c.baseURL + path
	}
	return fmt.Sprintf("https://%s.cloud.thethings.network%s", region, path)
}

func (c *Client) do(ctx context.Context, method, url, apiKey string, body []byte) (*Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	result := &Result{StatusCode: resp.StatusCode, Body: data}
	if !result.OK() {
		result.ErrorName, result.CorrelationID = parseErrorEnvelope(data)
		c.log.Debug("provider call failed",
			zap.String("method", method),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.String("error_name", result.ErrorName),
		)
	}
	return result, nil
}

// parseErrorEnvelope extracts the error name and correlation ID from a Things
// Stack error response.
func parseErrorEnvelope(body []byte) (name string, correlationID string) {
	var envelope struct {
		Message string `json:"message"`
		Details []struct {
			Name          string `json:"name"`
			Namespace     string `json:"namespace"`
			CorrelationID string `json:"correlation_id"`
		} `json:"details"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", ""
	}
	for _, detail := range envelope.Details {
		if name == "" && detail.Name != "" {
			name = detail.Name
			if detail.Namespace != "" {
				name = detail.Namespace + ":" + detail.Name
			}
		}
		if correlationID == "" {
			correlationID = detail.CorrelationID
		}
	}
	if name == "" && envelope.Message != "" {
		// "error:pkg/namespace:name (description)" message format.
		if idx := strings.Index(envelope.Message, " "); idx > 0 {
			name = envelope.Message[:idx]
		} else {
			name = envelope.Message
		}
	}
	return name, correlationID
}
