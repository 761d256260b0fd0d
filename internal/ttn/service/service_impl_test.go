package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coldtrace/coldtrace/internal/config"
	"github.com/coldtrace/coldtrace/internal/lock"
	"github.com/coldtrace/coldtrace/internal/ttn/client"
	"github.com/coldtrace/coldtrace/internal/ttn/crypto"
	"github.com/coldtrace/coldtrace/internal/ttn/domain"
	"github.com/coldtrace/coldtrace/internal/ttn/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testSalt      = "test-salt"
	testTenantKey = "NNSXS.TENANTKEY.SECRET"
)

var coreRights = []string{
	"RIGHT_APPLICATION_INFO",
	"RIGHT_APPLICATION_TRAFFIC_READ",
	"RIGHT_APPLICATION_SETTINGS_BASIC",
}

type testEnv struct {
	db            *gorm.DB
	svc           *Service
	node          *snowflake.Node
	providerCalls *int32
}

// setupEnv builds a service backed by a throwaway sqlite database and a fake
// provider. handler receives every provider request; nil means the provider
// must never be reached.
func setupEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Connection{}))

	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if handler == nil {
			t.Errorf("unexpected provider call: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	cfg := config.TTNConfig{
		DefaultRegion:  "nam1",
		APIBaseURL:     ts.URL,
		AdminAPIKey:    "NNSXS.ADMINKEY.SECRET",
		CredentialSalt: testSalt,
		WebhookBaseURL: "https://ingest.example.com",
		WebhookID:      "coldtrace-ingest",
		HTTPTimeout:    5 * time.Second,
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   repository.Provide(),
		Client: client.New(cfg, zap.NewNop()),
		Locker: lock.NewMemoryLocker(),
		Cfg:    cfg,
	}).(*Service)

	return &testEnv{db: db, svc: svc, node: node, providerCalls: &calls}
}

func (e *testEnv) calls() int32 {
	return atomic.LoadInt32(e.providerCalls)
}

func (e *testEnv) findConn(t *testing.T, orgID int64) *domain.Connection {
	t.Helper()
	conn, err := e.svc.repo.FindByOrg(context.Background(), e.db, orgID)
	require.NoError(t, err)
	return conn
}

// seedFailedConnection inserts a failed row with decryptable credentials.
func (e *testEnv) seedFailedConnection(t *testing.T, orgID int64, rightsCheck string) {
	t.Helper()
	cipher := crypto.NewCipher(testSalt, zap.NewNop())
	conn := &domain.Connection{
		ID:                       e.node.Generate().Int64(),
		OrgID:                    orgID,
		Region:                   "nam1",
		ApplicationID:            strptr("cold-app"),
		APIKeyEncrypted:          strptr(cipher.Obfuscate(testTenantKey)),
		APIKeyLast4:              strptr(crypto.Last4(testTenantKey)),
		WebhookSecretEncrypted:   strptr(cipher.Obfuscate("stored-secret")),
		WebhookSecretLast4:       strptr(crypto.Last4("stored-secret")),
		ProvisioningStatus:       domain.StatusFailed,
		ProvisioningStep:         strptr(domain.StepWebhook),
		ProvisioningError:        strptr("webhook configuration failed"),
		ProvisioningAttemptCount: 1,
		AppRightsCheckStatus:     strptr(rightsCheck),
		CreatedAt:                time.Now().UTC(),
		UpdatedAt:                time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(conn).Error)
}

func rightsHandler(t *testing.T, rights []string, webhooks map[string]client.Webhook) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/rights"):
			_ = json.NewEncoder(w).Encode(map[string]any{"rights": rights})
		case strings.Contains(r.URL.Path, "/webhooks/"):
			require.Equal(t, http.MethodPut, r.Method)
			var payload struct {
				Webhook client.Webhook `json:"webhook"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			if webhooks != nil {
				webhooks[r.URL.Path] = payload.Webhook
			}
			_ = json.NewEncoder(w).Encode(map[string]any{})
		default:
			t.Errorf("unexpected provider path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestProvisionOrganizationHappyPath(t *testing.T) {
	webhooks := map[string]client.Webhook{}
	env := setupEnv(t, rightsHandler(t, coreRights, webhooks))

	result, err := env.svc.ProvisionOrganization(context.Background(), domain.ProvisionRequest{
		OrgID:         42,
		APIKey:        testTenantKey,
		ApplicationID: "cold-app",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "created", result.WebhookAction)
	assert.Equal(t, "CRET", result.Config.APIKeyLast4)
	assert.Equal(t, domain.SecretStateDecrypted, result.Config.APIKeyState)
	assert.Equal(t, domain.SecretStateDecrypted, result.Config.WebhookSecretState)
	assert.Equal(t, "https://ingest.example.com/api/v1/ingest/ttn/42", result.Config.WebhookURL)

	conn := env.findConn(t, 42)
	require.NotNil(t, conn)
	assert.Equal(t, domain.StatusComplete, conn.ProvisioningStatus)
	assert.Equal(t, 1, conn.ProvisioningAttemptCount)
	assert.True(t, strings.HasPrefix(*conn.APIKeyEncrypted, "b64:"))
	assert.Equal(t, domain.RightsCheckValid, *conn.AppRightsCheckStatus)

	require.Len(t, webhooks, 1)
	for path, webhook := range webhooks {
		assert.Contains(t, path, "/api/v3/as/applications/cold-app/webhooks/coldtrace-ingest")
		assert.Equal(t, "https://ingest.example.com/api/v1/ingest/ttn/42", webhook.BaseURL)
		assert.Equal(t, "json", webhook.Format)
		assert.Equal(t, "/uplink", webhook.UplinkMessage.Path)
		assert.Equal(t, "/join", webhook.JoinAccept.Path)
		assert.True(t, strings.HasPrefix(webhook.Headers["Authorization"], "Bearer "))
	}
}

func TestProvisionRejectsBadKeyFormatWithoutProviderCall(t *testing.T) {
	env := setupEnv(t, nil)

	_, err := env.svc.ProvisionOrganization(context.Background(), domain.ProvisionRequest{
		OrgID:         42,
		APIKey:        "apikey-without-prefix",
		ApplicationID: "cold-app",
	})

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Invalid API key format. Must start with NNSXS.", cfgErr.Message)
	assert.Zero(t, env.calls())
	assert.Nil(t, env.findConn(t, 42))
}

func TestProvisionMissingCoreRightsLeavesNoRow(t *testing.T) {
	env := setupEnv(t, rightsHandler(t, []string{"RIGHT_APPLICATION_INFO"}, nil))

	_, err := env.svc.ProvisionOrganization(context.Background(), domain.ProvisionRequest{
		OrgID:         42,
		APIKey:        testTenantKey,
		ApplicationID: "cold-app",
	})

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "API key is missing required rights: RIGHT_APPLICATION_TRAFFIC_READ", cfgErr.Message)
	assert.Nil(t, env.findConn(t, 42))
}

func TestProvisionWebhookFailureMarksFailed(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/rights") {
			_ = json.NewEncoder(w).Encode(map[string]any{"rights": coreRights})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := env.svc.ProvisionOrganization(context.Background(), domain.ProvisionRequest{
		OrgID:         42,
		APIKey:        testTenantKey,
		ApplicationID: "cold-app",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook configuration failed: HTTP 502")

	conn := env.findConn(t, 42)
	require.NotNil(t, conn)
	assert.Equal(t, domain.StatusFailed, conn.ProvisioningStatus)
	assert.Equal(t, domain.StepWebhook, *conn.ProvisioningStep)
	require.NotNil(t, conn.LastHTTPStatus)
	assert.Equal(t, 502, *conn.LastHTTPStatus)
}

func TestProvisionTwiceKeepsWebhookSecret(t *testing.T) {
	webhooks := map[string]client.Webhook{}
	var secrets []string
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		rightsHandler(t, coreRights, webhooks)(w, r)
		if strings.Contains(r.URL.Path, "/webhooks/") {
			secrets = append(secrets, webhooks[r.URL.Path].Headers["Authorization"])
		}
	})

	req := domain.ProvisionRequest{OrgID: 42, APIKey: testTenantKey, ApplicationID: "cold-app"}

	first, err := env.svc.ProvisionOrganization(context.Background(), req)
	require.NoError(t, err)
	second, err := env.svc.ProvisionOrganization(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "created", first.WebhookAction)
	assert.Equal(t, "updated", second.WebhookAction)
	require.Len(t, secrets, 2)
	assert.Equal(t, secrets[0], secrets[1])

	conn := env.findConn(t, 42)
	require.NotNil(t, conn)
	assert.Equal(t, 2, conn.ProvisioningAttemptCount)
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	env := setupEnv(t, nil)
	env.seedFailedConnection(t, 42, domain.RightsCheckError)
	require.NoError(t, env.svc.repo.SetStatus(context.Background(), env.db, 42, domain.StatusComplete, nil, nil))

	result, err := env.svc.RetryProvisioning(context.Background(), 42)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, `cannot retry while provisioning status is "complete"`, result.Error)
	assert.False(t, result.UseStartFresh)
	assert.Zero(t, env.calls())

	conn := env.findConn(t, 42)
	assert.Equal(t, domain.StatusComplete, conn.ProvisioningStatus)
}

func TestRetryForbiddenShortCircuitsToStartFresh(t *testing.T) {
	env := setupEnv(t, nil)
	env.seedFailedConnection(t, 42, domain.RightsCheckForbidden)

	result, err := env.svc.RetryProvisioning(context.Background(), 42)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.UseStartFresh)
	assert.Zero(t, env.calls())

	conn := env.findConn(t, 42)
	assert.Equal(t, domain.StatusFailed, conn.ProvisioningStatus)
	assert.Equal(t, 1, conn.ProvisioningAttemptCount)
}

func TestRetrySucceedsFromFailedState(t *testing.T) {
	env := setupEnv(t, rightsHandler(t, coreRights, nil))
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	result, err := env.svc.RetryProvisioning(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Error)

	conn := env.findConn(t, 42)
	assert.Equal(t, domain.StatusComplete, conn.ProvisioningStatus)
	assert.Equal(t, 2, conn.ProvisioningAttemptCount)
	assert.Nil(t, conn.ProvisioningError)
}

func TestStartFreshRequiresAdminKey(t *testing.T) {
	env := setupEnv(t, nil)
	env.svc.cfg.AdminAPIKey = ""
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	result, err := env.svc.StartFresh(context.Background(), 42, "")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "TTN admin API key is not configured", result.Error)
	assert.Zero(t, env.calls())

	// Row untouched.
	conn := env.findConn(t, 42)
	assert.Equal(t, domain.StatusFailed, conn.ProvisioningStatus)
	assert.NotNil(t, conn.APIKeyEncrypted)
}

func TestStartFreshResetsEvenWhenProviderFails(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	result, err := env.svc.StartFresh(context.Background(), 42, "")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.DeletedApp)

	conn := env.findConn(t, 42)
	require.NotNil(t, conn)
	assert.Equal(t, domain.StatusIdle, conn.ProvisioningStatus)
	assert.Nil(t, conn.ApplicationID)
	assert.Nil(t, conn.APIKeyEncrypted)
	assert.Nil(t, conn.WebhookSecretEncrypted)
	assert.Nil(t, conn.AppRightsCheckStatus)
}

func TestStartFreshResetsEvenWhenProviderIsUnreachable(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	// Point the client at a closed port so the delete call fails at the
	// transport layer.
	env.svc.client = client.New(config.TTNConfig{
		APIBaseURL:  "http://127.0.0.1:1",
		HTTPTimeout: time.Second,
	}, zap.NewNop())

	result, err := env.svc.StartFresh(context.Background(), 42, "")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.DeletedApp)

	conn := env.findConn(t, 42)
	assert.Equal(t, domain.StatusIdle, conn.ProvisioningStatus)
	assert.Nil(t, conn.APIKeyEncrypted)
}

func TestStartFreshTreats404AsDeleted(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "Bearer NNSXS.ADMINKEY.SECRET", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "error:pkg/identityserver:application_not_found"})
	})
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	result, err := env.svc.StartFresh(context.Background(), 42, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.DeletedApp)
}

func TestDeepCleanCountsTolerantDeletes(t *testing.T) {
	deviceStatus := map[string]int{
		"sensor-1": http.StatusOK,
		"sensor-2": http.StatusNotFound,
		"sensor-3": http.StatusInternalServerError,
	}
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/devices"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"end_devices": []map[string]any{
					{"ids": map[string]string{"device_id": "sensor-1"}},
					{"ids": map[string]string{"device_id": "sensor-2"}},
					{"ids": map[string]string{"device_id": "sensor-3"}},
				},
			})
		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/devices/"):
			parts := strings.Split(r.URL.Path, "/")
			w.WriteHeader(deviceStatus[parts[len(parts)-1]])
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected provider call %s %s", r.Method, r.URL.Path)
		}
	})
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	result, err := env.svc.DeepClean(context.Background(), 42)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.DeletedDevices)
	assert.True(t, result.DeletedApp)
	assert.False(t, result.DeletedOrg)

	conn := env.findConn(t, 42)
	assert.Equal(t, domain.StatusIdle, conn.ProvisioningStatus)
	assert.Nil(t, conn.APIKeyEncrypted)
}

func TestRegenerateWebhookSecretPersistsOnlyAfterProviderAccepts(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	env.seedFailedConnection(t, 42, domain.RightsCheckError)
	before := env.findConn(t, 42).WebhookSecretEncrypted

	err := env.svc.RegenerateWebhookSecret(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook secret rotation failed: HTTP 403")

	after := env.findConn(t, 42).WebhookSecretEncrypted
	assert.Equal(t, *before, *after)
}

func TestUpdateWebhookIgnoresUnknownEvents(t *testing.T) {
	var payload struct {
		Webhook   client.Webhook `json:"webhook"`
		FieldMask struct {
			Paths []string `json:"paths"`
		} `json:"field_mask"`
	}
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_ = json.NewEncoder(w).Encode(map[string]any{})
	})
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	err := env.svc.UpdateWebhook(context.Background(), 42, "https://other.example.com/hooks", []string{"uplink_message", "location_solved"})
	require.NoError(t, err)

	assert.Equal(t, []string{"base_url", "uplink_message"}, payload.FieldMask.Paths)
	assert.Equal(t, "/uplink", payload.Webhook.UplinkMessage.Path)
	assert.Nil(t, payload.Webhook.JoinAccept)

	conn := env.findConn(t, 42)
	assert.Equal(t, "https://other.example.com/hooks", *conn.WebhookURL)
}

func TestConcurrentOperationIsRejected(t *testing.T) {
	env := setupEnv(t, nil)
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	release, ok, err := env.svc.acquireOrgLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	result, err := env.svc.RetryProvisioning(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "another connectivity operation is in progress", result.Error)

	_, err = env.svc.ProvisionOrganization(context.Background(), domain.ProvisionRequest{
		OrgID:         42,
		APIKey:        testTenantKey,
		ApplicationID: "cold-app",
	})
	assert.ErrorIs(t, err, domain.ErrOperationInFlight)
}

func TestWebhookMutationsBlockedWhileOperationInFlight(t *testing.T) {
	env := setupEnv(t, nil)
	env.seedFailedConnection(t, 42, domain.RightsCheckError)
	before := env.findConn(t, 42).WebhookSecretEncrypted

	release, ok, err := env.svc.acquireOrgLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	err = env.svc.RegenerateWebhookSecret(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrOperationInFlight)

	err = env.svc.UpdateWebhook(context.Background(), 42, "https://other.example.com/hooks", []string{"uplink_message"})
	assert.ErrorIs(t, err, domain.ErrOperationInFlight)

	after := env.findConn(t, 42).WebhookSecretEncrypted
	assert.Equal(t, *before, *after)
	assert.Zero(t, env.calls())
}

func TestProvisionRecordsDiagnosticsOnExistingConnection(t *testing.T) {
	env := setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/rights"))
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "error:pkg/auth:insufficient_rights"})
	})
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	_, err := env.svc.ProvisionOrganization(context.Background(), domain.ProvisionRequest{
		OrgID:         42,
		APIKey:        testTenantKey,
		ApplicationID: "cold-app",
	})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	conn := env.findConn(t, 42)
	assert.Equal(t, domain.RightsCheckForbidden, *conn.AppRightsCheckStatus)
	require.NotNil(t, conn.LastHTTPStatus)
	assert.Equal(t, 403, *conn.LastHTTPStatus)
	assert.Equal(t, domain.StatusFailed, conn.ProvisioningStatus)
}

func TestGetCredentialsReportsDecryptability(t *testing.T) {
	env := setupEnv(t, nil)
	env.seedFailedConnection(t, 42, domain.RightsCheckError)

	view, err := env.svc.GetCredentials(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.SecretStateDecrypted, view.APIKeyState)
	assert.Equal(t, "CRET", view.APIKeyLast4)

	// Corrupt the ciphertext so it no longer decodes.
	require.NoError(t, env.db.Exec(
		`UPDATE ttn_connections SET api_key_encrypted = 'b64:!!!' WHERE org_id = 42`,
	).Error)

	view, err = env.svc.GetCredentials(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.SecretStateFailed, view.APIKeyState)

	require.NoError(t, env.db.Exec(
		`UPDATE ttn_connections SET api_key_encrypted = NULL WHERE org_id = 42`,
	).Error)

	view, err = env.svc.GetCredentials(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.SecretStateEmpty, view.APIKeyState)
}

func TestGetStatusForUnknownOrg(t *testing.T) {
	env := setupEnv(t, nil)

	_, err := env.svc.GetStatus(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}
