package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/coldtrace/coldtrace/internal/audit/domain"
	"github.com/coldtrace/coldtrace/internal/config"
	"github.com/coldtrace/coldtrace/internal/lock"
	obsmetrics "github.com/coldtrace/coldtrace/internal/observability/metrics"
	"github.com/coldtrace/coldtrace/internal/ttn/client"
	"github.com/coldtrace/coldtrace/internal/ttn/crypto"
	"github.com/coldtrace/coldtrace/internal/ttn/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// APIKeyPrefix is the key family issued by the network server; every
	// tenant credential must carry it.
	APIKeyPrefix = "NNSXS."

	errInvalidKeyFormat = "Invalid API key format. Must start with NNSXS."
	errInFlight         = "another connectivity operation is in progress"

	orgLockTTL   = 30 * time.Second
	hintMaxBytes = 256
	bodyMaxBytes = 2048
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   domain.Repository
	Client *client.Client
	Locker lock.Locker
	Cfg    config.TTNConfig

	Metrics  *obsmetrics.Metrics `optional:"true"`
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	client   *client.Client
	cipher   *crypto.Cipher
	locker   lock.Locker
	cfg      config.TTNConfig
	metrics  *obsmetrics.Metrics
	auditSvc auditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ttn.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		client:   p.Client,
		cipher:   crypto.NewCipher(p.Cfg.CredentialSalt, p.Log),
		locker:   p.Locker,
		cfg:      p.Cfg,
		metrics:  p.Metrics,
		auditSvc: p.AuditSvc,
	}
}

// acquireOrgLock serializes orchestration flows per organization. The release
// function is nil when the lock is already held elsewhere.
func (s *Service) acquireOrgLock(ctx context.Context, orgID int64) (func(), bool, error) {
	key := fmt.Sprintf("ttn:lock:%d", orgID)
	token, ok, err := s.locker.TryLock(ctx, key, orgLockTTL)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() { _ = s.locker.Release(ctx, key, token) }, true, nil
}

func (s *Service) regionOrDefault(region string) string {
	region = strings.TrimSpace(region)
	if region == "" {
		return s.cfg.DefaultRegion
	}
	return region
}

func (s *Service) audit(ctx context.Context, orgID int64, action string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	target := "ttn_connection"
	_ = s.auditSvc.Record(ctx, orgID, action, target, nil, metadata)
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func strptr(v string) *string {
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// diagnosticsFromResult maps a provider response onto the persisted
// diagnostic fields.
func diagnosticsFromResult(result *client.Result) domain.Diagnostics {
	if result == nil {
		return domain.Diagnostics{}
	}
	diag := domain.Diagnostics{HTTPStatus: &result.StatusCode}
	if body := result.TruncatedBody(bodyMaxBytes); body != "" {
		diag.HTTPBody = &body
	}
	if result.CorrelationID != "" {
		diag.CorrelationID = &result.CorrelationID
	}
	if result.ErrorName != "" {
		diag.ErrorName = &result.ErrorName
	}
	return diag
}
