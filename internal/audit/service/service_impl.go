package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/coldtrace/coldtrace/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, orgID int64, action, targetType string, targetID *string, metadata map[string]any) error {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	if strings.TrimSpace(action) == "" {
		return domain.ErrInvalidAction
	}

	entry := &domain.AuditLog{
		ID:         s.genID.Generate().Int64(),
		OrgID:      orgID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  time.Now().UTC(),
	}

	if masked := maskMetadata(metadata); len(masked) > 0 {
		payload, err := json.Marshal(masked)
		if err == nil {
			entry.Metadata = datatypes.JSON(payload)
		}
	}

	if err := s.repo.Insert(ctx, s.db, entry); err != nil {
		// Audit writes never fail the business operation.
		s.log.Warn("failed to persist audit entry", zap.String("action", action), zap.Error(err))
	}
	return nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	if filter.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.List(ctx, s.db, filter)
}

var sensitiveKeys = []string{"key", "secret", "token", "password"}

func maskMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	masked := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if isSensitiveKey(key) {
			masked[key] = "***"
			continue
		}
		masked[key] = value
	}
	return masked
}

func isSensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, needle := range sensitiveKeys {
		if strings.Contains(lowered, needle) {
			return true
		}
	}
	return false
}
