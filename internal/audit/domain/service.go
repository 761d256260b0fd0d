package domain

import (
	"context"
	"errors"
)

type Service interface {
	// Record stores an audit entry. Secret-bearing metadata values are
	// masked before persistence.
	Record(ctx context.Context, orgID int64, action, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, filter ListFilter) ([]*AuditLog, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAction       = errors.New("invalid_action")
)
