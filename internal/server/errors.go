package server

import (
	"errors"
	"net/http"

	auditdomain "github.com/coldtrace/coldtrace/internal/audit/domain"
	ttndomain "github.com/coldtrace/coldtrace/internal/ttn/domain"
	"github.com/coldtrace/coldtrace/pkg/db"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var cfgErr *ttndomain.ConfigurationError
	if errors.As(err, &cfgErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "configuration_error",
			Message: cfgErr.Message,
		}
	}

	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ttndomain.ErrInvalidOrganization),
		errors.Is(err, auditdomain.ErrInvalidOrganization):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ttndomain.ErrOperationInFlight):
		return http.StatusConflict, errorPayload{
			Type:    "operation_in_flight",
			Message: "another connectivity operation is in progress",
		}
	case db.IsDuplicateKeyErr(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ttndomain.ErrConnectionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
