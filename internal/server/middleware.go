package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/coldtrace/coldtrace/internal/orgcontext"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HeaderOrg       = "X-Org-ID"
	HeaderRequestID = "X-Request-ID"
)

// RequestLogger tags each request with an ID and emits one access log line.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)

		start := time.Now()
		c.Next()

		log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// OrgContext resolves the active organization from the X-Org-ID header and
// injects it into the request context.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := parseOrgID(c.GetHeader(HeaderOrg))
		if !ok {
			AbortWithError(c, ErrInvalidRequest)
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func parseOrgID(raw string) (int64, bool) {
	orgID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || orgID <= 0 {
		return 0, false
	}
	return orgID, true
}

// orgID pulls the organization set by OrgContext. The middleware guarantees
// it exists on these routes.
func (s *Server) orgID(c *gin.Context) (int64, bool) {
	id, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return int64(id), true
}
