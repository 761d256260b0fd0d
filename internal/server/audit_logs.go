package server

import (
	"net/http"
	"strconv"

	auditdomain "github.com/coldtrace/coldtrace/internal/audit/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListAuditLogs(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}
	if s.auditSvc == nil {
		c.JSON(http.StatusOK, gin.H{"data": []any{}})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListFilter{
		OrgID:  orgID,
		Action: c.Query("action"),
		Limit:  limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}
