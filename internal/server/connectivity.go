package server

import (
	"net/http"
	"strings"

	ttndomain "github.com/coldtrace/coldtrace/internal/ttn/domain"
	"github.com/gin-gonic/gin"
)

type preflightRequest struct {
	APIKey string `json:"api_key"`
	Region string `json:"region"`
}

func (s *Server) PreflightMainUserKey(c *gin.Context) {
	var req preflightRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.ttnSvc.ValidateMainUserAPIKey(c.Request.Context(), req.APIKey, req.Region)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ValidateConfiguration is a dry run: it never touches the stored connection.
func (s *Server) ValidateConfiguration(c *gin.Context) {
	var req ttndomain.ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.ttnSvc.ValidateConfiguration(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) ProvisionOrganization(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	var req ttndomain.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.OrgID = orgID

	result, err := s.ttnSvc.ProvisionOrganization(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) RetryProvisioning(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	result, err := s.ttnSvc.RetryProvisioning(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type startFreshRequest struct {
	Region string `json:"region"`
}

func (s *Server) StartFresh(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	var req startFreshRequest
	_ = c.ShouldBindJSON(&req)

	result, err := s.ttnSvc.StartFresh(c.Request.Context(), orgID, req.Region)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) DeepClean(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	result, err := s.ttnSvc.DeepClean(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type updateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (s *Server) UpdateWebhook(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.ttnSvc.UpdateWebhook(c.Request.Context(), orgID, req.URL, req.Events); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) RotateWebhookSecret(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	if err := s.ttnSvc.RegenerateWebhookSecret(c.Request.Context(), orgID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) GetCredentials(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	view, err := s.ttnSvc.GetCredentials(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) GetStatus(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	view, err := s.ttnSvc.GetStatus(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
