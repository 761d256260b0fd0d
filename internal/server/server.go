package server

import (
	"context"
	"net/http"
	"time"

	auditdomain "github.com/coldtrace/coldtrace/internal/audit/domain"
	"github.com/coldtrace/coldtrace/internal/config"
	ttndomain "github.com/coldtrace/coldtrace/internal/ttn/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	log      *zap.Logger
	ttnSvc   ttndomain.Service
	auditSvc auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin    *gin.Engine
	Cfg    config.Config
	Log    *zap.Logger
	TTNSvc ttndomain.Service

	AuditSvc auditdomain.Service `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		log:      p.Log.Named("http.server"),
		ttnSvc:   p.TTNSvc,
		auditSvc: p.AuditSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	// Preflight runs during signup, before any organization exists.
	api.POST("/connectivity/preflight", s.PreflightMainUserKey)

	// -------- Connectivity --------
	connectivity := api.Group("/connectivity", s.OrgContext())
	connectivity.POST("/validate", s.ValidateConfiguration)
	connectivity.POST("/provision", s.ProvisionOrganization)
	connectivity.POST("/retry", s.RetryProvisioning)
	connectivity.POST("/start-fresh", s.StartFresh)
	connectivity.POST("/deep-clean", s.DeepClean)
	connectivity.PATCH("/webhook", s.UpdateWebhook)
	connectivity.POST("/webhook/secret/rotate", s.RotateWebhookSecret)
	connectivity.GET("/credentials", s.GetCredentials)
	connectivity.GET("/status", s.GetStatus)

	// -------- Audit --------
	api.GET("/audit-logs", s.OrgContext(), s.ListAuditLogs)
}
