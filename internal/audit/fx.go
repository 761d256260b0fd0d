package audit

import (
	"github.com/coldtrace/coldtrace/internal/audit/repository"
	"github.com/coldtrace/coldtrace/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
