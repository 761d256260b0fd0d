package ttn

import (
	"github.com/coldtrace/coldtrace/internal/ttn/client"
	"github.com/coldtrace/coldtrace/internal/ttn/repository"
	"github.com/coldtrace/coldtrace/internal/ttn/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ttn.service",
	fx.Provide(repository.Provide),
	fx.Provide(client.New),
	fx.Provide(service.New),
)
