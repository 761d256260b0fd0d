package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/coldtrace/coldtrace/internal/audit"
	"github.com/coldtrace/coldtrace/internal/config"
	"github.com/coldtrace/coldtrace/internal/lock"
	"github.com/coldtrace/coldtrace/internal/logger"
	"github.com/coldtrace/coldtrace/internal/migration"
	"github.com/coldtrace/coldtrace/internal/observability"
	"github.com/coldtrace/coldtrace/internal/server"
	"github.com/coldtrace/coldtrace/internal/ttn"
	"github.com/coldtrace/coldtrace/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		lock.Module,
		migration.Module,

		// Domains
		audit.Module,
		ttn.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
