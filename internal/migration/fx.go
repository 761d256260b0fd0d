package migration

import (
	auditdomain "github.com/coldtrace/coldtrace/internal/audit/domain"
	"github.com/coldtrace/coldtrace/internal/config"
	ttndomain "github.com/coldtrace/coldtrace/internal/ttn/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Non-postgres targets (local sqlite, tests) use the gorm
			// migrator instead of the versioned SQL files.
			return conn.AutoMigrate(
				&ttndomain.Connection{},
				&auditdomain.AuditLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
