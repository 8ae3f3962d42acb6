package migration

import (
	"github.com/smallbiznis/storefront/internal/config"
	"github.com/smallbiznis/storefront/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		switch db.ConfigFrom(cfg).Type {
		case db.TypeSQLite:
			log.Info("applying embedded schema", zap.String("dialect", db.TypeSQLite))
			return ApplyStatements(conn)
		case db.TypeMySQL:
			log.Warn("mysql schema is managed externally, skipping migrations")
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
