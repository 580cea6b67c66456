package migration

import (
	"strings"

	"github.com/smallbiznis/paysync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !strings.EqualFold(cfg.DBType, "postgres") {
			log.Named("migration").Info("skipping embedded migrations", zap.String("type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
