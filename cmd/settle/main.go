package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountrepository "github.com/settleco/settle/internal/billingaccount/repository"
	"github.com/settleco/settle/internal/clock"
	"github.com/settleco/settle/internal/config"
	"github.com/settleco/settle/internal/db"
	"github.com/settleco/settle/internal/engine"
	"github.com/settleco/settle/internal/events"
	"github.com/settleco/settle/internal/logger"
	"github.com/settleco/settle/internal/migration"
	"github.com/settleco/settle/internal/observability/tracing"
	planrepository "github.com/settleco/settle/internal/plan/repository"
	"github.com/settleco/settle/internal/processor/registry"
	receiptrepository "github.com/settleco/settle/internal/receipt/repository"
	receiptservice "github.com/settleco/settle/internal/receipt/service"
	"github.com/settleco/settle/internal/scheduler"
	"github.com/settleco/settle/internal/server"
)

func main() {
	fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		db.Module,
		clock.Module,

		fx.Provide(newSnowflakeNode),

		// Registered ahead of the server and scheduler so the schema
		// is in place before anything serves or ticks.
		fx.Invoke(runMigrations),

		registry.Module,
		accountrepository.Module,
		planrepository.Module,
		receiptrepository.Module,
		receiptservice.Module,
		events.Module,
		engine.Module,
		scheduler.Module,
		server.Module,
	).Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func runMigrations(lc fx.Lifecycle, gdb *gorm.DB, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	})
}
