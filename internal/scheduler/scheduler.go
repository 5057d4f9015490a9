package scheduler

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/settleco/settle/internal/config"
	"github.com/settleco/settle/internal/engine"
)

// Scheduler triggers the recurring billing run on a cron expression.
// Overlap protection lives in the engine; a tick that lands during a
// long run is simply dropped.
type Scheduler struct {
	log    *zap.Logger
	cfg    config.Config
	engine *engine.Engine
	cron   *cron.Cron
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Config config.Config
	Engine *engine.Engine
}

func New(p Params) *Scheduler {
	return &Scheduler{
		log:    p.Log.Named("scheduler"),
		cfg:    p.Config,
		engine: p.Engine,
		cron:   cron.New(),
	}
}

// Start registers the billing job and begins ticking. An invalid cron
// expression fails startup rather than silently never billing.
func (s *Scheduler) Start(ctx context.Context) error {
	entryID, err := s.cron.AddFunc(s.cfg.BillingCron, s.runBilling)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("billing schedule registered",
		zap.String("cron", s.cfg.BillingCron),
		zap.Int("entry_id", int(entryID)),
	)
	return nil
}

// Stop halts ticking and waits for an in-flight run to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("billing schedule stopped")
	return nil
}

func (s *Scheduler) runBilling() {
	ctx := context.Background()
	summary, err := s.engine.Run(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			s.log.Warn("scheduled run skipped, previous run still active")
			return
		}
		s.log.Error("scheduled billing run failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled billing run finished",
		zap.Int("total", summary.Total),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: s.Start,
			OnStop:  s.Stop,
		})
	}),
)
