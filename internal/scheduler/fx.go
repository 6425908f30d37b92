package scheduler

import (
	"context"

	"github.com/smallbiznis/loyalty/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Scheduler.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Jobs outlive the start context.
			return sched.Start(context.Background())
		},
		OnStop: sched.Stop,
	})
}
