package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/internal/backend"
	"github.com/conveyorhq/conveyor/internal/config"
)

// Module provides recurring jobs and queue maintenance
var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(
		RegisterMaintenanceTasks,
		RegisterRecurringJobs,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for the maintenance tasks
type TaskParams struct {
	fx.In

	Scheduler *Scheduler
	Backend   backend.Backend
	Cfg       *config.Config
	Log       *slog.Logger
}

// RegisterMaintenanceTasks wires up stale recovery, retention cleanup and
// queue depth reporting
func RegisterMaintenanceTasks(p TaskParams) error {
	if !p.Cfg.Scheduler.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	threshold := time.Duration(p.Cfg.Worker.StaleThresholdMinutes) * time.Minute
	staleTask := NewStaleRecoveryTask(p.Backend, threshold, p.Log)
	if err := p.Scheduler.AddIntervalTask("stale_recovery",
		p.Cfg.Scheduler.StaleRecoveryInterval, staleTask.Run); err != nil {
		return err
	}

	retentionTask := NewRetentionCleanupTask(p.Backend, p.Cfg.Scheduler.RetentionDays, p.Log)
	if err := p.Scheduler.AddIntervalTask("retention_cleanup",
		p.Cfg.Scheduler.RetentionCleanupInterval, retentionTask.Run); err != nil {
		return err
	}

	depthTask := NewQueueDepthTask(p.Backend, p.Log)
	if err := p.Scheduler.AddIntervalTask("queue_depth",
		p.Cfg.Scheduler.QueueDepthLogInterval, depthTask.Run); err != nil {
		return err
	}

	p.Log.Info("registered maintenance tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// RecurringParams contains dependencies for recurring job schedules
type RecurringParams struct {
	fx.In

	Scheduler *Scheduler
	Svc       *jobs.Service
	Cfg       *config.Config
	Log       *slog.Logger
}

// RegisterRecurringJobs loads the YAML schedules file (if configured) and
// registers a cron task per schedule. Each firing enqueues with the
// schedule name as unique key, so a still-active previous run suppresses
// the new enqueue instead of stacking duplicates.
func RegisterRecurringJobs(p RecurringParams) error {
	if !p.Cfg.Scheduler.Enabled || p.Cfg.Scheduler.SchedulesFile == "" {
		return nil
	}

	schedules, err := LoadSchedules(p.Cfg.Scheduler.SchedulesFile)
	if err != nil {
		return err
	}

	for _, schedule := range schedules {
		payload, err := schedule.PayloadJSON()
		if err != nil {
			return err
		}

		schedule := schedule
		task := func(ctx context.Context) error {
			_, err := p.Svc.Enqueue(ctx, &jobs.EnqueueRequest{
				Queue:     schedule.Queue,
				Kind:      schedule.Kind,
				Payload:   payload,
				Priority:  schedule.Priority,
				UniqueKey: "schedule:" + schedule.Name,
			})
			return err
		}

		if err := p.Scheduler.AddCronTask("schedule:"+schedule.Name, schedule.Cron, task); err != nil {
			return err
		}
	}

	p.Log.Info("registered recurring jobs",
		slog.Int("count", len(schedules)),
		slog.String("file", p.Cfg.Scheduler.SchedulesFile))

	return nil
}

// RegisterSchedulerLifecycle starts and stops the scheduler with the app
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *config.Config) {
	if !cfg.Scheduler.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
