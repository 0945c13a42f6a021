package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/thefrisbee/frisbee/internal/model"
)

// Watcher reports changes pushed by the device subsystem, like UDisks
// signals. Watch blocks until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, changed func()) error
}

// Run refreshes the registry on a schedule and whenever a watcher reports
// a change. The first refresh happens immediately. Run blocks until ctx is done.
func (r *Registry) Run(ctx context.Context, sched model.Schedule, watchers ...Watcher) error {
	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	s, err := newScheduler(ctx, sched, kick)
	if err != nil {
		return err
	}
	s.Start()
	defer func() {
		err := s.Shutdown()
		if err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for _, w := range watchers {
		wg.Go(func() {
			err := w.Watch(ctx, kick)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.WarnContext(ctx, "device watcher stopped: relying on scheduled refresh", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
			if err := r.Refresh(ctx); err != nil {
				slog.WarnContext(ctx, "device refresh failed", "error", err)
			}
		}
	}
}

func newScheduler(ctx context.Context, cfg model.Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing devices.refresh.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing devices.refresh.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("devices.refresh.duration must be positive: %s", cfg.Duration)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, model.ErrEmptySchedule
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
