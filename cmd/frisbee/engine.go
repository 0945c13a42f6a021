package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/thefrisbee/frisbee/internal/backend"
	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/model"
	"github.com/thefrisbee/frisbee/internal/scheduler"
)

// engine wires device providers, the command backend and the scheduler
// according to the configuration.
type engine struct {
	registry *device.Registry
	sched    *scheduler.Scheduler
	watchers []device.Watcher
	closers  []io.Closer
}

func newEngine(ctx context.Context, cfg model.Config) (*engine, error) {
	e := &engine{}
	var providers []device.Provider
	var udisks *device.UDisks
	for _, name := range cfg.Devices.Providers {
		switch name {
		case model.ProviderUDisks:
			u, err := device.NewUDisks()
			if err != nil {
				_ = e.closeAll()
				return nil, err
			}
			udisks = u
			providers = append(providers, u)
			e.watchers = append(e.watchers, u)
			e.closers = append(e.closers, u)
		case model.ProviderStatic:
			s, err := device.StaticFromConfig(cfg.Devices.Static)
			if err != nil {
				_ = e.closeAll()
				return nil, err
			}
			providers = append(providers, s)
		default:
			_ = e.closeAll()
			return nil, fmt.Errorf("%w: %q", model.ErrUnknownProvider, name)
		}
	}

	bcfg, err := backend.ParseConfig("backend")
	if err != nil {
		_ = e.closeAll()
		return nil, fmt.Errorf("parsing backend config: %w", err)
	}
	commander, err := backend.NewCommander(bcfg)
	if err != nil {
		_ = e.closeAll()
		return nil, fmt.Errorf("backend config: %w", err)
	}

	var media backend.MediaController = backend.Ioctl{}
	switch {
	case commander.Has(backend.CmdEject) && commander.Has(backend.CmdUnmount):
		media = commander
	case udisks != nil:
		media = udisks
	}
	slog.DebugContext(ctx, "engine configured", "providers", cfg.Devices.Providers, "media", fmt.Sprintf("%T", media))

	e.registry = device.NewRegistry(providers...)
	e.sched = scheduler.New(e.registry, backend.WithMedia(commander, media), scheduler.Config{
		ProgressBuffer:  cfg.Scheduler.ProgressBuffer,
		EjectOnComplete: cfg.Scheduler.EjectOnComplete,
		EjectTimeout:    cfg.Scheduler.EjectTimeoutDuration(),
	})
	e.registry.OnRemoved(func(_ context.Context, h device.Handle) {
		e.sched.DeviceRemoved(h.ID)
	})
	return e, nil
}

// Close cancels all jobs, waits for them and releases the providers.
func (e *engine) Close(ctx context.Context) error {
	err := e.sched.Shutdown(ctx)
	return errors.Join(err, e.closeAll())
}

func (e *engine) closeAll() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
