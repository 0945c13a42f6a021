package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/thefrisbee/frisbee/internal/backend"
	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/job"
	"github.com/thefrisbee/frisbee/internal/log"
)

// execute drives a running job through its stages:
//
//	erase:   unmounting, erasing, ejecting (optical)
//	image:   imaging
//	restore: preparing, unmounting, [reading], [erasing], burning, [finalizing], ejecting (optical)
//
// A media copy reads the source drive before the destination is touched.
// Cancellation is checked before every stage and between backend events.
// The devices are released once the job is terminal.
func (s *Scheduler) execute(ctx context.Context, e *entry) {
	j := e.job
	dev := j.Device()
	defer s.release(e)
	defer e.cancel(nil)

	ctx = log.ContextAttrs(ctx, j.LogAttrs()...)
	slog.InfoContext(ctx, "job started")

	err := s.run(ctx, j, dev)
	s.mx.Lock()
	e.concluding = true
	s.mx.Unlock()
	s.conclude(ctx, j, dev, err)
}

func (s *Scheduler) run(ctx context.Context, j *job.Job, dev device.Handle) error {
	optical := dev.Capabilities.Media.Optical()
	op := backend.Operation{Device: dev, Params: j.Params()}

	switch p := j.Params().(type) {
	case job.EraseParams:
		if err := s.unmount(ctx, j, dev); err != nil {
			return err
		}
		if err := s.executeOp(ctx, j, op, job.StageErasing); err != nil {
			return err
		}
	case job.ImageParams:
		return s.executeOp(ctx, j, op, job.StageImaging)
	case job.RestoreParams:
		if p.Copy() {
			op.Source = j.Source()
			j.Apply(job.Snapshot{Stage: job.StagePreparing, Message: "Copying from " + op.Source.DisplayName()})
		} else {
			j.Apply(job.Snapshot{Stage: job.StagePreparing, Message: "Checking source image"})
			if _, err := os.Stat(p.SourceImagePath); err != nil {
				return fmt.Errorf("source image: %w", err)
			}
		}
		if err := s.unmount(ctx, j, dev); err != nil {
			return err
		}
		first := job.StageBurning
		switch {
		case p.Copy():
			first = job.StageReading
		case optical && !dev.Capabilities.Blank:
			first = job.StageErasing
		}
		if err := s.executeOp(ctx, j, op, first); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %T", backend.ErrUnsupported, p)
	}

	if optical && s.cfg.EjectOnComplete {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		j.Apply(job.Snapshot{Stage: job.StageEjecting, Message: "Ejecting " + dev.DisplayName()})
		ejectCtx, cancel := context.WithTimeout(ctx, s.cfg.EjectTimeout)
		defer cancel()
		if err := s.backend.Eject(ejectCtx, dev); err != nil {
			slog.WarnContext(ctx, "eject after completion failed", "error", err)
		}
	}
	return checkpoint(ctx)
}

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (s *Scheduler) unmount(ctx context.Context, j *job.Job, dev device.Handle) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}
	j.Apply(job.Snapshot{Stage: job.StageUnmounting, Message: "Unmounting " + dev.DisplayName()})
	err := s.backend.Unmount(ctx, dev)
	switch {
	case err == nil:
		return checkpoint(ctx)
	case errors.Is(err, backend.ErrUnsupported):
		slog.DebugContext(ctx, "unmount not supported: skipping", "error", err)
		return checkpoint(ctx)
	default:
		if cerr := checkpoint(ctx); cerr != nil {
			return cerr
		}
		return fmt.Errorf("unmounting: %w", err)
	}
}

// executeOp runs the backend operation and relays its events, starting at
// stage first. Events without a stage keep the current one. Events
// arriving after cancellation are drained, not applied, while the backend
// finishes its current step.
func (s *Scheduler) executeOp(ctx context.Context, j *job.Job, op backend.Operation, first job.Stage) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}
	j.Apply(job.Snapshot{Stage: first})

	events := make(chan backend.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		errc <- s.backend.Execute(ctx, op, events)
	}()

	for ev := range events {
		if ctx.Err() != nil {
			continue
		}
		if ev.Stage == "" {
			ev.Stage = j.Snapshot().Stage
		}
		j.Apply(ev.Snapshot())
	}
	err := <-errc
	if cerr := checkpoint(ctx); cerr != nil {
		return cerr
	}
	return err
}

// conclude moves the job to its terminal state. A failed or cancelled
// optical job interrupted in a destructive stage ejects the medium first.
func (s *Scheduler) conclude(ctx context.Context, j *job.Job, dev device.Handle, err error) {
	if err == nil {
		if cerr := j.Complete(); cerr != nil {
			slog.ErrorContext(ctx, "completing job", "error", cerr)
			return
		}
		slog.InfoContext(ctx, "job completed")
		return
	}

	last := j.Snapshot().Stage
	removed := errors.Is(err, job.ErrDeviceRemoved) || errors.Is(err, backend.ErrDeviceRemoved)
	if dev.Capabilities.Media.Optical() && last.Destructive() && !removed {
		s.cleanupEject(ctx, j, dev)
	}

	switch {
	case errors.Is(err, errCancelled), errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
		if cerr := j.Cancel(); cerr != nil {
			slog.ErrorContext(ctx, "cancelling job", "error", cerr)
			return
		}
		slog.InfoContext(ctx, "job cancelled", "stage", last)
	default:
		failure := executionFailure(err, dev)
		if ferr := j.Fail(failure); ferr != nil {
			slog.ErrorContext(ctx, "failing job", "error", ferr)
			return
		}
		slog.ErrorContext(ctx, "job failed", "stage", last, "kind", failure.Kind, "error", err)
	}
}

func (s *Scheduler) cleanupEject(ctx context.Context, j *job.Job, dev device.Handle) {
	j.Apply(job.Snapshot{Stage: job.StageEjecting, Message: "Ejecting " + dev.DisplayName()})
	ejectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EjectTimeout)
	defer cancel()
	if err := s.backend.Eject(ejectCtx, dev); err != nil {
		slog.WarnContext(ctx, "eject after failure failed", "error", err)
	}
}

func executionFailure(err error, dev device.Handle) job.Failure {
	kind := job.ErrBackendFailure
	switch {
	case errors.Is(err, job.ErrDeviceRemoved),
		errors.Is(err, backend.ErrDeviceRemoved),
		errors.Is(err, device.ErrRemoved):
		kind = job.ErrDeviceRemoved
	case errors.Is(err, backend.ErrMediumEjected):
		kind = job.ErrEjected
	}
	if errors.Is(err, job.ErrDeviceRemoved) {
		// the cause carries no detail
		return job.Failure{Kind: kind, DeviceLabel: dev.DisplayName()}
	}
	return job.FailureFrom(&job.ExecutionError{Kind: kind, Device: dev.DisplayName(), Err: err}, dev.DisplayName())
}
