// Package backend performs the actual erase, image and restore I/O.
//
// The engine sees a Backend only: it executes an operation, emitting stage
// tagged progress events, and it ejects or unmounts a medium. Cancellation is
// carried by the context. A backend which cannot abort an atomic step
// finishes it and returns ctx.Err().
package backend

import (
	"context"
	"errors"

	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/job"
)

var (
	ErrBackend       = errors.New("backend failure")
	ErrMediumEjected = errors.New("medium ejected")
	ErrDeviceRemoved = errors.New("device removed")
	ErrUnsupported   = errors.New("operation not supported")
	ErrBusy          = errors.New("device busy")
)

// Operation is a single request for the backend. Source is the drive read
// by a media copy, the zero Handle otherwise.
type Operation struct {
	Device device.Handle
	Source device.Handle
	Params job.Params
}

// Event is a raw progress report. Total 0 means indeterminate.
type Event struct {
	Stage   job.Stage
	Current uint64
	Total   uint64
	Message string
}

func (e Event) Snapshot() job.Snapshot {
	return job.Snapshot{Stage: e.Stage, Current: e.Current, Total: e.Total, Message: e.Message}
}

// Executor runs operations. Execute sends events until it returns and never
// closes the channel.
type Executor interface {
	Execute(ctx context.Context, op Operation, events chan<- Event) error
}

// MediaController ejects and unmounts media.
type MediaController interface {
	Eject(ctx context.Context, dev device.Handle) error
	Unmount(ctx context.Context, dev device.Handle) error
}

type Backend interface {
	Executor
	MediaController
}

type composed struct {
	Executor
	MediaController
}

// WithMedia combines an executor with a media controller, like the UDisks2
// provider, which does eject and unmount for it.
func WithMedia(exec Executor, media MediaController) Backend {
	return composed{Executor: exec, MediaController: media}
}

// Send delivers e unless ctx is done first.
func Send(ctx context.Context, events chan<- Event, e Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case events <- e:
		return nil
	}
}
