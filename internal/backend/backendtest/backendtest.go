// Package backendtest provides a scripted backend for tests.
package backendtest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/thefrisbee/frisbee/internal/backend"
	"github.com/thefrisbee/frisbee/internal/device"
)

// Step is one action of a Script: wait for Gate to be closed, send Event,
// or return Err. Exactly one of them is usually set.
type Step struct {
	Gate  <-chan struct{}
	Event *backend.Event
	Err   error
}

// Script is what a single Execute call does. Atomic scripts ignore
// cancellation until their last step, like a drive which cannot stop a
// write in progress.
type Script struct {
	Steps  []Step
	Atomic bool
}

func Emit(e backend.Event) Step { return Step{Event: &e} }

func Wait(gate <-chan struct{}) Step { return Step{Gate: gate} }

func Fail(err error) Step { return Step{Err: err} }

// Backend executes scripts queued per device. A device with no script left
// succeeds immediately. The source drive of a media copy counts as busy
// while the copy runs.
type Backend struct {
	mx         sync.Mutex
	scripts    map[string][]Script
	active     map[string]int
	overlap    bool
	executed   []backend.Operation
	ejected    []string
	unmounted  []string
	started    chan backend.Operation
	EjectErr   error
	UnmountErr error
	// EjectGate, when set, blocks every Eject until it is closed.
	EjectGate <-chan struct{}
}

func New() *Backend {
	return &Backend{
		scripts: make(map[string][]Script),
		active:  make(map[string]int),
		started: make(chan backend.Operation, 64),
	}
}

// Push queues a script for the next Execute on the device.
func (b *Backend) Push(deviceID string, s Script) *Backend {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.scripts[deviceID] = append(b.scripts[deviceID], s)
	return b
}

// Started delivers every operation when its execution begins.
func (b *Backend) Started() <-chan backend.Operation {
	return b.started
}

func (b *Backend) Execute(ctx context.Context, op backend.Operation, events chan<- backend.Event) error {
	id := op.Device.ID
	busy := []string{id}
	if op.Source.ID != "" {
		busy = append(busy, op.Source.ID)
	}
	b.mx.Lock()
	for _, d := range busy {
		b.active[d]++
		if b.active[d] > 1 {
			b.overlap = true
		}
	}
	b.executed = append(b.executed, op)
	var script Script
	if q := b.scripts[id]; len(q) > 0 {
		script, b.scripts[id] = q[0], q[1:]
	}
	b.mx.Unlock()
	defer func() {
		b.mx.Lock()
		for _, d := range busy {
			b.active[d]--
		}
		b.mx.Unlock()
	}()

	select {
	case b.started <- op:
	default:
	}

	if script.Atomic {
		for _, s := range script.Steps {
			switch {
			case s.Gate != nil:
				<-s.Gate
			case s.Event != nil:
				events <- *s.Event
			case s.Err != nil:
				return s.Err
			}
		}
		return ctx.Err()
	}

	for _, s := range script.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case s.Gate != nil:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.Gate:
			}
		case s.Event != nil:
			if err := backend.Send(ctx, events, *s.Event); err != nil {
				return err
			}
		case s.Err != nil:
			return s.Err
		}
	}
	return ctx.Err()
}

func (b *Backend) Eject(_ context.Context, dev device.Handle) error {
	b.mx.Lock()
	b.ejected = append(b.ejected, dev.ID)
	err := b.EjectErr
	b.mx.Unlock()
	if b.EjectGate != nil {
		<-b.EjectGate
	}
	return err
}

func (b *Backend) Unmount(_ context.Context, dev device.Handle) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.unmounted = append(b.unmounted, dev.ID)
	return b.UnmountErr
}

// Overlapped reports whether two operations ever ran on one device at once,
// as destination or as source.
func (b *Backend) Overlapped() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.overlap
}

func (b *Backend) Executed() []backend.Operation {
	b.mx.Lock()
	defer b.mx.Unlock()
	return slices.Clone(b.executed)
}

func (b *Backend) Ejected() []string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return slices.Clone(b.ejected)
}

func (b *Backend) Unmounted() []string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return slices.Clone(b.unmounted)
}

// ErrWrite is a convenient fatal write error.
var ErrWrite = errors.New("write error: medium error")
