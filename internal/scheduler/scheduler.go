// Package scheduler admits jobs and executes them against their devices.
//
// At most one job runs per device. Jobs submitted for a busy device wait in
// a FIFO queue of that device and are admitted when it becomes free, after
// their precondition is checked again against fresh capabilities. A media
// copy waits in the queues of both its destination and source drive and
// holds both while it runs. Jobs of unrelated devices never wait for each
// other.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/thefrisbee/frisbee/internal/backend"
	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/job"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrShutdown        = errors.New("scheduler is shut down")

	errCancelled = errors.New("cancelled by caller")
)

// capabilitiesTimeout bounds the capability re-check done at admission.
const capabilitiesTimeout = 30 * time.Second

type Config struct {
	ProgressBuffer  int
	EjectOnComplete bool
	EjectTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProgressBuffer:  32,
		EjectOnComplete: true,
		EjectTimeout:    30 * time.Second,
	}
}

type entry struct {
	job *job.Job
	// devices are held while the job runs, the destination first
	devices []string
	// cancel is set once the job is admitted to run
	cancel context.CancelCauseFunc
	// concluding is set once the outcome is decided and only cleanup is left
	concluding bool
}

type Scheduler struct {
	devices device.Provider
	backend backend.Backend
	cfg     Config
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mx     sync.Mutex
	closed bool
	lastID job.ID
	jobs   map[job.ID]*entry
	// active holds the running or admitted job of a device
	active map[string]*entry
	queues map[string][]*entry
}

func New(devices device.Provider, b backend.Backend, cfg Config) *Scheduler {
	if cfg.EjectTimeout <= 0 {
		cfg.EjectTimeout = DefaultConfig().EjectTimeout
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		devices: devices,
		backend: b,
		cfg:     cfg,
		ctx:     ctx,
		stop:    stop,
		jobs:    make(map[job.ID]*entry),
		active:  make(map[string]*entry),
		queues:  make(map[string][]*entry),
	}
}

// Submit checks the precondition against fresh device capabilities and
// either starts the job or queues it behind the current jobs of its
// devices. A violated precondition is returned as *job.PreconditionError
// and no job is created.
func (s *Scheduler) Submit(ctx context.Context, deviceID string, params job.Params, confirm job.Confirm) (job.ID, error) {
	if params == nil {
		return 0, fmt.Errorf("%w: no parameters", job.ErrInvalidParams)
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}
	h, src, err := s.check(ctx, deviceID, params, confirm)
	if err != nil {
		return 0, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return 0, ErrShutdown
	}
	s.lastID++
	j := job.New(s.lastID, h, params, confirm, s.cfg.ProgressBuffer)
	j.SetSource(src)
	e := &entry{job: j, devices: j.Devices()}
	s.jobs[j.ID()] = e

	attrs := j.LogAttrs()
	if !s.readyLocked(e) {
		for _, d := range e.devices {
			s.queues[d] = append(s.queues[d], e)
		}
		slog.LogAttrs(ctx, slog.LevelInfo, "job queued", append(attrs, slog.Int("position", len(s.queues[deviceID])))...)
		return j.ID(), nil
	}
	s.holdLocked(e)
	slog.LogAttrs(ctx, slog.LevelInfo, "job submitted", attrs...)
	s.startLocked(e)
	return j.ID(), nil
}

// check reads fresh capabilities of the devices of a job and evaluates its
// precondition against them. src is the zero Handle unless the job copies
// media.
func (s *Scheduler) check(ctx context.Context, deviceID string, params job.Params, confirm job.Confirm) (h, src device.Handle, err error) {
	h, err = s.devices.Capabilities(ctx, deviceID)
	if err != nil {
		return h, src, fmt.Errorf("reading capabilities of %s: %w", deviceID, err)
	}
	if err := job.Check(h, params, confirm); err != nil {
		return h, src, err
	}
	p, ok := params.(job.RestoreParams)
	if !ok || !p.Copy() {
		return h, src, nil
	}
	src, err = s.devices.Capabilities(ctx, p.SourceDeviceID)
	if err != nil {
		return h, src, fmt.Errorf("reading capabilities of %s: %w", p.SourceDeviceID, err)
	}
	return h, src, job.CheckSource(src, h)
}

// startLocked moves an admitted job to running and spawns its execution.
func (s *Scheduler) startLocked(e *entry) bool {
	ctx, cancel := context.WithCancelCause(s.ctx)
	if err := e.job.Start(); err != nil {
		cancel(err)
		return false
	}
	e.cancel = cancel
	s.wg.Go(func() {
		s.execute(ctx, e)
	})
	return true
}

// readyLocked reports whether e may take its devices: none of them is held
// and e is first in every queue it waits in.
func (s *Scheduler) readyLocked(e *entry) bool {
	for _, d := range e.devices {
		if _, busy := s.active[d]; busy {
			return false
		}
		if q := s.queues[d]; len(q) > 0 && q[0] != e {
			return false
		}
	}
	return true
}

func (s *Scheduler) holdLocked(e *entry) {
	for _, d := range e.devices {
		s.active[d] = e
	}
}

func (s *Scheduler) releaseLocked(e *entry) {
	for _, d := range e.devices {
		if s.active[d] == e {
			delete(s.active, d)
		}
	}
}

func (s *Scheduler) dequeueLocked(e *entry) {
	for _, d := range e.devices {
		q := slices.DeleteFunc(s.queues[d], func(q *entry) bool { return q == e })
		if len(q) == 0 {
			delete(s.queues, d)
			continue
		}
		s.queues[d] = q
	}
}

// Cancel stops a job. A queued job is cancelled immediately and never runs,
// a running job stops at its next checkpoint. A job whose outcome is
// already decided cannot be cancelled any more.
func (s *Scheduler) Cancel(id job.ID) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.concluding || e.job.State().Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}
	if e.cancel != nil {
		e.cancel(errCancelled)
		return nil
	}
	// queued or held for admission
	s.dequeueLocked(e)
	if err := e.job.Cancel(); err != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}
	slog.LogAttrs(s.ctx, slog.LevelInfo, "queued job cancelled", e.job.LogAttrs()...)
	s.admitLaterLocked(e.devices)
	return nil
}

// DeviceRemoved fails all jobs of a device which disappeared, including
// copies reading from it. The running job is interrupted and fails too.
func (s *Scheduler) DeviceRemoved(deviceID string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	var others []string
	for _, e := range slices.Clone(s.queues[deviceID]) {
		s.dequeueLocked(e)
		s.failRemovedLocked(e, deviceID)
		for _, d := range e.devices {
			if d != deviceID && !slices.Contains(others, d) {
				others = append(others, d)
			}
		}
	}
	if e, ok := s.active[deviceID]; ok {
		if e.cancel != nil {
			e.cancel(job.ErrDeviceRemoved)
		} else {
			s.failRemovedLocked(e, deviceID)
		}
	}
	s.admitLaterLocked(others)
}

func (s *Scheduler) failRemovedLocked(e *entry, deviceID string) {
	dev := e.job.Device()
	if src := e.job.Source(); src.ID == deviceID {
		dev = src
	}
	err := e.job.Fail(job.Failure{Kind: job.ErrDeviceRemoved, DeviceLabel: dev.DisplayName()})
	if err == nil {
		slog.LogAttrs(s.ctx, slog.LevelWarn, "device removed: job failed", e.job.LogAttrs()...)
	}
}

// release frees the devices of a finished job and admits the jobs waiting
// for them.
func (s *Scheduler) release(e *entry) {
	s.mx.Lock()
	s.releaseLocked(e)
	s.mx.Unlock()
	s.admit(e.devices)
}

// admitLaterLocked admits in the background. Dropping a queued job can put
// another one first in line on a free device.
func (s *Scheduler) admitLaterLocked(freed []string) {
	if s.closed || len(freed) == 0 {
		return
	}
	s.wg.Go(func() {
		s.admit(freed)
	})
}

// admit starts the queued jobs which are first in line on the freed
// devices. A candidate holds all its devices while its precondition is
// checked again, and a candidate which does not start frees them for the
// next one.
func (s *Scheduler) admit(freed []string) {
	freed = slices.Clone(freed)
	for {
		s.mx.Lock()
		next := s.nextLocked(freed)
		if next == nil {
			s.mx.Unlock()
			return
		}
		s.dequeueLocked(next)
		s.holdLocked(next)
		s.mx.Unlock()

		h, src, err := s.recheck(next.job)

		s.mx.Lock()
		if !s.admitLocked(next, h, src, err) {
			s.releaseLocked(next)
			for _, d := range next.devices {
				if !slices.Contains(freed, d) {
					freed = append(freed, d)
				}
			}
		}
		s.mx.Unlock()
	}
}

func (s *Scheduler) nextLocked(freed []string) *entry {
	if s.closed {
		return nil
	}
	for _, d := range freed {
		if q := s.queues[d]; len(q) > 0 && s.readyLocked(q[0]) {
			return q[0]
		}
	}
	return nil
}

// admitLocked starts a held job once its re-check is done and reports
// whether it runs.
func (s *Scheduler) admitLocked(e *entry, h, src device.Handle, err error) bool {
	j := e.job
	switch {
	case j.State() != job.Queued:
		// cancelled or failed while held
		return false
	case err != nil:
		failure := admissionFailure(err, j.Device())
		_ = j.Fail(failure)
		slog.LogAttrs(s.ctx, slog.LevelWarn, "job failed admission check",
			append(j.LogAttrs(), slog.String("kind", string(failure.Kind)))...)
		return false
	}
	j.SetDevice(h)
	j.SetSource(src)
	if s.closed || !s.startLocked(e) {
		return false
	}
	slog.LogAttrs(s.ctx, slog.LevelInfo, "job admitted", j.LogAttrs()...)
	return true
}

func (s *Scheduler) recheck(j *job.Job) (h, src device.Handle, err error) {
	ctx, cancel := context.WithTimeout(s.ctx, capabilitiesTimeout)
	defer cancel()
	return s.check(ctx, j.Device().ID, j.Params(), j.Confirm())
}

func admissionFailure(err error, dev device.Handle) job.Failure {
	var pe *job.PreconditionError
	switch {
	case errors.As(err, &pe):
		return job.Failure{Kind: pe.Kind, DeviceLabel: pe.Device}
	case errors.Is(err, device.ErrUnknownDevice), errors.Is(err, device.ErrRemoved):
		return job.Failure{Kind: job.ErrDeviceRemoved, DeviceLabel: dev.DisplayName()}
	default:
		return job.FailureFrom(err, dev.DisplayName())
	}
}

func (s *Scheduler) lookup(id job.ID) (*entry, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (s *Scheduler) Status(id job.ID) (job.Status, error) {
	e, err := s.lookup(id)
	if err != nil {
		return job.Status{}, err
	}
	return e.job.Status(), nil
}

// Subscribe returns the progress stream of a job, terminated by its result.
func (s *Scheduler) Subscribe(id job.ID) (*job.Subscription, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.job.Subscribe(), nil
}

// Wait blocks until the job is terminal.
func (s *Scheduler) Wait(ctx context.Context, id job.ID) (job.Result, error) {
	e, err := s.lookup(id)
	if err != nil {
		return job.Result{}, err
	}
	if res, ok := e.job.Result(); ok {
		return res, nil
	}
	sub := e.job.Subscribe()
	defer sub.Close()
	for u, err := range sub.All(ctx) {
		if err != nil {
			return job.Result{}, err
		}
		if u.Terminal() {
			return *u.Result, nil
		}
	}
	res, _ := e.job.Result()
	return res, nil
}

// List returns all known jobs ordered by ID.
func (s *Scheduler) List() []job.Status {
	s.mx.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mx.Unlock()

	ret := make([]job.Status, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, e.job.Status())
	}
	slices.SortFunc(ret, func(a, b job.Status) int { return cmp.Compare(a.ID, b.ID) })
	return ret
}

// Prune forgets terminal jobs finished more than olderThan ago and returns
// how many were dropped.
func (s *Scheduler) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mx.Lock()
	defer s.mx.Unlock()
	var n int
	for id, e := range s.jobs {
		st := e.job.Status()
		if st.State.Terminal() && st.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Shutdown cancels queued and running jobs and waits until all executions
// end or ctx is done. Submit fails with ErrShutdown afterwards.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mx.Lock()
	if !s.closed {
		s.closed = true
		for devID, queue := range s.queues {
			for _, e := range queue {
				_ = e.job.Cancel()
			}
			delete(s.queues, devID)
		}
		for _, e := range s.active {
			if e.cancel != nil {
				e.cancel(ErrShutdown)
			} else {
				_ = e.job.Cancel()
			}
		}
	}
	s.mx.Unlock()
	defer s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
