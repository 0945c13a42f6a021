package scheduler_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thefrisbee/frisbee/internal/backend"
	"github.com/thefrisbee/frisbee/internal/backend/backendtest"
	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/job"
	"github.com/thefrisbee/frisbee/internal/scheduler"
)

func cdrw(id string, blank bool) device.Handle {
	return device.Handle{
		ID:    id,
		Label: "Writer " + id,
		Path:  "/dev/" + id,
		Capabilities: device.Capabilities{
			HasMedia:   true,
			Media:      device.MediaCDRW,
			Blank:      blank,
			Rewritable: true,
			Writable:   true,
		},
	}
}

type fixture struct {
	s       *scheduler.Scheduler
	devices *device.Static
	backend *backendtest.Backend
}

func newFixture(t *testing.T, handles ...device.Handle) fixture {
	t.Helper()
	f := fixture{
		devices: device.NewStatic(handles...),
		backend: backendtest.New(),
	}
	f.s = scheduler.New(f.devices, f.backend, scheduler.DefaultConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, f.s.Shutdown(ctx))
	})
	return f
}

// started waits until the backend begins an operation.
func (f fixture) started(t *testing.T) backend.Operation {
	t.Helper()
	select {
	case op := <-f.backend.Started():
		return op
	case <-time.After(5 * time.Second):
		t.Fatal("no operation started")
		return backend.Operation{}
	}
}

func (f fixture) wait(t *testing.T, id job.ID) job.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	res, err := f.s.Wait(ctx, id)
	require.NoError(t, err)
	return res
}

func (f fixture) submit(t *testing.T, deviceID string, params job.Params) job.ID {
	t.Helper()
	id, err := f.s.Submit(t.Context(), deviceID, params, job.Confirm{})
	require.NoError(t, err)
	return id
}

func sourceImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disc.iso")
	require.NoError(t, os.WriteFile(path, []byte("iso"), 0o600))
	return path
}

func TestEraseCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Emit(backend.Event{Stage: job.StageErasing, Current: 0, Total: 100}),
		backendtest.Emit(backend.Event{Stage: job.StageErasing, Current: 50, Total: 100}),
		backendtest.Emit(backend.Event{Current: 100, Total: 100}),
	}})

	id := f.submit(t, "sr0", job.EraseParams{})
	res := f.wait(t, id)
	require.Equal(t, job.Completed, res.State)
	require.Nil(t, res.Failure)

	st, err := f.s.Status(id)
	require.NoError(t, err)
	require.Equal(t, job.Completed, st.State)
	require.Equal(t, job.StageDone, st.Progress.Stage)
	require.Equal(t, st.Progress.Total, st.Progress.Current)
	require.Equal(t, uint64(100), st.Progress.Current)
	require.Equal(t, "Writer sr0", st.DeviceLabel)

	require.Equal(t, []string{"sr0"}, f.backend.Unmounted())
	require.Equal(t, []string{"sr0"}, f.backend.Ejected())
}

func TestStageSequence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	gate := make(chan struct{})
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Emit(backend.Event{Current: 1, Total: 10}),
		backendtest.Emit(backend.Event{Stage: job.StageUnmounting, Current: 0, Total: 10}),
		backendtest.Emit(backend.Event{Current: 10, Total: 10}),
	}})

	first := f.submit(t, "sr0", job.RestoreParams{SourceImagePath: sourceImage(t), DestroyExistingData: true})
	f.started(t)
	second := f.submit(t, "sr0", job.EraseParams{})

	st, err := f.s.Status(second)
	require.NoError(t, err)
	require.Equal(t, job.Queued, st.State)
	require.Equal(t, job.WaitingMessage, st.Progress.Message)

	sub, err := f.s.Subscribe(second)
	require.NoError(t, err)
	defer sub.Close()
	close(gate)

	var stages []job.Stage
	var prev uint64
	for u, err := range sub.All(t.Context()) {
		require.NoError(t, err)
		require.GreaterOrEqual(t, u.Snapshot.Current, prev)
		prev = u.Snapshot.Current
		if u.Transition {
			stages = append(stages, u.Snapshot.Stage)
		}
		if u.Terminal() {
			require.Equal(t, job.Completed, u.Result.State)
		}
	}
	require.Equal(t, []job.Stage{
		job.StageWaiting,
		job.StagePreparing,
		job.StageUnmounting,
		job.StageErasing,
		job.StageEjecting,
		job.StageDone,
	}, stages)
	require.Equal(t, job.Completed, f.wait(t, first).State)
}

func TestNoMedia(t *testing.T) {
	t.Parallel()
	empty := device.Handle{ID: "sr0", Label: "Empty", Path: "/dev/sr0"}
	f := newFixture(t, empty)

	_, err := f.s.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.ErrorIs(t, err, job.ErrNoMedia)
	var pe *job.PreconditionError
	require.ErrorAs(t, err, &pe)
	require.False(t, pe.Soft())
	require.Empty(t, f.s.List())
	require.Empty(t, f.backend.Executed())
}

func TestSubmitErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", true))

	_, err := f.s.Submit(t.Context(), "sr9", job.EraseParams{}, job.Confirm{})
	require.ErrorIs(t, err, device.ErrUnknownDevice)

	_, err = f.s.Submit(t.Context(), "sr0", job.ImageParams{}, job.Confirm{})
	require.ErrorIs(t, err, job.ErrInvalidParams)

	_, err = f.s.Submit(t.Context(), "sr0", nil, job.Confirm{})
	require.ErrorIs(t, err, job.ErrInvalidParams)

	_, err = f.s.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.ErrorIs(t, err, job.ErrAlreadyBlank)

	// full erase bypasses the blank check
	id, err := f.s.Submit(t.Context(), "sr0", job.EraseParams{Full: true}, job.Confirm{})
	require.NoError(t, err)
	require.Equal(t, job.Completed, f.wait(t, id).State)

	id, err = f.s.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{AlreadyBlank: true})
	require.NoError(t, err)
	require.Equal(t, job.Completed, f.wait(t, id).State)
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false), cdrw("sr1", false))
	gate := make(chan struct{})
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})

	first := f.submit(t, "sr0", job.EraseParams{})
	f.started(t)

	var queued []job.ID
	for range 4 {
		id := f.submit(t, "sr0", job.EraseParams{Full: true})
		st, err := f.s.Status(id)
		require.NoError(t, err)
		require.Equal(t, job.Queued, st.State)
		require.Equal(t, job.Snapshot{Stage: job.StageWaiting, Message: job.WaitingMessage}, st.Progress)
		queued = append(queued, id)
	}

	// other devices are not blocked
	other := f.submit(t, "sr1", job.EraseParams{})
	require.Equal(t, job.Completed, f.wait(t, other).State)

	// a copy from sr0 waits behind sr0's jobs and keeps sr1 for itself
	cp := f.submit(t, "sr1", job.RestoreParams{SourceDeviceID: "sr0", DestroyExistingData: true})
	after := f.submit(t, "sr1", job.EraseParams{})
	for _, id := range []job.ID{cp, after} {
		st, err := f.s.Status(id)
		require.NoError(t, err)
		require.Equal(t, job.Queued, st.State)
	}
	queued = append(queued, cp, after)

	close(gate)
	require.Equal(t, job.Completed, f.wait(t, first).State)
	var prevStart time.Time
	for _, id := range queued {
		require.Equal(t, job.Completed, f.wait(t, id).State)
		st, err := f.s.Status(id)
		require.NoError(t, err)
		require.False(t, st.StartedAt.Before(prevStart))
		prevStart = st.StartedAt
	}

	var order []string
	for _, op := range f.backend.Executed() {
		switch p := op.Params.(type) {
		case job.EraseParams:
			order = append(order, op.Device.ID+" erase full="+strconv.FormatBool(p.Full))
		case job.RestoreParams:
			order = append(order, op.Source.ID+" copy to "+op.Device.ID)
		}
	}
	require.Equal(t, []string{
		"sr0 erase full=false",
		"sr1 erase full=false",
		"sr0 erase full=true",
		"sr0 erase full=true",
		"sr0 erase full=true",
		"sr0 erase full=true",
		"sr0 copy to sr1",
		"sr1 erase full=false",
	}, order)
	require.False(t, f.backend.Overlapped())
}

func TestAtMostOneRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false), cdrw("sr1", false))

	var wg sync.WaitGroup
	ids := make(chan job.ID, 24)
	for i := range 24 {
		wg.Go(func() {
			dev := "sr0"
			var params job.Params = job.EraseParams{}
			if i%2 == 1 {
				dev = "sr1"
			}
			// every third job copies the other drive's medium
			if i%3 == 2 {
				src := "sr1"
				if dev == "sr1" {
					src = "sr0"
				}
				params = job.RestoreParams{SourceDeviceID: src, DestroyExistingData: true}
			}
			id, err := f.s.Submit(t.Context(), dev, params, job.Confirm{})
			if err == nil {
				ids <- id
			}
		})
	}
	wg.Wait()
	close(ids)

	var n int
	for id := range ids {
		require.Equal(t, job.Completed, f.wait(t, id).State)
		n++
	}
	require.Equal(t, 24, n)
	require.False(t, f.backend.Overlapped())
	require.Len(t, f.s.List(), 24)
}

func TestCopyMedia(t *testing.T) {
	t.Parallel()
	reader := cdrw("sr1", false)
	reader.Capabilities.Media = device.MediaCD
	reader.Capabilities.Rewritable = false
	reader.Capabilities.Writable = false
	f := newFixture(t, cdrw("sr0", true), reader)
	gate := make(chan struct{})
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Wait(gate),
		backendtest.Emit(backend.Event{Stage: job.StageReading, Current: 5, Total: 10}),
		backendtest.Emit(backend.Event{Stage: job.StageBurning, Current: 5, Total: 10}),
	}})

	id := f.submit(t, "sr0", job.RestoreParams{SourceDeviceID: "sr1"})
	f.started(t)
	st, err := f.s.Status(id)
	require.NoError(t, err)
	require.Equal(t, job.StageReading, st.Progress.Stage)
	require.Equal(t, "sr1", st.SourceDeviceID)
	close(gate)

	res := f.wait(t, id)
	require.Equal(t, job.Completed, res.State)
	require.Equal(t, uint64(10), res.Progress.Current)

	ops := f.backend.Executed()
	require.Len(t, ops, 1)
	require.Equal(t, "sr0", ops[0].Device.ID)
	require.Equal(t, "sr1", ops[0].Source.ID)
	// only the destination is touched
	require.Equal(t, []string{"sr0"}, f.backend.Unmounted())
	require.Equal(t, []string{"sr0"}, f.backend.Ejected())

	_, err = f.s.Submit(t.Context(), "sr0", job.RestoreParams{SourceDeviceID: "sr0"}, job.Confirm{})
	require.ErrorIs(t, err, job.ErrSameMedium)
	_, err = f.s.Submit(t.Context(), "sr0", job.RestoreParams{SourceDeviceID: "sr9"}, job.Confirm{})
	require.ErrorIs(t, err, device.ErrUnknownDevice)
}

func TestCopyWaitsForSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", true), cdrw("sr1", false))
	gate := make(chan struct{})
	f.backend.Push("sr1", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})

	busy := f.submit(t, "sr1", job.ImageParams{OutputPath: "disc.iso"})
	f.started(t)
	cp := f.submit(t, "sr0", job.RestoreParams{SourceDeviceID: "sr1"})

	// the destination is idle but the source is not
	time.Sleep(50 * time.Millisecond)
	st, err := f.s.Status(cp)
	require.NoError(t, err)
	require.Equal(t, job.Queued, st.State)
	require.Len(t, f.backend.Executed(), 1)

	// the source lost its medium meanwhile
	require.NoError(t, f.devices.Update("sr1", device.Capabilities{}))
	close(gate)
	require.Equal(t, job.Completed, f.wait(t, busy).State)
	res := f.wait(t, cp)
	require.Equal(t, job.Failed, res.State)
	require.Equal(t, job.ErrNoMedia, res.Failure.Kind)
	require.Equal(t, "Writer sr1", res.Failure.DeviceLabel)
	require.False(t, f.backend.Overlapped())

	// both devices are free again
	require.Equal(t, job.Completed, f.wait(t, f.submit(t, "sr0", job.EraseParams{Full: true})).State)
}

func TestCancelQueuedCopy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false), cdrw("sr1", false))
	gate := make(chan struct{})
	defer close(gate)
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})

	f.submit(t, "sr0", job.EraseParams{})
	f.started(t)
	cp := f.submit(t, "sr1", job.RestoreParams{SourceDeviceID: "sr0", DestroyExistingData: true})
	blocked := f.submit(t, "sr1", job.EraseParams{})

	st, err := f.s.Status(blocked)
	require.NoError(t, err)
	require.Equal(t, job.Queued, st.State)

	// dropping the copy lets sr1 run while sr0 is still busy
	require.NoError(t, f.s.Cancel(cp))
	require.Equal(t, job.Cancelled, f.wait(t, cp).State)
	require.Equal(t, job.Completed, f.wait(t, blocked).State)
}

func TestCopySourceRemoved(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false), cdrw("sr1", false))
	gate := make(chan struct{})
	defer close(gate)
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})

	f.submit(t, "sr0", job.EraseParams{})
	f.started(t)
	cp := f.submit(t, "sr1", job.RestoreParams{SourceDeviceID: "sr0", DestroyExistingData: true})
	after := f.submit(t, "sr1", job.EraseParams{})

	f.s.DeviceRemoved("sr0")
	res := f.wait(t, cp)
	require.Equal(t, job.Failed, res.State)
	require.Equal(t, job.ErrDeviceRemoved, res.Failure.Kind)
	require.Equal(t, "Writer sr0", res.Failure.DeviceLabel)
	require.Equal(t, job.Completed, f.wait(t, after).State)
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	gate := make(chan struct{})
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})

	first := f.submit(t, "sr0", job.EraseParams{})
	f.started(t)
	second := f.submit(t, "sr0", job.EraseParams{Full: true})

	require.NoError(t, f.s.Cancel(second))
	res := f.wait(t, second)
	require.Equal(t, job.Cancelled, res.State)
	require.ErrorIs(t, f.s.Cancel(second), scheduler.ErrAlreadyTerminal)

	close(gate)
	require.Equal(t, job.Completed, f.wait(t, first).State)

	st, err := f.s.Status(second)
	require.NoError(t, err)
	require.True(t, st.StartedAt.IsZero())
	require.Len(t, f.backend.Executed(), 1)
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	gate := make(chan struct{})
	defer close(gate)
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Emit(backend.Event{Stage: job.StageErasing, Current: 3, Total: 10}),
		backendtest.Wait(gate),
	}})

	id := f.submit(t, "sr0", job.EraseParams{})
	f.started(t)
	require.NoError(t, f.s.Cancel(id))
	res := f.wait(t, id)
	require.Equal(t, job.Cancelled, res.State)
	require.Equal(t, job.StageCancelled, res.Progress.Stage)
	require.Nil(t, res.Failure)
	// interrupted in erasing: medium is ejected
	require.Equal(t, []string{"sr0"}, f.backend.Ejected())

	require.ErrorIs(t, f.s.Cancel(id), scheduler.ErrAlreadyTerminal)
	require.ErrorIs(t, f.s.Cancel(999), scheduler.ErrNotFound)
}

func TestCancelAtomicStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	gate := make(chan struct{})
	f.backend.Push("sr0", backendtest.Script{Atomic: true, Steps: []backendtest.Step{
		backendtest.Wait(gate),
		backendtest.Emit(backend.Event{Current: 10, Total: 10}),
	}})

	id := f.submit(t, "sr0", job.EraseParams{})
	f.started(t)
	require.NoError(t, f.s.Cancel(id))

	// the step in flight is not interrupted
	time.Sleep(50 * time.Millisecond)
	st, err := f.s.Status(id)
	require.NoError(t, err)
	require.Equal(t, job.Running, st.State)

	close(gate)
	res := f.wait(t, id)
	require.Equal(t, job.Cancelled, res.State)
	require.Less(t, res.Progress.Current, uint64(10))
}

func TestCancelWhileConcluding(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	eject := make(chan struct{})
	f.backend.EjectGate = eject
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Emit(backend.Event{Stage: job.StageErasing, Current: 1, Total: 10}),
		backendtest.Fail(backendtest.ErrWrite),
	}})

	id := f.submit(t, "sr0", job.EraseParams{})
	sub, err := f.s.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()
	for u, err := range sub.All(t.Context()) {
		require.NoError(t, err)
		if u.Snapshot.Stage == job.StageEjecting {
			break
		}
	}

	// the failure is decided, only the cleanup eject is left
	require.ErrorIs(t, f.s.Cancel(id), scheduler.ErrAlreadyTerminal)
	close(eject)
	res := f.wait(t, id)
	require.Equal(t, job.Failed, res.State)
	require.Equal(t, job.ErrBackendFailure, res.Failure.Kind)
}

func TestFailureInBurning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", true))
	f.backend.EjectErr = backend.ErrUnsupported
	gate := make(chan struct{})
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Emit(backend.Event{Stage: job.StageBurning, Current: 10, Total: 100}),
		backendtest.Wait(gate),
		backendtest.Fail(backendtest.ErrWrite),
	}})

	first := f.submit(t, "sr0", job.RestoreParams{SourceImagePath: sourceImage(t)})
	f.started(t)
	second := f.submit(t, "sr0", job.EraseParams{Full: true})
	close(gate)

	res := f.wait(t, first)
	require.Equal(t, job.Failed, res.State)
	require.NotNil(t, res.Failure)
	require.Equal(t, job.ErrBackendFailure, res.Failure.Kind)
	require.Equal(t, "Writer sr0", res.Failure.DeviceLabel)
	require.Contains(t, res.Failure.Reason, "medium error")
	require.Equal(t, uint64(10), res.Progress.Current)

	// eject failed, the device is free anyway
	require.Equal(t, job.Completed, f.wait(t, second).State)
	require.Equal(t, []string{"sr0", "sr0"}, f.backend.Ejected())
}

func TestEjectedMidOperation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Emit(backend.Event{Stage: job.StageErasing, Current: 1, Total: 10}),
		backendtest.Fail(backend.ErrMediumEjected),
	}})

	res := f.wait(t, f.submit(t, "sr0", job.EraseParams{}))
	require.Equal(t, job.Failed, res.State)
	require.Equal(t, job.ErrEjected, res.Failure.Kind)
	require.ErrorIs(t, res.Err(), job.ErrEjected)
}

func TestRecheckAtAdmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	gate := make(chan struct{})
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})

	first := f.submit(t, "sr0", job.ImageParams{OutputPath: "disc.iso"})
	f.started(t)
	second := f.submit(t, "sr0", job.EraseParams{})
	third := f.submit(t, "sr0", job.ImageParams{OutputPath: "disc.iso"})

	// the disc got blanked by someone else
	caps := cdrw("sr0", true).Capabilities
	require.NoError(t, f.devices.Update("sr0", caps))
	close(gate)

	require.Equal(t, job.Completed, f.wait(t, first).State)
	res := f.wait(t, second)
	require.Equal(t, job.Failed, res.State)
	require.Equal(t, job.ErrAlreadyBlank, res.Failure.Kind)
	require.Equal(t, job.Completed, f.wait(t, third).State)

	st, err := f.s.Status(second)
	require.NoError(t, err)
	require.True(t, st.StartedAt.IsZero())

	st, err = f.s.Status(third)
	require.NoError(t, err)
	require.Equal(t, job.StageDone, st.Progress.Stage)
}

func TestDeviceRemoved(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	gate := make(chan struct{})
	defer close(gate)
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Emit(backend.Event{Stage: job.StageErasing}),
		backendtest.Wait(gate),
	}})

	running := f.submit(t, "sr0", job.EraseParams{})
	f.started(t)
	queued := f.submit(t, "sr0", job.EraseParams{})

	f.devices.Remove("sr0")
	f.s.DeviceRemoved("sr0")

	for _, id := range []job.ID{running, queued} {
		res := f.wait(t, id)
		require.Equal(t, job.Failed, res.State)
		require.Equal(t, job.ErrDeviceRemoved, res.Failure.Kind)
		require.Equal(t, "Writer sr0", res.Failure.DeviceLabel)
	}
	require.Empty(t, f.backend.Ejected())
}

func TestDeviceRemovedViaRegistry(t *testing.T) {
	t.Parallel()
	static := device.NewStatic(cdrw("sr0", false))
	reg := device.NewRegistry(static)
	b := backendtest.New()
	s := scheduler.New(reg, b, scheduler.DefaultConfig())
	defer func() {
		require.NoError(t, s.Shutdown(t.Context()))
	}()
	reg.OnRemoved(func(_ context.Context, h device.Handle) {
		s.DeviceRemoved(h.ID)
	})

	gate := make(chan struct{})
	defer close(gate)
	b.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})
	id, err := s.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.NoError(t, err)
	<-b.Started()

	static.Remove("sr0")
	require.NoError(t, reg.Refresh(t.Context()))
	res, err := s.Wait(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, job.ErrDeviceRemoved, res.Failure.Kind)
}

func TestImageNoEject(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	res := f.wait(t, f.submit(t, "sr0", job.ImageParams{OutputPath: "disc.iso"}))
	require.Equal(t, job.Completed, res.State)
	require.Empty(t, f.backend.Ejected())
	require.Empty(t, f.backend.Unmounted())
}

func TestRestoreMissingImage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", true))
	res := f.wait(t, f.submit(t, "sr0", job.RestoreParams{SourceImagePath: "/does/not/exist.iso"}))
	require.Equal(t, job.Failed, res.State)
	require.Equal(t, job.ErrBackendFailure, res.Failure.Kind)
	require.Contains(t, res.Failure.Reason, "source image")
	require.Empty(t, f.backend.Executed())
	require.Empty(t, f.backend.Ejected())
}

func TestDiskNotEjected(t *testing.T) {
	t.Parallel()
	disk := device.Handle{ID: "sdb", Path: "/dev/sdb", Capabilities: device.Capabilities{
		HasMedia: true, Media: device.MediaDisk, Rewritable: true, Writable: true,
	}}
	f := newFixture(t, disk)
	f.backend.Push("sdb", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Emit(backend.Event{Stage: job.StageBurning}),
		backendtest.Fail(backendtest.ErrWrite),
	}})

	res := f.wait(t, f.submit(t, "sdb", job.RestoreParams{SourceImagePath: sourceImage(t), DestroyExistingData: true}))
	require.Equal(t, job.Failed, res.State)
	require.Empty(t, f.backend.Ejected())
	require.Equal(t, []string{"sdb"}, f.backend.Unmounted())
}

func TestEjectOnCompleteDisabled(t *testing.T) {
	t.Parallel()
	b := backendtest.New()
	cfg := scheduler.DefaultConfig()
	cfg.EjectOnComplete = false
	s := scheduler.New(device.NewStatic(cdrw("sr0", false)), b, cfg)
	defer func() {
		require.NoError(t, s.Shutdown(t.Context()))
	}()

	id, err := s.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.NoError(t, err)
	res, err := s.Wait(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, job.Completed, res.State)
	require.Empty(t, b.Ejected())
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	b := backendtest.New()
	s := scheduler.New(device.NewStatic(cdrw("sr0", false)), b, scheduler.DefaultConfig())
	gate := make(chan struct{})
	defer close(gate)
	b.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})

	running, err := s.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.NoError(t, err)
	<-b.Started()
	queued, err := s.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(t.Context()))
	for _, id := range []job.ID{running, queued} {
		st, err := s.Status(id)
		require.NoError(t, err)
		require.Equal(t, job.Cancelled, st.State)
	}
	_, err = s.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.ErrorIs(t, err, scheduler.ErrShutdown)
	require.NoError(t, s.Shutdown(t.Context()))
}

func TestPrune(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	id := f.submit(t, "sr0", job.EraseParams{})
	f.wait(t, id)

	require.Equal(t, 0, f.s.Prune(time.Hour))
	require.Equal(t, 1, f.s.Prune(0))
	_, err := f.s.Status(id)
	require.ErrorIs(t, err, scheduler.ErrNotFound)
	_, err = f.s.Subscribe(id)
	require.ErrorIs(t, err, scheduler.ErrNotFound)
}

func TestWaitContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cdrw("sr0", false))
	gate := make(chan struct{})
	defer close(gate)
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})
	id := f.submit(t, "sr0", job.EraseParams{})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := f.s.Wait(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.s.Wait(t.Context(), 999)
	require.ErrorIs(t, err, scheduler.ErrNotFound)
}
