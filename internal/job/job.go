package job

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/progress"
)

// WaitingMessage is the status of a job queued behind another job.
const WaitingMessage = "Waiting for other jobs to finish"

type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	return ID(n), err
}

// Snapshot is the progress of a job. Total 0 means indeterminate.
type Snapshot struct {
	Stage   Stage  `json:"stage"`
	Current uint64 `json:"current"`
	Total   uint64 `json:"total"`
	Message string `json:"message,omitempty"`
}

// Status is a point in time view of a job.
type Status struct {
	ID             ID        `json:"id"`
	DeviceID       string    `json:"device_id"`
	DeviceLabel    string    `json:"device_label"`
	SourceDeviceID string    `json:"source_device_id,omitempty"`
	Kind           Kind      `json:"kind"`
	State          State     `json:"state"`
	Progress       Snapshot  `json:"progress"`
	Failure        *Failure  `json:"failure,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

// Result is the terminal outcome of a job.
type Result struct {
	ID       ID       `json:"id"`
	State    State    `json:"state"`
	Failure  *Failure `json:"failure,omitempty"`
	Progress Snapshot `json:"progress"`
}

// Err converts a failed result to an error.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return *r.Failure
}

type (
	Update       = progress.Update[Snapshot, Result]
	Subscription = progress.Subscription[Snapshot, Result]
)

// Job is the state machine of one requested operation. All methods are safe
// for concurrent use. State changes are published to the job's reporter.
type Job struct {
	id        ID
	params    Params
	confirm   Confirm
	createdAt time.Time
	reporter  *progress.Reporter[Snapshot, Result]

	mx         sync.Mutex
	dev        device.Handle
	source     device.Handle
	state      State
	snapshot   Snapshot
	failure    *Failure
	startedAt  time.Time
	finishedAt time.Time
}

// New returns a queued job. buffer is the per subscriber queue length.
func New(id ID, dev device.Handle, params Params, confirm Confirm, buffer int) *Job {
	j := &Job{
		id:        id,
		params:    params,
		confirm:   confirm,
		createdAt: time.Now().UTC(),
		reporter:  progress.NewReporter[Snapshot, Result](buffer),
		dev:       dev,
		state:     Queued,
		snapshot:  Snapshot{Stage: StageWaiting, Message: WaitingMessage},
	}
	j.reporter.Publish(j.snapshot, true)
	return j
}

func (j *Job) ID() ID { return j.id }

func (j *Job) Kind() Kind { return j.params.Kind() }

func (j *Job) Params() Params { return j.params }

func (j *Job) Confirm() Confirm { return j.confirm }

func (j *Job) Device() device.Handle {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.dev
}

// SetDevice replaces the device snapshot, used when capabilities are
// re-read before admission.
func (j *Job) SetDevice(h device.Handle) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.dev = h
}

// Source is the snapshot of the source drive of a media copy, the zero
// Handle for other jobs.
func (j *Job) Source() device.Handle {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.source
}

func (j *Job) SetSource(h device.Handle) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.source = h
}

// Devices lists the drives the job occupies while it runs, the destination
// first.
func (j *Job) Devices() []string {
	ids := []string{j.Device().ID}
	if id := sourceDeviceID(j.params); id != "" {
		ids = append(ids, id)
	}
	return ids
}

func sourceDeviceID(p Params) string {
	if p, ok := p.(RestoreParams); ok {
		return p.SourceDeviceID
	}
	return ""
}

func (j *Job) State() State {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.state
}

func (j *Job) Snapshot() Snapshot {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.snapshot
}

func (j *Job) Status() Status {
	j.mx.Lock()
	defer j.mx.Unlock()
	var failure *Failure
	if j.failure != nil {
		f := *j.failure
		failure = &f
	}
	return Status{
		ID:             j.id,
		DeviceID:       j.dev.ID,
		DeviceLabel:    j.dev.DisplayName(),
		SourceDeviceID: sourceDeviceID(j.params),
		Kind:           j.params.Kind(),
		State:          j.state,
		Progress:       j.snapshot,
		Failure:        failure,
		CreatedAt:      j.createdAt,
		StartedAt:      j.startedAt,
		FinishedAt:     j.finishedAt,
	}
}

// Result returns the terminal result and true once the job is terminal.
func (j *Job) Result() (Result, bool) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if !j.state.Terminal() {
		return Result{}, false
	}
	return j.resultLocked(), true
}

func (j *Job) resultLocked() Result {
	return Result{ID: j.id, State: j.state, Failure: j.failure, Progress: j.snapshot}
}

// Subscribe returns a subscription delivering every snapshot published from
// now on, starting with the latest one, and finally the result.
func (j *Job) Subscribe() *Subscription {
	return j.reporter.Subscribe()
}

// Start moves a queued job to running.
func (j *Job) Start() error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if !canTransition(j.state, Running) {
		return transitionError(j.state, Running)
	}
	j.state = Running
	j.startedAt = time.Now().UTC()
	j.snapshot = Snapshot{Stage: StagePreparing}
	j.reporter.Publish(j.snapshot, true)
	return nil
}

// Apply merges a snapshot reported during execution: the stage never moves
// backwards, current never decreases and a determinate total is never
// smaller than current. It returns the snapshot as stored. Updates of a job
// which is not running are ignored.
func (j *Job) Apply(s Snapshot) Snapshot {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.state != Running {
		return j.snapshot
	}
	prev := j.snapshot
	if !s.Stage.Known() || s.Stage.Terminal() || s.Stage.Before(prev.Stage) {
		if s.Stage != prev.Stage {
			slog.Debug("coercing stage", "job_id", j.id, "reported", s.Stage, "current", prev.Stage)
		}
		s.Stage = prev.Stage
	}
	s.Current = max(s.Current, prev.Current)
	if s.Total != 0 && s.Total < s.Current {
		s.Total = s.Current
	}
	j.snapshot = s
	j.reporter.Publish(s, s.Stage != prev.Stage)
	return s
}

// Complete finishes a running job. The final snapshot has stage done and
// current equal to total.
func (j *Job) Complete() error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if !canTransition(j.state, Completed) {
		return transitionError(j.state, Completed)
	}
	total := max(j.snapshot.Current, j.snapshot.Total)
	j.finishLocked(Completed, Snapshot{Stage: StageDone, Current: total, Total: total})
	return nil
}

// Fail finishes a queued or running job with a failure.
func (j *Job) Fail(f Failure) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if !canTransition(j.state, Failed) {
		return transitionError(j.state, Failed)
	}
	j.failure = &f
	j.finishLocked(Failed, Snapshot{
		Stage:   StageFailed,
		Current: j.snapshot.Current,
		Total:   j.snapshot.Total,
		Message: f.Error(),
	})
	return nil
}

// Cancel finishes a queued or running job as cancelled.
func (j *Job) Cancel() error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if !canTransition(j.state, Cancelled) {
		return transitionError(j.state, Cancelled)
	}
	j.finishLocked(Cancelled, Snapshot{
		Stage:   StageCancelled,
		Current: j.snapshot.Current,
		Total:   j.snapshot.Total,
	})
	return nil
}

func (j *Job) finishLocked(state State, s Snapshot) {
	j.state = state
	j.snapshot = s
	j.finishedAt = time.Now().UTC()
	j.reporter.Close(s, j.resultLocked())
}

func (j *Job) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("job_id", j.id.String()),
		slog.String("kind", string(j.params.Kind())),
		slog.String("device", j.Device().ID),
	}
	if id := sourceDeviceID(j.params); id != "" {
		attrs = append(attrs, slog.String("source_device", id))
	}
	return attrs
}
