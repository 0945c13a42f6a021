package job

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid state transition")

type State string

const (
	Queued    State = "queued"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Queued to Failed happens when a queued job fails the admission re-check or
// its device disappears before it runs.
var transitions = map[State][]State{
	Queued:  {Running, Cancelled, Failed},
	Running: {Completed, Failed, Cancelled},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Stage is a named phase of a running job.
type Stage string

const (
	StageWaiting    Stage = "waiting"
	StagePreparing  Stage = "preparing"
	StageUnmounting Stage = "unmounting"
	StageReading    Stage = "reading"
	StageErasing    Stage = "erasing"
	StageImaging    Stage = "imaging"
	StageBurning    Stage = "burning"
	StageFinalizing Stage = "finalizing"
	StageEjecting   Stage = "ejecting"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
	StageCancelled  Stage = "cancelled"
)

var stageRank = map[Stage]int{
	StageWaiting:    0,
	StagePreparing:  1,
	StageUnmounting: 2,
	StageReading:    3,
	StageErasing:    4,
	StageImaging:    5,
	StageBurning:    5,
	StageFinalizing: 6,
	StageEjecting:   7,
	StageDone:       8,
	StageFailed:     9,
	StageCancelled:  9,
}

func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageCancelled
}

// Before reports whether s comes strictly before o. Failed and cancelled
// come after everything.
func (s Stage) Before(o Stage) bool {
	return stageRank[s] < stageRank[o]
}

// Known reports whether s is one of the stages above.
func (s Stage) Known() bool {
	_, ok := stageRank[s]
	return ok
}

// Destructive reports the stages after which a failed or cancelled optical
// job ejects the medium.
func (s Stage) Destructive() bool {
	return s == StageErasing || s == StageBurning || s == StageFinalizing
}
