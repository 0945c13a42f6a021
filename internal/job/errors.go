package job

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a job was rejected or failed. Every ErrorKind is
// an error itself, so errors.Is(err, job.ErrNoMedia) works on both
// PreconditionError and ExecutionError.
type ErrorKind string

const (
	ErrNoMedia        ErrorKind = "no_media"
	ErrNotRewritable  ErrorKind = "not_rewritable"
	ErrNotWritable    ErrorKind = "not_writable"
	ErrNotBlank       ErrorKind = "not_blank"
	ErrAlreadyBlank   ErrorKind = "already_blank"
	ErrSameMedium     ErrorKind = "same_medium"
	ErrBackendFailure ErrorKind = "backend_failure"
	ErrEjected        ErrorKind = "ejected"
	ErrDeviceRemoved  ErrorKind = "device_removed"
)

var errorKindText = map[ErrorKind]string{
	ErrNoMedia:        "no medium in the drive",
	ErrNotRewritable:  "medium is not rewritable",
	ErrNotWritable:    "medium is not writable",
	ErrNotBlank:       "medium is not blank",
	ErrAlreadyBlank:   "medium is already blank",
	ErrSameMedium:     "source is the destination medium",
	ErrBackendFailure: "operation failed",
	ErrEjected:        "medium was ejected during the operation",
	ErrDeviceRemoved:  "device was removed",
}

func (k ErrorKind) Error() string {
	if s, ok := errorKindText[k]; ok {
		return s
	}
	return string(k)
}

// Soft reports whether the caller may confirm the condition and resubmit.
func (k ErrorKind) Soft() bool {
	return k == ErrAlreadyBlank || k == ErrNotBlank
}

// PreconditionError is returned synchronously by submission. The job never
// enters the queue.
type PreconditionError struct {
	Kind   ErrorKind
	Device string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Device, e.Kind.Error())
}

func (e *PreconditionError) Unwrap() error {
	return e.Kind
}

func (e *PreconditionError) Soft() bool {
	return e.Kind.Soft()
}

// ExecutionError is an error which made a running job fail.
type ExecutionError struct {
	Kind   ErrorKind
	Device string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Device, e.Kind.Error())
	}
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Kind.Error(), e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Failure is the structured reason of a failed job. It carries enough for a
// front end to render its own message.
type Failure struct {
	Kind        ErrorKind `json:"kind"`
	DeviceLabel string    `json:"device_label"`
	Reason      string    `json:"reason,omitempty"`
}

// FailureFrom classifies err. Unclassified errors are backend failures.
func FailureFrom(err error, deviceLabel string) Failure {
	f := Failure{Kind: ErrBackendFailure, DeviceLabel: deviceLabel}
	if err == nil {
		return f
	}
	var pe *PreconditionError
	var ee *ExecutionError
	switch {
	case errors.As(err, &pe):
		f.Kind = pe.Kind
	case errors.As(err, &ee):
		f.Kind = ee.Kind
		if ee.Err != nil {
			f.Reason = ee.Err.Error()
		}
		return f
	}
	f.Reason = err.Error()
	return f
}

func (f Failure) Error() string {
	if f.Reason == "" {
		return fmt.Sprintf("%s: %s", f.DeviceLabel, f.Kind.Error())
	}
	return fmt.Sprintf("%s: %s: %s", f.DeviceLabel, f.Kind.Error(), f.Reason)
}

func (f Failure) Unwrap() error {
	return f.Kind
}
