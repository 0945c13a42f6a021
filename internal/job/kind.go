package job

import (
	"errors"
	"fmt"
)

var ErrInvalidParams = errors.New("invalid job parameters")

type Kind string

const (
	Erase   Kind = "erase"
	Image   Kind = "image"
	Restore Kind = "restore"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Erase, Image, Restore:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidParams, s)
	}
}

// Params is implemented by EraseParams, ImageParams and RestoreParams only.
type Params interface {
	Kind() Kind
	Validate() error
	params()
}

type EraseParams struct {
	// Full blanks the whole medium instead of the table of contents. It is
	// allowed on an already blank medium.
	Full bool `json:"full"`
}

func (EraseParams) Kind() Kind { return Erase }

func (EraseParams) Validate() error { return nil }

func (EraseParams) params() {}

type ImageParams struct {
	OutputPath string `json:"output_path"`
}

func (ImageParams) Kind() Kind { return Image }

func (p ImageParams) Validate() error {
	if p.OutputPath == "" {
		return fmt.Errorf("%w: image needs an output path", ErrInvalidParams)
	}
	return nil
}

func (ImageParams) params() {}

// RestoreParams restores either an image file or, to copy media, the
// medium in another drive.
type RestoreParams struct {
	SourceImagePath string `json:"source_image_path,omitempty"`
	SourceDeviceID  string `json:"source_device_id,omitempty"`
	// DestroyExistingData authorizes restoring over a medium which is not blank.
	DestroyExistingData bool `json:"destroy_existing_data"`
}

func (RestoreParams) Kind() Kind { return Restore }

func (p RestoreParams) Validate() error {
	switch {
	case p.SourceImagePath == "" && p.SourceDeviceID == "":
		return fmt.Errorf("%w: restore needs a source image or device", ErrInvalidParams)
	case p.SourceImagePath != "" && p.SourceDeviceID != "":
		return fmt.Errorf("%w: restore takes a source image or a device, not both", ErrInvalidParams)
	}
	return nil
}

// Copy reports whether the source is the medium of another drive.
func (p RestoreParams) Copy() bool { return p.SourceDeviceID != "" }

func (RestoreParams) params() {}

// Confirm carries caller confirmations of the soft preconditions. The engine
// never asks, the caller resubmits with the flag set.
type Confirm struct {
	AlreadyBlank bool `json:"already_blank"`
	NotBlank     bool `json:"not_blank"`
}
