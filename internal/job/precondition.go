package job

import (
	"path/filepath"

	"github.com/thefrisbee/frisbee/internal/device"
)

// Check evaluates the static precondition of params against the device
// snapshot. Hard violations are reported before soft ones, so a confirmed
// caller never gets past a missing medium. It returns nil or *PreconditionError.
func Check(h device.Handle, p Params, c Confirm) error {
	kind := check(h, p, c)
	if kind == "" {
		return nil
	}
	return &PreconditionError{Kind: kind, Device: h.DisplayName()}
}

func check(h device.Handle, p Params, c Confirm) ErrorKind {
	caps := h.Capabilities
	if !caps.HasMedia {
		return ErrNoMedia
	}
	switch p := p.(type) {
	case EraseParams:
		if !caps.Rewritable {
			return ErrNotRewritable
		}
		if caps.Media == device.MediaDisk && !caps.Writable {
			return ErrNotWritable
		}
		if caps.Blank && !p.Full && !c.AlreadyBlank {
			return ErrAlreadyBlank
		}
	case ImageParams:
	case RestoreParams:
		if p.SourceDeviceID != "" && p.SourceDeviceID == h.ID {
			return ErrSameMedium
		}
		if h.Path != "" && p.SourceImagePath != "" && sameMedium(p.SourceImagePath, h.Path) {
			return ErrSameMedium
		}
		if !caps.Writable {
			return ErrNotWritable
		}
		// a written write-once disc cannot be erased before restoring
		if !caps.Blank && !caps.Rewritable {
			return ErrNotRewritable
		}
		if !caps.Blank && !p.DestroyExistingData && !c.NotBlank {
			return ErrNotBlank
		}
	}
	return ""
}

// CheckSource evaluates the source drive of a media copy onto dst. A source
// without a readable medium is reported with the source's name.
func CheckSource(src, dst device.Handle) error {
	switch {
	case src.ID == dst.ID, src.Path != "" && dst.Path != "" && sameMedium(src.Path, dst.Path):
		return &PreconditionError{Kind: ErrSameMedium, Device: dst.DisplayName()}
	case !src.Capabilities.HasMedia, src.Capabilities.Blank:
		return &PreconditionError{Kind: ErrNoMedia, Device: src.DisplayName()}
	}
	return nil
}

// sameMedium reports whether reading src would read the medium being written
// at devPath: the same node through any symlink, or a partition of it.
func sameMedium(src, devPath string) bool {
	src, devPath = resolvePath(src), resolvePath(devPath)
	return device.IsPartitionOf(src, devPath) || device.IsPartitionOf(devPath, src)
}

func resolvePath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
