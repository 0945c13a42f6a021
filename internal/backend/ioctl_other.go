//go:build !linux

package backend

import (
	"context"

	"github.com/thefrisbee/frisbee/internal/device"
)

type Ioctl struct {
	Mounts string
}

func (Ioctl) Eject(context.Context, device.Handle) error {
	return ErrUnsupported
}

func (Ioctl) Unmount(context.Context, device.Handle) error {
	return ErrUnsupported
}
