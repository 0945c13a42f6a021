//go:build linux

package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/thefrisbee/frisbee/internal/device"
)

// linux/cdrom.h
const (
	cdromEject    = 0x5309
	cdromLockDoor = 0x5329
)

// Ioctl ejects through the cdrom ioctl interface and unmounts with umount(2).
// It serves when no UDisks2 daemon runs.
type Ioctl struct {
	// Mounts is the mount table, /proc/self/mounts when empty.
	Mounts string
}

func (Ioctl) Eject(ctx context.Context, dev device.Handle) error {
	if dev.Path == "" {
		return fmt.Errorf("%s: %w: no device path", dev.ID, ErrUnsupported)
	}
	fd, err := unix.Open(dev.Path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("%s: %w", dev.Path, ErrDeviceRemoved)
		}
		return fmt.Errorf("opening %s: %w", dev.Path, err)
	}
	defer func() {
		_ = unix.Close(fd)
	}()

	if err := unix.IoctlSetInt(fd, cdromLockDoor, 0); err != nil {
		slog.DebugContext(ctx, "unlocking door failed", "device", dev.ID, "error", err)
	}
	if err := unix.IoctlSetInt(fd, cdromEject, 0); err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("%s: %w: not a cdrom", dev.Path, ErrUnsupported)
		}
		return fmt.Errorf("ejecting %s: %w", dev.Path, err)
	}
	return nil
}

func (i Ioctl) Unmount(ctx context.Context, dev device.Handle) error {
	if dev.Path == "" {
		return nil
	}
	path := i.Mounts
	if path == "" {
		path = "/proc/self/mounts"
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading mount table: %w", err)
	}
	defer f.Close()
	targets, err := mountPoints(f, dev.Path)
	if err != nil {
		return err
	}

	var errs []error
	for _, target := range targets {
		slog.DebugContext(ctx, "unmounting filesystem", "device", dev.ID, "target", target)
		if err := unix.Unmount(target, 0); err != nil {
			errs = append(errs, fmt.Errorf("unmounting %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

// mountPoints lists mount targets of the device and its partitions, the
// deepest first.
func mountPoints(r io.Reader, devPath string) ([]string, error) {
	var ret []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || !device.IsPartitionOf(fields[0], devPath) {
			continue
		}
		ret = append(ret, unescapeMount(fields[1]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	for i, j := 0, len(ret)-1; i < j; i, j = i+1, j-1 {
		ret[i], ret[j] = ret[j], ret[i]
	}
	return ret, nil
}

// unescapeMount decodes the octal escapes of /proc/mounts, like \040 for space.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
