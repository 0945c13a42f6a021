package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	udisksService   = "org.freedesktop.UDisks2"
	udisksRoot      = dbus.ObjectPath("/org/freedesktop/UDisks2")
	udisksBlockPfx  = "/org/freedesktop/UDisks2/block_devices/"
	ifaceBlock      = "org.freedesktop.UDisks2.Block"
	ifaceDrive      = "org.freedesktop.UDisks2.Drive"
	ifacePartition  = "org.freedesktop.UDisks2.Partition"
	ifaceFilesystem = "org.freedesktop.UDisks2.Filesystem"
	objectManager   = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// UDisks reads drives from the UDisks2 daemon over the system bus. It also
// implements eject and unmount, so it can act as the media controller of a
// backend.
type UDisks struct {
	conn *dbus.Conn
}

func NewUDisks() (*UDisks, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting system bus: %w", err)
	}
	return &UDisks{conn: conn}, nil
}

func (u *UDisks) Close() error {
	return u.conn.Close()
}

func (u *UDisks) managed(ctx context.Context) (managedObjects, error) {
	var reply managedObjects
	obj := u.conn.Object(udisksService, udisksRoot)
	err := obj.CallWithContext(ctx, objectManager+".GetManagedObjects", 0).Store(&reply)
	if err != nil {
		return nil, fmt.Errorf("udisks GetManagedObjects: %w", err)
	}
	return reply, nil
}

func (u *UDisks) Devices(ctx context.Context) ([]Handle, error) {
	objs, err := u.managed(ctx)
	if err != nil {
		return nil, err
	}
	return handlesFromManaged(objs), nil
}

func (u *UDisks) Capabilities(ctx context.Context, id string) (Handle, error) {
	handles, err := u.Devices(ctx)
	if err != nil {
		return Handle{}, err
	}
	for _, h := range handles {
		if h.ID == id {
			return h, nil
		}
	}
	return Handle{}, fmt.Errorf("%s: %w", id, ErrUnknownDevice)
}

// Eject asks the drive holding the device to eject its medium.
func (u *UDisks) Eject(ctx context.Context, h Handle) error {
	objs, err := u.managed(ctx)
	if err != nil {
		return err
	}
	block, ok := objs[blockPath(h.ID)]
	if !ok {
		return fmt.Errorf("%s: %w", h.ID, ErrRemoved)
	}
	drive, _ := prop[dbus.ObjectPath](block[ifaceBlock], "Drive")
	if drive == "" || drive == "/" {
		return fmt.Errorf("%s: no drive object", h.ID)
	}
	call := u.conn.Object(udisksService, drive).CallWithContext(ctx, ifaceDrive+".Eject", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("ejecting %s: %w", h.ID, call.Err)
	}
	return nil
}

// Unmount unmounts every mounted filesystem on the device and its partitions.
func (u *UDisks) Unmount(ctx context.Context, h Handle) error {
	objs, err := u.managed(ctx)
	if err != nil {
		return err
	}
	root := blockPath(h.ID)
	if _, ok := objs[root]; !ok {
		return fmt.Errorf("%s: %w", h.ID, ErrRemoved)
	}

	var errs []error
	for _, p := range mountedFilesystems(objs, root) {
		slog.DebugContext(ctx, "unmounting filesystem", "device", h.ID, "object", p)
		call := u.conn.Object(udisksService, p).CallWithContext(ctx, ifaceFilesystem+".Unmount", 0, map[string]dbus.Variant{})
		if call.Err != nil {
			errs = append(errs, fmt.Errorf("unmounting %s: %w", p, call.Err))
		}
	}
	return errors.Join(errs...)
}

// Watch calls changed whenever UDisks2 reports added or removed objects or a
// property change, for example when a disc is inserted. It blocks until ctx is done.
func (u *UDisks) Watch(ctx context.Context, changed func()) error {
	opts := [][]dbus.MatchOption{
		{dbus.WithMatchObjectPath(udisksRoot), dbus.WithMatchInterface(objectManager)},
		{dbus.WithMatchInterface("org.freedesktop.DBus.Properties"), dbus.WithMatchOption("path_namespace", string(udisksRoot))},
	}
	for _, o := range opts {
		if err := u.conn.AddMatchSignalContext(ctx, o...); err != nil {
			return fmt.Errorf("subscribing udisks signals: %w", err)
		}
	}

	signals := make(chan *dbus.Signal, 16)
	u.conn.Signal(signals)
	defer u.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if sig == nil || !strings.HasPrefix(string(sig.Path), string(udisksRoot)) {
				continue
			}
			changed()
		}
	}
}

func blockPath(id string) dbus.ObjectPath {
	return dbus.ObjectPath(udisksBlockPfx + id)
}

func handlesFromManaged(objs managedObjects) []Handle {
	var ret []Handle
	for p, ifaces := range objs {
		if !strings.HasPrefix(string(p), udisksBlockPfx) {
			continue
		}
		block, ok := ifaces[ifaceBlock]
		if !ok {
			continue
		}
		if _, isPartition := ifaces[ifacePartition]; isPartition {
			continue
		}
		drivePath, _ := prop[dbus.ObjectPath](block, "Drive")
		drive, ok := objs[drivePath][ifaceDrive]
		if !ok {
			continue
		}
		ret = append(ret, handleFrom(path.Base(string(p)), block, drive))
	}
	slices.SortFunc(ret, func(a, b Handle) int { return strings.Compare(a.ID, b.ID) })
	return ret
}

func handleFrom(id string, block, drive map[string]dbus.Variant) Handle {
	dev, _ := prop[[]byte](block, "Device")
	readOnly, _ := prop[bool](block, "ReadOnly")
	vendor, _ := prop[string](drive, "Vendor")
	model, _ := prop[string](drive, "Model")
	media, _ := prop[string](drive, "Media")
	optical, _ := prop[bool](drive, "Optical")
	available, _ := prop[bool](drive, "MediaAvailable")
	removable, _ := prop[bool](drive, "MediaRemovable")
	blank, _ := prop[bool](drive, "OpticalBlank")

	kind := ParseUDisksMedia(media)
	if !optical && kind == MediaUnknown && available {
		kind = MediaDisk
	}
	if !removable {
		available = true
	}

	caps := Capabilities{
		HasMedia:   available && kind != MediaUnknown,
		Media:      kind,
		Blank:      optical && blank,
		Rewritable: kind.Rewritable(),
	}
	if kind.Optical() {
		caps.Writable = kind.Writable()
	} else {
		caps.Writable = caps.HasMedia && !readOnly
	}

	return Handle{
		ID:           id,
		Label:        strings.TrimSpace(vendor + " " + model),
		Path:         string(trimNUL(dev)),
		Capabilities: caps,
	}
}

func mountedFilesystems(objs managedObjects, root dbus.ObjectPath) []dbus.ObjectPath {
	var ret []dbus.ObjectPath
	for p, ifaces := range objs {
		fs, ok := ifaces[ifaceFilesystem]
		if !ok {
			continue
		}
		if p != root {
			table, _ := prop[dbus.ObjectPath](ifaces[ifacePartition], "Table")
			if table != root {
				continue
			}
		}
		mounts, _ := prop[[][]byte](fs, "MountPoints")
		if len(mounts) > 0 {
			ret = append(ret, p)
		}
	}
	slices.Sort(ret)
	return ret
}

func prop[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

func trimNUL(b []byte) []byte {
	if i := slices.Index(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
