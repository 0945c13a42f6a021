package device

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/thefrisbee/frisbee/internal/model"
)

// Static is an in-memory Provider. It serves devices declared in the config
// file and is used by tests to simulate inserting and removing media.
type Static struct {
	mx      sync.RWMutex
	order   []string
	devices map[string]Handle
}

func NewStatic(handles ...Handle) *Static {
	s := &Static{devices: make(map[string]Handle, len(handles))}
	for _, h := range handles {
		s.Set(h)
	}
	return s
}

// StaticFromConfig builds the provider from devices.static entries.
// Rewritable and writable flags default to what the media kind supports.
func StaticFromConfig(devices []model.StaticDevice) (*Static, error) {
	s := NewStatic()
	for idx, d := range devices {
		kind, ok := ParseMediaKind(d.Media)
		if !ok {
			return nil, fmt.Errorf("devices.static.%d.media: unsupported media %q", idx, d.Media)
		}
		caps := Capabilities{
			HasMedia:   d.HasMedia,
			Media:      kind,
			Blank:      d.Blank,
			Rewritable: kind.Rewritable(),
			Writable:   kind.Writable(),
		}
		if d.Rewritable != nil {
			caps.Rewritable = *d.Rewritable
		}
		if d.Writable != nil {
			caps.Writable = *d.Writable
		}
		s.Set(Handle{ID: d.ID, Label: d.Label, Path: d.Path, Capabilities: caps})
	}
	return s, nil
}

// Set adds or replaces a device snapshot.
func (s *Static) Set(h Handle) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.devices[h.ID]; !ok {
		s.order = append(s.order, h.ID)
	}
	s.devices[h.ID] = h
}

// Update changes the capabilities of a known device.
func (s *Static) Update(id string, caps Capabilities) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	h, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownDevice)
	}
	h.Capabilities = caps
	s.devices[id] = h
	return nil
}

// Remove forgets a device, as if the drive was unplugged.
func (s *Static) Remove(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.devices, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
}

func (s *Static) Devices(_ context.Context) ([]Handle, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	ret := make([]Handle, 0, len(s.order))
	for _, id := range s.order {
		ret = append(ret, s.devices[id])
	}
	return ret, nil
}

func (s *Static) Capabilities(_ context.Context, id string) (Handle, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	h, ok := s.devices[id]
	if !ok {
		return Handle{}, fmt.Errorf("%s: %w", id, ErrUnknownDevice)
	}
	return h, nil
}
