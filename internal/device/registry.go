package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/thefrisbee/frisbee/internal/parallel"
)

// RemovedFunc is called once for each device which disappeared between two refreshes.
type RemovedFunc func(ctx context.Context, h Handle)

// Registry merges several providers and keeps the last known snapshot of
// every device. It is itself a Provider: Devices serves the cached snapshot,
// Capabilities always asks the owning provider for a fresh one.
type Registry struct {
	providers []Provider

	mx        sync.RWMutex
	refreshed bool
	devices   map[string]Handle
	owners    map[string]Provider
	onRemoved []RemovedFunc
}

func NewRegistry(providers ...Provider) *Registry {
	return &Registry{
		providers: providers,
		devices:   make(map[string]Handle),
		owners:    make(map[string]Provider),
	}
}

// OnRemoved registers a callback invoked from Refresh.
func (r *Registry) OnRemoved(fn RemovedFunc) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.onRemoved = append(r.onRemoved, fn)
}

// Refresh lists devices from all providers concurrently. Devices of a provider
// which failed are kept as they were, so a transient error never looks like
// an unplugged drive.
func (r *Registry) Refresh(ctx context.Context) error {
	list := func(ctx context.Context, p Provider) ([]Handle, error) {
		return p.Devices(ctx)
	}
	results := parallel.Map(ctx, len(r.providers), r.providers, list)

	r.mx.Lock()
	prev := r.devices
	devices := make(map[string]Handle, len(prev))
	owners := make(map[string]Provider, len(prev))

	var errs []error
	for idx, res := range results {
		p := r.providers[idx]
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("listing devices: %w", res.Err))
			for id, owner := range r.owners {
				if owner == p {
					devices[id] = prev[id]
					owners[id] = p
				}
			}
			continue
		}
		for _, h := range res.Value {
			if _, dup := devices[h.ID]; dup {
				slog.WarnContext(ctx, "device reported by more providers: ignoring duplicate", "device", h.ID)
				continue
			}
			devices[h.ID] = h
			owners[h.ID] = p
		}
	}

	var removed []Handle
	for id, h := range prev {
		if _, ok := devices[id]; !ok {
			removed = append(removed, h)
		}
	}
	r.devices = devices
	r.owners = owners
	r.refreshed = true
	callbacks := slices.Clone(r.onRemoved)
	r.mx.Unlock()

	for _, h := range removed {
		slog.InfoContext(ctx, "device removed", "device", h.ID, "label", h.Label)
		for _, fn := range callbacks {
			fn(ctx, h)
		}
	}
	return errors.Join(errs...)
}

// Devices returns the cached snapshot sorted by ID, refreshing first if the
// registry was never refreshed.
func (r *Registry) Devices(ctx context.Context) ([]Handle, error) {
	r.mx.RLock()
	refreshed := r.refreshed
	r.mx.RUnlock()

	var err error
	if !refreshed {
		err = r.Refresh(ctx)
	}

	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]Handle, 0, len(r.devices))
	for _, h := range r.devices {
		ret = append(ret, h)
	}
	slices.SortFunc(ret, func(a, b Handle) int { return strings.Compare(a.ID, b.ID) })
	return ret, err
}

func (r *Registry) Capabilities(ctx context.Context, id string) (Handle, error) {
	r.mx.RLock()
	owner, ok := r.owners[id]
	r.mx.RUnlock()

	candidates := r.providers
	if ok {
		candidates = []Provider{owner}
	}

	var errs []error
	for _, p := range candidates {
		h, err := p.Capabilities(ctx, id)
		if errors.Is(err, ErrUnknownDevice) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.mx.Lock()
		r.devices[id] = h
		r.owners[id] = p
		r.mx.Unlock()
		return h, nil
	}
	if len(errs) > 0 {
		return Handle{}, errors.Join(errs...)
	}
	return Handle{}, fmt.Errorf("%s: %w", id, ErrUnknownDevice)
}
