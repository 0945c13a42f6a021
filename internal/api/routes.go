// Package api exposes the scheduler over HTTP. Job progress is streamed over
// a WebSocket as JSON frames, the last frame carrying the result.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/job"
)

// Jobs is the part of the scheduler served by the API.
type Jobs interface {
	Submit(ctx context.Context, deviceID string, params job.Params, confirm job.Confirm) (job.ID, error)
	Status(id job.ID) (job.Status, error)
	List() []job.Status
	Cancel(id job.ID) error
	Subscribe(id job.ID) (*job.Subscription, error)
}

// Devices lists drives and forces a rescan.
type Devices interface {
	Devices(ctx context.Context) ([]device.Handle, error)
	Refresh(ctx context.Context) error
}

func NewRouter(jobs Jobs, devices Devices) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	h := NewHandlers(jobs, devices)

	r.Get("/health", h.Health)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Get("/", h.ListJobs)
		r.Get("/{id}", h.GetJob)
		r.Delete("/{id}", h.CancelJob)
		r.Get("/{id}/events", h.JobEvents)
	})

	r.Get("/api/devices", h.ListDevices)
	r.Post("/api/devices/refresh", h.RefreshDevices)

	return r
}
