package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/job"
	"github.com/thefrisbee/frisbee/internal/log"
	"github.com/thefrisbee/frisbee/internal/scheduler"
)

var startTime = time.Now()

type Handlers struct {
	jobs    Jobs
	devices Devices
}

func NewHandlers(jobs Jobs, devices Devices) *Handlers {
	return &Handlers{jobs: jobs, devices: devices}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	})
}

// JobRequest is the body of POST /api/jobs. Params is decoded according to Kind.
type JobRequest struct {
	DeviceID string          `json:"device_id"`
	Kind     string          `json:"kind"`
	Params   json.RawMessage `json:"params,omitempty"`
	Confirm  job.Confirm     `json:"confirm"`
}

// ErrorResponse is the body of every failed request. Kind and Soft are set
// for rejected preconditions.
type ErrorResponse struct {
	Error string        `json:"error"`
	Kind  job.ErrorKind `json:"kind,omitempty"`
	Soft  bool          `json:"soft,omitempty"`
}

func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	params, err := decodeParams(req.Kind, req.Params)
	if err != nil {
		writeError(w, r, err)
		return
	}

	id, err := h.jobs.Submit(r.Context(), req.DeviceID, params, req.Confirm)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.jobs.Status(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+id.String())
	writeJSON(w, http.StatusCreated, st)
}

func decodeParams(kind string, raw json.RawMessage) (job.Params, error) {
	k, err := job.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var params job.Params
	switch k {
	case job.Erase:
		var p job.EraseParams
		err = json.Unmarshal(raw, &p)
		params = p
	case job.Image:
		var p job.ImageParams
		err = json.Unmarshal(raw, &p)
		params = p
	case job.Restore:
		var p job.RestoreParams
		err = json.Unmarshal(raw, &p)
		params = p
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", job.ErrInvalidParams, err)
	}
	return params, nil
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	list := h.jobs.List()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := list[:0]
		for _, st := range list {
			if string(st.State) == state {
				filtered = append(filtered, st)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"total": len(list),
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	st, err := h.jobs.Status(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Cancel(id); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.jobs.Status(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.Devices(r.Context())
	if err != nil && len(devices) == 0 {
		writeError(w, r, err)
		return
	}
	if err != nil {
		slog.WarnContext(r.Context(), "listing devices", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *Handlers) RefreshDevices(w http.ResponseWriter, r *http.Request) {
	if err := h.devices.Refresh(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "refreshing devices", "error", err)
	}
	h.ListDevices(w, r)
}

func jobID(w http.ResponseWriter, r *http.Request) (job.ID, bool) {
	id, err := job.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid job id"})
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var pe *job.PreconditionError
	var status int
	switch {
	case errors.As(err, &pe):
		status = http.StatusConflict
		resp.Kind = pe.Kind
		resp.Soft = pe.Soft()
	case errors.Is(err, job.ErrInvalidParams):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, device.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrAlreadyTerminal):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrShutdown):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		slog.ErrorContext(r.Context(), "request failed", "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		slog.DebugContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
