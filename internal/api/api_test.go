package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/thefrisbee/frisbee/internal/api"
	"github.com/thefrisbee/frisbee/internal/backend"
	"github.com/thefrisbee/frisbee/internal/backend/backendtest"
	"github.com/thefrisbee/frisbee/internal/device"
	"github.com/thefrisbee/frisbee/internal/job"
	"github.com/thefrisbee/frisbee/internal/scheduler"
)

type fixture struct {
	router  http.Handler
	sched   *scheduler.Scheduler
	backend *backendtest.Backend
	static  *device.Static
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	static := device.NewStatic(
		device.Handle{ID: "sr0", Label: "Writer", Path: "/dev/sr0", Capabilities: device.Capabilities{
			HasMedia: true, Media: device.MediaCDRW, Rewritable: true, Writable: true,
		}},
		device.Handle{ID: "sr1", Label: "Blank writer", Path: "/dev/sr1", Capabilities: device.Capabilities{
			HasMedia: true, Media: device.MediaDVDPRW, Blank: true, Rewritable: true, Writable: true,
		}},
		device.Handle{ID: "sr2", Label: "Empty", Path: "/dev/sr2"},
	)
	reg := device.NewRegistry(static)
	b := backendtest.New()
	s := scheduler.New(reg, b, scheduler.DefaultConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return fixture{
		router:  api.NewRouter(s, reg),
		sched:   s,
		backend: b,
		static:  static,
	}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", `{"device_id":"sr0","kind":"erase","params":{"full":true}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	st := decode[job.Status](t, rec)
	require.Equal(t, job.Erase, st.Kind)
	require.Equal(t, "sr0", st.DeviceID)
	require.Equal(t, "/api/jobs/"+st.ID.String(), rec.Header().Get("Location"))

	res, err := f.sched.Wait(t.Context(), st.ID)
	require.NoError(t, err)
	require.Equal(t, job.Completed, res.State)
	ops := f.backend.Executed()
	require.Len(t, ops, 1)
	require.Equal(t, job.EraseParams{Full: true}, ops[0].Params)

	rec = f.do(t, http.MethodGet, "/api/jobs/"+st.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	st = decode[job.Status](t, rec)
	require.Equal(t, job.Completed, st.State)
	require.Equal(t, job.StageDone, st.Progress.Stage)
}

func TestSubmitCopy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", `{"device_id":"sr1","kind":"restore","params":{"source_device_id":"sr0"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	st := decode[job.Status](t, rec)
	require.Equal(t, "sr1", st.DeviceID)
	require.Equal(t, "sr0", st.SourceDeviceID)

	res, err := f.sched.Wait(t.Context(), st.ID)
	require.NoError(t, err)
	require.Equal(t, job.Completed, res.State)
	ops := f.backend.Executed()
	require.Len(t, ops, 1)
	require.Equal(t, "sr0", ops[0].Source.ID)

	// the empty drive has nothing to copy
	rec = f.do(t, http.MethodPost, "/api/jobs", `{"device_id":"sr1","kind":"restore","params":{"source_device_id":"sr2"}}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	require.Equal(t, job.ErrNoMedia, resp.Kind)

	rec = f.do(t, http.MethodPost, "/api/jobs", `{"device_id":"sr1","kind":"restore","params":{"source_device_id":"sr0","source_image_path":"a.iso"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobConfirm(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", `{"device_id":"sr1","kind":"erase"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	require.Equal(t, job.ErrAlreadyBlank, resp.Kind)
	require.True(t, resp.Soft)

	rec = f.do(t, http.MethodPost, "/api/jobs", `{"device_id":"sr1","kind":"erase","confirm":{"already_blank":true}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSubmitJobErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		body   string
		status int
		kind   job.ErrorKind
	}{
		{name: "body", body: `{`, status: http.StatusBadRequest},
		{name: "kind", body: `{"device_id":"sr0","kind":"format"}`, status: http.StatusBadRequest},
		{name: "params", body: `{"device_id":"sr0","kind":"image","params":{}}`, status: http.StatusBadRequest},
		{name: "params type", body: `{"device_id":"sr0","kind":"erase","params":{"full":"yes"}}`, status: http.StatusBadRequest},
		{name: "device", body: `{"device_id":"sr9","kind":"erase"}`, status: http.StatusNotFound},
		{name: "no media", body: `{"device_id":"sr2","kind":"erase"}`, status: http.StatusConflict, kind: job.ErrNoMedia},
		{
			name:   "same medium",
			body:   `{"device_id":"sr0","kind":"restore","params":{"source_image_path":"/dev/sr0"}}`,
			status: http.StatusConflict,
			kind:   job.ErrSameMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/jobs", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[api.ErrorResponse](t, rec)
			require.NotEmpty(t, resp.Error)
			require.Equal(t, tt.kind, resp.Kind)
			require.False(t, resp.Soft)
		})
	}
	require.Empty(t, f.sched.List())
}

func TestGetJobErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/jobs/42", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/jobs/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/jobs/42", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/jobs/42/events", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	gate := make(chan struct{})
	defer close(gate)
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})

	id, err := f.sched.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.NoError(t, err)
	queued, err := f.sched.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/api/jobs/"+queued.String(), "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, job.Cancelled, decode[job.Status](t, rec).State)

	rec = f.do(t, http.MethodDelete, "/api/jobs/"+id.String(), "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	res, err := f.sched.Wait(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, job.Cancelled, res.State)

	rec = f.do(t, http.MethodDelete, "/api/jobs/"+id.String(), "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	gate := make(chan struct{})
	defer close(gate)
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{backendtest.Wait(gate)}})

	_, err := f.sched.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.NoError(t, err)
	_, err = f.sched.Submit(t.Context(), "sr0", job.ImageParams{OutputPath: "out.iso"}, job.Confirm{})
	require.NoError(t, err)

	type list struct {
		Jobs  []job.Status `json:"jobs"`
		Total int          `json:"total"`
	}
	rec := f.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[list](t, rec)
	require.Equal(t, 2, all.Total)
	require.Less(t, all.Jobs[0].ID, all.Jobs[1].ID)

	rec = f.do(t, http.MethodGet, "/api/jobs?state=queued", "")
	queued := decode[list](t, rec)
	require.Equal(t, 1, queued.Total)
	require.Equal(t, job.Image, queued.Jobs[0].Kind)
	require.Equal(t, job.WaitingMessage, queued.Jobs[0].Progress.Message)
}

func TestDevices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	type list struct {
		Devices []device.Handle `json:"devices"`
	}
	rec := f.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[list](t, rec).Devices, 3)

	f.static.Remove("sr2")
	rec = f.do(t, http.MethodGet, "/api/devices", "")
	require.Len(t, decode[list](t, rec).Devices, 3)

	rec = f.do(t, http.MethodPost, "/api/devices/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	devices := decode[list](t, rec).Devices
	require.Len(t, devices, 2)
	require.Equal(t, "sr0", devices[0].ID)
	require.Equal(t, device.MediaCDRW, devices[0].Capabilities.Media)
}

func TestJobEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	gate := make(chan struct{})
	f.backend.Push("sr0", backendtest.Script{Steps: []backendtest.Step{
		backendtest.Wait(gate),
		backendtest.Emit(backend.Event{Stage: job.StageErasing, Current: 5, Total: 10}),
		backendtest.Emit(backend.Event{Current: 10, Total: 10}),
	}})
	id, err := f.sched.Submit(t.Context(), "sr0", job.EraseParams{}, job.Confirm{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/jobs/"+id.String()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first api.Event
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.Equal(t, id, first.JobID)
	require.True(t, first.Transition)
	close(gate)

	var stages []job.Stage
	var last api.Event
	for last.Result == nil {
		require.NoError(t, wsjson.Read(ctx, conn, &last))
		if last.Transition {
			stages = append(stages, last.Progress.Stage)
		}
	}
	require.Equal(t, job.Completed, last.Result.State)
	require.Equal(t, uint64(10), last.Progress.Current)
	require.Equal(t, job.StageDone, stages[len(stages)-1])
	require.Contains(t, stages, job.StageEjecting)

	_, _, err = conn.Read(ctx)
	require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestJobEventsAfterCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	id, err := f.sched.Submit(t.Context(), "sr0", job.ImageParams{OutputPath: "out.iso"}, job.Confirm{})
	require.NoError(t, err)
	_, err = f.sched.Wait(t.Context(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/jobs/"+id.String()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev api.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	require.NotNil(t, ev.Result)
	require.Equal(t, job.Completed, ev.Result.State)
}

func TestSubmitJobShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.sched.Shutdown(t.Context()))

	body := bytes.NewBufferString(`{"device_id":"sr0","kind":"image","params":{"output_path":"x.iso"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
