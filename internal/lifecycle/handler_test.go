package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"livecast-client/internal/failure"
	"livecast-client/internal/gateway"
	"livecast-client/internal/readiness"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T, env *testEnv) *Handler {
	t.Helper()
	restore := func(s Session) (*Controller, error) {
		return Restore(s, env.gw, readiness.NewPoller(nil, nil, nil), env.swarm, env.opts)
	}
	h := NewHandler(env.ctrl, restore, nil)
	t.Cleanup(func() { h.Controller().Close() })
	return h
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/start", h.Start)
		r.Post("/playing", h.ConfirmPlayback)
		r.Post("/stop", h.Stop)
		r.Post("/harvest", h.Harvest)
		r.Post("/harvest/retry", h.RetryHarvest)
		r.Post("/publish", h.Publish)
		r.Patch("/page", h.NavigatePage)
	})
	r.Get("/segments/*", h.GetSegment)
	return r
}

func serve(r http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) sessionResponse {
	t.Helper()
	var resp sessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return resp
}

func TestHandler_GetSession(t *testing.T) {
	env := newTestEnv(t, []int{200}, nil)
	r := newTestRouter(newTestHandler(t, env))

	rec := serve(r, http.MethodGet, "/session/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: %q", ct)
	}
	resp := decodeSession(t, rec)
	if resp.ID != "abc" || resp.State != StateIdle || resp.PlayableURL != "" {
		t.Errorf("unexpected session: %+v", resp)
	}
}

func TestHandler_full_flow(t *testing.T) {
	env := newTestEnv(t, []int{404, 200}, nil)
	h := newTestHandler(t, env)
	r := newTestRouter(h)

	rec := serve(r, http.MethodPost, "/session/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d", rec.Code)
	}
	if resp := decodeSession(t, rec); resp.State != StateStarting {
		t.Errorf("start: state %s", resp.State)
	}
	waitState(t, h.Controller(), StateJoinable)

	rec = serve(r, http.MethodGet, "/session/", nil)
	if resp := decodeSession(t, rec); resp.PlayableURL != env.origin.URL+"/live/abc/out.m3u8" {
		t.Errorf("playable url: %q", resp.PlayableURL)
	}

	rec = serve(r, http.MethodGet, "/segments/seg0.ts", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "segment-0" {
		t.Fatalf("segment: %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != segmentContentType {
		t.Errorf("segment content type: %q", ct)
	}

	rec = serve(r, http.MethodPatch, "/session/page", []byte(`{"target_page":3}`))
	if rec.Code != http.StatusOK || decodeSession(t, rec).SharedPage != 3 {
		t.Fatalf("navigate: %d", rec.Code)
	}

	for _, step := range []string{"/session/playing", "/session/stop", "/session/harvest", "/session/publish"} {
		if rec := serve(r, http.MethodPost, step, nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", step, rec.Code, rec.Body.String())
		}
	}
	resp := decodeSession(t, serve(r, http.MethodGet, "/session/", nil))
	if resp.State != StateRecorded || !resp.PublishedToVOD || resp.PlayableURL != env.origin.URL+"/vod/abc.mp4" {
		t.Errorf("unexpected final session: %+v", resp)
	}
}

func TestHandler_error_statuses(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(env *testEnv)
		method string
		target string
		body   []byte
		status int
		kind   string
	}{
		{
			name:   "stop from idle",
			method: http.MethodPost, target: "/session/stop",
			status: http.StatusConflict, kind: "invalid_transition",
		},
		{
			name: "start rejected",
			setup: func(env *testEnv) {
				env.gw.setErr(gateway.ActionStart, &failure.ActionRejected{Action: gateway.ActionStart, Status: 403})
			},
			method: http.MethodPost, target: "/session/start",
			status: http.StatusBadGateway, kind: "action_rejected",
		},
		{
			name: "start unreachable",
			setup: func(env *testEnv) {
				env.gw.setErr(gateway.ActionStart, &failure.ActionUnreachable{Action: gateway.ActionStart, Err: errors.New("refused")})
			},
			method: http.MethodPost, target: "/session/start",
			status: http.StatusServiceUnavailable, kind: "action_unreachable",
		},
		{
			name:   "segment before live",
			method: http.MethodGet, target: "/segments/seg0.ts",
			status: http.StatusConflict, kind: "invalid_transition",
		},
		{
			name:   "page zero",
			method: http.MethodPatch, target: "/session/page", body: []byte(`{"target_page":0}`),
			status: http.StatusBadRequest, kind: "unknown",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, []int{200}, nil)
			if tc.setup != nil {
				tc.setup(env)
			}
			r := newTestRouter(newTestHandler(t, env))

			rec := serve(r, tc.method, tc.target, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			var resp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.Kind != tc.kind || resp.Error == "" {
				t.Errorf("unexpected error body: %+v", resp)
			}
		})
	}
}

func TestHandler_NavigatePage_bad_request(t *testing.T) {
	env := newTestEnv(t, []int{200}, nil)
	r := newTestRouter(newTestHandler(t, env))

	rec := serve(r, http.MethodPatch, "/session/page", []byte("not json"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RetryHarvest_requires_failed_harvest(t *testing.T) {
	env := newTestEnv(t, []int{200}, nil)
	h := newTestHandler(t, env)
	r := newTestRouter(h)
	env.toJoinable(t)
	if err := env.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if rec := serve(r, http.MethodPost, "/session/harvest/retry", nil); rec.Code != http.StatusConflict {
		t.Fatalf("retry from harvesting: expected 409, got %d", rec.Code)
	}
	if h.Controller() != env.ctrl {
		t.Error("a refused retry must keep the controller")
	}
	if rec := serve(r, http.MethodPost, "/session/harvest", nil); rec.Code != http.StatusOK {
		t.Fatalf("harvest: expected 200, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodPost, "/session/harvest/retry", nil); rec.Code != http.StatusConflict {
		t.Errorf("retry from recorded: expected 409, got %d", rec.Code)
	}
}

func TestHandler_RetryHarvest_while_harvest_in_flight(t *testing.T) {
	env := newTestEnv(t, []int{200}, nil)
	h := newTestHandler(t, env)
	r := newTestRouter(h)
	env.toJoinable(t)
	env.ctrl.Stop(context.Background())
	drain(env.gw.entered)

	env.gw.setErr(gateway.ActionHarvest, &failure.ActionUnreachable{Action: gateway.ActionHarvest, Err: errors.New("timeout")})
	release := env.gw.block(gateway.ActionHarvest)
	done := make(chan int, 1)
	go func() { done <- serve(r, http.MethodPost, "/session/harvest", nil).Code }()
	<-env.gw.entered

	rec := serve(r, http.MethodPost, "/session/harvest/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry during harvest: expected 409, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Kind != "conflicting_operation" {
		t.Errorf("unexpected error body: %+v, %v", resp, err)
	}
	release()
	if code := <-done; code != http.StatusServiceUnavailable {
		t.Errorf("first harvest: expected 503, got %d", code)
	}
	if n := env.gw.count(gateway.ActionHarvest); n != 1 {
		t.Errorf("harvest requested %d times while in flight", n)
	}
	if h.Controller() != env.ctrl {
		t.Error("controller must not be swapped during a harvest")
	}
}

func TestHandler_RetryHarvest_after_failure(t *testing.T) {
	env := newTestEnv(t, []int{200}, nil)
	h := newTestHandler(t, env)
	r := newTestRouter(h)
	env.toJoinable(t)
	env.ctrl.Stop(context.Background())

	env.gw.setErr(gateway.ActionHarvest, &failure.ActionRejected{Action: gateway.ActionHarvest, Status: 500})
	if rec := serve(r, http.MethodPost, "/session/harvest", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("harvest: expected 502, got %d", rec.Code)
	}
	if s := h.Controller().Snapshot(); s.State != StateErrored {
		t.Fatalf("expected errored, got %s", s.State)
	}

	env.gw.setErr(gateway.ActionHarvest, nil)
	if rec := serve(r, http.MethodPost, "/session/harvest/retry", nil); rec.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d", rec.Code)
	}
	resp := decodeSession(t, serve(r, http.MethodGet, "/session/", nil))
	if resp.State != StateRecorded || resp.RecordingURL != "/vod/abc.mp4" || resp.ManifestURL == "" {
		t.Errorf("unexpected session after retry: %+v", resp)
	}
}

func TestHandler_RetryHarvest_disabled(t *testing.T) {
	env := newTestEnv(t, []int{200}, nil)
	r := newTestRouter(NewHandler(env.ctrl, nil, nil))

	if rec := serve(r, http.MethodPost, "/session/harvest/retry", nil); rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&failure.ConflictingOperation{Operation: OpStop, InFlight: OpStart}, http.StatusConflict},
		{&failure.PollExhausted{URL: "/m.m3u8", Attempts: 3}, http.StatusGatewayTimeout},
		{ErrNoRecordingURL, http.StatusBadGateway},
		{ErrNoDelivery, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.status {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.status, got)
		}
	}
}
