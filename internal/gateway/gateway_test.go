package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"livecast-client/internal/failure"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

func newTestServer(t *testing.T, status int, respBody string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		reqs = append(reqs, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(b),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestClient_actions_paths_and_methods(t *testing.T) {
	cases := []struct {
		name   string
		call   func(c *Client) (Resource, error)
		method string
		path   string
		body   string
	}{
		{"start", func(c *Client) (Resource, error) { return c.Start(context.Background(), "abc") }, http.MethodPost, "/api/sessions/abc/start-live/", ""},
		{"stop", func(c *Client) (Resource, error) { return c.Stop(context.Background(), "abc") }, http.MethodPost, "/api/sessions/abc/stop-live/", ""},
		{"harvest", func(c *Client) (Resource, error) { return c.Harvest(context.Background(), "abc") }, http.MethodPost, "/api/sessions/abc/harvest-live/", ""},
		{"publish", func(c *Client) (Resource, error) { return c.PublishToVOD(context.Background(), "abc") }, http.MethodPost, "/api/sessions/abc/live-to-vod/", ""},
		{"navigate", func(c *Client) (Resource, error) { return c.NavigateSharedPage(context.Background(), "abc", 3) }, http.MethodPatch, "/api/sessions/abc/navigate-sharing/", `{"target_page":3}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, reqs := newTestServer(t, http.StatusOK, `{"id":"abc","live_state":"running","manifest_url":"/live/abc/out.m3u8"}`)
			c := NewClient(srv.URL+"/api/", nil, StaticToken("jwt"), nil, nil)

			res, err := tc.call(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.ID != "abc" || res.ManifestURL != "/live/abc/out.m3u8" {
				t.Errorf("unexpected resource: %+v", res)
			}
			if len(*reqs) != 1 {
				t.Fatalf("expected exactly one request, got %d", len(*reqs))
			}
			got := (*reqs)[0]
			if got.Method != tc.method || got.Path != tc.path {
				t.Errorf("got %s %s, want %s %s", got.Method, got.Path, tc.method, tc.path)
			}
			if got.Auth != "Bearer jwt" {
				t.Errorf("expected bearer token, got %q", got.Auth)
			}
			if got.Body != tc.body {
				t.Errorf("body: got %q want %q", got.Body, tc.body)
			}
		})
	}
}

func TestClient_rejected_carries_status_and_body(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusBadRequest, `{"detail":"live is not running"}`)
	c := NewClient(srv.URL, nil, nil, nil, nil)

	_, err := c.Stop(context.Background(), "abc")
	var rejected *failure.ActionRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected ActionRejected, got %v", err)
	}
	if rejected.Status != http.StatusBadRequest || rejected.Action != ActionStop {
		t.Errorf("unexpected rejection: %+v", rejected)
	}
	if rejected.Body["detail"] != "live is not running" {
		t.Errorf("expected parsed body, got %v", rejected.Body)
	}
	if (*reqs)[0].Auth != "" {
		t.Error("no token source: expected no Authorization header")
	}
}

func TestClient_rejected_non_json_body(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadGateway, "upstream down")
	c := NewClient(srv.URL, nil, nil, nil, nil)

	_, err := c.Harvest(context.Background(), "abc")
	var rejected *failure.ActionRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected ActionRejected, got %v", err)
	}
	if rejected.Body != nil || rejected.Raw != "upstream down" {
		t.Errorf("unexpected rejection: %+v", rejected)
	}
}

func TestClient_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient(base, nil, nil, nil, nil)
	_, err := c.Start(context.Background(), "abc")
	if failure.KindOf(err) != failure.KindActionUnreachable {
		t.Fatalf("expected ActionUnreachable, got %v", err)
	}
	if !failure.Retryable(err) {
		t.Error("unreachable should be retryable")
	}
}

func TestClient_no_retry_on_failure(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusServiceUnavailable, `{}`)
	c := NewClient(srv.URL, nil, nil, nil, nil)
	c.Start(context.Background(), "abc")
	if len(*reqs) != 1 {
		t.Errorf("gateway must not retry, got %d requests", len(*reqs))
	}
}

func TestClient_invalid_success_body(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `not json`)
	c := NewClient(srv.URL, nil, nil, nil, nil)
	_, err := c.Start(context.Background(), "abc")
	if err == nil || failure.KindOf(err) != failure.KindUnknown {
		t.Errorf("expected plain decode error, got %v", err)
	}
}

func TestClient_empty_session_id(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusOK, `{}`)
	c := NewClient(srv.URL, nil, nil, nil, nil)
	if _, err := c.Start(context.Background(), " "); !errors.Is(err, ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}
	if len(*reqs) != 0 {
		t.Error("no request expected")
	}
}

func TestClient_escapes_session_id(t *testing.T) {
	c := NewClient("http://origin/api", nil, nil, nil, nil)
	if got := c.actionURL("a/b", "stop-live"); got != "http://origin/api/sessions/a%2Fb/stop-live/" {
		t.Errorf("unexpected url: %s", got)
	}
}

type failingTokens struct{}

func (failingTokens) Token(context.Context) (string, error) { return "", errors.New("expired") }

func TestClient_token_error(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusOK, `{}`)
	c := NewClient(srv.URL, nil, failingTokens{}, nil, nil)
	if _, err := c.Start(context.Background(), "abc"); err == nil {
		t.Error("expected token error")
	}
	if len(*reqs) != 0 {
		t.Error("no request expected without a token")
	}
}

func TestResource_decodes_timestamps(t *testing.T) {
	var r Resource
	body := `{"id":"abc","live_state":"harvested","recording_url":"/vod/abc.mp4","started_at":"2024-03-01T10:00:00Z","stopped_at":"2024-03-01T11:00:00Z"}`
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatal(err)
	}
	if r.StartedAt == nil || r.StoppedAt == nil || !r.StoppedAt.After(*r.StartedAt) {
		t.Errorf("unexpected timestamps: %+v", r)
	}
	if r.RecordingURL != "/vod/abc.mp4" {
		t.Errorf("unexpected recording url: %q", r.RecordingURL)
	}
}
