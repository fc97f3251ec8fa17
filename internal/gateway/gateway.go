// Package gateway issues the state-changing live actions against the origin
// API. It performs exactly one HTTP call per action and never retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"livecast-client/internal/failure"
	"livecast-client/internal/platform/logger"
	"livecast-client/internal/platform/metrics"
)

// Action names, also used as metric labels and in failures.
const (
	ActionStart              = "start"
	ActionStop               = "stop"
	ActionHarvest            = "harvest"
	ActionPublishToVOD       = "publish_to_vod"
	ActionNavigateSharedPage = "navigate_shared_page"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
	maxBody        = 1 << 20
)

// ErrEmptySessionID is returned before any request when the id is blank.
var ErrEmptySessionID = errors.New("session id is required")

// TokenSource supplies the bearer token for each call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Resource is the session resource returned by every action.
type Resource struct {
	ID           string     `json:"id"`
	LiveState    string     `json:"live_state"`
	ManifestURL  string     `json:"manifest_url,omitempty"`
	RecordingURL string     `json:"recording_url,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	SharedPage   int        `json:"active_shared_live_media_page,omitempty"`
}

// Client is the HTTP implementation of the live action gateway.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewClient returns a Client for the API rooted at baseURL (e.g.
// "https://host/api"). httpClient and tokens may be nil.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, log *slog.Logger, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		log:     logger.WithComponent(log, "gateway"),
		metrics: m,
	}
}

// Start asks the origin to start producing the live.
func (c *Client) Start(ctx context.Context, sessionID string) (Resource, error) {
	return c.do(ctx, ActionStart, http.MethodPost, sessionID, "start-live", nil)
}

// Stop asks the origin to stop the live.
func (c *Client) Stop(ctx context.Context, sessionID string) (Resource, error) {
	return c.do(ctx, ActionStop, http.MethodPost, sessionID, "stop-live", nil)
}

// Harvest asks the origin to turn the stopped live into a recording.
func (c *Client) Harvest(ctx context.Context, sessionID string) (Resource, error) {
	return c.do(ctx, ActionHarvest, http.MethodPost, sessionID, "harvest-live", nil)
}

// PublishToVOD publishes the harvested recording as a regular video.
func (c *Client) PublishToVOD(ctx context.Context, sessionID string) (Resource, error) {
	return c.do(ctx, ActionPublishToVOD, http.MethodPost, sessionID, "live-to-vod", nil)
}

// NavigateSharedPage moves the shared document of the live to page.
func (c *Client) NavigateSharedPage(ctx context.Context, sessionID string, page int) (Resource, error) {
	return c.do(ctx, ActionNavigateSharedPage, http.MethodPatch, sessionID, "navigate-sharing",
		map[string]int{"target_page": page})
}

func (c *Client) actionURL(sessionID, suffix string) string {
	return fmt.Sprintf("%s/sessions/%s/%s/", c.baseURL, url.PathEscape(sessionID), suffix)
}

func (c *Client) do(ctx context.Context, action, method, sessionID, suffix string, payload any) (Resource, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Resource{}, ErrEmptySessionID
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Resource{}, fmt.Errorf("encode %s payload: %w", action, err)
		}
		body = bytes.NewReader(b)
	}

	target := c.actionURL(sessionID, suffix)
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Resource{}, fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return Resource{}, fmt.Errorf("%s token: %w", action, err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	log := c.log.With(slog.String("action", action), slog.String("session_id", sessionID))
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.IncAction(action, "unreachable")
		log.Warn("action unreachable", slog.String("error", err.Error()))
		return Resource{}, &failure.ActionUnreachable{Action: action, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.IncAction(action, "rejected")
		rejected := rejection(action, resp)
		log.Warn("action rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", rejected.Raw))
		return Resource{}, rejected
	}

	var res Resource
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&res); err != nil {
		c.metrics.IncAction(action, "invalid_body")
		return Resource{}, fmt.Errorf("decode %s response: %w", action, err)
	}
	c.metrics.IncAction(action, "ok")
	log.Debug("action applied",
		slog.String("live_state", res.LiveState),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return res, nil
}

func rejection(action string, resp *http.Response) *failure.ActionRejected {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	rejected := &failure.ActionRejected{
		Action: action,
		Status: resp.StatusCode,
		Raw:    strings.TrimSpace(string(raw)),
	}
	var parsed map[string]any
	if json.Unmarshal(raw, &parsed) == nil {
		rejected.Body = parsed
	}
	return rejected
}
