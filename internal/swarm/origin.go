package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const maxSegmentBytes = 32 << 20

// ErrSegmentTooLarge is returned for segments above the size limit.
var ErrSegmentTooLarge = errors.New("segment exceeds size limit")

// Origin serves segments over plain HTTP.
type Origin interface {
	Fetch(ctx context.Context, manifestURL, segmentID string) ([]byte, error)
}

// HTTPOrigin fetches segments relative to the manifest URL.
type HTTPOrigin struct {
	client *http.Client
}

// NewHTTPOrigin returns an HTTPOrigin. client may be nil.
func NewHTTPOrigin(client *http.Client) *HTTPOrigin {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPOrigin{client: client}
}

// Fetch downloads segmentID, which may be absolute or relative to manifestURL.
func (o *HTTPOrigin) Fetch(ctx context.Context, manifestURL, segmentID string) ([]byte, error) {
	target, err := resolveSegment(manifestURL, segmentID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build segment request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch segment %s: %w", segmentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch segment %s: status %d", segmentID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read segment %s: %w", segmentID, err)
	}
	if len(data) > maxSegmentBytes {
		return nil, ErrSegmentTooLarge
	}
	return data, nil
}

func resolveSegment(manifestURL, segmentID string) (string, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return "", fmt.Errorf("parse manifest url: %w", err)
	}
	ref, err := url.Parse(segmentID)
	if err != nil {
		return "", fmt.Errorf("parse segment id %q: %w", segmentID, err)
	}
	return base.ResolveReference(ref).String(), nil
}
