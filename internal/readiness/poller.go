package readiness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"livecast-client/internal/failure"
	"livecast-client/internal/platform/logger"
	"livecast-client/internal/platform/metrics"
)

const (
	// DefaultInitialDelay is the base of the linear backoff.
	DefaultInitialDelay = 2 * time.Second
	// DefaultAttemptTimeout bounds a single probe; a timed out probe counts as not ready.
	DefaultAttemptTimeout = 10 * time.Second

	maxManifestBytes = 1 << 20
)

var (
	// ErrCancelled is the result of a run cancelled by its owner.
	ErrCancelled = errors.New("readiness poll cancelled")
	// ErrInvalidURL is returned for manifest URLs that cannot be probed.
	ErrInvalidURL = errors.New("invalid manifest url")
	// ErrUnexpectedStatus wraps any status other than 2xx or 404.
	ErrUnexpectedStatus = errors.New("unexpected manifest status")

	errNotReady = errors.New("manifest not ready")
)

// Options tunes one poll run.
type Options struct {
	InitialDelay time.Duration
	// MaxAttempts bounds the run; 0 keeps probing until cancelled.
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	return o
}

type outcome string

const (
	outcomePending  outcome = "pending"
	outcomeReady    outcome = "ready"
	outcomeNotReady outcome = "not_ready"
	outcomeFatal    outcome = "fatal"
)

// attempt is one probe of a run. It never leaves the poller.
type attempt struct {
	Number  int
	Delay   time.Duration
	Outcome outcome
}

// Poller probes live manifests until they can be fetched.
type Poller struct {
	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics

	after  func(time.Duration) <-chan time.Time
	tokens atomic.Uint64
}

// NewPoller returns a Poller. client may be nil to use a default client;
// m may be nil to disable metrics.
func NewPoller(client *http.Client, log *slog.Logger, m *metrics.Metrics) *Poller {
	if client == nil {
		client = &http.Client{}
	}
	return &Poller{
		client:  client,
		log:     logger.WithComponent(log, "readiness"),
		metrics: m,
		after:   time.After,
	}
}

// Run is the handle of one poll. Its token increases monotonically per
// Poller so owners can tell a stale run from the current one.
type Run struct {
	token  uint64
	url    string
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	err      error
	attempts int
	playlist *Playlist
}

// Token identifies the run.
func (r *Run) Token() uint64 { return r.token }

// URL is the probed manifest URL.
func (r *Run) URL() string { return r.url }

// Cancel stops the run. A pending retry timer is abandoned and no further
// request is issued; a response in flight is discarded.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err is nil once the manifest was fetched, ErrCancelled after Cancel, a
// *failure.PollExhausted for a bounded run, or the fatal probe error.
// It is only meaningful after Done is closed.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Attempts returns the number of requests issued so far.
func (r *Run) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Playlist is the manifest parsed on success, nil if the body was not a
// parseable playlist.
func (r *Run) Playlist() *Playlist {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playlist
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll starts probing manifestURL in the background. Attempt 1 is issued
// immediately; after not-ready attempt n the next one waits InitialDelay*n.
func (p *Poller) Poll(ctx context.Context, manifestURL string, opts Options) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		token:  p.tokens.Add(1),
		url:    manifestURL,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.loop(runCtx, r, opts.withDefaults())
	return r
}

func (p *Poller) loop(ctx context.Context, r *Run, opts Options) {
	defer close(r.done)
	defer r.cancel()

	target, err := parseManifestURL(r.url)
	if err != nil {
		p.finish(r, nil, err)
		return
	}

	log := p.log.With(slog.String("manifest_url", r.url), slog.Uint64("run", r.token))
	for n := 1; ; n++ {
		a := attempt{Number: n, Outcome: outcomePending}
		if n > 1 {
			a.Delay = opts.InitialDelay * time.Duration(n-1)
			select {
			case <-ctx.Done():
				p.finish(r, nil, ErrCancelled)
				return
			case <-p.after(a.Delay):
			}
		}
		if ctx.Err() != nil {
			p.finish(r, nil, ErrCancelled)
			return
		}

		r.mu.Lock()
		r.attempts = n
		r.mu.Unlock()

		pl, err := p.probe(ctx, target, opts.AttemptTimeout)
		if ctx.Err() != nil {
			p.finish(r, nil, ErrCancelled)
			return
		}

		switch {
		case err == nil:
			a.Outcome = outcomeReady
		case errors.Is(err, errNotReady):
			a.Outcome = outcomeNotReady
		default:
			a.Outcome = outcomeFatal
		}
		p.metrics.IncPollAttempt(string(a.Outcome))
		log.Debug("manifest probe",
			slog.Int("attempt", a.Number),
			slog.Duration("delay", a.Delay),
			slog.String("outcome", string(a.Outcome)))

		switch a.Outcome {
		case outcomeReady:
			log.Info("manifest ready", slog.Int("attempts", n))
			p.finish(r, pl, nil)
			return
		case outcomeFatal:
			log.Warn("manifest probe failed", slog.String("error", err.Error()))
			p.finish(r, nil, err)
			return
		}
		if opts.MaxAttempts > 0 && n >= opts.MaxAttempts {
			p.finish(r, nil, &failure.PollExhausted{URL: r.url, Attempts: n})
			return
		}
	}
}

func (p *Poller) finish(r *Run, pl *Playlist, err error) {
	r.mu.Lock()
	r.playlist = pl
	r.err = err
	r.mu.Unlock()
}

// probe issues one GET. It returns errNotReady for 404 and timeouts.
func (p *Poller) probe(ctx context.Context, target string, timeout time.Duration) (*Playlist, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return nil, errNotReady
		}
		return nil, fmt.Errorf("probe manifest: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxManifestBytes))
		return nil, errNotReady
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return nil, errNotReady
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	pl, err := ParsePlaylist(bytes.NewReader(body))
	if err != nil {
		p.log.Debug("manifest body is not a playlist", slog.String("error", err.Error()))
		return nil, nil
	}
	return pl, nil
}

func parseManifestURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u.String(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
