package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"livecast-client/internal/failure"
	"livecast-client/internal/gateway"
	"livecast-client/internal/platform/logger"
	"livecast-client/internal/platform/metrics"
	"livecast-client/internal/readiness"
	"livecast-client/internal/swarm"
)

// Operation names, reported in failures.
const (
	OpStart    = "start"
	OpPlaying  = "confirm_playback"
	OpStop     = "stop"
	OpHarvest  = "harvest"
	OpPublish  = "publish_to_vod"
	OpNavigate = "navigate_shared_page"
	OpManifest = "manifest_ready"
	OpSegment  = "segment"
	OpRestore  = "restore"
	opPoll     = "manifest_poll"
)

var (
	// ErrNoManifestURL is returned when a start succeeded without a manifest.
	ErrNoManifestURL = errors.New("start response carries no manifest url")
	// ErrNoRecordingURL is returned when a harvest succeeded without a recording.
	ErrNoRecordingURL = errors.New("harvest response carries no recording url")
	// ErrStaleRun is returned for readiness results of a superseded poll run.
	ErrStaleRun    = errors.New("stale readiness run")
	ErrInvalidPage = errors.New("page must be >= 1")
	// ErrNoDelivery is returned by Segment when no swarm is configured.
	ErrNoDelivery = errors.New("segment delivery not configured")
)

// Gateway performs the origin API actions.
type Gateway interface {
	Start(ctx context.Context, sessionID string) (gateway.Resource, error)
	Stop(ctx context.Context, sessionID string) (gateway.Resource, error)
	Harvest(ctx context.Context, sessionID string) (gateway.Resource, error)
	PublishToVOD(ctx context.Context, sessionID string) (gateway.Resource, error)
	NavigateSharedPage(ctx context.Context, sessionID string, page int) (gateway.Resource, error)
}

// Poller probes the manifest until it is fetchable.
type Poller interface {
	Poll(ctx context.Context, manifestURL string, opts readiness.Options) *readiness.Run
}

// Swarm delivers segments, peer assisted when possible.
type Swarm interface {
	Join(ctx context.Context, sessionID, manifestURL string) (*swarm.Membership, error)
	Leave(m *swarm.Membership) error
	RequestSegment(ctx context.Context, m *swarm.Membership, segmentID string) ([]byte, error)
	FetchOrigin(ctx context.Context, manifestURL, segmentID string) ([]byte, error)
}

// Options configures a Controller. Every field is optional.
type Options struct {
	// OriginURL resolves relative manifest and recording URLs.
	OriginURL string
	Poll      readiness.Options
	// AutoHarvest makes a successful Stop request the harvest right away.
	AutoHarvest bool
	// OnChange receives a snapshot after every change, outside the lock.
	OnChange func(Session)
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

// Controller is the live session state machine. It runs at most one
// operation at a time; network calls happen without holding the lock.
type Controller struct {
	gw      Gateway
	poller  Poller
	swarm   Swarm
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	session    Session
	busy       string
	run        *readiness.Run
	membership *swarm.Membership
	joinGen    uint64
	closed     bool
}

// NewController returns a Controller for sessionID in Idle. sw may be nil
// when segments are not delivered through this process.
func NewController(sessionID string, gw Gateway, poller Poller, sw Swarm, opts Options) *Controller {
	return newController(Session{ID: sessionID, State: StateIdle}, gw, poller, sw, opts)
}

func newController(s Session, gw Gateway, poller Poller, sw Swarm, opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		gw:      gw,
		poller:  poller,
		swarm:   sw,
		opts:    opts,
		log:     logger.WithComponent(opts.Log, "lifecycle").With(slog.String("session_id", s.ID)),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		session: s,
	}
}

// Restore builds a Controller that can retry a harvest: from a Harvesting
// snapshot, or from an Errored one whose failed operation was the harvest.
func Restore(s Session, gw Gateway, poller Poller, sw Swarm, opts Options) (*Controller, error) {
	switch {
	case s.State == StateHarvesting:
	case s.State == StateErrored && s.FailedOperation == OpHarvest:
		s.State = StateHarvesting
		s.Failure, s.FailureKind, s.FailedOperation, s.Err = "", "", "", nil
	default:
		return nil, &failure.InvalidTransition{Operation: OpRestore, From: string(s.State)}
	}
	if s.ManifestURL == "" {
		return nil, ErrNoManifestURL
	}
	s.RecordingURL = ""
	return newController(s, gw, poller, sw, opts), nil
}

// Snapshot returns a copy of the session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// PlayableURL is the URL the player should load: the manifest while the
// live is joinable or running, the recording once harvested, "" otherwise.
func (c *Controller) PlayableURL() string {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	var raw string
	switch s.State {
	case StateJoinable, StateRunning:
		raw = s.ManifestURL
	case StateRecorded:
		raw = s.RecordingURL
	default:
		return ""
	}
	resolved, err := c.resolve(raw)
	if err != nil {
		return raw
	}
	return resolved
}

// Start asks the origin to start the live and begins polling its manifest.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.begin(OpStart, StateIdle); err != nil {
		return err
	}
	defer c.end()

	res, err := c.gw.Start(ctx, c.session.ID)
	if err == nil && res.ManifestURL == "" {
		err = ErrNoManifestURL
	}
	var target string
	if err == nil {
		target, err = c.resolve(res.ManifestURL)
	}
	if err != nil {
		c.fail(OpStart, err)
		return err
	}

	c.transition(StateStarting, func(s *Session) {
		s.ManifestURL = res.ManifestURL
		s.StartedAt = timeOrNow(res.StartedAt)
	})
	c.startPoll(target)
	return nil
}

func (c *Controller) startPoll(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.session.State != StateStarting {
		return
	}
	run := c.poller.Poll(c.ctx, target, c.opts.Poll)
	c.run = run
	go c.awaitManifest(run)
}

func (c *Controller) awaitManifest(run *readiness.Run) {
	<-run.Done()
	err := run.Err()
	switch {
	case errors.Is(err, readiness.ErrCancelled):
		return
	case err != nil:
		c.pollFailed(run.Token(), err)
	default:
		if err := c.OnManifestReady(run.Token()); err != nil && !errors.Is(err, ErrStaleRun) {
			c.log.Debug("manifest ready ignored", slog.String("error", err.Error()))
		}
	}
}

// OnManifestReady moves Starting to Joinable when token is the current poll
// run, then joins the swarm in the background.
func (c *Controller) OnManifestReady(token uint64) error {
	c.mu.Lock()
	if c.closed || c.session.State != StateStarting {
		from := c.session.State
		c.mu.Unlock()
		return &failure.InvalidTransition{Operation: OpManifest, From: string(from)}
	}
	if c.run == nil || c.run.Token() != token {
		c.mu.Unlock()
		return ErrStaleRun
	}
	c.run = nil
	snap, _ := c.transitionLocked(StateJoinable, nil)
	c.joinGen++
	gen := c.joinGen
	c.mu.Unlock()

	c.notify(snap)
	if c.swarm != nil {
		go c.joinSwarm(gen, snap)
	}
	return nil
}

func (c *Controller) pollFailed(token uint64, err error) {
	c.mu.Lock()
	if c.closed || c.session.State != StateStarting || c.run == nil || c.run.Token() != token {
		c.mu.Unlock()
		return
	}
	c.run = nil
	snap, _ := c.failLocked(opPoll, err)
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) joinSwarm(gen uint64, s Session) {
	target, err := c.resolve(s.ManifestURL)
	if err != nil {
		return
	}
	m, err := c.swarm.Join(c.ctx, s.ID, target)
	if err != nil {
		c.log.Warn("swarm join failed, segments come from origin", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	current := !c.closed && gen == c.joinGen &&
		(c.session.State == StateJoinable || c.session.State == StateRunning)
	if current {
		c.membership = m
	}
	c.mu.Unlock()
	if !current {
		c.swarm.Leave(m)
	}
}

// ConfirmPlayback records that the player began playing the live.
func (c *Controller) ConfirmPlayback() error {
	if err := c.begin(OpPlaying, StateJoinable); err != nil {
		return err
	}
	defer c.end()
	c.transition(StateRunning, nil)
	return nil
}

// Stop cancels readiness polling, leaves the swarm and asks the origin to
// stop the live. With AutoHarvest the harvest follows in the same call.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.begin(OpStop, StateJoinable, StateRunning); err != nil {
		return err
	}
	defer c.end()

	c.releaseResources()

	res, err := c.gw.Stop(ctx, c.session.ID)
	if err != nil {
		c.fail(OpStop, err)
		return err
	}
	c.transition(StateStopping, func(s *Session) {
		s.StoppedAt = timeOrNow(res.StoppedAt)
	})
	c.transition(StateHarvesting, nil)

	if c.opts.AutoHarvest {
		return c.harvest(ctx)
	}
	return nil
}

// HarvestToRecording turns the stopped live into a recording.
func (c *Controller) HarvestToRecording(ctx context.Context) error {
	if err := c.begin(OpHarvest, StateHarvesting); err != nil {
		return err
	}
	defer c.end()
	return c.harvest(ctx)
}

func (c *Controller) harvest(ctx context.Context) error {
	res, err := c.gw.Harvest(ctx, c.session.ID)
	if err == nil && res.RecordingURL == "" {
		err = ErrNoRecordingURL
	}
	if err != nil {
		c.fail(OpHarvest, err)
		return err
	}
	c.transition(StateRecorded, func(s *Session) {
		s.RecordingURL = res.RecordingURL
	})
	return nil
}

// PublishLiveToVOD publishes the recording. Once acknowledged, further calls
// return nil without a request.
func (c *Controller) PublishLiveToVOD(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed && c.busy == "" && c.session.State == StateRecorded && c.session.PublishedToVOD {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.begin(OpPublish, StateRecorded); err != nil {
		return err
	}
	defer c.end()

	if _, err := c.gw.PublishToVOD(ctx, c.session.ID); err != nil {
		c.log.Warn("publish to vod failed", slog.String("error", err.Error()))
		return err
	}
	c.update(func(s *Session) { s.PublishedToVOD = true })
	c.log.Info("recording published")
	return nil
}

// NavigateSharedPage moves the shared document to page. A failure leaves
// the session state untouched.
func (c *Controller) NavigateSharedPage(ctx context.Context, page int) error {
	if page < 1 {
		return ErrInvalidPage
	}
	if err := c.begin(OpNavigate, StateJoinable, StateRunning); err != nil {
		return err
	}
	defer c.end()

	res, err := c.gw.NavigateSharedPage(ctx, c.session.ID, page)
	if err != nil {
		c.log.Warn("navigate shared page failed", slog.Int("page", page), slog.String("error", err.Error()))
		return err
	}
	if res.SharedPage > 0 {
		page = res.SharedPage
	}
	c.update(func(s *Session) { s.SharedPage = page })
	return nil
}

// Segment delivers a media segment of the live through the swarm, or from
// the origin while no membership exists.
func (c *Controller) Segment(ctx context.Context, segmentID string) ([]byte, error) {
	c.mu.Lock()
	s := c.session
	m := c.membership
	closed := c.closed
	c.mu.Unlock()

	if closed || (s.State != StateJoinable && s.State != StateRunning) {
		return nil, &failure.InvalidTransition{Operation: OpSegment, From: string(s.State)}
	}
	if c.swarm == nil {
		return nil, ErrNoDelivery
	}
	if m != nil {
		return c.swarm.RequestSegment(ctx, m, segmentID)
	}
	target, err := c.resolve(s.ManifestURL)
	if err != nil {
		return nil, err
	}
	return c.swarm.FetchOrigin(ctx, target, segmentID)
}

// Close releases the poll run and the swarm membership. Every later
// operation fails with InvalidTransition.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.releaseResources()
	c.cancel()
	c.log.Debug("controller closed")
}

// Retire closes c so a restored controller can retry its failed harvest.
// It returns the snapshot to restore from. It fails with
// *failure.ConflictingOperation while an operation is in flight and with
// *failure.InvalidTransition unless the last harvest failed.
func (c *Controller) Retire() (Session, error) {
	c.mu.Lock()
	if c.busy != "" {
		busy := c.busy
		c.mu.Unlock()
		return Session{}, &failure.ConflictingOperation{Operation: OpRestore, InFlight: busy}
	}
	s := c.session
	if c.closed || s.State != StateErrored || s.FailedOperation != OpHarvest {
		c.mu.Unlock()
		return Session{}, &failure.InvalidTransition{Operation: OpRestore, From: string(s.State)}
	}
	c.closed = true
	c.mu.Unlock()

	c.releaseResources()
	c.cancel()
	c.log.Debug("controller retired for harvest retry")
	return s, nil
}

func (c *Controller) releaseResources() {
	c.mu.Lock()
	run := c.run
	c.run = nil
	m := c.membership
	c.membership = nil
	c.joinGen++
	c.mu.Unlock()

	if run != nil {
		run.Cancel()
	}
	if m != nil && c.swarm != nil {
		if err := c.swarm.Leave(m); err != nil {
			c.log.Warn("leave swarm failed", slog.String("error", err.Error()))
		}
	}
}

// begin claims the controller for op if the state allows it.
func (c *Controller) begin(op string, allowed ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy != "" {
		return &failure.ConflictingOperation{Operation: op, InFlight: c.busy}
	}
	if c.closed || !slices.Contains(allowed, c.session.State) {
		return &failure.InvalidTransition{Operation: op, From: string(c.session.State)}
	}
	c.busy = op
	return nil
}

func (c *Controller) end() {
	c.mu.Lock()
	c.busy = ""
	c.mu.Unlock()
}

func (c *Controller) transition(to State, mutate func(*Session)) {
	c.mu.Lock()
	snap, ok := c.transitionLocked(to, mutate)
	c.mu.Unlock()
	if ok {
		c.notify(snap)
	}
}

func (c *Controller) transitionLocked(to State, mutate func(*Session)) (Session, bool) {
	from := c.session.State
	if !CanTransition(from, to) {
		c.log.Error("illegal transition skipped", slog.String("from", string(from)), slog.String("to", string(to)))
		return c.session, false
	}
	if mutate != nil {
		mutate(&c.session)
	}
	c.session.State = to
	c.metrics.ObserveTransition(string(from), string(to))
	c.log.Info("session transition", slog.String("from", string(from)), slog.String("to", string(to)))
	return c.session, true
}

func (c *Controller) update(mutate func(*Session)) {
	c.mu.Lock()
	mutate(&c.session)
	snap := c.session
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) fail(op string, err error) {
	c.mu.Lock()
	snap, ok := c.failLocked(op, err)
	c.mu.Unlock()
	if ok {
		c.notify(snap)
	}
}

func (c *Controller) failLocked(op string, err error) (Session, bool) {
	c.log.Warn("operation failed",
		slog.String("operation", op),
		slog.String("kind", failure.KindOf(err).String()),
		slog.String("error", err.Error()))
	return c.transitionLocked(StateErrored, func(s *Session) {
		s.Err = err
		s.Failure = err.Error()
		s.FailureKind = failure.KindOf(err).String()
		s.FailedOperation = op
	})
}

func (c *Controller) notify(s Session) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(s)
	}
}

// resolve makes raw absolute against OriginURL.
func (c *Controller) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", readiness.ErrInvalidURL, err)
	}
	if ref.IsAbs() || c.opts.OriginURL == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(c.opts.OriginURL)
	if err != nil {
		return "", fmt.Errorf("parse origin url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func timeOrNow(t *time.Time) *time.Time {
	if t != nil {
		return t
	}
	now := time.Now().UTC()
	return &now
}
