// Package swarm lets live viewers exchange segments with each other. The
// Supervisor owns one Membership per live session; segments come from the
// local cache, then from peers that announced them, then from the origin.
// A peer problem only ever costs an origin fetch.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"livecast-client/internal/failure"
	"livecast-client/internal/platform/logger"
	"livecast-client/internal/platform/metrics"
)

var (
	// ErrMembershipClosed is returned for requests outstanding when the
	// membership left the swarm.
	ErrMembershipClosed = errors.New("swarm membership closed")
	ErrEmptySessionID   = errors.New("session id is required")

	errNoHolder = errors.New("no peer holds segment")
)

// Health of a membership.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
)

// Network is the peer transport of one membership.
type Network interface {
	// Holders lists peers that announced segmentID.
	Holders(segmentID string) []string
	Fetch(ctx context.Context, peerID, segmentID string) ([]byte, error)
	// Announce tells connected peers that segmentID can be served.
	Announce(segmentID string)
	Peers() int
	Close() error
}

// LocalSegments is the data a membership can serve to peers. Keys reflects
// evictions, so it only lists segments Get can still return.
type LocalSegments interface {
	Get(segmentID string) ([]byte, bool)
	Keys() []string
}

// NetworkFactory opens the peer network of a membership.
type NetworkFactory interface {
	Open(ctx context.Context, sessionID string, local LocalSegments) (Network, error)
}

// Membership is a viewer's participation in the swarm of one live session.
type Membership struct {
	SessionID   string
	ManifestURL string

	ctx     context.Context
	cancel  context.CancelFunc
	network Network
	cache   *segmentCache

	mu        sync.Mutex
	active    bool
	health    Health
	fallbacks int
	inFlight  map[string]struct{}
}

// Active reports whether the membership is still in the swarm.
func (m *Membership) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Health reports the current delivery health.
func (m *Membership) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Peers returns the number of connected peers, 0 without a peer network.
func (m *Membership) Peers() int {
	network := m.peerNetwork()
	if network == nil {
		return 0
	}
	return network.Peers()
}

// P2P reports whether the membership has a peer network.
func (m *Membership) P2P() bool { return m.peerNetwork() != nil }

func (m *Membership) peerNetwork() Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network
}

func (m *Membership) begin(segmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ErrMembershipClosed
	}
	if _, busy := m.inFlight[segmentID]; busy {
		return &failure.ConflictingOperation{Operation: "request_segment " + segmentID}
	}
	m.inFlight[segmentID] = struct{}{}
	return nil
}

func (m *Membership) end(segmentID string) {
	m.mu.Lock()
	delete(m.inFlight, segmentID)
	m.mu.Unlock()
}

// Supervisor manages swarm memberships.
type Supervisor struct {
	cfg     Config
	network NetworkFactory
	origin  Origin
	log     *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	memberships map[string]*Membership
	onHealth    func(sessionID string, h Health)
}

// NewSupervisor returns a Supervisor. network may be nil when P2P is
// disabled; origin nil uses an HTTPOrigin.
func NewSupervisor(cfg Config, network NetworkFactory, origin Origin, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	if origin == nil {
		origin = NewHTTPOrigin(nil)
	}
	return &Supervisor{
		cfg:         cfg.withDefaults(),
		network:     network,
		origin:      origin,
		log:         logger.WithComponent(log, "swarm"),
		metrics:     m,
		memberships: make(map[string]*Membership),
	}
}

// OnHealthChange registers fn to be called when a membership changes health.
func (s *Supervisor) OnHealthChange(fn func(sessionID string, h Health)) {
	s.mu.Lock()
	s.onHealth = fn
	s.mu.Unlock()
}

// Join enters the swarm of sessionID. A second Join for an active session
// returns the existing membership. If the peer network cannot be opened the
// membership serves from origin only.
func (s *Supervisor) Join(ctx context.Context, sessionID, manifestURL string) (*Membership, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if m, ok := s.memberships[sessionID]; ok {
		s.mu.Unlock()
		return m, nil
	}
	mctx, cancel := context.WithCancel(context.Background())
	m := &Membership{
		SessionID:   sessionID,
		ManifestURL: manifestURL,
		ctx:         mctx,
		cancel:      cancel,
		cache:       newSegmentCache(s.cfg.CacheSize, s.cfg.CacheTTL),
		active:      true,
		health:      Healthy,
		inFlight:    make(map[string]struct{}),
	}
	s.memberships[sessionID] = m
	s.mu.Unlock()

	log := s.log.With(slog.String("session_id", sessionID))
	if !s.cfg.IsP2PEnabled || s.network == nil {
		log.Info("joined swarm", slog.Bool("p2p", false))
		return m, nil
	}

	network, err := s.network.Open(ctx, sessionID, m.cache)
	if err != nil {
		log.Warn("peer network unavailable, serving from origin", slog.String("error", err.Error()))
		return m, nil
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		network.Close()
		return nil, ErrMembershipClosed
	}
	m.network = network
	m.mu.Unlock()
	log.Info("joined swarm", slog.Bool("p2p", true))
	return m, nil
}

// Leave exits the swarm. Outstanding requests return ErrMembershipClosed.
func (s *Supervisor) Leave(m *Membership) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	network := m.network
	m.mu.Unlock()

	m.cancel()
	s.mu.Lock()
	if s.memberships[m.SessionID] == m {
		delete(s.memberships, m.SessionID)
	}
	s.mu.Unlock()
	m.cache.Purge()

	s.log.Info("left swarm", slog.String("session_id", m.SessionID))
	if network != nil {
		if err := network.Close(); err != nil {
			return fmt.Errorf("close peer network: %w", err)
		}
	}
	return nil
}

// RequestSegment delivers segmentID for m. A second request for a segment
// already in flight fails with *failure.ConflictingOperation.
func (s *Supervisor) RequestSegment(ctx context.Context, m *Membership, segmentID string) ([]byte, error) {
	if m == nil {
		return nil, ErrMembershipClosed
	}
	if err := m.begin(segmentID); err != nil {
		return nil, err
	}
	defer m.end(segmentID)

	if data, ok := m.cache.Get(segmentID); ok {
		s.metrics.IncSegment("cache")
		return data, nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	log := s.log.With(slog.String("session_id", m.SessionID), slog.String("segment", segmentID))

	network := m.peerNetwork()
	if network != nil {
		data, err := s.fromPeers(reqCtx, network, segmentID)
		if !m.Active() {
			return nil, ErrMembershipClosed
		}
		if err == nil {
			s.delivered(m, network, segmentID, data, "peer")
			s.recordPeerHit(m)
			return data, nil
		}
		reason := peerFailureReason(err)
		s.metrics.IncPeerFailure(reason)
		log.Debug("peer fetch failed, falling back to origin", slog.String("reason", reason), slog.String("error", err.Error()))
		s.recordFallback(m)
	}

	data, err := s.origin.Fetch(reqCtx, m.ManifestURL, segmentID)
	if !m.Active() {
		return nil, ErrMembershipClosed
	}
	if err != nil {
		return nil, err
	}
	s.delivered(m, network, segmentID, data, "origin")
	return data, nil
}

// FetchOrigin downloads a segment without any membership.
func (s *Supervisor) FetchOrigin(ctx context.Context, manifestURL, segmentID string) ([]byte, error) {
	data, err := s.origin.Fetch(ctx, manifestURL, segmentID)
	if err == nil {
		s.metrics.IncSegment("origin")
	}
	return data, err
}

// Stats returns active memberships, degraded memberships and connected peers.
func (s *Supervisor) Stats() (active, degraded, peers int) {
	s.mu.Lock()
	list := make([]*Membership, 0, len(s.memberships))
	for _, m := range s.memberships {
		list = append(list, m)
	}
	s.mu.Unlock()

	for _, m := range list {
		active++
		if m.Health() == Degraded {
			degraded++
		}
		peers += m.Peers()
	}
	return active, degraded, peers
}

// UpdateMetrics refreshes the swarm gauges; passed to the metrics handler.
func (s *Supervisor) UpdateMetrics() {
	s.metrics.SetSwarm(s.Stats())
}

func (s *Supervisor) fromPeers(ctx context.Context, network Network, segmentID string) ([]byte, error) {
	holders := network.Holders(segmentID)
	if len(holders) == 0 {
		return nil, errNoHolder
	}
	var lastErr error
	for _, peerID := range holders {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PeerTimeout)
		data, err := network.Fetch(pctx, peerID, segmentID)
		cancel()
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (s *Supervisor) delivered(m *Membership, network Network, segmentID string, data []byte, source string) {
	m.cache.Add(segmentID, data)
	if network != nil {
		network.Announce(segmentID)
	}
	s.metrics.IncSegment(source)
}

func (s *Supervisor) recordFallback(m *Membership) {
	m.mu.Lock()
	m.fallbacks++
	changed := m.fallbacks >= degradedAfter && m.health == Healthy
	if changed {
		m.health = Degraded
	}
	m.mu.Unlock()
	if changed {
		s.log.Warn("swarm degraded", slog.String("session_id", m.SessionID), slog.Int("fallbacks", degradedAfter))
		s.healthChanged(m.SessionID, Degraded)
	}
}

func (s *Supervisor) recordPeerHit(m *Membership) {
	m.mu.Lock()
	m.fallbacks = 0
	changed := m.health == Degraded
	m.health = Healthy
	m.mu.Unlock()
	if changed {
		s.log.Info("swarm recovered", slog.String("session_id", m.SessionID))
		s.healthChanged(m.SessionID, Healthy)
	}
}

func (s *Supervisor) healthChanged(sessionID string, h Health) {
	s.UpdateMetrics()
	s.mu.Lock()
	fn := s.onHealth
	s.mu.Unlock()
	if fn != nil {
		fn(sessionID, h)
	}
}

func peerFailureReason(err error) string {
	switch {
	case errors.Is(err, errNoHolder), errors.Is(err, errPeerAbsent):
		return "miss"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrCorruptSegment):
		return "corrupt"
	case errors.Is(err, errPeerGone):
		return "disconnected"
	default:
		return "error"
	}
}
