package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"livecast-client/internal/platform/logger"
	"livecast-client/internal/platform/metrics"
)

const (
	dataChannelLabel = "segments"
	gatherTimeout    = 5 * time.Second
	announceInterval = 2 * time.Minute
)

var (
	errPeerAbsent = errors.New("peer does not have segment")
	errPeerGone   = errors.New("peer disconnected")
)

// channel is the subset of *webrtc.DataChannel the exchange needs.
type channel interface {
	SendText(s string) error
	Send(data []byte) error
	Close() error
}

type fetchResult struct {
	data []byte
	err  error
}

type remotePeer struct {
	id string
	pc *webrtc.PeerConnection

	mu         sync.Mutex
	ch         channel
	open       bool
	has        map[string]bool
	pending    map[string]chan fetchResult
	assembling map[string]*assembly
}

func newRemotePeer(id string, pc *webrtc.PeerConnection) *remotePeer {
	return &remotePeer{
		id:         id,
		pc:         pc,
		has:        make(map[string]bool),
		pending:    make(map[string]chan fetchResult),
		assembling: make(map[string]*assembly),
	}
}

func (p *remotePeer) sendControl(c control) error {
	b, err := encodeControl(c)
	if err != nil {
		return err
	}
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return errPeerGone
	}
	return ch.SendText(string(b))
}

func (p *remotePeer) resolve(segmentID string, res fetchResult) {
	p.mu.Lock()
	waiter, ok := p.pending[segmentID]
	delete(p.pending, segmentID)
	delete(p.assembling, segmentID)
	p.mu.Unlock()
	if ok {
		waiter <- res
	}
}

// fail resolves every pending fetch with err.
func (p *remotePeer) fail(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan fetchResult)
	p.assembling = make(map[string]*assembly)
	p.open = false
	p.mu.Unlock()
	for _, waiter := range pending {
		waiter <- fetchResult{err: err}
	}
}

type pendingOffer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

// RTCNetwork exchanges segments with other viewers of the same live over
// WebRTC data channels, discovered through WebTorrent trackers.
type RTCNetwork struct {
	cfg       Config
	sessionID string
	infoHash  string
	peerID    string
	segments  LocalSegments
	log       *slog.Logger
	metrics   *metrics.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	trackers []*tracker
	wg       sync.WaitGroup

	mu     sync.RWMutex
	peers  map[string]*remotePeer
	offers map[string]pendingOffer
	closed bool
}

func newRTCNetwork(cfg Config, sessionID string, segments LocalSegments, log *slog.Logger, m *metrics.Metrics) *RTCNetwork {
	if log == nil {
		log = logger.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RTCNetwork{
		cfg:       cfg.withDefaults(),
		sessionID: sessionID,
		infoHash:  infoHash(sessionID),
		peerID:    newPeerID(),
		segments:  segments,
		log:       log.With(slog.String("session_id", sessionID)),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[string]*remotePeer),
		offers:    make(map[string]pendingOffer),
	}
}

// RTCFactory opens RTCNetworks.
type RTCFactory struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRTCFactory returns the NetworkFactory for cfg.
func NewRTCFactory(cfg Config, log *slog.Logger, m *metrics.Metrics) *RTCFactory {
	return &RTCFactory{cfg: cfg.withDefaults(), log: logger.WithComponent(log, "swarm.rtc"), metrics: m}
}

// Open connects to the trackers and announces the session with fresh offers.
func (f *RTCFactory) Open(ctx context.Context, sessionID string, local LocalSegments) (Network, error) {
	n := newRTCNetwork(f.cfg, sessionID, local, f.log, f.metrics)
	trackers, err := dialTrackers(ctx, f.cfg.TrackerURLs, n.log)
	if err != nil {
		n.cancel()
		return nil, err
	}
	n.trackers = trackers
	for _, t := range trackers {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			t.readLoop(n.ctx, n.handleTracker)
		}()
	}
	if err := n.announce("started"); err != nil {
		n.Close()
		return nil, err
	}
	n.wg.Add(1)
	go n.reannounce()
	return n, nil
}

func (n *RTCNetwork) iceConfig() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(n.cfg.STUNServerURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: n.cfg.STUNServerURLs})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func (n *RTCNetwork) announce(event string) error {
	offers := make([]trackerOffer, 0, n.cfg.OfferCount)
	for i := 0; i < n.cfg.OfferCount; i++ {
		o, err := n.createOffer()
		if err != nil {
			n.log.Warn("create offer failed", slog.String("error", err.Error()))
			continue
		}
		offers = append(offers, o)
	}
	msg := trackerMessage{
		Action:   "announce",
		InfoHash: n.infoHash,
		PeerID:   n.peerID,
		NumWant:  len(offers),
		Event:    event,
		Offers:   offers,
	}
	var sent int
	for _, t := range n.trackers {
		if err := t.send(msg); err != nil {
			t.log.Warn("announce failed", slog.String("error", err.Error()))
			continue
		}
		sent++
	}
	if sent == 0 && len(n.trackers) > 0 {
		return errors.New("announce failed on every tracker")
	}
	return nil
}

func (n *RTCNetwork) reannounce() {
	defer n.wg.Done()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.dropStaleOffers()
			if err := n.announce(""); err != nil {
				n.log.Warn("reannounce failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (n *RTCNetwork) createOffer() (trackerOffer, error) {
	pc, err := webrtc.NewPeerConnection(n.iceConfig())
	if err != nil {
		return trackerOffer{}, fmt.Errorf("new peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return trackerOffer{}, fmt.Errorf("create data channel: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return trackerOffer{}, fmt.Errorf("create offer: %w", err)
	}
	local, err := n.setLocal(pc, offer)
	if err != nil {
		pc.Close()
		return trackerOffer{}, err
	}

	id := newOfferID()
	n.mu.Lock()
	n.offers[id] = pendingOffer{pc: pc, dc: dc}
	n.mu.Unlock()
	return trackerOffer{OfferID: id, Offer: local}, nil
}

// setLocal applies desc and waits for ICE gathering so the SDP carries
// every candidate; trackers do not relay trickled candidates.
func (n *RTCNetwork) setLocal(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
	case <-n.ctx.Done():
		return webrtc.SessionDescription{}, n.ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("empty local description")
	}
	return *local, nil
}

func (n *RTCNetwork) dropStaleOffers() {
	n.mu.Lock()
	stale := n.offers
	n.offers = make(map[string]pendingOffer)
	n.mu.Unlock()
	for _, o := range stale {
		o.pc.Close()
	}
}

func (n *RTCNetwork) handleTracker(t *tracker, msg trackerMessage) {
	if msg.Action != "announce" || msg.PeerID == n.peerID {
		return
	}
	switch {
	case msg.Offer != nil:
		if err := n.acceptOffer(t, msg); err != nil {
			n.log.Debug("answer failed", slog.String("peer_id", msg.PeerID), slog.String("error", err.Error()))
		}
	case msg.Answer != nil:
		if err := n.acceptAnswer(msg); err != nil {
			n.log.Debug("apply answer failed", slog.String("peer_id", msg.PeerID), slog.String("error", err.Error()))
		}
	}
}

func (n *RTCNetwork) acceptOffer(t *tracker, msg trackerMessage) error {
	n.mu.RLock()
	_, known := n.peers[msg.PeerID]
	n.mu.RUnlock()
	if known {
		return nil
	}

	pc, err := webrtc.NewPeerConnection(n.iceConfig())
	if err != nil {
		return err
	}
	p := newRemotePeer(msg.PeerID, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		n.attach(p, dc)
	})
	n.watch(p)

	if err := pc.SetRemoteDescription(*msg.Offer); err != nil {
		pc.Close()
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	local, err := n.setLocal(pc, answer)
	if err != nil {
		pc.Close()
		return err
	}
	if !n.addPeer(p) {
		pc.Close()
		return nil
	}
	return t.send(trackerMessage{
		Action:   "announce",
		InfoHash: n.infoHash,
		PeerID:   n.peerID,
		ToPeerID: msg.PeerID,
		OfferID:  msg.OfferID,
		Answer:   &local,
	})
}

func (n *RTCNetwork) acceptAnswer(msg trackerMessage) error {
	n.mu.Lock()
	o, ok := n.offers[msg.OfferID]
	delete(n.offers, msg.OfferID)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown offer %q", msg.OfferID)
	}

	p := newRemotePeer(msg.PeerID, o.pc)
	n.watch(p)
	n.attach(p, o.dc)
	if err := o.pc.SetRemoteDescription(*msg.Answer); err != nil {
		o.pc.Close()
		return fmt.Errorf("set remote answer: %w", err)
	}
	if !n.addPeer(p) {
		o.pc.Close()
	}
	return nil
}

func (n *RTCNetwork) addPeer(p *remotePeer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	if _, dup := n.peers[p.id]; dup {
		return false
	}
	n.peers[p.id] = p
	return true
}

func (n *RTCNetwork) removePeer(p *remotePeer) {
	n.mu.Lock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.mu.Unlock()
	p.fail(errPeerGone)
}

func (n *RTCNetwork) watch(p *remotePeer) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			n.log.Debug("peer connection ended", slog.String("peer_id", p.id), slog.String("state", state.String()))
			n.removePeer(p)
			if state != webrtc.PeerConnectionStateClosed {
				p.pc.Close()
			}
		}
	})
}

func (n *RTCNetwork) attach(p *remotePeer, dc *webrtc.DataChannel) {
	dc.OnOpen(func() { n.opened(p, dc) })
	dc.OnClose(func() { n.removePeer(p) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		n.receive(p, msg.IsString, msg.Data)
	})
}

// opened marks the channel usable and sends our bitfield: the segments
// still held locally.
func (n *RTCNetwork) opened(p *remotePeer, ch channel) {
	p.mu.Lock()
	p.ch = ch
	p.open = true
	p.mu.Unlock()

	if err := p.sendControl(control{Type: msgBitfield, Segments: n.segments.Keys()}); err != nil {
		n.log.Debug("send bitfield failed", slog.String("peer_id", p.id), slog.String("error", err.Error()))
	}
}

func (n *RTCNetwork) receive(p *remotePeer, isText bool, data []byte) {
	if !isText {
		n.receiveChunk(p, data)
		return
	}
	c, err := decodeControl(data)
	if err != nil {
		n.log.Debug("invalid control message", slog.String("peer_id", p.id), slog.String("error", err.Error()))
		return
	}
	switch c.Type {
	case msgBitfield:
		p.mu.Lock()
		for _, id := range c.Segments {
			p.has[id] = true
		}
		p.mu.Unlock()
	case msgHave:
		p.mu.Lock()
		p.has[c.Segment] = true
		p.mu.Unlock()
	case msgRequest:
		n.serve(p, c.Segment)
	case msgAbsent:
		p.mu.Lock()
		delete(p.has, c.Segment)
		p.mu.Unlock()
		p.resolve(c.Segment, fetchResult{err: errPeerAbsent})
	case msgPiece:
		p.mu.Lock()
		_, waiting := p.pending[c.Segment]
		var err error
		if waiting {
			var a *assembly
			if a, err = newAssembly(c); err == nil {
				p.assembling[c.Segment] = a
			}
		}
		p.mu.Unlock()
		if err != nil {
			p.resolve(c.Segment, fetchResult{err: err})
		}
	}
}

func (n *RTCNetwork) receiveChunk(p *remotePeer, frame []byte) {
	segmentID, index, payload, err := decodeChunk(frame)
	if err != nil {
		n.log.Debug("invalid chunk", slog.String("peer_id", p.id))
		return
	}
	p.mu.Lock()
	a, ok := p.assembling[segmentID]
	if !ok {
		p.mu.Unlock()
		return
	}
	done, err := a.add(index, payload)
	p.mu.Unlock()
	switch {
	case err != nil:
		p.resolve(segmentID, fetchResult{err: err})
	case done:
		p.resolve(segmentID, fetchResult{data: a.buf})
	}
}

// serve answers a peer request from the local cache.
func (n *RTCNetwork) serve(p *remotePeer, segmentID string) {
	data, ok := n.segments.Get(segmentID)
	if !ok {
		p.sendControl(control{Type: msgAbsent, Segment: segmentID})
		return
	}
	if err := p.sendControl(pieceHeader(segmentID, data)); err != nil {
		return
	}
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return
	}
	for _, frame := range chunkFrames(segmentID, data) {
		if err := ch.Send(frame); err != nil {
			n.log.Debug("send chunk failed", slog.String("peer_id", p.id), slog.String("error", err.Error()))
			return
		}
	}
	n.metrics.IncSegment("served")
}

// Holders implements Network.
func (n *RTCNetwork) Holders(segmentID string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var ids []string
	for id, p := range n.peers {
		p.mu.Lock()
		if p.open && p.has[segmentID] {
			ids = append(ids, id)
		}
		p.mu.Unlock()
	}
	return ids
}

// Fetch implements Network.
func (n *RTCNetwork) Fetch(ctx context.Context, peerID, segmentID string) ([]byte, error) {
	n.mu.RLock()
	p, ok := n.peers[peerID]
	n.mu.RUnlock()
	if !ok {
		return nil, errPeerGone
	}

	waiter := make(chan fetchResult, 1)
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return nil, errPeerGone
	}
	if _, busy := p.pending[segmentID]; busy {
		p.mu.Unlock()
		return nil, fmt.Errorf("segment %s already requested from %s", segmentID, peerID)
	}
	p.pending[segmentID] = waiter
	p.mu.Unlock()

	if err := p.sendControl(control{Type: msgRequest, Segment: segmentID}); err != nil {
		p.resolve(segmentID, fetchResult{err: err})
	}

	select {
	case res := <-waiter:
		return res.data, res.err
	case <-ctx.Done():
		p.mu.Lock()
		if p.pending[segmentID] == waiter {
			delete(p.pending, segmentID)
			delete(p.assembling, segmentID)
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Announce implements Network.
func (n *RTCNetwork) Announce(segmentID string) {
	n.mu.RLock()
	peers := make([]*remotePeer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		p.sendControl(control{Type: msgHave, Segment: segmentID})
	}
}

// Peers implements Network.
func (n *RTCNetwork) Peers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var open int
	for _, p := range n.peers {
		p.mu.Lock()
		if p.open {
			open++
		}
		p.mu.Unlock()
	}
	return open
}

// Close announces departure and tears down every connection.
func (n *RTCNetwork) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	peers := n.peers
	n.peers = make(map[string]*remotePeer)
	n.mu.Unlock()

	for _, t := range n.trackers {
		t.send(trackerMessage{Action: "announce", InfoHash: n.infoHash, PeerID: n.peerID, Event: "stopped"})
	}
	n.cancel()
	n.dropStaleOffers()
	for _, p := range peers {
		p.fail(errPeerGone)
		if p.pc != nil {
			p.pc.Close()
		}
	}
	for _, t := range n.trackers {
		t.close()
	}
	n.wg.Wait()
	return nil
}
