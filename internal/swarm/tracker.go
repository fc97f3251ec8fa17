package swarm

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"livecast-client/internal/platform/logger"
)

const (
	trackerWriteWait = 10 * time.Second
	peerIDPrefix     = "-LC0100-"
)

// trackerMessage is the WebTorrent tracker wire message. Requests and
// responses share the shape; unused fields are omitted.
type trackerMessage struct {
	Action        string                     `json:"action"`
	InfoHash      string                     `json:"info_hash,omitempty"`
	PeerID        string                     `json:"peer_id,omitempty"`
	NumWant       int                        `json:"numwant,omitempty"`
	Event         string                     `json:"event,omitempty"`
	Uploaded      int64                      `json:"uploaded"`
	Downloaded    int64                      `json:"downloaded"`
	Offers        []trackerOffer             `json:"offers,omitempty"`
	Offer         *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer        *webrtc.SessionDescription `json:"answer,omitempty"`
	OfferID       string                     `json:"offer_id,omitempty"`
	ToPeerID      string                     `json:"to_peer_id,omitempty"`
	Interval      int                        `json:"interval,omitempty"`
	FailureReason string                     `json:"failure reason,omitempty"`
}

type trackerOffer struct {
	OfferID string                    `json:"offer_id"`
	Offer   webrtc.SessionDescription `json:"offer"`
}

// infoHash derives the swarm key of a session: the SHA-1 of its id, sent as
// a binary string the way WebTorrent trackers expect.
func infoHash(sessionID string) string {
	sum := sha1.Sum([]byte(sessionID))
	return binaryString(sum[:])
}

// binaryString maps each byte to the code point of the same value.
func binaryString(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

func newPeerID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return peerIDPrefix + id[:20-len(peerIDPrefix)]
}

func newOfferID() string {
	return binaryString([]byte(strings.ReplaceAll(uuid.NewString(), "-", "")[:20]))
}

type tracker struct {
	url  string
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
}

// dialTrackers connects to every tracker in parallel. Unreachable trackers
// are logged and skipped; it fails only when none connects.
func dialTrackers(ctx context.Context, urls []string, log *slog.Logger) ([]*tracker, error) {
	if len(urls) == 0 {
		return nil, errors.New("no tracker configured")
	}
	if log == nil {
		log = logger.Discard()
	}
	conns := make([]*tracker, len(urls))
	errs := make([]error, len(urls))

	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
			if err != nil {
				errs[i] = fmt.Errorf("dial tracker %s: %w", u, err)
				log.Warn("tracker unreachable", slog.String("tracker", u), slog.String("error", err.Error()))
				return nil
			}
			conns[i] = &tracker{url: u, conn: conn, log: log.With(slog.String("tracker", u))}
			return nil
		})
	}
	g.Wait()

	var connected []*tracker
	for _, t := range conns {
		if t != nil {
			connected = append(connected, t)
		}
	}
	if len(connected) == 0 {
		return nil, errors.Join(errs...)
	}
	return connected, nil
}

func (t *tracker) send(msg trackerMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(trackerWriteWait))
	return t.conn.WriteJSON(msg)
}

// readLoop hands every decoded message to handle until the connection or ctx ends.
func (t *tracker) readLoop(ctx context.Context, handle func(*tracker, trackerMessage)) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("tracker connection lost", slog.String("error", err.Error()))
			}
			return
		}
		var msg trackerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Debug("invalid tracker message", slog.String("error", err.Error()))
			continue
		}
		if msg.FailureReason != "" {
			t.log.Warn("tracker refused announce", slog.String("reason", msg.FailureReason))
			continue
		}
		handle(t, msg)
	}
}

func (t *tracker) close() {
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	t.conn.Close()
}
