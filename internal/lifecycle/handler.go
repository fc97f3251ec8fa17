package lifecycle

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"livecast-client/internal/failure"
	"livecast-client/internal/platform/logger"
	"livecast-client/internal/swarm"

	"github.com/go-chi/chi/v5"
)

const segmentContentType = "video/mp2t"

// RestoreFunc rebuilds a controller from a snapshot; see Restore.
type RestoreFunc func(Session) (*Controller, error)

// Handler exposes the controller of the current session over HTTP for the
// player and for operators.
type Handler struct {
	mu      sync.RWMutex
	ctrl    *Controller
	restore RestoreFunc
	log     *slog.Logger
}

// NewHandler returns a Handler driving ctrl. restore may be nil to disable
// harvest retries.
func NewHandler(ctrl *Controller, restore RestoreFunc, log *slog.Logger) *Handler {
	return &Handler{ctrl: ctrl, restore: restore, log: logger.WithComponent(log, "harness")}
}

// Controller returns the controller currently served.
func (h *Handler) Controller() *Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctrl
}

type sessionResponse struct {
	Session
	PlayableURL string `json:"playable_url,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// GetSession handles GET /session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.writeSession(w, http.StatusOK, h.Controller())
}

// Start handles POST /session/start.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	ctrl := h.Controller()
	if err := ctrl.Start(r.Context()); err != nil {
		h.writeError(w, OpStart, err)
		return
	}
	h.writeSession(w, http.StatusAccepted, ctrl)
}

// ConfirmPlayback handles POST /session/playing.
func (h *Handler) ConfirmPlayback(w http.ResponseWriter, r *http.Request) {
	ctrl := h.Controller()
	if err := ctrl.ConfirmPlayback(); err != nil {
		h.writeError(w, OpPlaying, err)
		return
	}
	h.writeSession(w, http.StatusOK, ctrl)
}

// Stop handles POST /session/stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	ctrl := h.Controller()
	if err := ctrl.Stop(r.Context()); err != nil {
		h.writeError(w, OpStop, err)
		return
	}
	h.writeSession(w, http.StatusOK, ctrl)
}

// Harvest handles POST /session/harvest.
func (h *Handler) Harvest(w http.ResponseWriter, r *http.Request) {
	ctrl := h.Controller()
	if err := ctrl.HarvestToRecording(r.Context()); err != nil {
		h.writeError(w, OpHarvest, err)
		return
	}
	h.writeSession(w, http.StatusOK, ctrl)
}

// RetryHarvest handles POST /session/harvest/retry. It replaces a controller
// whose harvest failed with a restored one and harvests again.
func (h *Handler) RetryHarvest(w http.ResponseWriter, r *http.Request) {
	if h.restore == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	h.mu.Lock()
	snap, err := h.ctrl.Retire()
	if err != nil {
		h.mu.Unlock()
		h.writeError(w, OpRestore, err)
		return
	}
	next, err := h.restore(snap)
	if err != nil {
		h.mu.Unlock()
		h.writeError(w, OpRestore, err)
		return
	}
	h.ctrl = next
	h.mu.Unlock()

	h.log.Info("harvest retry", slog.String("session_id", next.Snapshot().ID))
	if err := next.HarvestToRecording(r.Context()); err != nil {
		h.writeError(w, OpHarvest, err)
		return
	}
	h.writeSession(w, http.StatusOK, next)
}

// Publish handles POST /session/publish.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	ctrl := h.Controller()
	if err := ctrl.PublishLiveToVOD(r.Context()); err != nil {
		h.writeError(w, OpPublish, err)
		return
	}
	h.writeSession(w, http.StatusOK, ctrl)
}

// NavigatePage handles PATCH /session/page.
// Body: { "target_page": 3 }.
func (h *Handler) NavigatePage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetPage int `json:"target_page"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.Debug("invalid page body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctrl := h.Controller()
	if err := ctrl.NavigateSharedPage(r.Context(), body.TargetPage); err != nil {
		h.writeError(w, OpNavigate, err)
		return
	}
	h.writeSession(w, http.StatusOK, ctrl)
}

// GetSegment handles GET /segments/*.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	segmentID := chi.URLParam(r, "*")
	if segmentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := h.Controller().Segment(r.Context(), segmentID)
	if err != nil {
		h.writeError(w, OpSegment, err)
		return
	}
	w.Header().Set("Content-Type", segmentContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, ctrl *Controller) {
	resp := sessionResponse{Session: ctrl.Snapshot(), PlayableURL: ctrl.PlayableURL()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("operation failed", slog.String("operation", op), slog.String("error", err.Error()))
	} else {
		h.log.Info("operation refused", slog.String("operation", op), slog.String("error", err.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Kind: failure.KindOf(err).String()})
}

func statusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.KindInvalidTransition, failure.KindConflictingOperation:
		return http.StatusConflict
	case failure.KindActionRejected:
		return http.StatusBadGateway
	case failure.KindActionUnreachable:
		return http.StatusServiceUnavailable
	case failure.KindPollExhausted:
		return http.StatusGatewayTimeout
	}
	switch {
	case errors.Is(err, ErrInvalidPage):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoManifestURL), errors.Is(err, ErrNoRecordingURL):
		return http.StatusBadGateway
	case errors.Is(err, swarm.ErrMembershipClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
