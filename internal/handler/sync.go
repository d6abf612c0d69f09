package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/feed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SyncHandler streams live snapshots of the catalog and the caller's own
// registrations over a websocket.
type SyncHandler struct {
	feed *feed.Feed
	log  *slog.Logger
}

// NewSyncHandler constructs a SyncHandler.
func NewSyncHandler(f *feed.Feed, log *slog.Logger) *SyncHandler {
	return &SyncHandler{feed: f, log: log}
}

// Routes mounts the sync endpoints behind auth.
func (h *SyncHandler) Routes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.With(auth).Get("/sync", h.Stream)
	r.With(auth).Get("/sync/snapshot", h.Snapshot)
}

// Snapshot handles GET /sync/snapshot
// Returns one snapshot for clients that poll instead of streaming.
func (h *SyncHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	snap, err := h.feed.Load(r.Context(), who.UserID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "sync snapshot failed", "user_id", who.UserID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Stream handles GET /sync
// Every frame is a full snapshot; clients keep the one with the highest
// version. Client messages are ignored apart from close frames.
func (h *SyncHandler) Stream(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("failed to upgrade websocket", "error", err, "module", "sync")
		return
	}
	defer ws.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.readLoop(ws, cancel)

	sub := h.feed.Subscribe(ctx, who.UserID)
	defer sub.Close()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-sub.Updates():
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(snap); err != nil {
				h.log.Debug("websocket write failed", "user_id", who.UserID, "error", err, "module", "sync")
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// readLoop drains client frames so control messages are processed, and
// cancels the stream once the peer goes away.
func (h *SyncHandler) readLoop(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) ||
				(closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway) {
				h.log.Debug("websocket closed", "error", err, "module", "sync")
			}
			return
		}
	}
}
