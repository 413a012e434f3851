package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/palisade/internal/events"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// streamMessage is one frame on the event stream.
type streamMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and streams lifecycle events,
// optionally filtered by ?kind=a,b. Clients only receive; any frame they
// send besides control frames is ignored.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []events.Kind
	if s := r.URL.Query().Get("kind"); s != "" {
		for k := range strings.SplitSeq(s, ",") {
			kinds = append(kinds, events.Kind(strings.TrimSpace(k)))
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn(r.Context(), "websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	sub := a.svc.Subscribe(streamBuffer)
	defer sub.Close()

	ctx := r.Context()
	a.logger.Info(ctx, "event stream opened", "remote", r.RemoteAddr, "kinds", len(kinds))

	// The read loop processes pongs and close frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.logger.Warn(ctx, "event stream read error", "error", err.Error())
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(streamMessage{Type: "event", Payload: e}); err != nil {
				a.logger.Warn(ctx, "event stream write failed", "error", err.Error())
				return
			}
		}
	}
}
