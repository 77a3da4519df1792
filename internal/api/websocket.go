package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signal-engine/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// userTopics are relayed to the user who owns the payload.
var userTopics = []events.Event{
	events.EventIntentRejected,
	events.EventOrderPlaced,
	events.EventOrderFailed,
	events.EventPositionOpened,
	events.EventPositionClosing,
	events.EventPositionClosed,
	events.EventPositionFailed,
	events.EventPositionFrozen,
	events.EventPositionDesync,
	events.EventCredentialFlag,
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ownerOf returns the user a bus payload belongs to.
func ownerOf(payload any) string {
	switch p := payload.(type) {
	case events.PositionEvent:
		return p.UserID
	case events.OrderEvent:
		return p.UserID
	case events.IntentRejected:
		return p.UserID
	case events.CredentialFlagged:
		return p.UserID
	}
	return ""
}

// websocket streams the caller's position, order and credential events. The
// JWT travels in the query string because browsers cannot set headers on the
// upgrade request.
func (s *Server) websocket(c *gin.Context) {
	userID, err := parseToken(c.Query("token"), s.JWTSecret)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}
	if s.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "BUS_UNAVAILABLE", "event bus not ready")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Fan the per-topic streams into one channel, keeping only this user's
	// payloads. Unsubscribing closes the streams and ends the forwarders.
	merged := make(chan wsMessage, 64)
	for _, topic := range userTopics {
		topic := topic
		stream, unsub := s.Bus.SubscribeAs("ws:"+userID, topic, 64)
		defer unsub()
		go func() {
			for payload := range stream {
				if ownerOf(payload) != userID {
					continue
				}
				select {
				case merged <- wsMessage{Type: string(topic), Data: payload}:
				default:
				}
			}
		}()
	}

	// Reader: only control frames are expected; a read error means the peer left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-merged:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug("ws write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		}
	}
}
