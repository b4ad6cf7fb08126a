package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dialcast/dialcast/internal/api/middleware"
	"github.com/dialcast/dialcast/internal/bridge"
	"github.com/dialcast/dialcast/internal/hub"
	"github.com/gorilla/websocket"
)

// Realtime socket keepalive tuning.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleMediaStream accepts the carrier's media WebSocket and runs a
// bridge over it for the lifetime of the call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("media stream: upgrade failed", "error", err)
		return
	}

	b := bridge.New(conn, bridge.Deps{
		Opener:   s.deps.Agent,
		Signaler: s.deps.Manager,
		Sink: &bridge.StoreSink{
			Transcripts: s.deps.Store.Transcripts,
			Typewriter:  s.deps.Typewriter,
		},
		Metrics: s.deps.BridgeMetrics,
	})

	if err := b.Run(r.Context()); err != nil {
		slog.Warn("media stream ended with error", "call_sid", b.CallSID(), "error", err)
	}
	// The bridge is the only transcript producer for this call, so its exit
	// releases the call's typewriter stream.
	if sid := b.CallSID(); sid != "" {
		s.deps.Typewriter.FinishCall(sid)
	}
}

// rtClientMessage is one inbound control message on the realtime socket.
type rtClientMessage struct {
	Type    string `json:"type"`
	CallSid string `json:"callSid,omitempty"`
}

// rtServerMessage is one outbound event on the realtime socket.
type rtServerMessage struct {
	Type      string `json:"type"`
	Topic     string `json:"topic,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// rtTopicFor maps a subscription message to a hub topic name. Empty means
// the message is not a subscription.
func rtTopicFor(msg rtClientMessage) string {
	switch msg.Type {
	case "subscribe_to_calls", "unsubscribe_from_calls":
		return "calls"
	case "subscribe_to_transcripts", "unsubscribe_from_transcripts":
		return "transcripts"
	case "subscribe_to_campaigns", "unsubscribe_from_campaigns":
		return "campaigns"
	case "subscribe_to_call", "unsubscribe_from_call":
		if msg.CallSid == "" {
			return ""
		}
		return "call:" + msg.CallSid
	case "subscribe_to_call_transcript", "unsubscribe_from_call_transcript":
		if msg.CallSid == "" {
			return ""
		}
		return "transcript:" + msg.CallSid
	}
	return ""
}

// handleRealtime serves the dashboard's realtime channel. The JWT rides
// in the `token` query parameter because browser WebSocket dials cannot
// set an Authorization header.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.ParseToken(s.deps.JWTSecret, r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("realtime: upgrade failed", "error", err)
		return
	}

	sub := s.deps.Hub.Subscribe()
	defer s.deps.Hub.Unsubscribe(sub)

	slog.Debug("realtime client connected", "username", claims.Username)

	// Writer: the only goroutine allowed to write the socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-sub.Closed():
				return
			case ev := <-sub.Events():
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				msg := rtServerMessage{
					Type:      ev.Type,
					Topic:     ev.Topic,
					Data:      ev.Data,
					Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
				}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader: control messages adjust subscriptions.
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg rtClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		topicName := rtTopicFor(msg)
		if topicName == "" {
			continue
		}
		if msg.Type[0] == 'u' { // unsubscribe_*
			s.deps.Hub.RemoveTopic(sub, topicName)
			continue
		}
		s.deps.Hub.AddTopic(sub, topicName)

		// New call-list subscribers get a snapshot of what is live now.
		if msg.Type == "subscribe_to_calls" {
			s.publishActiveCalls(sub)
		}
	}

	conn.Close()
	<-done
	if n := sub.Dropped(); n > 0 {
		slog.Warn("realtime client fell behind", "username", claims.Username, "dropped", n)
	}
}

// publishActiveCalls sends an active_calls snapshot to one subscriber.
func (s *Server) publishActiveCalls(sub *hub.Subscriber) {
	s.deps.Hub.Direct(sub, hub.Event{
		Topic: "calls",
		Type:  "active_calls",
		Data:  map[string]any{"count": s.deps.Manager.ActiveCount()},
	})
}
