package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// session wraps the provider WebSocket. Reads happen from one goroutine
// (the bridge loop); writes are serialized with a mutex because
// gorilla/websocket does not support concurrent writers.
type session struct {
	conn           *websocket.Conn
	conversationID string

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newSession(conn *websocket.Conn, conversationID string) *session {
	return &session{conn: conn, conversationID: conversationID}
}

func (s *session) ConversationID() string {
	return s.conversationID
}

// ReadEvent blocks until the next event arrives. A metadata event may carry
// a conversation id when the signed-URL response did not; it is captured
// here so ConversationID is correct either way.
func (s *session) ReadEvent() (*Event, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading agent event: %w", err)
	}
	ev, err := DecodeEvent(data)
	if err != nil {
		return nil, fmt.Errorf("decoding agent event: %w", err)
	}
	if ev.Type == EventMetadata && s.conversationID == "" {
		var meta struct {
			M struct {
				ConversationID string `json:"conversation_id"`
			} `json:"conversation_initiation_metadata_event"`
		}
		if unmarshalErr := json.Unmarshal(ev.Raw, &meta); unmarshalErr == nil && meta.M.ConversationID != "" {
			s.conversationID = meta.M.ConversationID
		}
	}
	return ev, nil
}

// SendAudio forwards one base64 audio chunk from the carrier.
func (s *session) SendAudio(payload string) error {
	return s.sendJSON(map[string]string{"user_audio_chunk": payload})
}

// SendPong answers a provider ping, echoing the event id.
func (s *session) SendPong(eventID int) error {
	return s.sendJSON(map[string]any{"type": "pong", "event_id": eventID})
}

func (s *session) sendJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing agent event: %w", err)
	}
	return nil
}

// Close closes the socket. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
