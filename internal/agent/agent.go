// Package agent talks to the conversational-AI provider: it obtains signed
// per-call session URLs over REST and carries the bidirectional audio+event
// stream over WebSocket.
package agent

import (
	"context"
	"encoding/json"
)

// Session is an open bidirectional audio+event stream to the agent provider.
type Session interface {
	// ConversationID is the provider-assigned conversation identifier,
	// recorded against the Call so later webhooks can be correlated.
	ConversationID() string
	// ReadEvent blocks until the next event arrives or the stream ends.
	ReadEvent() (*Event, error)
	// SendAudio forwards one base64 audio chunk from the carrier.
	SendAudio(payload string) error
	// SendPong answers a provider ping, echoing the event id.
	SendPong(eventID int) error
	Close() error
}

// Opener obtains signed session URLs and dials them.
type Opener interface {
	// OpenSession requests a signed URL for a new conversation and
	// connects to it. The URL is short-lived; the connection happens
	// inside the same call.
	OpenSession(ctx context.Context, prompt, firstMessage string, dynamicVars map[string]string) (Session, error)
}

// Event types in the provider's session grammar.
const (
	EventAudio                = "audio"
	EventInterruption         = "interruption"
	EventUserTranscript       = "user_transcript"
	EventAgentResponse        = "agent_response"
	EventPing                 = "ping"
	EventConversationComplete = "conversation_complete"
	EventMetadata             = "metadata"
	EventError                = "error"
)

// Event is one decoded message from the agent session.
type Event struct {
	Type string
	// AudioPayload is the base64 chunk for audio events.
	AudioPayload string
	// AudioFormat is the negotiated output format ("ulaw_8000",
	// "pcm_16000", ...), populated from the metadata event.
	AudioFormat string
	// Text is the utterance for user_transcript / agent_response events.
	Text string
	// EventID is the provider's id for ping events; pongs echo it.
	EventID int
	// ErrorMessage is populated for error events.
	ErrorMessage string
	// Raw is the undecoded wrapper, kept for the event log.
	Raw json.RawMessage
}

// wire is the provider's wrapper envelope. Only the fields the bridge needs
// are decoded; everything else rides along in Raw.
type wire struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`

	ConversationInitiationMetadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error_event,omitempty"`
}

// DecodeEvent parses one raw session frame into a typed Event. Unknown
// types decode to an Event with just Type and Raw set; the bridge logs and
// continues.
func DecodeEvent(data []byte) (*Event, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	ev := &Event{Type: w.Type, Raw: json.RawMessage(data)}
	switch w.Type {
	case EventAudio:
		if w.AudioEvent != nil {
			ev.AudioPayload = w.AudioEvent.AudioBase64
			ev.EventID = w.AudioEvent.EventID
		}
	case EventUserTranscript:
		if w.UserTranscriptionEvent != nil {
			ev.Text = w.UserTranscriptionEvent.UserTranscript
		}
	case EventAgentResponse:
		if w.AgentResponseEvent != nil {
			ev.Text = w.AgentResponseEvent.AgentResponse
		}
	case EventPing:
		if w.PingEvent != nil {
			ev.EventID = w.PingEvent.EventID
		}
	case EventMetadata:
		if w.ConversationInitiationMetadata != nil {
			ev.AudioFormat = w.ConversationInitiationMetadata.AgentOutputFormat
		}
	case EventError:
		if w.Error != nil {
			ev.ErrorMessage = w.Error.Message
		}
	}
	return ev, nil
}
