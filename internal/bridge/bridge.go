// Package bridge joins the two halves of a live call: the carrier's media
// stream socket and the agent provider's session socket. One Bridge runs per
// call, pumping audio both ways, persisting transcripts, and reporting why
// the call ended.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialcast/dialcast/internal/agent"
	"github.com/dialcast/dialcast/internal/audio"
	"github.com/dialcast/dialcast/internal/database/models"
)

const (
	// startDeadline bounds how long we wait for the carrier's start frame.
	startDeadline = 10 * time.Second
	// inactivityDeadline ends calls where neither side has produced media
	// or events for a full minute.
	inactivityDeadline = 60 * time.Second
)

// CarrierConn is the carrier-side WebSocket. *websocket.Conn satisfies it.
type CarrierConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Signaler receives lifecycle-relevant observations from the bridge.
type Signaler interface {
	SignalTermination(ctx context.Context, callSID, terminatedBy, reason string)
	BindConversation(ctx context.Context, callSID, conversationID string)
}

// TranscriptSink persists one utterance and returns its sequence number.
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, callSID, role, text string, offset float64) (int, error)
}

// Metrics receives bridge observations. All methods must be cheap.
type Metrics interface {
	MediaFrame(direction string)
	AgentEvent(eventType string)
	ResponseLatency(d time.Duration)
	SessionClosed(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) MediaFrame(string)             {}
func (noopMetrics) AgentEvent(string)             {}
func (noopMetrics) ResponseLatency(time.Duration) {}
func (noopMetrics) SessionClosed(time.Duration)   {}

// Deps are the bridge's collaborators.
type Deps struct {
	Opener   agent.Opener
	Signaler Signaler
	Sink     TranscriptSink
	Metrics  Metrics
}

// inbound is one item on the bridge's merged event channel: exactly one of
// frame or event is set; err marks the end of that side.
type inbound struct {
	fromCarrier bool
	frame       *carrierFrame
	event       *agent.Event
	err         error
}

// Bridge proxies one call. The event loop is single-goroutine: the two
// socket readers feed a merged channel, so no handler ever races another.
type Bridge struct {
	conn CarrierConn
	deps Deps

	callSID     string
	streamSID   string
	agentFormat audio.Format
	agentRate   int
	started     time.Time
	lastMediaAt time.Time
	complete    bool
}

// New creates a bridge over an accepted carrier socket.
func New(conn CarrierConn, deps Deps) *Bridge {
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	return &Bridge{conn: conn, deps: deps, agentFormat: audio.FormatULaw8000, agentRate: 8000}
}

// CallSID is the carrier call identifier, known after the start frame.
func (b *Bridge) CallSID() string { return b.callSID }

// Run drives the bridge until either socket closes, the call goes idle, or
// ctx is canceled. It always returns after closing both sockets.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.conn.Close()

	start, err := b.awaitStart(ctx)
	if err != nil {
		return fmt.Errorf("media stream start: %w", err)
	}
	b.callSID = start.Start.CallSID
	b.streamSID = start.Start.StreamSID
	b.started = time.Now()
	params := start.Start.CustomParameters
	log := slog.With("call_sid", b.callSID)
	log.Info("media stream started", "stream_sid", b.streamSID)

	session, err := b.deps.Opener.OpenSession(ctx, params["prompt"], params["first_message"], params)
	if err != nil {
		log.Error("open agent session", "error", err)
		b.deps.Signaler.SignalTermination(ctx, b.callSID, models.TerminatedBySystem, "agent_session_failed")
		return err
	}
	defer func() {
		session.Close()
		b.deps.Metrics.SessionClosed(time.Since(b.started))
	}()
	if id := session.ConversationID(); id != "" {
		b.deps.Signaler.BindConversation(ctx, b.callSID, id)
	}

	merged := make(chan inbound, 64)
	go b.readCarrier(merged)
	go b.readAgent(session, merged)

	idle := time.NewTimer(inactivityDeadline)
	defer idle.Stop()
	agentOpen := true

	for {
		select {
		case <-ctx.Done():
			b.deps.Signaler.SignalTermination(context.WithoutCancel(ctx), b.callSID, models.TerminatedBySystem, "shutdown")
			return ctx.Err()

		case <-idle.C:
			log.Warn("call idle, terminating", "idle", inactivityDeadline)
			b.deps.Signaler.SignalTermination(ctx, b.callSID, models.TerminatedBySystem, "inactivity_timeout")
			return nil

		case in := <-merged:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(inactivityDeadline)

			switch {
			case in.err != nil && in.fromCarrier:
				// Carrier socket gone: either the call ended normally or the
				// caller hung up. The status webhook settles which.
				log.Debug("carrier stream closed", "error", in.err)
				if !b.complete {
					b.deps.Signaler.SignalTermination(ctx, b.callSID, models.TerminatedByUser, "media_stream_closed")
				}
				return nil

			case in.err != nil:
				log.Warn("agent stream closed", "error", in.err)
				agentOpen = false
				if !b.complete {
					b.deps.Signaler.SignalTermination(ctx, b.callSID, models.TerminatedBySystem, "agent_disconnected")
				}

			case in.fromCarrier:
				if done := b.handleCarrier(in.frame, session, agentOpen, log); done {
					return nil
				}

			default:
				b.handleAgent(ctx, in.event, session, log)
			}
		}
	}
}

// awaitStart consumes frames until the carrier's start arrives.
func (b *Bridge) awaitStart(ctx context.Context) (*carrierFrame, error) {
	deadline := time.After(startDeadline)
	frames := make(chan inbound, 4)
	go b.readCarrierInto(frames, 1)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, errors.New("no start frame within deadline")
		case in := <-frames:
			if in.err != nil {
				return nil, in.err
			}
			switch in.frame.Event {
			case "connected":
				go b.readCarrierInto(frames, 1)
			case "start":
				if in.frame.Start == nil || in.frame.Start.CallSID == "" {
					return nil, errors.New("start frame missing callSid")
				}
				return in.frame, nil
			default:
				go b.readCarrierInto(frames, 1)
			}
		}
	}
}

// readCarrierInto reads n frames then stops; used only before the main loop.
func (b *Bridge) readCarrierInto(out chan<- inbound, n int) {
	for i := 0; i < n; i++ {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			out <- inbound{fromCarrier: true, err: err}
			return
		}
		var f carrierFrame
		if err := json.Unmarshal(data, &f); err != nil {
			out <- inbound{fromCarrier: true, err: fmt.Errorf("bad carrier frame: %w", err)}
			return
		}
		out <- inbound{fromCarrier: true, frame: &f}
	}
}

func (b *Bridge) readCarrier(out chan<- inbound) {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			out <- inbound{fromCarrier: true, err: err}
			return
		}
		var f carrierFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("skipping malformed carrier frame", "call_sid", b.callSID, "error", err)
			continue
		}
		out <- inbound{fromCarrier: true, frame: &f}
	}
}

func (b *Bridge) readAgent(session agent.Session, out chan<- inbound) {
	for {
		ev, err := session.ReadEvent()
		if err != nil {
			out <- inbound{err: err}
			return
		}
		out <- inbound{event: ev}
	}
}

// handleCarrier processes one carrier frame. Returns true when the stream
// is over.
func (b *Bridge) handleCarrier(f *carrierFrame, session agent.Session, agentOpen bool, log *slog.Logger) bool {
	switch f.Event {
	case "media":
		if f.Media == nil || !agentOpen {
			return false
		}
		b.deps.Metrics.MediaFrame("inbound")
		b.lastMediaAt = time.Now()
		if err := session.SendAudio(f.Media.Payload); err != nil {
			log.Warn("forward caller audio", "error", err)
		}
	case "stop":
		log.Info("media stream stopped")
		if !b.complete {
			b.deps.Signaler.SignalTermination(context.Background(), b.callSID, models.TerminatedByUser, "user_hangup")
		}
		return true
	case "mark", "connected":
		// informational
	default:
		log.Debug("unhandled carrier event", "event", f.Event)
	}
	return false
}

// handleAgent processes one agent session event.
func (b *Bridge) handleAgent(ctx context.Context, ev *agent.Event, session agent.Session, log *slog.Logger) {
	b.deps.Metrics.AgentEvent(ev.Type)
	switch ev.Type {
	case agent.EventAudio:
		// First audio frame after caller media measures how long the agent
		// took to start speaking.
		if !b.lastMediaAt.IsZero() {
			b.deps.Metrics.ResponseLatency(time.Since(b.lastMediaAt))
			b.lastMediaAt = time.Time{}
		}
		payload, err := b.toCarrierAudio(ev.AudioPayload)
		if err != nil {
			log.Warn("transcode agent audio", "error", err)
			return
		}
		b.deps.Metrics.MediaFrame("outbound")
		frame := outboundMedia{Event: "media", StreamSID: b.streamSID, Media: mediaPayload{Payload: payload}}
		b.writeCarrier(frame, log)

	case agent.EventInterruption:
		// Caller barged in: flush whatever the carrier has buffered.
		b.writeCarrier(clearFrame{Event: "clear", StreamSID: b.streamSID}, log)

	case agent.EventPing:
		if err := session.SendPong(ev.EventID); err != nil {
			log.Warn("send pong", "error", err)
		}

	case agent.EventUserTranscript:
		b.saveTranscript(ctx, "user", ev.Text, log)

	case agent.EventAgentResponse:
		b.saveTranscript(ctx, "agent", ev.Text, log)

	case agent.EventMetadata:
		if ev.AudioFormat != "" {
			b.agentFormat, b.agentRate = audio.ParseFormat(ev.AudioFormat)
			log.Debug("agent audio format negotiated", "format", ev.AudioFormat)
		}
		if id := session.ConversationID(); id != "" {
			b.deps.Signaler.BindConversation(ctx, b.callSID, id)
		}

	case agent.EventConversationComplete:
		log.Info("agent completed conversation")
		b.complete = true
		b.deps.Signaler.SignalTermination(ctx, b.callSID, models.TerminatedByAgent, "conversation_complete")

	case agent.EventError:
		log.Warn("agent session error", "message", ev.ErrorMessage)

	default:
		log.Debug("unhandled agent event", "type", ev.Type)
	}
}

// toCarrierAudio converts one base64 agent audio chunk into the carrier's
// base64 mu-law format, transcoding when the agent negotiated PCM output.
func (b *Bridge) toCarrierAudio(payload string) (string, error) {
	if b.agentFormat == audio.FormatULaw8000 {
		return payload, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode agent audio: %w", err)
	}
	ulaw, err := audio.PCM16ToULaw(pcm, b.agentRate)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ulaw), nil
}

func (b *Bridge) writeCarrier(frame any, log *slog.Logger) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error("marshal carrier frame", "error", err)
		return
	}
	if err := b.conn.WriteMessage(1, data); err != nil { // 1 = text frame
		log.Debug("write to carrier", "error", err)
	}
}

func (b *Bridge) saveTranscript(ctx context.Context, role, text string, log *slog.Logger) {
	if text == "" {
		return
	}
	offset := time.Since(b.started).Seconds()
	if _, err := b.deps.Sink.SaveTranscript(ctx, b.callSID, role, text, offset); err != nil {
		log.Warn("save transcript", "role", role, "error", err)
	}
}
