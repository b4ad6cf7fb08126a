package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dialcast/dialcast/internal/agent"
	"github.com/dialcast/dialcast/internal/database/models"
)

// fakeConn is an in-memory carrier socket: tests queue inbound frames and
// inspect written ones.
type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	out    [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64)}
}

func (c *fakeConn) queue(v any) {
	data, _ := json.Marshal(v)
	c.in <- data
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.in
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.out = append(c.out, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([][]byte, len(c.out))
	copy(cp, c.out)
	return cp
}

// fakeSession scripts agent events.
type fakeSession struct {
	events chan *agent.Event
	convID string

	mu     sync.Mutex
	audio  []string
	pongs  []int
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan *agent.Event, 64), convID: "conv_test1"}
}

func (s *fakeSession) ConversationID() string { return s.convID }

func (s *fakeSession) ReadEvent() (*agent.Event, error) {
	ev, ok := <-s.events
	if !ok {
		return nil, io.EOF
	}
	return ev, nil
}

func (s *fakeSession) SendAudio(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, payload)
	return nil
}

func (s *fakeSession) SendPong(eventID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pongs = append(s.pongs, eventID)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

type fakeOpener struct {
	session *fakeSession
	err     error

	mu           sync.Mutex
	prompt       string
	firstMessage string
}

func (o *fakeOpener) OpenSession(ctx context.Context, prompt, firstMessage string, vars map[string]string) (agent.Session, error) {
	o.mu.Lock()
	o.prompt, o.firstMessage = prompt, firstMessage
	o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

type signal struct {
	callSID      string
	terminatedBy string
	reason       string
}

type fakeSignaler struct {
	mu      sync.Mutex
	signals []signal
	bound   map[string]string
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{bound: make(map[string]string)}
}

func (f *fakeSignaler) SignalTermination(ctx context.Context, callSID, terminatedBy, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signal{callSID, terminatedBy, reason})
}

func (f *fakeSignaler) BindConversation(ctx context.Context, callSID, conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[callSID] = conversationID
}

func (f *fakeSignaler) first() (signal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.signals) == 0 {
		return signal{}, false
	}
	return f.signals[0], true
}

type savedMsg struct {
	callSID, role, text string
}

type fakeSink struct {
	mu    sync.Mutex
	seq   int
	saved []savedMsg
}

func (f *fakeSink) SaveTranscript(ctx context.Context, callSID, role, text string, offset float64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.saved = append(f.saved, savedMsg{callSID, role, text})
	return f.seq, nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	latencies []time.Duration
}

func (f *fakeMetrics) MediaFrame(string)           {}
func (f *fakeMetrics) AgentEvent(string)           {}
func (f *fakeMetrics) SessionClosed(time.Duration) {}

func (f *fakeMetrics) ResponseLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latencies = append(f.latencies, d)
}

func (f *fakeMetrics) latencyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.latencies)
}

func startFrame(callSID string) any {
	return map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "MZ" + callSID,
			"callSid":   callSID,
			"customParameters": map[string]string{
				"prompt":        "you are a survey caller",
				"first_message": "hi there",
			},
		},
	}
}

func runBridge(t *testing.T, conn *fakeConn, deps Deps) chan error {
	t.Helper()
	b := New(conn, deps)
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not exit")
		return nil
	}
}

func TestBridgeOpensSessionFromStartFrame(t *testing.T) {
	conn := newFakeConn()
	session := newFakeSession()
	opener := &fakeOpener{session: session}
	sig := newFakeSignaler()
	deps := Deps{Opener: opener, Signaler: sig, Sink: &fakeSink{}}

	conn.queue(map[string]string{"event": "connected"})
	conn.queue(startFrame("CA100"))

	done := runBridge(t, conn, deps)
	session.events <- &agent.Event{Type: agent.EventConversationComplete}
	close(conn.in)
	waitDone(t, done)

	opener.mu.Lock()
	prompt, first := opener.prompt, opener.firstMessage
	opener.mu.Unlock()
	if prompt != "you are a survey caller" || first != "hi there" {
		t.Fatalf("session params = %q / %q", prompt, first)
	}
	sig.mu.Lock()
	bound := sig.bound["CA100"]
	sig.mu.Unlock()
	if bound != "conv_test1" {
		t.Fatalf("conversation bound to %q, want conv_test1", bound)
	}
}

func TestBridgeProxiesCallerAudio(t *testing.T) {
	conn := newFakeConn()
	session := newFakeSession()
	deps := Deps{Opener: &fakeOpener{session: session}, Signaler: newFakeSignaler(), Sink: &fakeSink{}}

	conn.queue(startFrame("CA101"))
	done := runBridge(t, conn, deps)

	payload := base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f, 0x00})
	conn.queue(map[string]any{"event": "media", "media": map[string]string{"payload": payload}})

	waitFor(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.audio) == 1
	})
	session.mu.Lock()
	got := session.audio[0]
	session.mu.Unlock()
	if got != payload {
		t.Fatalf("forwarded payload = %q, want %q", got, payload)
	}

	close(conn.in)
	waitDone(t, done)
}

func TestBridgeForwardsAgentAudioAndClear(t *testing.T) {
	conn := newFakeConn()
	session := newFakeSession()
	deps := Deps{Opener: &fakeOpener{session: session}, Signaler: newFakeSignaler(), Sink: &fakeSink{}}

	conn.queue(startFrame("CA102"))
	done := runBridge(t, conn, deps)

	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	session.events <- &agent.Event{Type: agent.EventAudio, AudioPayload: payload}
	session.events <- &agent.Event{Type: agent.EventInterruption}

	waitFor(t, func() bool { return len(conn.written()) >= 2 })
	frames := conn.written()

	var media outboundMedia
	if err := json.Unmarshal(frames[0], &media); err != nil {
		t.Fatalf("unmarshal media frame: %v", err)
	}
	if media.Event != "media" || media.StreamSID != "MZCA102" || media.Media.Payload != payload {
		t.Fatalf("media frame = %+v", media)
	}

	var clear clearFrame
	if err := json.Unmarshal(frames[1], &clear); err != nil {
		t.Fatalf("unmarshal clear frame: %v", err)
	}
	if clear.Event != "clear" || clear.StreamSID != "MZCA102" {
		t.Fatalf("clear frame = %+v", clear)
	}

	close(conn.in)
	waitDone(t, done)
}

func TestBridgeSamplesResponseLatency(t *testing.T) {
	conn := newFakeConn()
	session := newFakeSession()
	metrics := &fakeMetrics{}
	deps := Deps{Opener: &fakeOpener{session: session}, Signaler: newFakeSignaler(), Sink: &fakeSink{}, Metrics: metrics}

	conn.queue(startFrame("CA110"))
	done := runBridge(t, conn, deps)

	payload := base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f})
	conn.queue(map[string]any{"event": "media", "media": map[string]string{"payload": payload}})
	waitFor(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.audio) == 1
	})

	// Only the first audio frame of the reply is measured against the last
	// caller media frame; later frames of the same reply are not samples.
	session.events <- &agent.Event{Type: agent.EventAudio, AudioPayload: payload}
	session.events <- &agent.Event{Type: agent.EventAudio, AudioPayload: payload}
	waitFor(t, func() bool { return len(conn.written()) >= 2 })
	if got := metrics.latencyCount(); got != 1 {
		t.Fatalf("latency samples = %d, want 1", got)
	}

	// Transcript events alone do not arm another sample.
	session.events <- &agent.Event{Type: agent.EventUserTranscript, Text: "hm"}
	session.events <- &agent.Event{Type: agent.EventAudio, AudioPayload: payload}
	waitFor(t, func() bool { return len(conn.written()) >= 3 })
	if got := metrics.latencyCount(); got != 1 {
		t.Fatalf("latency samples = %d, want still 1", got)
	}

	// More caller media re-arms the measurement.
	conn.queue(map[string]any{"event": "media", "media": map[string]string{"payload": payload}})
	waitFor(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.audio) == 2
	})
	session.events <- &agent.Event{Type: agent.EventAudio, AudioPayload: payload}
	waitFor(t, func() bool { return metrics.latencyCount() == 2 })

	close(conn.in)
	waitDone(t, done)
}

func TestBridgeAnswersPings(t *testing.T) {
	conn := newFakeConn()
	session := newFakeSession()
	deps := Deps{Opener: &fakeOpener{session: session}, Signaler: newFakeSignaler(), Sink: &fakeSink{}}

	conn.queue(startFrame("CA103"))
	done := runBridge(t, conn, deps)

	session.events <- &agent.Event{Type: agent.EventPing, EventID: 7}
	waitFor(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.pongs) == 1
	})
	session.mu.Lock()
	pong := session.pongs[0]
	session.mu.Unlock()
	if pong != 7 {
		t.Fatalf("pong id = %d, want 7", pong)
	}

	close(conn.in)
	waitDone(t, done)
}

func TestBridgePersistsTranscripts(t *testing.T) {
	conn := newFakeConn()
	session := newFakeSession()
	sink := &fakeSink{}
	deps := Deps{Opener: &fakeOpener{session: session}, Signaler: newFakeSignaler(), Sink: sink}

	conn.queue(startFrame("CA104"))
	done := runBridge(t, conn, deps)

	session.events <- &agent.Event{Type: agent.EventUserTranscript, Text: "hello?"}
	session.events <- &agent.Event{Type: agent.EventAgentResponse, Text: "hi, quick question for you"}

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.saved) == 2
	})
	sink.mu.Lock()
	saved := append([]savedMsg(nil), sink.saved...)
	sink.mu.Unlock()
	if saved[0].role != "user" || saved[0].text != "hello?" {
		t.Fatalf("first saved = %+v", saved[0])
	}
	if saved[1].role != "agent" || saved[1].callSID != "CA104" {
		t.Fatalf("second saved = %+v", saved[1])
	}

	close(conn.in)
	waitDone(t, done)
}

func TestBridgeSignalsAgentCompletion(t *testing.T) {
	conn := newFakeConn()
	session := newFakeSession()
	sig := newFakeSignaler()
	deps := Deps{Opener: &fakeOpener{session: session}, Signaler: sig, Sink: &fakeSink{}}

	conn.queue(startFrame("CA105"))
	done := runBridge(t, conn, deps)

	session.events <- &agent.Event{Type: agent.EventConversationComplete}
	waitFor(t, func() bool { _, ok := sig.first(); return ok })

	got, _ := sig.first()
	want := signal{"CA105", models.TerminatedByAgent, "conversation_complete"}
	if got != want {
		t.Fatalf("signal = %+v, want %+v", got, want)
	}

	// Carrier stop arrives after the lifecycle hangs up; the agent cause
	// must not be displaced.
	conn.queue(map[string]any{"event": "stop", "stop": map[string]string{"callSid": "CA105"}})
	waitDone(t, done)
	first, _ := sig.first()
	if first != want {
		t.Fatalf("first signal changed to %+v", first)
	}
}

func TestBridgeSignalsUserHangupOnStop(t *testing.T) {
	conn := newFakeConn()
	session := newFakeSession()
	sig := newFakeSignaler()
	deps := Deps{Opener: &fakeOpener{session: session}, Signaler: sig, Sink: &fakeSink{}}

	conn.queue(startFrame("CA106"))
	done := runBridge(t, conn, deps)

	conn.queue(map[string]any{"event": "stop", "stop": map[string]string{"callSid": "CA106"}})
	waitDone(t, done)

	got, ok := sig.first()
	if !ok || got.terminatedBy != models.TerminatedByUser || got.reason != "user_hangup" {
		t.Fatalf("signal = %+v, want user/user_hangup", got)
	}
	session.mu.Lock()
	closed := session.closed
	session.mu.Unlock()
	if !closed {
		t.Fatal("agent session should be closed after stop")
	}
}

func TestBridgeSignalsAgentDisconnect(t *testing.T) {
	conn := newFakeConn()
	session := newFakeSession()
	sig := newFakeSignaler()
	deps := Deps{Opener: &fakeOpener{session: session}, Signaler: sig, Sink: &fakeSink{}}

	conn.queue(startFrame("CA107"))
	done := runBridge(t, conn, deps)

	session.Close() // agent drops mid-call without completing

	waitFor(t, func() bool { _, ok := sig.first(); return ok })
	got, _ := sig.first()
	if got.terminatedBy != models.TerminatedBySystem || got.reason != "agent_disconnected" {
		t.Fatalf("signal = %+v, want system/agent_disconnected", got)
	}

	close(conn.in)
	waitDone(t, done)
}

func TestBridgeFailsWithoutStart(t *testing.T) {
	conn := newFakeConn()
	sig := newFakeSignaler()
	deps := Deps{Opener: &fakeOpener{session: newFakeSession()}, Signaler: sig, Sink: &fakeSink{}}

	close(conn.in) // carrier disconnects before start
	b := New(conn, deps)
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("expected error when no start frame arrives")
	}
}

func TestBridgeSessionOpenFailure(t *testing.T) {
	conn := newFakeConn()
	sig := newFakeSignaler()
	opener := &fakeOpener{err: errors.New("signed url rejected")}
	deps := Deps{Opener: opener, Signaler: sig, Sink: &fakeSink{}}

	conn.queue(startFrame("CA108"))
	b := New(conn, deps)
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("expected error when the agent session cannot open")
	}
	got, ok := sig.first()
	if !ok || got.reason != "agent_session_failed" {
		t.Fatalf("signal = %+v, want system/agent_session_failed", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
