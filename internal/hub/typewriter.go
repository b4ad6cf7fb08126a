package hub

import (
	"sync"
	"time"
)

// Typewriter chunk pacing. Agent utterances surface on the dashboard a few
// characters at a time so operators can follow along while audio plays.
const (
	typewriterChunk    = 3
	typewriterInterval = 40 * time.Millisecond
)

// TranscriptChunk is one typewriter frame. Text accumulates across chunks;
// Final marks the last frame, which always carries the full message.
type TranscriptChunk struct {
	CallSID  string  `json:"call_sid"`
	Sequence int     `json:"sequence"`
	Role     string  `json:"role"`
	Text     string  `json:"text"`
	Offset   float64 `json:"offset_seconds"`
	Final    bool    `json:"final"`
}

// Typewriter streams transcript messages to the hub progressively. Chunks
// for one call are emitted in order; different calls stream independently.
type Typewriter struct {
	hub      *Hub
	chunk    int
	interval time.Duration

	mu    sync.Mutex
	calls map[string]chan streamJob
	wg    sync.WaitGroup
}

type streamJob struct {
	seq    int
	role   string
	text   string
	offset float64
}

// NewTypewriter creates a typewriter over h with production pacing.
func NewTypewriter(h *Hub) *Typewriter {
	return &Typewriter{hub: h, chunk: typewriterChunk, interval: typewriterInterval, calls: make(map[string]chan streamJob)}
}

// SetPacing overrides chunk size and tick interval. Tests only.
func (tw *Typewriter) SetPacing(chunk int, interval time.Duration) {
	tw.chunk = chunk
	tw.interval = interval
}

// Stream queues one transcript message for progressive delivery on the
// "transcripts" and "transcript:{sid}" topics. Messages for the same call
// are streamed strictly in submission order.
func (tw *Typewriter) Stream(callSID string, sequence int, role, text string, offset float64) {
	tw.mu.Lock()
	ch, ok := tw.calls[callSID]
	if !ok {
		ch = make(chan streamJob, 32)
		tw.calls[callSID] = ch
		tw.wg.Add(1)
		go tw.run(callSID, ch)
	}
	tw.mu.Unlock()
	ch <- streamJob{seq: sequence, role: role, text: text, offset: offset}
}

// FinishCall closes the call's stream once its transcript is complete.
func (tw *Typewriter) FinishCall(callSID string) {
	tw.mu.Lock()
	ch, ok := tw.calls[callSID]
	if ok {
		delete(tw.calls, callSID)
	}
	tw.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Wait blocks until every in-flight stream has drained. Shutdown only.
func (tw *Typewriter) Wait() { tw.wg.Wait() }

func (tw *Typewriter) run(callSID string, jobs <-chan streamJob) {
	defer tw.wg.Done()
	for job := range jobs {
		tw.emit(callSID, job)
	}
}

func (tw *Typewriter) emit(callSID string, job streamJob) {
	runes := []rune(job.text)
	for i := tw.chunk; i < len(runes); i += tw.chunk {
		tw.publish(callSID, TranscriptChunk{
			CallSID: callSID, Sequence: job.seq, Role: job.role,
			Text: string(runes[:i]), Offset: job.offset,
		})
		time.Sleep(tw.interval)
	}
	tw.publish(callSID, TranscriptChunk{
		CallSID: callSID, Sequence: job.seq, Role: job.role,
		Text: job.text, Offset: job.offset, Final: true,
	})
}

func (tw *Typewriter) publish(callSID string, chunk TranscriptChunk) {
	eventType := "transcript_partial"
	if chunk.Final {
		eventType = "transcript_message"
	}
	tw.hub.Publish("transcripts", eventType, chunk)
	tw.hub.Publish("transcript:"+callSID, eventType, chunk)
}
