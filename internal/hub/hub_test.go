package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, s *Subscriber, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishReachesSubscribers(t *testing.T) {
	h := New()
	s := h.Subscribe("calls")
	defer h.Unsubscribe(s)

	h.Publish("calls", "call_update", map[string]string{"call_sid": "CA1"})
	evs := collect(t, s, 1)
	if evs[0].Topic != "calls" || evs[0].Type != "call_update" {
		t.Fatalf("event = %+v", evs[0])
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	h := New()
	s := h.Subscribe("call:CA1")
	defer h.Unsubscribe(s)

	h.Publish("call:CA2", "call_update", nil)
	h.Publish("call:CA1", "call_update", nil)

	evs := collect(t, s, 1)
	if evs[0].Topic != "call:CA1" {
		t.Fatalf("got event for %q, want call:CA1", evs[0].Topic)
	}
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplayOnSubscribe(t *testing.T) {
	h := New()
	for i := 0; i < 10; i++ {
		h.Publish("calls", "call_update", i)
	}

	s := h.Subscribe("calls")
	defer h.Unsubscribe(s)
	evs := collect(t, s, 10)
	for i, ev := range evs {
		if ev.Data.(int) != i {
			t.Fatalf("replay out of order at %d: %+v", i, ev)
		}
	}
}

func TestReplayBufferBounded(t *testing.T) {
	h := New()
	for i := 0; i < replayDepth+25; i++ {
		h.Publish("calls", "call_update", i)
	}

	s := h.Subscribe("calls")
	defer h.Unsubscribe(s)
	evs := collect(t, s, replayDepth)
	if first := evs[0].Data.(int); first != 25 {
		t.Fatalf("oldest replayed = %d, want 25", first)
	}
	if last := evs[len(evs)-1].Data.(int); last != replayDepth+24 {
		t.Fatalf("newest replayed = %d, want %d", last, replayDepth+24)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := New()
	s := h.Subscribe("calls")
	defer h.Unsubscribe(s)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Publish("calls", "call_update", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	if s.Dropped() == 0 {
		t.Fatal("expected drops for a subscriber that never reads")
	}
}

func TestUnsubscribeSignalsClosed(t *testing.T) {
	h := New()
	s := h.Subscribe("calls")
	h.Unsubscribe(s)
	h.Unsubscribe(s) // idempotent

	select {
	case <-s.Closed():
	default:
		t.Fatal("Closed not signalled after Unsubscribe")
	}
	h.Publish("calls", "call_update", nil) // must not panic
}

func TestPublishUnsubscribeRace(t *testing.T) {
	// A dashboard client disconnecting mid-publish must never crash a
	// publishing goroutine. Publishers snapshot the subscriber set outside
	// the topic lock, so sends can land after removal; they have to resolve
	// against the closed signal, not a closed channel.
	h := New()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			h.Publish("calls", "status_update", i)
		}
	}()

	for i := 0; i < 200; i++ {
		s := h.Subscribe("calls")
		h.Unsubscribe(s)
	}

	close(stop)
	wg.Wait()
}

func TestTypewriterChunksAccumulate(t *testing.T) {
	h := New()
	s := h.Subscribe("transcript:CA1")
	defer h.Unsubscribe(s)

	tw := NewTypewriter(h)
	tw.SetPacing(3, time.Millisecond)
	tw.Stream("CA1", 1, "agent", "hello world", 1.5)
	tw.FinishCall(tw.waitKey("CA1"))

	// 11 runes, chunk 3: partials at 3, 6, 9 runes plus the final frame.
	evs := collect(t, s, 4)
	wantTexts := []string{"hel", "hello ", "hello wor", "hello world"}
	for i, ev := range evs {
		chunk := ev.Data.(TranscriptChunk)
		if chunk.Text != wantTexts[i] {
			t.Fatalf("chunk %d text = %q, want %q", i, chunk.Text, wantTexts[i])
		}
		if chunk.Sequence != 1 || chunk.Role != "agent" {
			t.Fatalf("chunk %d metadata = %+v", i, chunk)
		}
		if final := i == len(wantTexts)-1; chunk.Final != final {
			t.Fatalf("chunk %d final = %v, want %v", i, chunk.Final, final)
		}
	}
}

func TestTypewriterPerCallOrdering(t *testing.T) {
	h := New()
	s := h.Subscribe("transcript:CA1")
	defer h.Unsubscribe(s)

	tw := NewTypewriter(h)
	tw.SetPacing(100, 0) // one final frame per message
	for i := 1; i <= 5; i++ {
		tw.Stream("CA1", i, "agent", fmt.Sprintf("message %d", i), 0)
	}
	tw.FinishCall("CA1")
	tw.Wait()

	evs := collect(t, s, 5)
	for i, ev := range evs {
		chunk := ev.Data.(TranscriptChunk)
		if chunk.Sequence != i+1 {
			t.Fatalf("frame %d sequence = %d, want %d", i, chunk.Sequence, i+1)
		}
		if !chunk.Final {
			t.Fatalf("frame %d should be final with oversized chunking", i)
		}
	}
}

func TestFinishCallReleasesWait(t *testing.T) {
	tw := NewTypewriter(New())
	tw.SetPacing(100, 0)
	tw.Stream("CA1", 1, "agent", "goodbye", 0)
	tw.Stream("CA2", 1, "agent", "goodbye", 0)

	tw.FinishCall(tw.waitKey("CA1"))
	tw.FinishCall(tw.waitKey("CA2"))
	tw.FinishCall("CA3") // unknown sid is a no-op

	done := make(chan struct{})
	go func() {
		tw.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after every stream finished")
	}

	tw.mu.Lock()
	remaining := len(tw.calls)
	tw.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected empty stream map, %d entries left", remaining)
	}
}

// waitKey returns the call sid after the stream goroutine has had a chance
// to drain; it exists so FinishCall in tests does not race the last emit.
func (tw *Typewriter) waitKey(callSID string) string {
	for i := 0; i < 200; i++ {
		tw.mu.Lock()
		ch, ok := tw.calls[callSID]
		pending := ok && len(ch) > 0
		tw.mu.Unlock()
		if !pending {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return callSID
}
