package lifecycle

import (
	"sync"
	"time"
)

// Cause is one candidate explanation for a call ending.
type Cause struct {
	TerminatedBy string // "agent" | "user" | "system" | "carrier" | "unknown"
	Reason       string
	At           time.Time
}

// terminationRecord holds the winning cause plus an audit trail of the
// causes that arrived after it.
type terminationRecord struct {
	first      Cause
	subsequent []Cause
}

// Tracker is the single-writer record of why each call ended. Every
// candidate cause is submitted here; only the first wins and gets
// persisted, later ones are kept for forensic logging.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*terminationRecord
}

// NewTracker creates an empty termination tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*terminationRecord)}
}

// Submit records a candidate cause for callSID. It returns true when this
// cause is the first one, i.e. the caller should persist it.
func (t *Tracker) Submit(callSID, terminatedBy, reason string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cause := Cause{TerminatedBy: terminatedBy, Reason: reason, At: at}
	rec, ok := t.records[callSID]
	if !ok {
		t.records[callSID] = &terminationRecord{first: cause}
		return true
	}
	rec.subsequent = append(rec.subsequent, cause)
	return false
}

// First returns the winning cause for callSID, if any was submitted.
func (t *Tracker) First(callSID string) (Cause, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[callSID]
	if !ok {
		return Cause{}, false
	}
	return rec.first, true
}

// Audit returns the losing causes for callSID, in arrival order.
func (t *Tracker) Audit(callSID string) []Cause {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[callSID]
	if !ok {
		return nil
	}
	out := make([]Cause, len(rec.subsequent))
	copy(out, rec.subsequent)
	return out
}

// Forget drops the record for a finalized call. Audit data has been logged
// by then; keeping it would grow without bound.
func (t *Tracker) Forget(callSID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, callSID)
}
