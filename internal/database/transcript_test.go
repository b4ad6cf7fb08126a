package database

import (
	"context"
	"testing"

	"github.com/dialcast/dialcast/internal/database/models"
)

func seedCall(t *testing.T, db *DB, callSID string) {
	t.Helper()
	if err := NewCallRepository(db).Upsert(context.Background(), &models.Call{
		CallSID: callSID, Status: models.CallInProgress,
	}); err != nil {
		t.Fatalf("seeding call %s: %v", callSID, err)
	}
}

func TestTranscriptSequencesGapless(t *testing.T) {
	db := openTestDB(t)
	seedCall(t, db, "CA100")
	repo := NewTranscriptRepository(db)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		seq, err := repo.Append(ctx, &models.TranscriptMessage{
			CallSID: "CA100", Role: "user", Text: "hi", Source: models.TranscriptRealtime,
		})
		if err != nil {
			t.Fatalf("Append() #%d error: %v", i, err)
		}
		if seq != i {
			t.Errorf("sequence = %d, want %d", seq, i)
		}
	}

	msgs, err := repo.ListByCall(ctx, "CA100")
	if err != nil {
		t.Fatalf("ListByCall() error: %v", err)
	}
	for i, m := range msgs {
		if m.Sequence != i+1 {
			t.Errorf("msg[%d].Sequence = %d, want %d", i, m.Sequence, i+1)
		}
	}
}

func TestTranscriptAppendDedupByExternalID(t *testing.T) {
	db := openTestDB(t)
	seedCall(t, db, "CA101")
	repo := NewTranscriptRepository(db)
	ctx := context.Background()

	msg := &models.TranscriptMessage{
		CallSID: "CA101", Role: "agent", Text: "how can I help?",
		Source: models.TranscriptRealtime, ExternalID: "evt-42",
	}
	seq1, err := repo.Append(ctx, msg)
	if err != nil {
		t.Fatalf("first Append() error: %v", err)
	}
	seq2, err := repo.Append(ctx, &models.TranscriptMessage{
		CallSID: "CA101", Role: "agent", Text: "how can I help?",
		Source: models.TranscriptRealtime, ExternalID: "evt-42",
	})
	if err != nil {
		t.Fatalf("second Append() error: %v", err)
	}
	if seq1 != seq2 {
		t.Errorf("duplicate append allocated new sequence: %d vs %d", seq1, seq2)
	}

	msgs, err := repo.ListByCall(ctx, "CA101")
	if err != nil {
		t.Fatalf("ListByCall() error: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("message count = %d, want 1", len(msgs))
	}
}

func TestTranscriptPerCallSequences(t *testing.T) {
	db := openTestDB(t)
	seedCall(t, db, "CA102")
	seedCall(t, db, "CA103")
	repo := NewTranscriptRepository(db)
	ctx := context.Background()

	seqA, err := repo.Append(ctx, &models.TranscriptMessage{CallSID: "CA102", Role: "agent", Text: "a", Source: models.TranscriptRealtime})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	seqB, err := repo.Append(ctx, &models.TranscriptMessage{CallSID: "CA103", Role: "agent", Text: "b", Source: models.TranscriptRealtime})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if seqA != 1 || seqB != 1 {
		t.Errorf("sequences = %d, %d; both should start at 1", seqA, seqB)
	}
}

func TestReplaceFinalizedRetainsRealtime(t *testing.T) {
	db := openTestDB(t)
	seedCall(t, db, "CA104")
	repo := NewTranscriptRepository(db)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := repo.Append(ctx, &models.TranscriptMessage{
			CallSID: "CA104", Role: "user", Text: "live", Source: models.TranscriptRealtime,
		}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	final := []models.TranscriptMessage{
		{Role: "agent", Text: "hello there", OffsetSeconds: 0.5},
		{Role: "user", Text: "hi", OffsetSeconds: 2.1},
		{Role: "agent", Text: "goodbye", OffsetSeconds: 18.0},
	}
	if err := repo.ReplaceFinalized(ctx, "CA104", final); err != nil {
		t.Fatalf("ReplaceFinalized() error: %v", err)
	}

	realtime, err := repo.ListByCallSource(ctx, "CA104", models.TranscriptRealtime)
	if err != nil {
		t.Fatalf("ListByCallSource(realtime) error: %v", err)
	}
	if len(realtime) != 2 {
		t.Errorf("realtime messages = %d, want 2 (retained for audit)", len(realtime))
	}

	finalized, err := repo.ListByCallSource(ctx, "CA104", models.TranscriptFinalized)
	if err != nil {
		t.Fatalf("ListByCallSource(finalized) error: %v", err)
	}
	if len(finalized) != 3 {
		t.Fatalf("finalized messages = %d, want 3", len(finalized))
	}

	// Second replace swaps the finalized section, not appends to it.
	if err := repo.ReplaceFinalized(ctx, "CA104", final[:1]); err != nil {
		t.Fatalf("second ReplaceFinalized() error: %v", err)
	}
	finalized, err = repo.ListByCallSource(ctx, "CA104", models.TranscriptFinalized)
	if err != nil {
		t.Fatalf("ListByCallSource(finalized) error: %v", err)
	}
	if len(finalized) != 1 {
		t.Errorf("finalized messages after swap = %d, want 1", len(finalized))
	}
}
