package bridge

import (
	"context"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/hub"
)

// StoreSink persists realtime transcript messages and streams them to the
// dashboard with the typewriter effect. The sequence comes from the store,
// never from the provider, so the per-call ordering is gapless.
type StoreSink struct {
	Transcripts database.TranscriptRepository
	Typewriter  *hub.Typewriter
}

// SaveTranscript implements TranscriptSink.
func (s *StoreSink) SaveTranscript(ctx context.Context, callSID, role, text string, offset float64) (int, error) {
	seq, err := s.Transcripts.Append(ctx, &models.TranscriptMessage{
		CallSID:       callSID,
		Role:          role,
		Text:          text,
		OffsetSeconds: offset,
		Source:        models.TranscriptRealtime,
	})
	if err != nil {
		return 0, err
	}
	if s.Typewriter != nil {
		s.Typewriter.Stream(callSID, seq, role, text, offset)
	}
	return seq, nil
}
