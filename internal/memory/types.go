package memory

import (
	"context"
	"time"
)

// Entry is one utterance of a stored transcript.
type Entry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is a completed voice call as persisted for later recall.
type Transcript struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CallID      string    `json:"call_id"`
	Entries     []Entry   `json:"entries"`
	PIIRedacted bool      `json:"pii_redacted"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists completed transcripts. RecentTranscripts returns the newest
// first.
type Store interface {
	SaveTranscript(ctx context.Context, t Transcript) error
	RecentTranscripts(ctx context.Context, userID string, limit int) ([]Transcript, error)
	Close() error
}

const defaultRecentLimit = 10

func normalize(t Transcript, newID func() string) Transcript {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Entries == nil {
		t.Entries = []Entry{}
	}
	return t
}
