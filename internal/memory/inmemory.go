package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore keeps transcripts in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Transcript
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Transcript)}
}

func (s *InMemoryStore) SaveTranscript(_ context.Context, t Transcript) error {
	t = normalize(t, uuid.NewString)
	t.Entries = append([]Entry(nil), t.Entries...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[t.UserID] = append(s.records[t.UserID], t)
	return nil
}

func (s *InMemoryStore) RecentTranscripts(_ context.Context, userID string, limit int) ([]Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Transcript, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		t := arr[i]
		t.Entries = append([]Entry(nil), t.Entries...)
		out = append(out, t)
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
