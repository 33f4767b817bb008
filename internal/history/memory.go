package history

import (
	"context"
	"sync"
	"time"

	"github.com/quailyquaily/gemigram/llm"
)

const defaultMemoryMaxPerChat = 500

// MemoryStore keeps history in process memory, bounded per chat.
type MemoryStore struct {
	mu         sync.Mutex
	maxPerChat int
	turns      map[int64][]Turn
	now        func() time.Time
}

func NewMemoryStore(maxPerChat int) *MemoryStore {
	if maxPerChat <= 0 {
		maxPerChat = defaultMemoryMaxPerChat
	}
	return &MemoryStore{
		maxPerChat: maxPerChat,
		turns:      make(map[int64][]Turn),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Append(_ context.Context, chatID int64, role llm.Role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := append(s.turns[chatID], Turn{ChatID: chatID, Role: role, Text: text, CreatedAt: s.now()})
	if len(cur) > s.maxPerChat {
		cur = append([]Turn(nil), cur[len(cur)-s.maxPerChat:]...)
	}
	s.turns[chatID] = cur
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, chatID int64, limit int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.turns[chatID]
	if limit > 0 && len(cur) > limit {
		cur = cur[len(cur)-limit:]
	}
	return append([]Turn(nil), cur...), nil
}

func (s *MemoryStore) Clear(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, chatID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
