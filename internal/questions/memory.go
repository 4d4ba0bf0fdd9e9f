package questions

import (
	"context"
	"sync"
)

// MemorySource is an in-memory question pool, used when the server runs
// without a database and in tests.
type MemorySource struct {
	mu   sync.Mutex
	pool []Question
}

func NewMemorySource(pool ...Question) *MemorySource {
	return &MemorySource{pool: pool}
}

func (m *MemorySource) Add(q Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool = append(m.pool, q)
}

func (m *MemorySource) Candidates(_ context.Context, category, difficulty string) ([]Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Question
	for _, q := range m.pool {
		if q.Category != category {
			continue
		}
		if difficulty != DifficultyAny && q.Difficulty != difficulty {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}
