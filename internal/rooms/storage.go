package rooms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quizroom/internal/events"
	"quizroom/internal/questions"
)

// Finished rooms stay queryable for late result reads, then get swept.
const finishedTTL = 1 * time.Hour

// Rooms that never start also get reclaimed eventually.
const idleTTL = 4 * time.Hour

// CodeChecker consults the durable store for codes already in use by another
// process. Nil when the server runs without a database.
type CodeChecker interface {
	CodeInUse(ctx context.Context, code string) (bool, error)
}

// Store owns the room code → session mapping.
type Store struct {
	mu      sync.Mutex
	rooms   map[string]*Session
	bus     *events.Bus
	checker CodeChecker
}

func NewStore(bus *events.Bus, checker CodeChecker) *Store {
	s := &Store{
		rooms:   make(map[string]*Session),
		bus:     bus,
		checker: checker,
	}
	go s.sweepStale()
	return s
}

// Create allocates a session under a fresh collision-checked code. The
// question sequence is fixed here and never changes for the room's lifetime.
func (s *Store) Create(ctx context.Context, hostID string, settings Settings, sequence []questions.Question) (*Session, error) {
	// Try up to 10 times to generate a unique code
	for i := 0; i < 10; i++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, fmt.Errorf("generating room code: %w", err)
		}

		s.mu.Lock()
		_, taken := s.rooms[code]
		s.mu.Unlock()
		if taken {
			continue
		}

		if s.checker != nil {
			inUse, err := s.checker.CodeInUse(ctx, code)
			if err != nil {
				return nil, fmt.Errorf("checking room code: %w", err)
			}
			if inUse {
				continue
			}
		}

		sess := NewSession(code, hostID, settings, sequence, s.bus)

		s.mu.Lock()
		if _, raced := s.rooms[code]; raced {
			s.mu.Unlock()
			continue
		}
		s.rooms[code] = sess
		s.mu.Unlock()
		return sess, nil
	}
	return nil, fmt.Errorf("failed to generate unique room code after 10 attempts")
}

func (s *Store) Get(code string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[code]
}

// Exists satisfies the registry's active-room check.
func (s *Store) Exists(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[code]
	return ok
}

// Members resolves current room membership for the broadcaster.
func (s *Store) Members(code string) []string {
	s.mu.Lock()
	sess := s.rooms[code]
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Members()
}

func (s *Store) Delete(code string) {
	s.mu.Lock()
	sess := s.rooms[code]
	delete(s.rooms, code)
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Session, 0, len(s.rooms))
	for _, r := range s.rooms {
		list = append(list, r)
	}
	return list
}

func (s *Store) sweepStale() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		for _, sess := range s.List() {
			evict := false
			switch sess.Status() {
			case StatusFinished:
				evict = now.Sub(sess.FinishedAt()) > finishedTTL
			case StatusWaiting:
				evict = now.Sub(sess.CreatedAt()) > idleTTL
			}
			if evict {
				s.Delete(sess.Code())
			}
		}
	}
}
