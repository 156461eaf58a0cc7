package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultProposalCap bounds how many held calls one process keeps. The
// oldest hold is evicted when a new one would push past the cap.
const defaultProposalCap = 512

// Proposal is a tool call held for a human decision: the tool, its raw
// input, and the identity that proposed it.
type Proposal struct {
	ID        string
	Tool      string
	Input     string
	UserID    string
	CreatedAt time.Time
}

// proposalStore keeps proposals in memory under a TTL and a hard size
// cap. Take is an atomic get-and-delete so a proposal resolves at most
// once; Restore re-files a taken proposal after a failed execution so
// the approval is not burned by a transient error.
type proposalStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	limit     int
	now       func() time.Time
	held      map[string]Proposal
	lastPurge time.Time
}

func newProposalStore(ttl time.Duration, limit int, now func() time.Time) *proposalStore {
	if limit <= 0 {
		limit = defaultProposalCap
	}
	return &proposalStore{
		ttl:   ttl,
		limit: limit,
		now:   now,
		held:  make(map[string]Proposal),
	}
}

// Put files a new proposal and returns its minted id.
func (s *proposalStore) Put(tool, input, userID string) string {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(now)
	if len(s.held) >= s.limit {
		s.evictOldestLocked()
	}
	id := uuid.NewString()
	s.held[id] = Proposal{
		ID:        id,
		Tool:      tool,
		Input:     input,
		UserID:    userID,
		CreatedAt: now,
	}
	return id
}

// Take removes and returns the proposal. A second Take of the same id
// misses, as does a Take after the TTL has passed.
func (s *proposalStore) Take(id string) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.held[id]
	if !ok {
		return Proposal{}, false
	}
	delete(s.held, id)
	if s.now().Sub(p.CreatedAt) > s.ttl {
		return Proposal{}, false
	}
	return p, true
}

// Peek returns the proposal without consuming it.
func (s *proposalStore) Peek(id string) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.held[id]
	if !ok || s.now().Sub(p.CreatedAt) > s.ttl {
		return Proposal{}, false
	}
	return p, true
}

// Restore re-files a taken proposal under its original id so the caller
// can decide it again. An expired proposal stays gone.
func (s *proposalStore) Restore(p Proposal) bool {
	now := s.now()
	if now.Sub(p.CreatedAt) > s.ttl {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.held) >= s.limit {
		s.evictOldestLocked()
	}
	s.held[p.ID] = p
	return true
}

func (s *proposalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// purgeLocked drops expired holds, at most once per TTL interval.
func (s *proposalStore) purgeLocked(now time.Time) {
	if now.Sub(s.lastPurge) < s.ttl {
		return
	}
	s.lastPurge = now
	for id, p := range s.held {
		if now.Sub(p.CreatedAt) > s.ttl {
			delete(s.held, id)
		}
	}
}

func (s *proposalStore) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for id, p := range s.held {
		if oldest == "" || p.CreatedAt.Before(oldestAt) {
			oldest = id
			oldestAt = p.CreatedAt
		}
	}
	if oldest != "" {
		delete(s.held, oldest)
	}
}
