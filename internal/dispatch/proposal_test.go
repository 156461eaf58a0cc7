package dispatch

import (
	"fmt"
	"testing"
	"time"
)

type proposalClock struct {
	t time.Time
}

func (c *proposalClock) now() time.Time          { return c.t }
func (c *proposalClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newProposalEnv(ttl time.Duration, limit int) (*proposalStore, *proposalClock) {
	clock := &proposalClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return newProposalStore(ttl, limit, clock.now), clock
}

func TestProposalStore_TakeIsSingleUse(t *testing.T) {
	s, _ := newProposalEnv(10*time.Minute, 0)

	id := s.Put("delete_task", `{"id":"t-1"}`, "alice")
	if id == "" {
		t.Fatal("put must mint an id")
	}

	p, ok := s.Take(id)
	if !ok || p.Tool != "delete_task" || p.UserID != "alice" || p.ID != id {
		t.Fatalf("take: ok=%v p=%+v", ok, p)
	}
	if _, ok := s.Take(id); ok {
		t.Fatal("second take must miss")
	}
}

func TestProposalStore_PeekDoesNotConsume(t *testing.T) {
	s, _ := newProposalEnv(10*time.Minute, 0)

	id := s.Put("archive_task", `{"id":"t-2"}`, "bob")
	for i := 0; i < 3; i++ {
		if _, ok := s.Peek(id); !ok {
			t.Fatalf("peek %d must hit", i)
		}
	}
	if _, ok := s.Take(id); !ok {
		t.Fatal("take after peeks must still hit")
	}
}

func TestProposalStore_Expiry(t *testing.T) {
	s, clock := newProposalEnv(10*time.Minute, 0)

	id := s.Put("delete_task", `{}`, "alice")
	clock.advance(11 * time.Minute)

	if _, ok := s.Peek(id); ok {
		t.Fatal("expired proposal must not peek")
	}
	if _, ok := s.Take(id); ok {
		t.Fatal("expired proposal must not take")
	}
}

func TestProposalStore_RestoreAllowsRetake(t *testing.T) {
	s, clock := newProposalEnv(10*time.Minute, 0)

	id := s.Put("delete_task", `{"id":"t-3"}`, "alice")
	p, ok := s.Take(id)
	if !ok {
		t.Fatal("take must hit")
	}

	if !s.Restore(p) {
		t.Fatal("restore within the ttl must succeed")
	}
	again, ok := s.Take(id)
	if !ok || again.Input != p.Input {
		t.Fatalf("retake after restore: ok=%v p=%+v", ok, again)
	}

	// An expired proposal stays gone.
	clock.advance(11 * time.Minute)
	if s.Restore(again) {
		t.Fatal("restore past the ttl must refuse")
	}
	if _, ok := s.Take(id); ok {
		t.Fatal("refused restore must not re-file")
	}
}

func TestProposalStore_CapEvictsOldest(t *testing.T) {
	s, clock := newProposalEnv(time.Hour, 3)

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = s.Put("delete_task", fmt.Sprintf(`{"n":%d}`, i), "alice")
		clock.advance(time.Second)
	}

	if got := s.Len(); got != 3 {
		t.Fatalf("len = %d, want cap 3", got)
	}
	if _, ok := s.Peek(ids[0]); ok {
		t.Fatal("oldest hold must have been evicted")
	}
	for _, id := range ids[1:] {
		if _, ok := s.Peek(id); !ok {
			t.Fatalf("newer hold %s must survive", id)
		}
	}
}

func TestProposalStore_PurgeDropsExpired(t *testing.T) {
	s, clock := newProposalEnv(10*time.Minute, 0)

	s.Put("delete_task", `{}`, "alice")
	s.Put("delete_task", `{}`, "bob")
	clock.advance(11 * time.Minute)

	// The next put triggers the lazy purge.
	live := s.Put("delete_task", `{}`, "carol")
	if got := s.Len(); got != 1 {
		t.Fatalf("len = %d, want only the live hold", got)
	}
	if _, ok := s.Peek(live); !ok {
		t.Fatal("live hold must survive the purge")
	}
}
