package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/genkit"

	"github.com/boardpilot/boardpilot/internal/action"
	"github.com/boardpilot/boardpilot/internal/agent"
	"github.com/boardpilot/boardpilot/internal/board"
	"github.com/boardpilot/boardpilot/internal/bus"
	"github.com/boardpilot/boardpilot/internal/dispatch"
	"github.com/boardpilot/boardpilot/internal/ledger"
	"github.com/boardpilot/boardpilot/internal/ratelimit"
	"github.com/boardpilot/boardpilot/internal/store"
	"github.com/boardpilot/boardpilot/internal/undo"
	"github.com/boardpilot/boardpilot/internal/webhook"
)

// fakeBrain records every run and answers with canned text.
type fakeBrain struct {
	mu   sync.Mutex
	runs []agent.RunRequest
	ctxs []context.Context
	text string
}

func (b *fakeBrain) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs = append(b.runs, req)
	b.ctxs = append(b.ctxs, ctx)
	return &agent.RunResult{Text: b.text}, nil
}

func (b *fakeBrain) runCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

func (b *fakeBrain) last() (agent.RunRequest, context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs[len(b.runs)-1], b.ctxs[len(b.ctxs)-1]
}

type nopStorage struct{}

func (nopStorage) InsertActivity(context.Context, ledger.Record) error { return nil }
func (nopStorage) GetActivity(context.Context, string) (*ledger.Record, error) {
	return nil, nil
}
func (nopStorage) MarkActivityRolledBack(context.Context, string) (bool, error) {
	return false, nil
}
func (nopStorage) RestoreActivityCompleted(context.Context, string) (bool, error) {
	return false, nil
}

type runnerEnv struct {
	g          *genkit.Genkit
	brain      *fakeBrain
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	undo       *undo.Engine
	events     *bus.Bus
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()
	g := genkit.Init(context.Background())
	b := board.NewMemory()
	catalog, err := dispatch.NewCatalog(b)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	recorder := ledger.NewRecorder(ledger.Config{Storage: nopStorage{}})
	t.Cleanup(recorder.Close)
	dispatcher := dispatch.New(dispatch.Config{Catalog: catalog, Recorder: recorder})
	return &runnerEnv{
		g:          g,
		brain:      &fakeBrain{text: "done"},
		registry:   dispatch.NewRegistry(g, dispatcher),
		dispatcher: dispatcher,
		undo:       undo.New(undo.Config{Board: b, Storage: nopStorage{}}),
		events:     bus.New(),
	}
}

func (e *runnerEnv) sessions(limiter *ratelimit.Limiter, userLimit, orgLimit ratelimit.Config) *agent.SessionRunner {
	return agent.NewSessionRunner(agent.SessionConfig{
		Genkit:     e.g,
		Brain:      e.brain,
		Registry:   e.registry,
		Dispatcher: e.dispatcher,
		Undo:       e.undo,
		Limiter:    limiter,
		UserLimit:  userLimit,
		OrgLimit:   orgLimit,
	})
}

func (e *runnerEnv) triggers(limiter *ratelimit.Limiter, orgLimit ratelimit.Config) *agent.TriggerRunner {
	return agent.NewTriggerRunner(agent.TriggerConfig{
		Genkit:   e.g,
		Brain:    e.brain,
		Registry: e.registry,
		Limiter:  limiter,
		Bus:      e.events,
		OrgLimit: orgLimit,
	})
}

func member(user string) action.Context {
	return action.NewContext("org-1", "proj-1", user, "sess-1", "tok-"+user)
}

func TestHandleMessage_RunsWithFullToolset(t *testing.T) {
	env := newRunnerEnv(t)
	sessions := env.sessions(nil, ratelimit.Config{}, ratelimit.Config{})

	result, err := sessions.HandleMessage(context.Background(), member("alice"), "list my tasks")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Text != "done" {
		t.Fatalf("result: %+v", result)
	}

	req, ctx := env.brain.last()
	// Full profile plus the undo tool.
	want := len(env.registry.ToolRefs(dispatch.FullProfile())) + 1
	if len(req.Tools) != want {
		t.Fatalf("toolset: got %d, want %d", len(req.Tools), want)
	}
	actx, ok := action.FromContext(ctx)
	if !ok || actx.UserID != "alice" || actx.Trusted {
		t.Fatalf("acting identity lost: %+v", actx)
	}
	if req.Instruction != "list my tasks" {
		t.Fatalf("instruction: %q", req.Instruction)
	}
}

func TestHandleMessage_RateLimited(t *testing.T) {
	env := newRunnerEnv(t)
	limiter := ratelimit.New()
	userLimit := ratelimit.Config{MaxRequests: 1, Window: time.Minute}
	sessions := env.sessions(limiter, userLimit, ratelimit.Config{})

	if _, err := sessions.HandleMessage(context.Background(), member("alice"), "first"); err != nil {
		t.Fatalf("first message: %v", err)
	}
	_, err := sessions.HandleMessage(context.Background(), member("alice"), "second")
	if !errors.Is(err, action.ErrLimitExceeded) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if env.brain.runCount() != 1 {
		t.Fatalf("throttled message must not reach the model, got %d runs", env.brain.runCount())
	}
	// Another user is unaffected.
	if _, err := sessions.HandleMessage(context.Background(), member("bob"), "hello"); err != nil {
		t.Fatalf("bob should pass: %v", err)
	}
}

func TestRunSchedule_UsesTrustedReducedIdentity(t *testing.T) {
	env := newRunnerEnv(t)
	triggers := env.triggers(nil, ratelimit.Config{})
	sub := env.events.Subscribe(bus.TopicTriggerFired)
	defer env.events.Unsubscribe(sub)

	err := triggers.RunSchedule(context.Background(), store.Schedule{
		ID: "sched-1", OrgID: "org-1", ProjectID: "proj-1",
		Name: "grooming", Instruction: "archive stale tasks",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	req, ctx := env.brain.last()
	actx, ok := action.FromContext(ctx)
	if !ok || !actx.Trusted || actx.UserID != agent.SchedulerUserID {
		t.Fatalf("schedule runs must act as the trusted scheduler identity: %+v", actx)
	}
	if !strings.Contains(req.Instruction, "archive stale tasks") {
		t.Fatalf("instruction lost: %q", req.Instruction)
	}
	// Reduced profile, no undo tool, no delegation configured.
	if want := len(env.registry.ToolRefs(dispatch.SubAgentProfile())); len(req.Tools) != want {
		t.Fatalf("trigger toolset: got %d, want %d", len(req.Tools), want)
	}

	select {
	case ev := <-sub.Ch():
		te, ok := ev.Payload.(bus.TriggerEvent)
		if !ok || te.Kind != "schedule" || te.SourceID != "sched-1" {
			t.Fatalf("trigger event: %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("trigger event not published")
	}
}

func TestTriggerWebhook_RunsAndAnnounces(t *testing.T) {
	env := newRunnerEnv(t)
	triggers := env.triggers(nil, ratelimit.Config{})
	sub := env.events.Subscribe(bus.TopicTriggerFired)
	defer env.events.Unsubscribe(sub)

	triggers.TriggerWebhook(context.Background(), webhook.Delivery{
		WebhookID: "wh-1", OrgID: "org-1", ProjectID: "proj-1",
		Event: "issue.opened", Payload: []byte(`{"title":"crash"}`),
	})

	if env.brain.runCount() != 1 {
		t.Fatalf("expected one run, got %d", env.brain.runCount())
	}
	req, ctx := env.brain.last()
	actx, _ := action.FromContext(ctx)
	if actx.UserID != agent.WebhookUserID || !actx.Trusted {
		t.Fatalf("webhook identity: %+v", actx)
	}
	if !strings.Contains(req.Instruction, "issue.opened") || !strings.Contains(req.Instruction, "crash") {
		t.Fatalf("event not surfaced to the agent: %q", req.Instruction)
	}

	select {
	case ev := <-sub.Ch():
		if te := ev.Payload.(bus.TriggerEvent); te.Kind != "webhook" || te.SourceID != "wh-1" {
			t.Fatalf("trigger event: %+v", te)
		}
	case <-time.After(time.Second):
		t.Fatal("trigger event not published")
	}
}

func TestTriggerMention_RunsAndAnnounces(t *testing.T) {
	env := newRunnerEnv(t)
	triggers := env.triggers(nil, ratelimit.Config{})
	sub := env.events.Subscribe(bus.TopicTriggerFired)
	defer env.events.Unsubscribe(sub)

	err := triggers.TriggerMention(context.Background(), agent.Mention{
		OrgID: "org-1", ProjectID: "proj-1", TaskID: "task-7",
		CommentID: "cmt-1", AuthorID: "alice", Body: "@pilot split this into subtasks",
	})
	if err != nil {
		t.Fatalf("mention: %v", err)
	}

	req, ctx := env.brain.last()
	actx, ok := action.FromContext(ctx)
	if !ok || !actx.Trusted || actx.UserID != agent.MentionUserID {
		t.Fatalf("mention runs must act as the trusted mention identity: %+v", actx)
	}
	if !strings.Contains(req.Instruction, "split this into subtasks") ||
		!strings.Contains(req.Instruction, "alice") ||
		!strings.Contains(req.Instruction, "task-7") {
		t.Fatalf("comment not surfaced to the agent: %q", req.Instruction)
	}
	// Mentions run the reduced profile like every other trigger.
	if want := len(env.registry.ToolRefs(dispatch.SubAgentProfile())); len(req.Tools) != want {
		t.Fatalf("mention toolset: got %d, want %d", len(req.Tools), want)
	}

	select {
	case ev := <-sub.Ch():
		if te := ev.Payload.(bus.TriggerEvent); te.Kind != "mention" || te.SourceID != "cmt-1" {
			t.Fatalf("trigger event: %+v", te)
		}
	case <-time.After(time.Second):
		t.Fatal("trigger event not published")
	}
}

func TestTriggerMention_SharesOrgBudget(t *testing.T) {
	env := newRunnerEnv(t)
	limiter := ratelimit.New()
	triggers := env.triggers(limiter, ratelimit.Config{MaxRequests: 1, Window: time.Hour})

	err := triggers.RunSchedule(context.Background(), store.Schedule{
		ID: "sched-1", OrgID: "org-1", ProjectID: "proj-1", Instruction: "work",
	})
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}

	err = triggers.TriggerMention(context.Background(), agent.Mention{
		OrgID: "org-1", ProjectID: "proj-1", CommentID: "cmt-1", AuthorID: "alice", Body: "@pilot ping",
	})
	if !errors.Is(err, action.ErrLimitExceeded) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if env.brain.runCount() != 1 {
		t.Fatalf("throttled mention must not run, got %d runs", env.brain.runCount())
	}
}

func TestTriggers_OrgBudgetSharedAcrossKinds(t *testing.T) {
	env := newRunnerEnv(t)
	limiter := ratelimit.New()
	triggers := env.triggers(limiter, ratelimit.Config{MaxRequests: 1, Window: time.Hour})

	err := triggers.RunSchedule(context.Background(), store.Schedule{
		ID: "sched-1", OrgID: "org-1", ProjectID: "proj-1", Instruction: "work",
	})
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}

	// The webhook shares the org trigger budget with the schedule.
	triggers.TriggerWebhook(context.Background(), webhook.Delivery{
		WebhookID: "wh-1", OrgID: "org-1", ProjectID: "proj-1", Event: "ping",
	})
	if env.brain.runCount() != 1 {
		t.Fatalf("throttled webhook must not run, got %d runs", env.brain.runCount())
	}

	err = triggers.RunSchedule(context.Background(), store.Schedule{
		ID: "sched-2", OrgID: "org-1", ProjectID: "proj-1", Instruction: "more work",
	})
	if !errors.Is(err, action.ErrLimitExceeded) {
		t.Fatalf("expected limit error, got %v", err)
	}
}
