package delegate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/firebase/genkit/go/genkit"

	"github.com/boardpilot/boardpilot/internal/action"
	"github.com/boardpilot/boardpilot/internal/agent"
	"github.com/boardpilot/boardpilot/internal/board"
	"github.com/boardpilot/boardpilot/internal/dispatch"
	"github.com/boardpilot/boardpilot/internal/ledger"
)

// fakeBrain captures the request it was handed and returns a canned result.
type fakeBrain struct {
	mu      sync.Mutex
	lastCtx context.Context
	lastReq agent.RunRequest
	text    string
	err     error
	delay   time.Duration
}

func (b *fakeBrain) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	b.mu.Lock()
	b.lastCtx = ctx
	b.lastReq = req
	b.mu.Unlock()
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return &agent.RunResult{Text: b.text, ToolsUsed: []string{"update_task"}}, nil
}

func newController(t *testing.T, brain *fakeBrain, cfg Config) *Controller {
	t.Helper()
	g := genkit.Init(context.Background())
	catalog, err := dispatch.NewCatalog(board.NewMemory())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	recorder := ledger.NewRecorder(ledger.Config{Storage: nopStorage{}})
	t.Cleanup(recorder.Close)
	dispatcher := dispatch.New(dispatch.Config{Catalog: catalog, Recorder: recorder})
	cfg.Genkit = g
	cfg.Brain = brain
	cfg.Registry = dispatch.NewRegistry(g, dispatcher)
	return New(cfg)
}

func subAgentToolCount(c *Controller) int {
	return len(c.registry.ToolRefs(dispatch.SubAgentProfile()))
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

func parentCtx(depth int) context.Context {
	actx := action.NewContext("org-1", "proj-1", "alice", "sess-1", "tok")
	dctx := action.DelegationContext{Context: actx, Depth: depth}
	return action.WithDelegation(action.WithContext(context.Background(), actx), dctx)
}

func TestTool_WithheldAtDepthCap(t *testing.T) {
	c := newController(t, &fakeBrain{text: "done"}, Config{MaxDepth: 2})

	actx := action.NewContext("org-1", "proj-1", "alice", "sess-1", "tok")
	for depth := 0; depth < 2; depth++ {
		if c.Tool(nil, action.DelegationContext{Context: actx, Depth: depth}) == nil {
			t.Fatalf("depth %d should still see the delegation tool", depth)
		}
	}
	if c.Tool(nil, action.DelegationContext{Context: actx, Depth: 2}) != nil {
		t.Fatal("depth at the cap must not see the delegation tool")
	}
}

func TestRun_EmptyInstruction(t *testing.T) {
	c := newController(t, &fakeBrain{text: "done"}, Config{})

	out := c.run(parentCtx(0), Input{Persona: "triage", Instruction: "   "})
	if out.Status != "failed" || !strings.Contains(out.Error, "non-empty") {
		t.Fatalf("expected input rejection, got %+v", out)
	}
}

func TestRun_DepthCapEnforcedAtRuntime(t *testing.T) {
	c := newController(t, &fakeBrain{text: "done"}, Config{MaxDepth: 2})

	out := c.run(parentCtx(2), Input{Persona: "triage", Instruction: "sort the backlog"})
	if out.Status != "failed" || !strings.Contains(out.Error, "depth limit") {
		t.Fatalf("expected depth rejection, got %+v", out)
	}
}

func TestRun_DeepensIdentityAndFencesInstruction(t *testing.T) {
	brain := &fakeBrain{text: "triaged three tasks"}
	c := newController(t, brain, Config{MaxDepth: 2})

	out := c.run(parentCtx(0), Input{Persona: "triage", Instruction: "sort the backlog"})
	if out.Status != "completed" || out.Result != "triaged three tasks" {
		t.Fatalf("unexpected output: %+v", out)
	}

	brain.mu.Lock()
	defer brain.mu.Unlock()
	child := action.DelegationFromContext(brain.lastCtx)
	if child.Depth != 1 || child.ParentAgent != "triage" {
		t.Fatalf("delegation chain not deepened: %+v", child)
	}
	actx, ok := action.FromContext(brain.lastCtx)
	if !ok || actx.UserID != "alice" {
		t.Fatal("acting identity must carry into the sub-agent run")
	}
	if !strings.Contains(brain.lastReq.Instruction, instructionBegin) ||
		!strings.Contains(brain.lastReq.Instruction, instructionEnd) {
		t.Fatalf("instruction not fenced: %q", brain.lastReq.Instruction)
	}
}

func TestRun_ToolsExcludeDestructive(t *testing.T) {
	brain := &fakeBrain{text: "ok"}
	c := newController(t, brain, Config{MaxDepth: 2})

	c.run(parentCtx(0), Input{Persona: "grooming", Instruction: "relabel tasks"})

	brain.mu.Lock()
	defer brain.mu.Unlock()
	// Write profile plus the delegation tool itself (depth 1 of 2 remains).
	want := subAgentToolCount(c) + 1
	if got := len(brain.lastReq.Tools); got != want {
		t.Fatalf("sub-agent toolset: got %d tools, want %d", got, want)
	}
}

func TestRun_LastHopLosesDelegationTool(t *testing.T) {
	brain := &fakeBrain{text: "ok"}
	c := newController(t, brain, Config{MaxDepth: 2})

	c.run(parentCtx(1), Input{Persona: "grooming", Instruction: "relabel tasks"})

	brain.mu.Lock()
	defer brain.mu.Unlock()
	if got := len(brain.lastReq.Tools); got != subAgentToolCount(c) {
		t.Fatalf("final hop must not carry the delegation tool, got %d tools", got)
	}
}

func TestRun_BrainFailureIsReportedNotRaised(t *testing.T) {
	brain := &fakeBrain{err: errors.New("model unavailable")}
	c := newController(t, brain, Config{})

	out := c.run(parentCtx(0), Input{Persona: "triage", Instruction: "do work"})
	if out.Status != "failed" || !strings.Contains(out.Error, "model unavailable") {
		t.Fatalf("expected failure surfaced in output, got %+v", out)
	}
}

func TestRun_Timeout(t *testing.T) {
	brain := &fakeBrain{text: "never", delay: time.Second}
	c := newController(t, brain, Config{Timeout: 30 * time.Millisecond})

	out := c.run(parentCtx(0), Input{Persona: "triage", Instruction: "do work"})
	if out.Status != "failed" {
		t.Fatalf("expected timeout failure, got %+v", out)
	}
}

func TestRun_TruncatesLongResponses(t *testing.T) {
	brain := &fakeBrain{text: strings.Repeat("x", 100)}
	c := newController(t, brain, Config{ResponseCap: 64})

	out := c.run(parentCtx(0), Input{Persona: "triage", Instruction: "do work"})
	if !out.Truncated {
		t.Fatal("long response must be marked truncated")
	}
	if !strings.HasSuffix(out.Result, "[truncated]") {
		t.Fatalf("truncation marker missing: %q", out.Result)
	}
}

func TestTruncate_NeverSplitsRunes(t *testing.T) {
	// "héllo" repeated; cut boundaries land inside the two-byte é.
	s := strings.Repeat("héllo", 10)
	for capBytes := 1; capBytes < len(s); capBytes++ {
		cut, truncated := truncate(s, capBytes)
		if !truncated {
			t.Fatalf("cap %d should truncate", capBytes)
		}
		body := strings.TrimSuffix(cut, "\n[truncated]")
		if !utf8.ValidString(body) {
			t.Fatalf("cap %d produced invalid utf-8: %q", capBytes, body)
		}
	}
}

func TestDefaults(t *testing.T) {
	c := newController(t, &fakeBrain{}, Config{})
	if c.maxDepth != DefaultMaxDepth {
		t.Fatalf("default depth: %d", c.maxDepth)
	}
	if c.timeout != defaultTimeout || c.responseCap != defaultResponseCap {
		t.Fatalf("defaults not applied: %v %d", c.timeout, c.responseCap)
	}

	over := newController(t, &fakeBrain{}, Config{Timeout: time.Hour})
	if over.timeout != maxTimeout {
		t.Fatalf("timeout must clamp to %v, got %v", maxTimeout, over.timeout)
	}
}
