package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/boardpilot/boardpilot/internal/action"
	"github.com/boardpilot/boardpilot/internal/bus"
	"github.com/boardpilot/boardpilot/internal/dispatch"
	"github.com/boardpilot/boardpilot/internal/ratelimit"
	"github.com/boardpilot/boardpilot/internal/store"
	"github.com/boardpilot/boardpilot/internal/webhook"
)

// System identities stamped on trigger-originated actions so the ledger
// always shows who (or what) acted.
const (
	SchedulerUserID = "system:scheduler"
	WebhookUserID   = "system:webhook"
	MentionUserID   = "system:mention"
)

// ToolProvider contributes an extra per-run tool, typically the delegation
// tool. A nil return means the tool is not available for that run.
type ToolProvider interface {
	Tool(g *genkit.Genkit, dctx action.DelegationContext) ai.ToolRef
}

// TriggerConfig holds the trigger runner's dependencies.
type TriggerConfig struct {
	Genkit     *genkit.Genkit
	Brain      Brain
	Registry   *dispatch.Registry
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger
	Delegation ToolProvider
	Bus        *bus.Bus

	// OrgLimit bounds triggered runs per org across schedules and webhooks.
	OrgLimit ratelimit.Config
	MaxTurns int
}

// TriggerRunner executes non-interactive agent runs for schedules, webhook
// deliveries, and comment mentions. Runs use trusted contexts (the
// permission gate is skipped) but never see destructive tools, and
// approval-gated tools fail fast because nobody is there to approve them.
type TriggerRunner struct {
	g          *genkit.Genkit
	brain      Brain
	registry   *dispatch.Registry
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	delegation ToolProvider
	events     *bus.Bus
	orgLimit   ratelimit.Config
	maxTurns   int
}

// NewTriggerRunner creates a TriggerRunner.
func NewTriggerRunner(cfg TriggerConfig) *TriggerRunner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 8
	}
	return &TriggerRunner{
		g:          cfg.Genkit,
		brain:      cfg.Brain,
		registry:   cfg.Registry,
		limiter:    cfg.Limiter,
		logger:     logger,
		delegation: cfg.Delegation,
		events:     cfg.Bus,
		orgLimit:   cfg.OrgLimit,
		maxTurns:   maxTurns,
	}
}

func (t *TriggerRunner) announce(kind, sourceID, orgID, projectID string) {
	if t.events != nil {
		t.events.Publish(bus.TopicTriggerFired, bus.TriggerEvent{
			Kind:      kind,
			SourceID:  sourceID,
			OrgID:     orgID,
			ProjectID: projectID,
		})
	}
}

// RunSchedule executes one claimed schedule's instruction.
func (t *TriggerRunner) RunSchedule(ctx context.Context, sched store.Schedule) error {
	if err := t.admit(sched.OrgID, "schedule", sched.ID); err != nil {
		return err
	}
	t.announce("schedule", sched.ID, sched.OrgID, sched.ProjectID)
	actx := action.NewTrustedContext(sched.OrgID, sched.ProjectID, SchedulerUserID, "schedule:"+sched.ID)
	result, err := t.run(ctx, actx, fmt.Sprintf(
		"Scheduled task %q is due. Carry out this instruction on the board:\n\n%s",
		sched.Name, sched.Instruction,
	))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sched.ID, err)
	}
	t.logger.Info("schedule trigger finished",
		"schedule_id", sched.ID,
		"org_id", sched.OrgID,
		"tools_used", result.ToolsUsed,
	)
	return nil
}

// TriggerWebhook executes one verified webhook delivery.
func (t *TriggerRunner) TriggerWebhook(ctx context.Context, d webhook.Delivery) {
	if err := t.admit(d.OrgID, "webhook", d.WebhookID); err != nil {
		t.logger.Warn("webhook trigger throttled", "webhook_id", d.WebhookID, "org_id", d.OrgID, "error", err)
		return
	}
	t.announce("webhook", d.WebhookID, d.OrgID, d.ProjectID)
	actx := action.NewTrustedContext(d.OrgID, d.ProjectID, WebhookUserID, "webhook:"+d.WebhookID)
	instruction := fmt.Sprintf(
		"A %q event arrived on the project board. React to it if action is needed; otherwise do nothing.\n\nEvent payload:\n%s",
		d.Event, string(d.Payload),
	)
	result, err := t.run(ctx, actx, instruction)
	if err != nil {
		t.logger.Error("webhook trigger failed", "webhook_id", d.WebhookID, "event", d.Event, "error", err)
		return
	}
	t.logger.Info("webhook trigger finished",
		"webhook_id", d.WebhookID,
		"event", d.Event,
		"tools_used", result.ToolsUsed,
	)
}

// Mention is a board comment that names the agent.
type Mention struct {
	OrgID     string
	ProjectID string
	TaskID    string
	CommentID string
	AuthorID  string
	Body      string
}

// TriggerMention executes one agent run for a comment mention. Mentions
// share the org trigger budget with schedules and webhooks.
func (t *TriggerRunner) TriggerMention(ctx context.Context, m Mention) error {
	if err := t.admit(m.OrgID, "mention", m.CommentID); err != nil {
		return err
	}
	t.announce("mention", m.CommentID, m.OrgID, m.ProjectID)
	actx := action.NewTrustedContext(m.OrgID, m.ProjectID, MentionUserID, "mention:"+m.CommentID)
	instruction := fmt.Sprintf(
		"%s mentioned you in a comment on task %s. Respond to the request below; if no board change is needed, do nothing.\n\nComment:\n%s",
		m.AuthorID, m.TaskID, m.Body,
	)
	result, err := t.run(ctx, actx, instruction)
	if err != nil {
		return fmt.Errorf("mention %s: %w", m.CommentID, err)
	}
	t.logger.Info("mention trigger finished",
		"comment_id", m.CommentID,
		"task_id", m.TaskID,
		"tools_used", result.ToolsUsed,
	)
	return nil
}

func (t *TriggerRunner) admit(orgID, kind, id string) error {
	if t.limiter == nil {
		return nil
	}
	res := t.limiter.Check("org:"+orgID+":triggers", t.orgLimit)
	if !res.Allowed {
		return fmt.Errorf("%s %s for org %s: retry in %ds: %w",
			kind, id, orgID, res.RetryAfterSeconds, action.ErrLimitExceeded)
	}
	return nil
}

func (t *TriggerRunner) run(ctx context.Context, actx action.Context, instruction string) (*RunResult, error) {
	ctx = action.WithContext(ctx, actx)
	tools := t.registry.ToolRefs(dispatch.SubAgentProfile())
	if t.delegation != nil {
		dctx := action.DelegationContext{Context: actx}
		if ref := t.delegation.Tool(t.g, dctx); ref != nil {
			tools = append(tools, ref)
		}
	}
	return t.brain.Run(ctx, RunRequest{
		SystemPrompt: "You are BoardPilot, an agent maintaining a project tracking board. " +
			"Act only through your tools, keep changes minimal, and summarize what you did.",
		Instruction: instruction,
		Tools:       tools,
		MaxTurns:    t.maxTurns,
	})
}
