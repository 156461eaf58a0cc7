package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/boardpilot/boardpilot/internal/action"
	"github.com/boardpilot/boardpilot/internal/dispatch"
	"github.com/boardpilot/boardpilot/internal/ratelimit"
	"github.com/boardpilot/boardpilot/internal/undo"
)

// SessionConfig holds the interactive runner's dependencies.
type SessionConfig struct {
	Genkit     *genkit.Genkit
	Brain      Brain
	Registry   *dispatch.Registry
	Dispatcher *dispatch.Dispatcher
	Undo       *undo.Engine
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger
	Delegation ToolProvider

	UserLimit ratelimit.Config
	OrgLimit  ratelimit.Config
	MaxTurns  int
}

// SessionRunner drives interactive agent turns for signed-in users. It is
// the only entry point that hands out the full tool profile.
type SessionRunner struct {
	g          *genkit.Genkit
	brain      Brain
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	delegation ToolProvider
	undoRef    ai.ToolRef
	userLimit  ratelimit.Config
	orgLimit   ratelimit.Config
	maxTurns   int
}

type undoInput struct {
	RecordID string `json:"record_id"`
}

// NewSessionRunner creates a SessionRunner and defines the undo tool.
func NewSessionRunner(cfg SessionConfig) *SessionRunner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 12
	}
	s := &SessionRunner{
		g:          cfg.Genkit,
		brain:      cfg.Brain,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		limiter:    cfg.Limiter,
		logger:     logger,
		delegation: cfg.Delegation,
		userLimit:  cfg.UserLimit,
		orgLimit:   cfg.OrgLimit,
		maxTurns:   maxTurns,
	}
	engine := cfg.Undo
	s.undoRef = genkit.DefineTool(cfg.Genkit, "undo_action",
		"Reverse a recently completed board action by its activity record id. Only the user who performed the action can undo it, and only within the undo window.",
		func(tctx *ai.ToolContext, input undoInput) (*undo.UndoResult, error) {
			actx, ok := action.FromContext(tctx.Context)
			if !ok {
				return nil, action.PermissionDeniedf("undo_action: no acting identity on context")
			}
			return engine.Undo(tctx.Context, actx, input.RecordID)
		},
	)
	return s
}

// HandleMessage runs one interactive turn. Rate limits apply per user and
// per org before any model call.
func (s *SessionRunner) HandleMessage(ctx context.Context, actx action.Context, message string) (*RunResult, error) {
	if s.limiter != nil {
		res := s.limiter.CheckBoth(
			"user:"+actx.UserID, s.userLimit,
			"org:"+actx.OrgID, s.orgLimit,
		)
		if !res.Allowed {
			return nil, fmt.Errorf("rate limited, retry in %ds: %w",
				res.RetryAfterSeconds, action.ErrLimitExceeded)
		}
	}

	ctx = action.WithContext(ctx, actx)
	tools := s.registry.ToolRefs(dispatch.FullProfile())
	tools = append(tools, s.undoRef)
	if s.delegation != nil {
		dctx := action.DelegationContext{Context: actx}
		if ref := s.delegation.Tool(s.g, dctx); ref != nil {
			tools = append(tools, ref)
		}
	}

	result, err := s.brain.Run(ctx, RunRequest{
		SystemPrompt: "You are BoardPilot, an agent that manages a project tracking board on behalf of the user. " +
			"Act only through your tools. Destructive actions are held for the user's approval; " +
			"tell the user the pending call id when that happens.",
		Instruction: message,
		Tools:       tools,
		MaxTurns:    s.maxTurns,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("session turn finished",
		"org_id", actx.OrgID,
		"user_id", actx.UserID,
		"session_id", actx.SessionID,
		"tools_used", result.ToolsUsed,
	)
	return result, nil
}

// ResolveApproval settles a held destructive call with the user's decision.
func (s *SessionRunner) ResolveApproval(ctx context.Context, actx action.Context, pendingCallID string, approved bool) (*dispatch.Outcome, error) {
	return s.dispatcher.Resume(ctx, actx, dispatch.ApprovalToken{
		PendingCallID: pendingCallID,
		Approved:      approved,
	})
}
