// Package dispatch wraps every tool invocation with the permission gate,
// the approval gate, snapshot capture, and the activity ledger. The
// ordering inside one call is fixed: permission check strictly precedes
// execution, execution strictly precedes the ledger write.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/boardpilot/boardpilot/internal/action"
	"github.com/boardpilot/boardpilot/internal/bus"
	"github.com/boardpilot/boardpilot/internal/ledger"
	"github.com/boardpilot/boardpilot/internal/permission"
	otelx "github.com/boardpilot/boardpilot/internal/otel"
)

// OutcomeStatus distinguishes a finished call from one held for approval.
type OutcomeStatus string

const (
	OutcomeCompleted       OutcomeStatus = "completed"
	OutcomePendingApproval OutcomeStatus = "pending_approval"
)

// Outcome is what Execute hands back to the agent loop.
type Outcome struct {
	Status        OutcomeStatus `json:"status"`
	Output        any           `json:"output,omitempty"`
	AffectedIDs   []string      `json:"affected_ids,omitempty"`
	RecordID      string        `json:"record_id,omitempty"`
	PendingCallID string        `json:"pending_call_id,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// ApprovalToken carries a human decision back to the dispatcher. It must
// reference the server-issued pending-call id minted when the call was
// first held; tokens are single-use.
type ApprovalToken struct {
	PendingCallID string
	Approved      bool
}

// CallOption adjusts a single Execute invocation.
type CallOption func(*callOptions)

type callOptions struct {
	approval *ApprovalToken
}

// WithApproval attaches an approval token to the call.
func WithApproval(token ApprovalToken) CallOption {
	return func(o *callOptions) { o.approval = &token }
}

// Config holds the dispatcher's dependencies.
type Config struct {
	Catalog    *Catalog
	Gate       permission.Gate
	Recorder   *ledger.Recorder
	Logger     *slog.Logger
	Metrics    *otelx.Metrics
	Bus        *bus.Bus
	PendingTTL time.Duration // approval hold lifetime; defaults to 10 minutes
	PendingCap int           // max held proposals; defaults to 512
	Clock      func() time.Time
}

// Dispatcher executes catalog tools under the orchestration contract.
type Dispatcher struct {
	catalog   *Catalog
	gate      permission.Gate
	recorder  *ledger.Recorder
	logger    *slog.Logger
	metrics   *otelx.Metrics
	events    *bus.Bus
	now       func() time.Time
	proposals *proposalStore
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		catalog:   cfg.Catalog,
		gate:      cfg.Gate,
		recorder:  cfg.Recorder,
		logger:    logger,
		metrics:   cfg.Metrics,
		events:    cfg.Bus,
		now:       now,
		proposals: newProposalStore(ttl, cfg.PendingCap, now),
	}
}

func (d *Dispatcher) publish(topic string, payload any) {
	if d.events != nil {
		d.events.Publish(topic, payload)
	}
}

// Execute runs one tool call through the full gate sequence. Permission
// denials and validation failures come back as typed errors; an
// approval-gated call without a token comes back as a pending Outcome with
// no mutation and no completed/failed ledger record.
func (d *Dispatcher) Execute(ctx context.Context, actx action.Context, toolName string, input json.RawMessage, opts ...CallOption) (*Outcome, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	spec, ok := d.catalog.Lookup(toolName)
	if !ok {
		return nil, action.NotFoundf("tool %q", toolName)
	}

	// Input validation happens before any snapshot or ledger work: a no-op
	// or malformed call is a caller error, not an auditable action.
	if err := spec.validateInput(input); err != nil {
		return nil, err
	}

	if !actx.Trusted {
		if err := d.gate.Check(ctx, actx, "project", actx.ProjectID, spec.RequiredLevel); err != nil {
			d.recordDenied(actx, spec, input, err)
			return nil, fmt.Errorf("tool %s: %w", toolName, err)
		}
	}

	var taken *Proposal
	if spec.RequiresApproval {
		outcome, approved, err := d.resolveApproval(actx, spec, input, co.approval)
		if outcome != nil || err != nil {
			return outcome, err
		}
		// Approved: fall through to execution.
		taken = approved
	}

	start := d.now()
	result, execErr := spec.Handler(ctx, actx, input)
	d.observeCall(ctx, spec.Name, start, execErr)

	if execErr != nil {
		// A failed execution must not burn the approval: re-file the
		// proposal so the same pending-call id can be resumed again.
		if taken != nil {
			restored := d.proposals.Restore(*taken)
			d.logger.Warn("approved call failed, proposal re-filed",
				"tool", spec.Name, "pending_call_id", taken.ID, "restored", restored)
		}
		d.recordFinished(actx, spec, input, ledger.Record{
			Status: ledger.StatusFailed,
			Output: execErr.Error(),
		}, nil)
		return nil, fmt.Errorf("tool %s: %w", toolName, execErr)
	}

	outputJSON, err := json.Marshal(result.Output)
	if err != nil {
		outputJSON = []byte(fmt.Sprintf("%q", fmt.Sprint(result.Output)))
	}
	recordID := d.recordFinished(actx, spec, input, ledger.Record{
		Status:      ledger.StatusCompleted,
		Output:      string(outputJSON),
		AffectedIDs: result.AffectedIDs,
	}, result.Snapshot)

	return &Outcome{
		Status:      OutcomeCompleted,
		Output:      result.Output,
		AffectedIDs: result.AffectedIDs,
		RecordID:    recordID,
	}, nil
}

// Resume settles a held call from its pending-call id. The held tool name
// and input are replayed through Execute, which re-runs the permission
// check; an approval cannot outlive a policy change that would now deny
// the call.
func (d *Dispatcher) Resume(ctx context.Context, actx action.Context, token ApprovalToken) (*Outcome, error) {
	held, ok := d.proposals.Peek(token.PendingCallID)
	if !ok {
		return nil, action.NotFoundf("pending call %s (expired or already resolved)", token.PendingCallID)
	}
	return d.Execute(ctx, actx, held.Tool, json.RawMessage(held.Input), WithApproval(token))
}

// resolveApproval implements the approval gate. Returns (outcome, nil, nil)
// when the call is held pending, (nil, nil, err) when the token is denied
// or invalid, and (nil, proposal, nil) when execution may proceed; the
// consumed proposal comes back so a failed execution can re-file it.
func (d *Dispatcher) resolveApproval(actx action.Context, spec *ToolSpec, input json.RawMessage, token *ApprovalToken) (*Outcome, *Proposal, error) {
	if token == nil {
		// Trigger runs have no human on the other end, so a hold would
		// just expire. Fail fast instead of parking the call.
		if actx.Trusted {
			return nil, nil, fmt.Errorf("tool %s: %w", spec.Name, action.ErrApprovalRequired)
		}
		id := d.proposals.Put(spec.Name, string(input), actx.UserID)
		d.publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
			PendingCallID: id,
			Tool:          spec.Name,
			UserID:        actx.UserID,
			Resolution:    "pending",
		})
		return &Outcome{
			Status:        OutcomePendingApproval,
			PendingCallID: id,
			Message:       fmt.Sprintf("%s requires approval before it runs", spec.Name),
		}, nil, nil
	}

	held, ok := d.proposals.Take(token.PendingCallID)
	if !ok {
		return nil, nil, action.NotFoundf("pending call %s (expired or already resolved)", token.PendingCallID)
	}
	if held.Tool != spec.Name || held.UserID != actx.UserID {
		return nil, nil, action.PermissionDeniedf("approval token does not match the original call")
	}
	if !token.Approved {
		d.recordFinished(actx, spec, input, ledger.Record{
			Status:         ledger.StatusDenied,
			ApprovalStatus: "denied",
			Output:         "approval denied by user",
		}, nil)
		d.publish(bus.TopicApprovalResolved, bus.ApprovalEvent{
			PendingCallID: token.PendingCallID,
			Tool:          spec.Name,
			UserID:        actx.UserID,
			Resolution:    "denied",
		})
		return nil, nil, fmt.Errorf("tool %s: %w", spec.Name, action.ErrApprovalDenied)
	}
	d.publish(bus.TopicApprovalResolved, bus.ApprovalEvent{
		PendingCallID: token.PendingCallID,
		Tool:          spec.Name,
		UserID:        actx.UserID,
		Resolution:    "approved",
	})
	return nil, &held, nil
}

func (d *Dispatcher) recordDenied(actx action.Context, spec *ToolSpec, input json.RawMessage, denial error) {
	d.publish(bus.TopicActionDenied, bus.ActionEvent{
		Tool:   spec.Name,
		OrgID:  actx.OrgID,
		UserID: actx.UserID,
		Status: string(ledger.StatusDenied),
	})
	d.recorder.Record(ledger.Record{
		OrgID:            actx.OrgID,
		ProjectID:        actx.ProjectID,
		UserID:           actx.UserID,
		SessionID:        actx.SessionID,
		Tool:             spec.Name,
		Input:            string(input),
		Output:           denial.Error(),
		Status:           ledger.StatusDenied,
		RequiresApproval: spec.RequiresApproval,
	})
}

func (d *Dispatcher) recordFinished(actx action.Context, spec *ToolSpec, input json.RawMessage, partial ledger.Record, snap *ledger.Snapshot) string {
	partial.OrgID = actx.OrgID
	partial.ProjectID = actx.ProjectID
	partial.UserID = actx.UserID
	partial.SessionID = actx.SessionID
	partial.Tool = spec.Name
	partial.Input = string(input)
	partial.RequiresApproval = spec.RequiresApproval
	partial.Snapshot = snap
	if partial.RequiresApproval && partial.ApprovalStatus == "" && partial.Status == ledger.StatusCompleted {
		partial.ApprovalStatus = "approved"
	}
	id := d.recorder.Record(partial)
	d.publish(bus.TopicActionCompleted, bus.ActionEvent{
		RecordID: id,
		Tool:     spec.Name,
		OrgID:    actx.OrgID,
		UserID:   actx.UserID,
		Status:   string(partial.Status),
	})
	return id
}

func (d *Dispatcher) observeCall(ctx context.Context, tool string, start time.Time, execErr error) {
	if d.metrics == nil {
		return
	}
	elapsed := d.now().Sub(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	d.metrics.ToolCallDuration.Record(ctx, elapsed, attrs)
	if execErr != nil && !errors.Is(execErr, context.Canceled) {
		d.metrics.ToolCallErrors.Add(ctx, 1, attrs)
	}
}
