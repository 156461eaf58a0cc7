// Package undo reverses recently completed board actions from their
// pre-mutation snapshots. The rollback claim is a conditional status flip
// in the store, so two concurrent undos of the same record cannot both
// apply inverses.
package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/boardpilot/boardpilot/internal/action"
	"github.com/boardpilot/boardpilot/internal/board"
	"github.com/boardpilot/boardpilot/internal/bus"
	"github.com/boardpilot/boardpilot/internal/ledger"
	otelx "github.com/boardpilot/boardpilot/internal/otel"
)

// DefaultWindow is how long after completion an action stays undoable.
const DefaultWindow = 5 * time.Minute

// Config holds the engine's dependencies.
type Config struct {
	Board   board.Board
	Storage ledger.Storage
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otelx.Metrics
	Window  time.Duration // defaults to DefaultWindow
	Clock   func() time.Time
}

// Engine applies inverse operations for ledger records.
type Engine struct {
	board   board.Board
	storage ledger.Storage
	logger  *slog.Logger
	events  *bus.Bus
	metrics *otelx.Metrics
	window  time.Duration
	now     func() time.Time
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		board:   cfg.Board,
		storage: cfg.Storage,
		logger:  logger,
		events:  cfg.Bus,
		metrics: cfg.Metrics,
		window:  window,
		now:     now,
	}
}

// ItemResult reports one snapshot's reversal. Reversed false with an empty
// Error means the inverse was a no-op (the entity was already gone or the
// state already matched).
type ItemResult struct {
	Op       ledger.Op `json:"op"`
	TaskID   string    `json:"task_id,omitempty"`
	Reversed bool      `json:"reversed"`
	Error    string    `json:"error,omitempty"`
}

// UndoResult summarizes one undo call.
type UndoResult struct {
	RecordID string       `json:"record_id"`
	Op       ledger.Op    `json:"op"`
	Items    []ItemResult `json:"items"`
	Reversed int          `json:"reversed"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
}

// CanUndo reports whether a record is currently undoable by the given user,
// with the reason when it is not. It never mutates anything.
func (e *Engine) CanUndo(rec *ledger.Record, userID string) (bool, string) {
	switch {
	case rec == nil:
		return false, "record not found"
	case rec.Status == ledger.StatusRolledBack:
		return false, "already rolled back"
	case rec.Status != ledger.StatusCompleted:
		return false, fmt.Sprintf("status is %s, only completed actions can be undone", rec.Status)
	case rec.Snapshot == nil:
		return false, "action recorded no snapshot"
	case rec.UserID != userID:
		return false, "only the user who performed an action may undo it"
	case e.now().Sub(rec.CreatedAt) >= e.window:
		return false, fmt.Sprintf("undo window of %s has passed", e.window)
	}
	if !knownOp(rec.Snapshot.Op) {
		return false, fmt.Sprintf("operation %s is not reversible", rec.Snapshot.Op)
	}
	return true, ""
}

// Undo reverses the record's action. The status flip happens before any
// board mutation: whichever caller wins the flip applies the inverses, the
// loser gets ErrConcurrencyConflict.
func (e *Engine) Undo(ctx context.Context, actx action.Context, recordID string) (*UndoResult, error) {
	rec, err := e.storage.GetActivity(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if rec == nil {
		return nil, action.NotFoundf("activity record %s", recordID)
	}
	if ok, reason := e.CanUndo(rec, actx.UserID); !ok {
		return nil, action.ValidationFailedf("cannot undo %s: %s", recordID, reason)
	}

	flipped, err := e.storage.MarkActivityRolledBack(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("claim rollback: %w", err)
	}
	if !flipped {
		return nil, fmt.Errorf("undo %s: %w", recordID, action.ErrConcurrencyConflict)
	}

	result := &UndoResult{RecordID: recordID, Op: rec.Snapshot.Op}
	e.applySnapshot(ctx, rec.Snapshot, result)

	// Nothing reversed and something failed: give the claim back so the
	// record stays retryable once the board recovers.
	if result.Reversed == 0 && result.Failed > 0 {
		if restored, rerr := e.storage.RestoreActivityCompleted(ctx, recordID); rerr != nil || !restored {
			e.logger.Error("restore record after failed undo",
				"record_id", recordID, "restored", restored, "error", rerr)
		}
		return nil, fmt.Errorf("undo %s: no inverse applied (first failure: %s)",
			recordID, firstFailure(result.Items))
	}

	if e.metrics != nil {
		e.metrics.UndoTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", string(rec.Snapshot.Op))))
	}

	e.logger.Info("action rolled back",
		"record_id", recordID,
		"op", string(rec.Snapshot.Op),
		"reversed", result.Reversed,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	if e.events != nil {
		e.events.Publish(bus.TopicUndoApplied, bus.ActionEvent{
			RecordID: recordID,
			Tool:     rec.Tool,
			OrgID:    rec.OrgID,
			UserID:   actx.UserID,
			Status:   string(ledger.StatusRolledBack),
		})
	}
	return result, nil
}

// applySnapshot dispatches one snapshot to its inverse. Batch snapshots
// reverse their children in reverse application order; each child stands
// alone, so one failing child does not stop the rest.
func (e *Engine) applySnapshot(ctx context.Context, snap *ledger.Snapshot, result *UndoResult) {
	if len(snap.Items) > 0 {
		for i := len(snap.Items) - 1; i >= 0; i-- {
			child := snap.Items[i]
			e.applySnapshot(ctx, &child, result)
		}
		return
	}

	item := ItemResult{Op: snap.Op, TaskID: snap.TaskID}
	reversed, err := e.applyInverse(ctx, snap)
	switch {
	case err != nil:
		item.Error = err.Error()
		result.Failed++
	case reversed:
		item.Reversed = true
		result.Reversed++
	default:
		result.Skipped++
	}
	result.Items = append(result.Items, item)
}

// applyInverse performs one inverse operation. Inverses are idempotent:
// "already gone" and "already absent" outcomes report (false, nil) rather
// than an error, so re-driving a partially failed undo is safe.
func (e *Engine) applyInverse(ctx context.Context, snap *ledger.Snapshot) (bool, error) {
	switch snap.Op {
	case ledger.OpCreate:
		err := e.board.DeleteTask(ctx, snap.TaskID)
		if errors.Is(err, board.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	case ledger.OpUpdate:
		prev := snap.Prev
		if prev == nil {
			return false, fmt.Errorf("update snapshot for %s has no prior state", snap.TaskID)
		}
		_, err := e.board.UpdateTask(ctx, snap.TaskID, board.TaskPatch{
			Title:       &prev.Title,
			Description: &prev.Description,
		})
		if errors.Is(err, board.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	case ledger.OpMove:
		prev := snap.Prev
		if prev == nil {
			return false, fmt.Errorf("move snapshot for %s has no prior state", snap.TaskID)
		}
		_, err := e.board.MoveTask(ctx, snap.TaskID, prev.ColumnID, prev.Position)
		if errors.Is(err, board.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	case ledger.OpDelete:
		prev := snap.Prev
		if prev == nil {
			return false, fmt.Errorf("delete snapshot for %s has no prior state", snap.TaskID)
		}
		// Re-insertion mints a new task id. Anything holding the old id
		// (links, references) will not follow it.
		_, err := e.board.CreateTask(ctx, board.NewTask{
			ProjectID:   prev.ProjectID,
			ColumnID:    prev.ColumnID,
			Title:       prev.Title,
			Description: prev.Description,
			Position:    prev.Position,
			Assignees:   prev.Assignees,
			Labels:      prev.Labels,
		})
		return err == nil, err

	case ledger.OpAssign:
		err := e.board.UnassignTask(ctx, snap.TaskID, snap.Subject)
		if errors.Is(err, board.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	case ledger.OpUnassign:
		err := e.board.AssignTask(ctx, snap.TaskID, snap.Subject)
		if errors.Is(err, board.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	case ledger.OpAddLabel:
		err := e.board.RemoveLabel(ctx, snap.TaskID, snap.Subject)
		if errors.Is(err, board.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	case ledger.OpRemoveLabel:
		err := e.board.AddLabel(ctx, snap.TaskID, snap.Subject)
		if errors.Is(err, board.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	case ledger.OpAddComment:
		err := e.board.DeleteComment(ctx, snap.CommentID)
		if errors.Is(err, board.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	default:
		return false, fmt.Errorf("no inverse for operation %s", snap.Op)
	}
}

func firstFailure(items []ItemResult) string {
	for _, item := range items {
		if item.Error != "" {
			return item.Error
		}
	}
	return "unknown"
}

func knownOp(op ledger.Op) bool {
	switch op {
	case ledger.OpCreate, ledger.OpUpdate, ledger.OpMove, ledger.OpDelete,
		ledger.OpBatchCreate, ledger.OpBatchUpdate, ledger.OpBatchMove, ledger.OpBatchDelete,
		ledger.OpAssign, ledger.OpUnassign, ledger.OpAddLabel, ledger.OpRemoveLabel,
		ledger.OpAddComment:
		return true
	}
	return false
}
