package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boardpilot/boardpilot/internal/ledger"
)

// InsertActivity appends one ledger record. Records are append-mostly; the
// only later mutation is the rolled_back flip.
func (s *Store) InsertActivity(ctx context.Context, rec ledger.Record) error {
	affected, err := json.Marshal(rec.AffectedIDs)
	if err != nil {
		return fmt.Errorf("marshal affected ids: %w", err)
	}
	var snapshot sql.NullString
	if rec.Snapshot != nil {
		b, err := json.Marshal(rec.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		snapshot = sql.NullString{Valid: true, String: string(b)}
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO activity_log (
				id, org_id, project_id, user_id, session_id, tool, input, output,
				status, requires_approval, approval_status, affected_ids, snapshot, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.OrgID, rec.ProjectID, rec.UserID, rec.SessionID, rec.Tool,
			rec.Input, rec.Output, string(rec.Status), boolToInt(rec.RequiresApproval),
			rec.ApprovalStatus, string(affected), snapshot, rec.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
		return nil
	})
}

// GetActivity reads a ledger record by id. Returns (nil, nil) when absent.
func (s *Store) GetActivity(ctx context.Context, id string) (*ledger.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, project_id, user_id, session_id, tool, input, output,
			status, requires_approval, approval_status, affected_ids, snapshot, created_at
		FROM activity_log WHERE id = ?;
	`, id)

	var rec ledger.Record
	var status string
	var requiresApproval int
	var affected string
	var snapshot sql.NullString
	var createdAt time.Time
	if err := row.Scan(
		&rec.ID, &rec.OrgID, &rec.ProjectID, &rec.UserID, &rec.SessionID,
		&rec.Tool, &rec.Input, &rec.Output, &status, &requiresApproval,
		&rec.ApprovalStatus, &affected, &snapshot, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get activity: %w", err)
	}
	rec.Status = ledger.Status(status)
	rec.RequiresApproval = requiresApproval != 0
	rec.CreatedAt = createdAt
	if err := json.Unmarshal([]byte(affected), &rec.AffectedIDs); err != nil {
		return nil, fmt.Errorf("unmarshal affected ids: %w", err)
	}
	if snapshot.Valid {
		var snap ledger.Snapshot
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		rec.Snapshot = &snap
	}
	return &rec, nil
}

// MarkActivityRolledBack conditionally flips status to rolled_back. The
// WHERE clause on status = 'completed' is what makes a second undo of the
// same record observe false instead of double-applying.
func (s *Store) MarkActivityRolledBack(ctx context.Context, id string) (bool, error) {
	var flipped bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE activity_log SET status = 'rolled_back'
			WHERE id = ? AND status = 'completed';
		`, id)
		if err != nil {
			return fmt.Errorf("mark rolled back: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rolled back rows affected: %w", err)
		}
		flipped = n == 1
		return nil
	})
	return flipped, err
}

// RestoreActivityCompleted conditionally flips status back to completed.
// The undo engine calls this when a claimed rollback applied no inverse,
// so the action can be retried.
func (s *Store) RestoreActivityCompleted(ctx context.Context, id string) (bool, error) {
	var flipped bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE activity_log SET status = 'completed'
			WHERE id = ? AND status = 'rolled_back';
		`, id)
		if err != nil {
			return fmt.Errorf("restore completed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("restore completed rows affected: %w", err)
		}
		flipped = n == 1
		return nil
	})
	return flipped, err
}

// ListActivityByOrg returns the most recent records for an org, newest
// first. Used by the activity feed surface.
func (s *Store) ListActivityByOrg(ctx context.Context, orgID string, limit int) ([]ledger.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, project_id, user_id, session_id, tool, input, output,
			status, requires_approval, approval_status, affected_ids, snapshot, created_at
		FROM activity_log WHERE org_id = ?
		ORDER BY created_at DESC LIMIT ?;
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var rec ledger.Record
		var status string
		var requiresApproval int
		var affected string
		var snapshot sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.OrgID, &rec.ProjectID, &rec.UserID, &rec.SessionID,
			&rec.Tool, &rec.Input, &rec.Output, &status, &requiresApproval,
			&rec.ApprovalStatus, &affected, &snapshot, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		rec.Status = ledger.Status(status)
		rec.RequiresApproval = requiresApproval != 0
		if err := json.Unmarshal([]byte(affected), &rec.AffectedIDs); err != nil {
			return nil, fmt.Errorf("unmarshal affected ids: %w", err)
		}
		if snapshot.Valid {
			var snap ledger.Snapshot
			if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
				return nil, fmt.Errorf("unmarshal snapshot: %w", err)
			}
			rec.Snapshot = &snap
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
