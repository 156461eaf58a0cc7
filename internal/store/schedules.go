package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is one cron-triggered agent instruction. NextRunAt is the
// coordination field: NULL means a worker has claimed the row and is (or
// was) executing it; the run-completion path must always restore it.
type Schedule struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	ProjectID   string     `json:"project_id"`
	Name        string     `json:"name"`
	CronExpr    string     `json:"cron_expr"`
	Instruction string     `json:"instruction"`
	Enabled     bool       `json:"enabled"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// InsertSchedule creates a new schedule row.
func (s *Store) InsertSchedule(ctx context.Context, sched Schedule) (string, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, org_id, project_id, name, cron_expr, instruction, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, sched.ID, sched.OrgID, sched.ProjectID, sched.Name, sched.CronExpr,
		sched.Instruction, boolToInt(sched.Enabled), sched.NextRunAt)
	if err != nil {
		return "", fmt.Errorf("insert schedule: %w", err)
	}
	return sched.ID, nil
}

// GetSchedule reads a schedule by id. Returns (nil, nil) when absent.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, project_id, name, cron_expr, instruction, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules WHERE id = ?;
	`, id)
	sched, err := scanSchedule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules returns all schedules for an org ordered by name.
func (s *Store) ListSchedules(ctx context.Context, orgID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, project_id, name, cron_expr, instruction, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules WHERE org_id = ? ORDER BY name ASC;
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule by id.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return nil
}

// EnableSchedule sets the enabled flag.
func (s *Store) EnableSchedule(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("enable schedule: %w", err)
	}
	return nil
}

// ClaimDueSchedules atomically claims every enabled schedule whose
// next_run_at has passed. Each claim is a conditional UPDATE that sets
// next_run_at to NULL and stamps last_run_at in the same statement; a row
// whose update reports zero affected rows was claimed by a concurrent
// poller and is skipped. This is the mechanism that keeps overlapping poll
// ticks, and separate process instances sharing the database, from firing
// the same schedule twice for one due cycle.
func (s *Store) ClaimDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	var claimed []Schedule
	err := retryOnBusy(ctx, 5, func() error {
		claimed = claimed[:0]

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, org_id, project_id, name, cron_expr, instruction, enabled, next_run_at, last_run_at, created_at, updated_at
			FROM schedules
			WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
			ORDER BY next_run_at ASC;
		`, now.UTC())
		if err != nil {
			return fmt.Errorf("select due schedules: %w", err)
		}
		var due []Schedule
		for rows.Next() {
			sched, err := scanSchedule(rows.Scan)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan due schedule: %w", err)
			}
			due = append(due, *sched)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("due schedule rows: %w", err)
		}

		for _, sched := range due {
			res, err := tx.ExecContext(ctx, `
				UPDATE schedules
				SET next_run_at = NULL, last_run_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?;
			`, now.UTC(), sched.ID, now.UTC())
			if err != nil {
				return fmt.Errorf("claim schedule %s: %w", sched.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if n == 1 {
				lr := now.UTC()
				sched.LastRunAt = &lr
				sched.NextRunAt = nil
				claimed = append(claimed, sched)
			}
			// n == 0: lost the race to another poller, normal skip.
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinishScheduleRun restores next_run_at after an execution completes,
// success or failure. Unconditional so a claimed row can never stay
// permanently unclaimable.
func (s *Store) FinishScheduleRun(ctx context.Context, id string, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, nextRun.UTC(), id)
		if err != nil {
			return fmt.Errorf("finish schedule run: %w", err)
		}
		return nil
	})
}

func scanSchedule(scanFn func(dest ...any) error) (*Schedule, error) {
	var sched Schedule
	var enabled int
	var nextRun, lastRun sql.NullTime
	if err := scanFn(
		&sched.ID, &sched.OrgID, &sched.ProjectID, &sched.Name, &sched.CronExpr,
		&sched.Instruction, &enabled, &nextRun, &lastRun, &sched.CreatedAt, &sched.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sched.Enabled = enabled != 0
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRunAt = &t
	}
	return &sched, nil
}
