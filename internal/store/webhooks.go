package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Webhook is a registered inbound trigger endpoint. SecretEnc holds the
// signing secret ciphertext; it is decrypted only at verification time.
type Webhook struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	ProjectID string    `json:"project_id"`
	SecretEnc string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertWebhook registers a webhook.
func (s *Store) InsertWebhook(ctx context.Context, wh Webhook) (string, error) {
	if wh.ID == "" {
		wh.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, org_id, project_id, secret_enc, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, wh.ID, wh.OrgID, wh.ProjectID, wh.SecretEnc, boolToInt(wh.Enabled))
	if err != nil {
		return "", fmt.Errorf("insert webhook: %w", err)
	}
	return wh.ID, nil
}

// GetWebhook reads a webhook by id. Returns (nil, nil) when absent so the
// receiver can collapse "unknown" and "disabled" into one generic rejection.
func (s *Store) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, project_id, secret_enc, enabled, created_at
		FROM webhooks WHERE id = ?;
	`, id)
	var wh Webhook
	var enabled int
	if err := row.Scan(&wh.ID, &wh.OrgID, &wh.ProjectID, &wh.SecretEnc, &enabled, &wh.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	wh.Enabled = enabled != 0
	return &wh, nil
}

// DeleteWebhook removes a webhook registration.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("webhook not found: %s", id)
	}
	return nil
}
