package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/searcb/pncp-sync/internal/pncp"
	syncpkg "github.com/searcb/pncp-sync/internal/sync"
)

// RecordDeadLetter preserves a failed record with its payload and reason
func (s *Store) RecordDeadLetter(ctx context.Context, dl *syncpkg.DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letter (id, entity_type, external_id, reason, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		dl.ID, string(dl.EntityType), dl.ExternalID, dl.Reason, dl.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to record dead letter for %s/%s: %w", dl.EntityType, dl.ExternalID, err)
	}
	return nil
}

// ListDeadLetters returns dead letters newest first, optionally filtered by
// entity type.
func (s *Store) ListDeadLetters(ctx context.Context, entityType pncp.EntityType, limit int) ([]*syncpkg.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, entity_type, external_id, reason, payload, created_at
		FROM dead_letter`
	args := []any{}
	if entityType != "" {
		query += ` WHERE entity_type = $1`
		args = append(args, string(entityType))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*syncpkg.DeadLetter
	for rows.Next() {
		dl := &syncpkg.DeadLetter{}
		var et string
		if err := rows.Scan(&dl.ID, &et, &dl.ExternalID, &dl.Reason, &dl.Payload, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		dl.EntityType = pncp.EntityType(et)
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// DeleteDeadLetter removes a dead letter, typically after a successful replay
func (s *Store) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm dead letter deletion: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetDeadLetter fetches one dead letter by id
func (s *Store) GetDeadLetter(ctx context.Context, id uuid.UUID) (*syncpkg.DeadLetter, error) {
	dl := &syncpkg.DeadLetter{}
	var et string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, external_id, reason, payload, created_at
		FROM dead_letter WHERE id = $1`, id,
	).Scan(&dl.ID, &et, &dl.ExternalID, &dl.Reason, &dl.Payload, &dl.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter %s: %w", id, err)
	}
	dl.EntityType = pncp.EntityType(et)
	return dl, nil
}
