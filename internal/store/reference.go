package store

import (
	"context"
	"fmt"
)

// LoadCategory reads one reference code category into a code to name map.
// Satisfies the domain cache's loader.
func (s *Store) LoadCategory(ctx context.Context, category string) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name FROM reference_code WHERE category = $1`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference category %s: %w", category, err)
	}
	defer rows.Close()

	mapping := make(map[int]string)
	for rows.Next() {
		var code int
		var name string
		if err := rows.Scan(&code, &name); err != nil {
			return nil, fmt.Errorf("failed to scan reference code row: %w", err)
		}
		mapping[code] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reference category %s: %w", category, err)
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("reference category %s is empty", category)
	}
	return mapping, nil
}

// ReplaceCategory swaps a whole reference category for the given mapping in
// one transaction. Used by the weekly domain refresh when the upstream code
// tables change.
func (s *Store) ReplaceCategory(ctx context.Context, category string, mapping map[int]string) error {
	if len(mapping) == 0 {
		return fmt.Errorf("refusing to replace category %s with an empty mapping", category)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reference replace: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reference_code WHERE category = $1`, category); err != nil {
		return fmt.Errorf("failed to clear reference category %s: %w", category, err)
	}

	for code, name := range mapping {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reference_code (category, code, name) VALUES ($1, $2, $3)`,
			category, code, name); err != nil {
			return fmt.Errorf("failed to insert reference code %s/%d: %w", category, code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reference replace: %w", err)
	}
	return nil
}

// UpdateReferenceCode upserts a single code, the administrative correction path
func (s *Store) UpdateReferenceCode(ctx context.Context, category string, code int, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_code (category, code, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (category, code) DO UPDATE SET name = EXCLUDED.name, updated_at = now()`,
		category, code, name,
	)
	if err != nil {
		return fmt.Errorf("failed to update reference code %s/%d: %w", category, code, err)
	}
	return nil
}
