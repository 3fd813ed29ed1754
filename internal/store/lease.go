package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AcquireLease tries to take the named lease for the given holder. It
// succeeds when the lease is free, expired, or already held by the same
// holder (which renews it). The boolean reports whether the holder now owns
// the lease.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sync_lease (name, holder, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE sync_lease.expires_at < now() OR sync_lease.holder = EXCLUDED.holder
		RETURNING holder`,
		name, holder, ttl.Seconds(),
	).Scan(&owner)
	if err == sql.ErrNoRows {
		// live lease held by someone else
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return owner == holder, nil
}

// ReleaseLease frees the lease if the holder still owns it. Releasing a
// lease someone else took over is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_lease WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}
