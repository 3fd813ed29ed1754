package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	syncpkg "github.com/searcb/pncp-sync/internal/sync"
	"github.com/searcb/pncp-sync/internal/transform"
)

const upsertRecordSQL = `
INSERT INTO pncp_record (
	entity_type, control_number, year,
	cnpj, org_name, uf,
	modality_id, modality_name,
	situation_id, situation_name,
	legal_basis_code, legal_basis_name,
	object, total_estimated, total_approved,
	published_at, updated_at_source,
	raw, content_hash
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
	$11, $12, $13, $14, $15, $16, $17, $18, $19
)
ON CONFLICT (entity_type, control_number, year) DO UPDATE SET
	cnpj = EXCLUDED.cnpj,
	org_name = EXCLUDED.org_name,
	uf = EXCLUDED.uf,
	modality_id = EXCLUDED.modality_id,
	modality_name = EXCLUDED.modality_name,
	situation_id = EXCLUDED.situation_id,
	situation_name = EXCLUDED.situation_name,
	legal_basis_code = EXCLUDED.legal_basis_code,
	legal_basis_name = EXCLUDED.legal_basis_name,
	object = EXCLUDED.object,
	total_estimated = EXCLUDED.total_estimated,
	total_approved = EXCLUDED.total_approved,
	published_at = EXCLUDED.published_at,
	updated_at_source = EXCLUDED.updated_at_source,
	raw = EXCLUDED.raw,
	content_hash = EXCLUDED.content_hash,
	updated_at = now()
WHERE pncp_record.content_hash IS DISTINCT FROM EXCLUDED.content_hash
RETURNING (xmax = 0) AS inserted
`

// Upsert writes one canonical record. A record whose content hash matches
// the stored row is left untouched and reported as unchanged, so replaying
// the same upstream page is a no-op.
func (s *Store) Upsert(ctx context.Context, rec *transform.CanonicalRecord) (syncpkg.UpsertOutcome, error) {
	if err := s.ensurePartition(ctx, rec.Year); err != nil {
		return "", err
	}
	return s.upsertOne(ctx, s.db, rec)
}

// UpsertBatch writes a batch of canonical records in one transaction. All of
// the batch lands or none of it does, so a partial page fetch never leaves a
// half-applied batch behind.
func (s *Store) UpsertBatch(ctx context.Context, recs []*transform.CanonicalRecord) (syncpkg.BatchResult, error) {
	var result syncpkg.BatchResult
	if len(recs) == 0 {
		return result, nil
	}

	// Partition DDL cannot run inside the batch transaction; a failed
	// CREATE TABLE would poison it.
	for _, rec := range recs {
		if err := s.ensurePartition(ctx, rec.Year); err != nil {
			return result, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, rec := range recs {
		outcome, err := s.upsertOne(ctx, tx, rec)
		if err != nil {
			return syncpkg.BatchResult{}, err
		}
		switch outcome {
		case syncpkg.OutcomeInserted:
			result.Inserted++
		case syncpkg.OutcomeUpdated:
			result.Updated++
		case syncpkg.OutcomeUnchanged:
			result.Unchanged++
		}
	}

	if err := tx.Commit(); err != nil {
		return syncpkg.BatchResult{}, fmt.Errorf("failed to commit upsert transaction: %w", err)
	}
	return result, nil
}

// querier abstracts *sql.DB and *sql.Tx for the upsert statement
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) upsertOne(ctx context.Context, q querier, rec *transform.CanonicalRecord) (syncpkg.UpsertOutcome, error) {
	var inserted bool
	err := q.QueryRowContext(ctx, upsertRecordSQL,
		string(rec.EntityType), rec.ControlNumber, rec.Year,
		rec.CNPJ, rec.OrgName, nullString(rec.UF),
		nullInt(rec.ModalityID), nullString(rec.ModalityName),
		nullInt(rec.SituationID), nullString(rec.SituationName),
		nullInt(rec.LegalBasisCode), nullString(rec.LegalBasisName),
		nullString(rec.Object), nullString(rec.TotalEstimated), nullString(rec.TotalApproved),
		nullTime(rec.PublishedAt), nullTime(rec.UpdatedAt),
		[]byte(rec.Raw), rec.Hash,
	).Scan(&inserted)
	if err == sql.ErrNoRows {
		// conflict row filtered out by the hash guard
		return syncpkg.OutcomeUnchanged, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to upsert record %s/%s: %w", rec.EntityType, rec.ControlNumber, err)
	}
	if inserted {
		return syncpkg.OutcomeInserted, nil
	}
	return syncpkg.OutcomeUpdated, nil
}

// ensurePartition creates the yearly partition for pncp_record if it does
// not exist yet. Results are cached per process; concurrent creation across
// replicas is safe because the statement is idempotent.
func (s *Store) ensurePartition(ctx context.Context, year int) error {
	if year < 2000 || year > 2100 {
		return fmt.Errorf("record year %d outside the partitionable range", year)
	}

	s.partMu.Lock()
	_, ok := s.partitions[year]
	s.partMu.Unlock()
	if ok {
		return nil
	}

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS pncp_record_y%d PARTITION OF pncp_record FOR VALUES FROM (%d) TO (%d)`,
		year, year, year+1,
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to ensure partition for year %d: %w", year, err)
	}

	s.partMu.Lock()
	s.partitions[year] = struct{}{}
	s.partMu.Unlock()
	return nil
}

// CountRecords returns the number of canonical rows for one entity type,
// used by the status endpoint.
func (s *Store) CountRecords(ctx context.Context, entityType string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM pncp_record WHERE entity_type = $1`, entityType,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records for %s: %w", entityType, err)
	}
	return count, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i != 0}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
