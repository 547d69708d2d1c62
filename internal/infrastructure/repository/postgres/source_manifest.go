package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

// SourceManifest records the digest and chunk count of every ingested source.
type SourceManifest struct {
	db *sql.DB
}

func NewSourceManifest(db *sql.DB) *SourceManifest {
	return &SourceManifest{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (m *SourceManifest) EnsureSchema(ctx context.Context) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across concurrent ingest runs.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS fiscal_sources (
	source_id TEXT PRIMARY KEY,
	profile TEXT NOT NULL,
	digest TEXT NOT NULL,
	model_version TEXT NOT NULL DEFAULT '',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	ingested_at TIMESTAMPTZ NOT NULL
);

ALTER TABLE fiscal_sources ADD COLUMN IF NOT EXISTS model_version TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_fiscal_sources_profile ON fiscal_sources(profile);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (m *SourceManifest) Get(ctx context.Context, sourceID string) (domain.SourceRecord, bool, error) {
	row := m.db.QueryRowContext(ctx, `
SELECT source_id, profile, digest, model_version, chunk_count
FROM fiscal_sources
WHERE source_id = $1
`, sourceID)

	var rec domain.SourceRecord
	var profile string
	if err := row.Scan(&rec.SourceID, &profile, &rec.Digest, &rec.ModelVersion, &rec.ChunkCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SourceRecord{}, false, nil
		}
		return domain.SourceRecord{}, false, fmt.Errorf("scan source: %w", err)
	}
	rec.Profile = domain.Profile(profile)
	return rec, true, nil
}

func (m *SourceManifest) Put(ctx context.Context, record domain.SourceRecord) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO fiscal_sources (source_id, profile, digest, model_version, chunk_count, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_id) DO UPDATE
SET profile = EXCLUDED.profile,
	digest = EXCLUDED.digest,
	model_version = EXCLUDED.model_version,
	chunk_count = EXCLUDED.chunk_count,
	ingested_at = EXCLUDED.ingested_at
`, record.SourceID, string(record.Profile), record.Digest, record.ModelVersion, record.ChunkCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}
