package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultFingerprintTable is where the loader keeps content hashes when the
// postgres store is selected.
const DefaultFingerprintTable = "claim_fingerprints"

const saveChunk = 1000

// FingerprintStore persists the external id -> content hash table in
// PostgreSQL. Save upserts the whole table in one transaction, so a failed
// save leaves the previous state intact.
type FingerprintStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewFingerprintStore(pool *pgxpool.Pool, table string) *FingerprintStore {
	if table == "" {
		table = DefaultFingerprintTable
	}
	return &FingerprintStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureTable creates the fingerprint table if it does not exist.
func (s *FingerprintStore) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    external_id  TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create fingerprint table %s: %w", s.table, err)
	}
	return nil
}

// Load returns every stored entry. A missing table is reported as an
// error; run EnsureTable first.
func (s *FingerprintStore) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT external_id, content_hash FROM %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	table := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		table[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fingerprints: %w", err)
	}
	return table, nil
}

// Save upserts every entry of table. Rows whose hash did not change are
// left untouched.
func (s *FingerprintStore) Save(ctx context.Context, table map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`INSERT INTO %s (external_id, content_hash, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (external_id) DO UPDATE
SET content_hash = EXCLUDED.content_hash, updated_at = NOW()
WHERE %s.content_hash <> EXCLUDED.content_hash`, s.table, s.table)

	batch := &pgx.Batch{}
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		err := tx.SendBatch(ctx, batch).Close()
		batch = &pgx.Batch{}
		return err
	}
	for id, hash := range table {
		batch.Queue(query, id, hash)
		if batch.Len() >= saveChunk {
			if err := flush(); err != nil {
				return fmt.Errorf("upsert fingerprints: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("upsert fingerprints: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fingerprints: %w", err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *FingerprintStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}

// Table returns the quoted table name.
func (s *FingerprintStore) Table() string {
	return s.table
}
