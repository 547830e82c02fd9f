package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// PostgresStore is a SnapshotStore backed by Postgres, for deployments that
// prefer a shared database over per-saga state files. Snapshots are stored
// whole as JSON so the file and database stores stay interchangeable.
type PostgresStore struct {
	db   *sql.DB
	logf func(format string, args ...any)
}

// NewPostgresStore constructs a store over an open database handle.
func NewPostgresStore(db *sql.DB, logf func(format string, args ...any)) *PostgresStore {
	if logf == nil {
		logf = log.Printf
	}
	return &PostgresStore{db: db, logf: logf}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB, logf func(format string, args ...any)) (*PostgresStore, error) {
	store := NewPostgresStore(db, logf)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the snapshot table if it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS saga_snapshots (
			saga_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			state TEXT NOT NULL,
			snapshot JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("init saga schema: %w", err)
	}
	return nil
}

// Save upserts the snapshot keyed by saga ID.
func (s *PostgresStore) Save(snapshot Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal saga %s: %w", snapshot.SagaID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO saga_snapshots (saga_id, order_id, state, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (saga_id) DO UPDATE
		SET state = EXCLUDED.state,
		    snapshot = EXCLUDED.snapshot,
		    updated_at = EXCLUDED.updated_at`,
		snapshot.SagaID, snapshot.OrderID, string(snapshot.State), raw,
		snapshot.CreatedAt, snapshot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save saga %s: %w", snapshot.SagaID, err)
	}
	return nil
}

// Remove deletes the snapshot row.
func (s *PostgresStore) Remove(sagaID string) error {
	if _, err := s.db.Exec(`DELETE FROM saga_snapshots WHERE saga_id = $1`, sagaID); err != nil {
		return fmt.Errorf("remove saga %s: %w", sagaID, err)
	}
	return nil
}

// Get loads one snapshot by saga ID.
func (s *PostgresStore) Get(sagaID string) (Snapshot, bool) {
	row := s.db.QueryRow(`SELECT snapshot FROM saga_snapshots WHERE saga_id = $1`, sagaID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err != sql.ErrNoRows {
			s.logf("saga store: get %s: %v", sagaID, err)
		}
		return Snapshot{}, false
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		s.logf("saga store: corrupt snapshot %s: %v", sagaID, err)
		return Snapshot{}, false
	}
	return snapshot, true
}

// Active returns all stored snapshots. Unreadable rows are skipped with a
// warning, matching recovery semantics of the file store.
func (s *PostgresStore) Active() []Snapshot {
	rows, err := s.db.Query(`SELECT snapshot FROM saga_snapshots`)
	if err != nil {
		s.logf("saga store: list: %v", err)
		return nil
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			s.logf("saga store: scan: %v", err)
			continue
		}
		var snapshot Snapshot
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			s.logf("saga store: skipping corrupt row: %v", err)
			continue
		}
		out = append(out, snapshot)
	}
	if err := rows.Err(); err != nil {
		s.logf("saga store: list: %v", err)
	}
	return out
}

// Close is a no-op; the database handle is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
