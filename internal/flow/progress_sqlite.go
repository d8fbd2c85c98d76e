package flow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteProgressStore persists per-flow progress markers so a retried
// flow resumes after its last completed step. Markers outlive process
// restarts; the table holds one row per in-flight flow.
type SQLiteProgressStore struct {
	db *sql.DB
}

// NewSQLiteProgressStore opens (and if needed creates) the marker table
// at dbPath.
func NewSQLiteProgressStore(dbPath string) (*SQLiteProgressStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS flow_progress (
		flow_id     TEXT PRIMARY KEY,
		flow_name   TEXT NOT NULL,
		shipment_id INTEGER NOT NULL,
		last_step   TEXT NOT NULL,
		updated_at  INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create flow_progress table: %w", err)
	}

	return &SQLiteProgressStore{db: db}, nil
}

// Record upserts the marker for a flow; later steps overwrite earlier ones
func (s *SQLiteProgressStore) Record(ctx context.Context, flowID, flowName string, shipmentID int64, step string) error {
	query := `INSERT OR REPLACE INTO flow_progress (flow_id, flow_name, shipment_id, last_step, updated_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, flowID, flowName, shipmentID, step, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record flow progress: %w", err)
	}
	return nil
}

// LastStep returns the recorded marker, or "" when the flow has none
func (s *SQLiteProgressStore) LastStep(ctx context.Context, flowID string) (string, error) {
	query := `SELECT last_step FROM flow_progress WHERE flow_id = ?`
	var step string
	err := s.db.QueryRowContext(ctx, query, flowID).Scan(&step)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to read flow progress: %w", err)
	}
	return step, nil
}

// Clear removes the marker once a flow has fully completed
func (s *SQLiteProgressStore) Clear(ctx context.Context, flowID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flow_progress WHERE flow_id = ?`, flowID); err != nil {
		return fmt.Errorf("failed to clear flow progress: %w", err)
	}
	return nil
}

// Close releases the underlying database handle
func (s *SQLiteProgressStore) Close() error {
	return s.db.Close()
}
