package main

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// tableStage is the last step a table completed. Stages only move forward.
type tableStage int

const (
	stageDiscovered tableStage = iota
	stageTableCreated
	stageDataCopied
	stageIndexesCreated
	stageForeignKeysCreated
)

var stageNames = []string{"discovered", "table_created", "data_copied", "indexes_created", "foreign_keys_created"}

func (s tableStage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

func parseStage(name string) (tableStage, error) {
	for i, n := range stageNames {
		if n == name {
			return tableStage(i), nil
		}
	}
	return stageDiscovered, fmt.Errorf("unknown stage %q", name)
}

// Value stores the stage by name.
func (s tableStage) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan reads a stage stored by name.
func (s *tableStage) Scan(src any) error {
	var name string
	switch v := src.(type) {
	case string:
		name = v
	case []byte:
		name = string(v)
	default:
		return fmt.Errorf("scan stage: unsupported type %T", src)
	}
	st, err := parseStage(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// tableCheckpoint is the persisted progress of one table.
type tableCheckpoint struct {
	Schema     string     `db:"schema_name"`
	Table      string     `db:"table_name"`
	Stage      tableStage `db:"stage"`
	RowsCopied int64      `db:"rows_copied"`
	Batches    int64      `db:"batches"`
	RunID      string     `db:"run_id"`
	Error      string     `db:"error"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

func (c tableCheckpoint) ref() TableRef {
	return TableRef{Schema: c.Schema, Name: c.Table}
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	status      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS table_progress (
	schema_name TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	stage       TEXT NOT NULL,
	rows_copied INTEGER NOT NULL DEFAULT 0,
	batches     INTEGER NOT NULL DEFAULT 0,
	run_id      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (schema_name, table_name)
);
`

// checkpointStore persists per-table progress in a local SQLite file so an
// interrupted migration can resume. A nil store disables checkpointing.
type checkpointStore struct {
	db    *sqlx.DB
	runID string
}

// openCheckpointStore opens or creates the store at path. fresh discards any
// previous progress.
func openCheckpointStore(ctx context.Context, path string, fresh bool) (*checkpointStore, error) {
	if fresh {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove checkpoint store: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	// Workers save concurrently; SQLite wants a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint store: %w", err)
	}
	return &checkpointStore{db: db}, nil
}

// beginRun records a new run and returns its id.
func (s *checkpointStore) beginRun(ctx context.Context) (string, error) {
	if s == nil {
		return "", nil
	}
	s.runID = uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, status) VALUES (?, ?, 'running')`,
		s.runID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return s.runID, nil
}

// finishRun marks the current run with its final status.
func (s *checkpointStore) finishRun(ctx context.Context, status string) error {
	if s == nil || s.runID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC(), status, s.runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// load returns the saved progress of every table.
func (s *checkpointStore) load(ctx context.Context) (map[TableRef]tableCheckpoint, error) {
	out := make(map[TableRef]tableCheckpoint)
	if s == nil {
		return out, nil
	}
	var rows []tableCheckpoint
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM table_progress`); err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	for _, cp := range rows {
		out[cp.ref()] = cp
	}
	return out, nil
}

// save upserts the progress of one table under the current run.
func (s *checkpointStore) save(ctx context.Context, cp tableCheckpoint) error {
	if s == nil {
		return nil
	}
	cp.RunID = s.runID
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO table_progress (schema_name, table_name, stage, rows_copied, batches, run_id, error, updated_at)
		VALUES (:schema_name, :table_name, :stage, :rows_copied, :batches, :run_id, :error, :updated_at)
		ON CONFLICT (schema_name, table_name) DO UPDATE SET
			stage = excluded.stage,
			rows_copied = excluded.rows_copied,
			batches = excluded.batches,
			run_id = excluded.run_id,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, cp)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ref(), err)
	}
	return nil
}

func (s *checkpointStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
