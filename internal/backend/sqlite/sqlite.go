// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite backend for single-host deployments. One
// database file holds queue jobs, execution logs and the records written by
// database_save nodes. Several processes on the same host may open the file;
// job writes are conditional on the stored version.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/gateway"
	"github.com/tombee/flowengine/internal/queue"
)

// Compile-time interface assertions.
var (
	_ queue.Store         = (*Backend)(nil)
	_ execution.LogSink   = (*Backend)(nil)
	_ gateway.RecordStore = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database at cfg.Path and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS queue_jobs (
			queue TEXT NOT NULL,
			id TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			job TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (queue, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_jobs_state ON queue_jobs(queue, state)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			entry TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id)`,
		`CREATE TABLE IF NOT EXISTS records (
			tbl TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tbl, id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Databases created before job versioning lack the column.
	var hasVersion int
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('queue_jobs') WHERE name = 'version'`,
	).Scan(&hasVersion); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if hasVersion == 0 {
		if _, err := b.db.ExecContext(ctx, `ALTER TABLE queue_jobs ADD COLUMN version INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Ping implements queue.Store.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// CompareAndSave implements queue.Store. The version column mirrors the
// job's Version so the comparison happens inside a single statement.
func (b *Backend) CompareAndSave(ctx context.Context, job *queue.Job, expected int64) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = b.db.ExecContext(ctx, `
			INSERT INTO queue_jobs (queue, id, state, version, job, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (queue, id) DO NOTHING
		`, job.Queue, job.ID, string(job.State), job.Version, string(data), now())
	} else {
		res, err = b.db.ExecContext(ctx, `
			UPDATE queue_jobs SET state = ?, version = ?, job = ?, updated_at = ?
			WHERE queue = ? AND id = ? AND version = ?
		`, string(job.State), job.Version, string(data), now(), job.Queue, job.ID, expected)
	}
	if err != nil {
		return false, fmt.Errorf("failed to save job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save job: %w", err)
	}
	return n == 1, nil
}

// Delete implements queue.Store.
func (b *Backend) Delete(ctx context.Context, queueName, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE queue = ? AND id = ?`, queueName, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// Load implements queue.Store.
func (b *Backend) Load(ctx context.Context, queueName string) ([]*queue.Job, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT job FROM queue_jobs WHERE queue = ?`, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// Append implements execution.LogSink.
func (b *Backend) Append(ctx context.Context, executionID string, entries ...execution.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO execution_logs (execution_id, entry) VALUES (?, ?)`,
			executionID, string(data)); err != nil {
			return fmt.Errorf("failed to append log entry: %w", err)
		}
	}
	return tx.Commit()
}

// List implements execution.LogSink. Entries come back in append order.
func (b *Backend) List(ctx context.Context, executionID string) ([]execution.LogEntry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT entry FROM execution_logs WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	entries := []execution.LogEntry{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		var entry execution.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Write implements gateway.RecordStore.
func (b *Backend) Write(ctx context.Context, w gateway.RecordWrite) (*gateway.RecordResult, error) {
	res := &gateway.RecordResult{Table: w.Table, Operation: w.Operation, ID: w.ID}

	switch w.Operation {
	case gateway.OpInsert, gateway.OpUpsert:
		if res.ID == "" {
			res.ID = uuid.NewString()
		}
		data, err := json.Marshal(w.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record: %w", err)
		}

		query := `INSERT INTO records (tbl, id, data, updated_at) VALUES (?, ?, ?, ?)`
		if w.Operation == gateway.OpUpsert {
			query += ` ON CONFLICT (tbl, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
		} else {
			_, exists, err := b.Get(ctx, w.Table, res.ID)
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, fmt.Errorf("%s %s: %w", w.Table, res.ID, gateway.ErrDuplicateRecord)
			}
		}
		if _, err := b.db.ExecContext(ctx, query, w.Table, res.ID, string(data), now()); err != nil {
			return nil, fmt.Errorf("failed to write record: %w", err)
		}
		res.Affected = 1

	case gateway.OpUpdate:
		existing, ok, err := b.Get(ctx, w.Table, res.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return res, nil
		}
		for k, v := range w.Data {
			existing[k] = v
		}
		data, err := json.Marshal(existing)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := b.db.ExecContext(ctx,
			`UPDATE records SET data = ?, updated_at = ? WHERE tbl = ? AND id = ?`,
			string(data), now(), w.Table, res.ID); err != nil {
			return nil, fmt.Errorf("failed to update record: %w", err)
		}
		res.Affected = 1

	case gateway.OpDelete:
		result, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, w.Table, res.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to delete record: %w", err)
		}
		n, _ := result.RowsAffected()
		res.Affected = int(n)

	default:
		return nil, fmt.Errorf("unsupported record operation %q", w.Operation)
	}
	return res, nil
}

// Get implements gateway.RecordStore.
func (b *Backend) Get(ctx context.Context, table, id string) (map[string]any, bool, error) {
	var raw string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get record: %w", err)
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, true, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
