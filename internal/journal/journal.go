// Package journal records workflow lifecycle transitions in a SQLite database
// under the workspace var/ directory. The journal is an audit trail for
// operators recovering a failed run; writing to it is best-effort and must
// never fail the run itself.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Lifecycle event names recorded by the orchestrator.
const (
	EventWorkspacePrepared  = "WorkspacePrepared"
	EventWorkflowCreated    = "WorkflowCreated"
	EventWorkflowCloned     = "WorkflowCloned"
	EventWorkflowConfigured = "WorkflowConfigured"
	EventWorkflowStarted    = "WorkflowStarted"
	EventWorkflowFinished   = "WorkflowFinished"
	EventWorkflowCommitted  = "WorkflowCommitted"
	EventRunFailed          = "RunFailed"
	EventWorkspaceRemoved   = "WorkspaceRemoved"
)

// Entry is one recorded lifecycle transition.
type Entry struct {
	ID        int64
	RunID     string
	Workflow  string
	Event     string
	Timestamp time.Time
	Fields    map[string]string
}

// Journal is a SQLite-backed append-only event log. A nil *Journal is a valid
// no-op sink, so callers never need to branch on whether journaling is active.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the journal database at path. Use ":memory:" for an
// in-memory journal in tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		workflow TEXT NOT NULL,
		event TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		fields TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_run_id ON transitions(run_id);
	CREATE INDEX IF NOT EXISTS idx_event ON transitions(event);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends one transition. Recording on a nil journal is a no-op.
func (j *Journal) Record(ctx context.Context, runID, workflow, event string, fields map[string]string) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var fieldsJSON []byte
	if fields != nil {
		var err error
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
	}

	_, err := j.db.ExecContext(ctx,
		"INSERT INTO transitions (run_id, workflow, event, timestamp, fields) VALUES (?, ?, ?, ?, ?)",
		runID, workflow, event, time.Now().Unix(), fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Events retrieves all transitions for a run in insertion order.
func (j *Journal) Events(ctx context.Context, runID string) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, run_id, workflow, event, timestamp, fields FROM transitions WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var fieldsJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Workflow, &e.Event, &ts, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return entries, nil
}

// Close closes the database connection. Closing a nil journal is a no-op.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}
