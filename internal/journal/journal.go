// Package journal records session lifecycle events and executions in
// sqlite. It is observability only: the in-memory registry stays the
// source of truth and nothing here is read back to resurrect sessions
// after a restart.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	EventCreated = "created"
	EventClosed  = "closed"
	EventReaped  = "reaped"
	EventCrashed = "crashed"
)

// Execution is one journal row.
type Execution struct {
	SessionID   string
	StartedAt   time.Time
	Success     bool
	ElapsedSecs float64
	CodeLen     int
}

type Journal struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS executions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	success      INTEGER NOT NULL,
	elapsed_secs REAL NOT NULL,
	code_len     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_session_id ON executions(session_id);

CREATE TABLE IF NOT EXISTS session_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id);
`

// dsnWithPragmas applies WAL and busy-timeout pragmas per connection; the
// reaper, executes, and lifecycle events write concurrently.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// isBusyLock reports whether err indicates SQLITE_BUSY, including wrapped
// errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

func (j *Journal) RecordExecution(e Execution) error {
	err := retryOnBusy(func() error {
		_, err := j.db.Exec(
			`INSERT INTO executions (session_id, started_at, success, elapsed_secs, code_len)
			 VALUES (?, ?, ?, ?, ?)`,
			e.SessionID, e.StartedAt.UTC(), e.Success, e.ElapsedSecs, e.CodeLen,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (j *Journal) RecordEvent(sessionID, event string) error {
	if event == "" {
		return errors.New("event must not be empty")
	}
	err := retryOnBusy(func() error {
		_, err := j.db.Exec(
			`INSERT INTO session_events (session_id, event, at) VALUES (?, ?, ?)`,
			sessionID, event, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	return nil
}

// HistoryCount returns the number of journaled executions for a session.
func (j *Journal) HistoryCount(sessionID string) (int, error) {
	var n int
	err := j.db.QueryRow(
		`SELECT COUNT(*) FROM executions WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return n, nil
}

// HistoryCounts returns execution counts for every journaled session.
func (j *Journal) HistoryCounts() (map[string]int, error) {
	rows, err := j.db.Query(`SELECT session_id, COUNT(*) FROM executions GROUP BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("counting executions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning execution count: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating execution counts: %w", err)
	}
	return out, nil
}
