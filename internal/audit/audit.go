// Package audit persists a record of capability invocations. The log backs
// the audit-only permission strategy and post-session review of what a
// session actually touched.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"vessel/internal/contract"
	"vessel/internal/logging"
)

// Entry is one recorded capability invocation.
type Entry struct {
	ID         int64
	Timestamp  time.Time
	Session    string
	Capability string
	Operation  string
	Args       map[string]any
	Decision   string
}

// Recorder appends audit entries. The SQLite store implements it; tests use
// in-memory databases through the same type.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Store is the SQLite-backed audit log.
type Store struct {
	db      *sql.DB
	session string
}

// Open creates or opens the audit database at path. ":memory:" gives an
// ephemeral store.
func Open(path, session string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// modernc/sqlite serializes access itself, but concurrent writers on
	// one connection still race on transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}
	logging.Debug("Audit log open at %s", path)
	return &Store{db: db, session: session}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS capability_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	session TEXT NOT NULL,
	capability TEXT NOT NULL,
	operation TEXT NOT NULL,
	args TEXT NOT NULL DEFAULT '{}',
	decision TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capability_calls_session ON capability_calls(session);
`

// Record appends one entry. A zero timestamp is filled with the current
// time.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	session := entry.Session
	if session == "" {
		session = s.session
	}
	args, err := json.Marshal(entry.Args)
	if err != nil {
		args = []byte(`{}`)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO capability_calls (ts, session, capability, operation, args, decision)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), session, entry.Capability, entry.Operation, string(args), entry.Decision)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// List returns the entries for a session, oldest first.
func (s *Store) List(ctx context.Context, session string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, session, capability, operation, args, decision
		 FROM capability_calls WHERE session = ? ORDER BY id`, session)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, args string
		if err := rows.Scan(&e.ID, &ts, &e.Session, &e.Capability, &e.Operation, &args, &e.Decision); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
			e.Args = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Auditor adapts the store to the audit-only permission strategy. Failures
// to persist are logged, never surfaced into the call path.
func (s *Store) Auditor() contract.Auditor {
	return auditorAdapter{store: s}
}

type auditorAdapter struct {
	store *Store
}

func (a auditorAdapter) Audit(ctx context.Context, call contract.CallInfo, decision string) {
	err := a.store.Record(ctx, Entry{
		Capability: call.Capability,
		Operation:  call.Operation,
		Args:       call.Args,
		Decision:   decision,
	})
	if err != nil {
		logging.Error("Audit record failed for %s: %v", call, err)
	}
}
