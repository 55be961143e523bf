package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// maxAuditEntries bounds the audit_log table the same way the
// server's earlier generation bounded its own audit trail: losing
// old rows is acceptable, this table is diagnostic only.
const maxAuditEntries = 10000

// SQLiteSink persists events to an audit_log table, readable back
// through Recent. Optional: the server runs fine with only a SlogSink.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (creating if absent) a SQLite database at path
// and ensures the audit_log table exists.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		severity      INTEGER NOT NULL,
		event         TEXT NOT NULL,
		message       TEXT NOT NULL,
		ip            TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create audit_log: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create index: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }

// Emit inserts ev and prunes the table back down to maxAuditEntries
// rows. A failed insert is swallowed (to slog, not here — callers
// combine SQLiteSink via Multi alongside a SlogSink that will still
// see the event) since audit logging must never be allowed to break
// the request path it is observing.
func (s *SQLiteSink) Emit(ctx context.Context, ev Event) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(severity, event, message, ip, metadata_json) VALUES(?,?,?,?,?)`,
		int(ev.Severity), ev.Name, ev.Message, ev.IP, fieldsToJSON(ev.Fields),
	)
	if err != nil {
		return
	}
	s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT ?)`, maxAuditEntries)
}

// AuditEntry mirrors one row in audit_log, as returned by Recent.
type AuditEntry struct {
	ID           int64
	Severity     int
	Event        string
	Message      string
	IP           string
	MetadataJSON string
	CreatedAt    int64
}

// Recent returns the most recent audit entries, optionally filtered by
// event name (pass "" for no filter).
func (s *SQLiteSink) Recent(event string, limit int) ([]AuditEntry, error) {
	var rows *sql.Rows
	var err error
	if event != "" {
		rows, err = s.db.Query(
			`SELECT id, severity, event, message, ip, metadata_json, created_at FROM audit_log WHERE event = ? ORDER BY id DESC LIMIT ?`,
			event, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, severity, event, message, ip, metadata_json, created_at FROM audit_log ORDER BY id DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Severity, &e.Event, &e.Message, &e.IP, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
