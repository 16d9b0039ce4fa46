// Package sqlite provides the bounded on-disk audit history. The live sink
// stays in memory; this store only retains a window of past decisions and
// retired grants for later inspection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/privarion/privarion/internal/domain/audit"
	"github.com/privarion/privarion/internal/domain/grant"
)

const defaultMaxRows = 10000

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	subject TEXT NOT NULL,
	service_name TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL DEFAULT '',
	matched_policies TEXT NOT NULL DEFAULT '[]',
	decision TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS grant_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	grant_id TEXT NOT NULL,
	bundle_identifier TEXT NOT NULL,
	service_name TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	granted_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	retired_reason TEXT NOT NULL DEFAULT ''
);
`

// HistoryStore implements audit.Store over a sqlite database and retires
// grants via GrantSink. Both tables are pruned to a bounded row count.
type HistoryStore struct {
	db      *sql.DB
	maxRows int
}

// HistoryOption configures a HistoryStore.
type HistoryOption func(*HistoryStore)

// WithMaxRows bounds each history table (default 10000 rows).
func WithMaxRows(n int) HistoryOption {
	return func(s *HistoryStore) {
		if n > 0 {
			s.maxRows = n
		}
	}
}

// Open opens (creating if needed) the history database at path.
func Open(path string, opts ...HistoryOption) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	s := &HistoryStore{db: db, maxRows: defaultMaxRows}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Append inserts decision records and prunes the table to the row bound.
func (s *HistoryStore) Append(ctx context.Context, records ...audit.Record) error {
	for _, r := range records {
		matched, err := json.Marshal(r.MatchedPolicies)
		if err != nil {
			return fmt.Errorf("marshal matched policies: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO decisions
				(event_id, timestamp, subject, service_name, origin, matched_policies, decision, action, severity, latency_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.EventID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Subject,
			r.ServiceName, r.Origin, string(matched), r.Decision, r.Action,
			r.Severity, r.LatencyMs)
		if err != nil {
			return fmt.Errorf("insert decision record: %w", err)
		}
	}
	return s.prune(ctx, "decisions")
}

// Recent returns up to n of the most recent decision records, newest last.
func (s *HistoryStore) Recent(n int) []audit.Record {
	if n <= 0 {
		n = s.maxRows
	}
	rows, err := s.db.Query(
		`SELECT event_id, timestamp, subject, service_name, origin, matched_policies, decision, action, severity, latency_ms
		 FROM decisions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Record
	for rows.Next() {
		var r audit.Record
		var ts, matched string
		if err := rows.Scan(&r.EventID, &ts, &r.Subject, &r.ServiceName,
			&r.Origin, &matched, &r.Decision, &r.Action, &r.Severity, &r.LatencyMs); err != nil {
			return out
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if matched != "" {
			_ = json.Unmarshal([]byte(matched), &r.MatchedPolicies)
		}
		out = append(out, r)
	}

	// Newest last, matching the in-memory store's ordering.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// AppendGrant records a grant leaving the active set.
func (s *HistoryStore) AppendGrant(ctx context.Context, g grant.Grant, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grant_history
			(grant_id, bundle_identifier, service_name, reason, granted_by, created_at, expires_at, retired_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.BundleIdentifier, g.ServiceName, g.Reason, g.GrantedBy,
		g.CreatedAt.UTC().Format(time.RFC3339Nano),
		g.ExpiresAt.UTC().Format(time.RFC3339Nano), reason)
	if err != nil {
		return fmt.Errorf("insert grant history: %w", err)
	}
	return s.prune(ctx, "grant_history")
}

// GrantHistoryCount returns the number of retired grants, for tests and
// diagnostics.
func (s *HistoryStore) GrantHistoryCount() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM grant_history`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// GrantSink returns a grant.HistorySink view of the store.
func (s *HistoryStore) GrantSink() grant.HistorySink {
	return grantSink{store: s}
}

// prune trims a table to the configured row bound, dropping oldest first.
func (s *HistoryStore) prune(ctx context.Context, table string) error {
	if !validTable(table) {
		return fmt.Errorf("unknown history table %q", table)
	}
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT ?)`,
		table, table)
	if _, err := s.db.ExecContext(ctx, query, s.maxRows); err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}
	return nil
}

func validTable(table string) bool {
	switch strings.TrimSpace(table) {
	case "decisions", "grant_history":
		return true
	}
	return false
}

// grantSink adapts HistoryStore to grant.HistorySink.
type grantSink struct {
	store *HistoryStore
}

func (g grantSink) Append(ctx context.Context, gr grant.Grant, reason string) error {
	return g.store.AppendGrant(ctx, gr, reason)
}

// Compile-time interface verification.
var (
	_ audit.Store       = (*HistoryStore)(nil)
	_ grant.HistorySink = grantSink{}
)
