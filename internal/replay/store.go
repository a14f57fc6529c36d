package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/straja-ai/cxrlens/internal/xray"
)

const schema = `
CREATE TABLE IF NOT EXISTS replay_cases (
	case_id              TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	raw_json             TEXT NOT NULL,
	min_confidence       REAL NOT NULL DEFAULT 0,
	expected_class       TEXT NOT NULL,
	expected_overridden  INTEGER NOT NULL,
	expected_thresholded INTEGER NOT NULL,
	expected_severity    INTEGER NOT NULL,
	recorded_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS replay_runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	total       INTEGER NOT NULL,
	passed      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	report_json TEXT NOT NULL
);
`

// timeLayout is fixed width so timestamps stored as TEXT sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store keeps recorded cases and run history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at dbPath and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCases upserts cases in one transaction.
func (s *Store) SaveCases(ctx context.Context, cases []Case) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	for _, c := range cases {
		raw, err := json.Marshal(c.Raw)
		if err != nil {
			return fmt.Errorf("marshal raw %s: %w", c.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO replay_cases (case_id, name, raw_json, min_confidence, expected_class,
			     expected_overridden, expected_thresholded, expected_severity, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(case_id) DO UPDATE SET
			     name = excluded.name,
			     raw_json = excluded.raw_json,
			     min_confidence = excluded.min_confidence,
			     expected_class = excluded.expected_class,
			     expected_overridden = excluded.expected_overridden,
			     expected_thresholded = excluded.expected_thresholded,
			     expected_severity = excluded.expected_severity,
			     recorded_at = excluded.recorded_at`,
			c.ID, c.Name, string(raw), c.MinConfidence, c.Expected.Class,
			c.Expected.Overridden, c.Expected.Thresholded, c.Expected.Severity, now,
		)
		if err != nil {
			return fmt.Errorf("insert case %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListCases returns every stored case ordered by name.
func (s *Store) ListCases(ctx context.Context) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT case_id, name, raw_json, min_confidence, expected_class,
		        expected_overridden, expected_thresholded, expected_severity
		 FROM replay_cases ORDER BY name, case_id`)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		var (
			c   Case
			raw string
		)
		if err := rows.Scan(&c.ID, &c.Name, &raw, &c.MinConfidence, &c.Expected.Class,
			&c.Expected.Overridden, &c.Expected.Thresholded, &c.Expected.Severity); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		var probs xray.Probs
		if err := json.Unmarshal([]byte(raw), &probs); err != nil {
			return nil, fmt.Errorf("decode raw %s: %w", c.ID, err)
		}
		c.Raw = probs
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveRun appends a run report to the history.
func (s *Store) SaveRun(ctx context.Context, rep *Report) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO replay_runs (run_id, started_at, total, passed, failed, report_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.StartedAt.UTC().Format(timeLayout), rep.Total, rep.Passed, rep.Failed, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Runs returns up to limit reports, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_json FROM replay_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var rep Report
		if err := json.Unmarshal([]byte(data), &rep); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}
