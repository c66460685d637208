// Package archive persists finished runs to a SQL database so that their
// outcome outlives the process. SQLite and PostgreSQL are supported through
// database/sql; the Observer archives every run when its run.completed event
// arrives.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/specialistvlad/stagegrid/internal/record"
)

// ErrNotFound is returned when a run is not in the archive.
var ErrNotFound = errors.New("run not archived")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_stages (
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	cached INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, name)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Run is one archived run.
type Run struct {
	ID         string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	// Snapshot is the run's JSON document as rendered by record.Snapshot.
	Snapshot json.RawMessage
}

// Stage is one archived stage outcome.
type Stage struct {
	Name     string
	State    string
	Attempts int
	Cached   bool
	Duration time.Duration
	Error    string
}

// Store is a run archive backed by database/sql.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn. "postgres://" and "postgresql://" URLs use the pgx
// driver; "sqlite://<path>" or a bare file path use SQLite.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver, source, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", driver, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s archive: %w", driver, err)
	}
	return &Store{db: db, driver: driver}, nil
}

func parseDSN(dsn string) (driver, source string, err error) {
	switch {
	case dsn == "":
		return "", "", errors.New("archive DSN is empty")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	case strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, "sqlite://"):
		return "", "", fmt.Errorf("unsupported archive DSN scheme in '%s'", dsn)
	}
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == "" {
		return "", "", errors.New("sqlite archive DSN has no path")
	}
	return "sqlite3", path + "?_journal_mode=WAL&_busy_timeout=5000", nil
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

// Migrate creates the archive tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate archive: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes snap, replacing an earlier copy of the same run.
func (s *Store) Save(ctx context.Context, snap record.Snapshot) (err error) {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.RunID, err)
	}
	runErr := ""
	if e := snap.Err(); e != nil {
		runErr = e.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (id, status, started_at, finished_at, error, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			error = excluded.error,
			snapshot = excluded.snapshot`),
		snap.RunID, snap.Status.String(), formatTime(snap.StartedAt), formatTime(snap.FinishedAt), runErr, string(doc))
	if err != nil {
		return fmt.Errorf("archive run %s: %w", snap.RunID, err)
	}

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM run_stages WHERE run_id = ?`), snap.RunID); err != nil {
		return fmt.Errorf("archive run %s: %w", snap.RunID, err)
	}
	insert := s.rebind(`
		INSERT INTO run_stages (run_id, name, state, attempts, cached, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, st := range snap.Stages {
		stageErr := ""
		if st.LastError != nil {
			stageErr = st.LastError.Error()
		}
		cached := 0
		if st.Cached {
			cached = 1
		}
		_, err = tx.ExecContext(ctx, insert,
			snap.RunID, st.Name, st.State.String(), st.Attempts, cached, st.Duration().Milliseconds(), stageErr)
		if err != nil {
			return fmt.Errorf("archive stage %s of run %s: %w", st.Name, snap.RunID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit archive of run %s: %w", snap.RunID, err)
	}
	return nil
}

// Run loads one archived run.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, status, started_at, finished_at, error, snapshot FROM runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// Recent lists up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, status, started_at, finished_at, error, snapshot FROM runs
		ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list archived runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stages loads the stage outcomes of an archived run in name order.
func (s *Store) Stages(ctx context.Context, runID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT name, state, attempts, cached, duration_ms, error FROM run_stages
		WHERE run_id = ? ORDER BY name`), runID)
	if err != nil {
		return nil, fmt.Errorf("list archived stages of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Stage
	for rows.Next() {
		var (
			st     Stage
			cached int
			ms     int64
		)
		if err := rows.Scan(&st.Name, &st.State, &st.Attempts, &cached, &ms, &st.Error); err != nil {
			return nil, fmt.Errorf("scan archived stage: %w", err)
		}
		st.Cached = cached != 0
		st.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                 Run
		started, finished string
		doc               string
	)
	if err := row.Scan(&r.ID, &r.Status, &started, &finished, &r.Error, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan archived run: %w", err)
	}
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	r.Snapshot = json.RawMessage(doc)
	return r, nil
}

// rebind rewrites '?' placeholders to PostgreSQL's numbered form.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
