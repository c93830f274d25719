// Package history keeps batch reports in a local SQLite database so past
// runs can be listed and the Zabbix agent plugin can export the latest
// per-host state.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Store persists batch reports. A nil *Store is a disabled store: Report
// does nothing and Close returns nil.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var _ patcher.Sink = (*Store)(nil)

// RunSummary is one row of the run list.
type RunSummary struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	DryRun    bool
	Hosts     int
	Succeeded int
	Failed    int
}

// NewStore opens the configured database, or returns nil when history is
// disabled.
func NewStore(cfg *config.Config, log *slog.Logger) (*Store, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	return Open(context.Background(), cfg.History.Path, log)
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, dbPath string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// One writer; concurrent CLI invocations wait instead of failing.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure history database: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate runs the embedded scripts in file name order. Scripts are
// idempotent.
func (s *Store) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := migrationFS.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("exec migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *Store) Name() string { return "history" }

// Report stores a finished batch. Saving the same run twice replaces it.
func (s *Store) Report(ctx context.Context, report *patcher.BatchReport) error {
	if s == nil {
		return nil
	}
	succeeded, failed := report.Counts()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM host_results WHERE run_id = ?`,
		`DELETE FROM runs WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, report.RunID); err != nil {
			return fmt.Errorf("replace run: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs(run_id, started, finished, dry_run, hosts, succeeded, failed)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, report.RunID, report.Started.UnixMilli(), report.Finished.UnixMilli(), boolInt(report.DryRun),
		len(report.Hosts), succeeded, failed); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, r := range report.Hosts {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode result for %s: %w", r.Target.Address, err)
		}
		var class string
		var index int
		if r.Failure != nil {
			class = string(r.Failure.Class)
			index = r.Failure.ArtifactIndex
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO host_results(run_id, position, address, name, state, failure_class, artifact_index, applied, result)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, report.RunID, i, r.Target.Address, r.Target.DisplayName(), string(r.State), class, index,
			len(r.Applied), string(raw)); err != nil {
			return fmt.Errorf("insert result for %s: %w", r.Target.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Debug("Saved run to history", slog.String("run_id", report.RunID), slog.Int("hosts", len(report.Hosts)))
	return nil
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started, finished, dry_run, hosts, succeeded, failed
		FROM runs
		ORDER BY started DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunSummary
	for rows.Next() {
		rs, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Run loads a stored report.
func (s *Store) Run(ctx context.Context, runID string) (*patcher.BatchReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started, finished, dry_run, hosts, succeeded, failed
		FROM runs WHERE run_id = ?
	`, runID)
	rs, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	report := &patcher.BatchReport{RunID: rs.RunID, DryRun: rs.DryRun, Started: rs.Started, Finished: rs.Finished}
	report.Hosts, err = s.results(ctx, runID)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Latest loads the most recent run that was not a dry run.
func (s *Store) Latest(ctx context.Context) (*patcher.BatchReport, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM runs WHERE dry_run = 0 ORDER BY started DESC LIMIT 1
	`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest run: %w", err)
	}
	return s.Run(ctx, runID)
}

func (s *Store) results(ctx context.Context, runID string) ([]patcher.HostRunResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT result FROM host_results WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []patcher.HostRunResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var r patcher.HostRunResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunSummary, error) {
	var (
		rs                RunSummary
		started, finished int64
		dryRun            int
	)
	if err := sc.Scan(&rs.RunID, &started, &finished, &dryRun, &rs.Hosts, &rs.Succeeded, &rs.Failed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rs, err
		}
		return rs, fmt.Errorf("scan run: %w", err)
	}
	rs.Started = time.UnixMilli(started)
	rs.Finished = time.UnixMilli(finished)
	rs.DryRun = dryRun != 0
	return rs, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
