// Package runlog keeps a SQLite ledger of workload runs so results can be compared
// across configurations.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	workload    TEXT NOT NULL,
	iterations  INTEGER NOT NULL,
	workers     INTEGER NOT NULL,
	granularity INTEGER NOT NULL,
	invocations INTEGER NOT NULL,
	recovered   INTEGER NOT NULL,
	elapsed_ns  INTEGER NOT NULL,
	digest      TEXT NOT NULL,
	matches     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS misspecs (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	seq       INTEGER NOT NULL,
	iteration INTEGER NOT NULL,
	worker    INTEGER NOT NULL,
	reason    TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS runs_workload ON runs(workload, started_at);
`

// Misspec is one misspeculation of a run.
type Misspec struct {
	Iteration int64  `json:"iteration"`
	Worker    int    `json:"worker"`
	Reason    string `json:"reason"`
}

// Run is one ledger entry.
type Run struct {
	ID          uuid.UUID     `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	Workload    string        `json:"workload"`
	Iterations  int64         `json:"iterations"`
	Workers     int           `json:"workers"`
	Granularity int           `json:"granularity"`
	Invocations int           `json:"invocations"`
	Recovered   int64         `json:"recovered"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Digest      string        `json:"digest"`
	Matches     bool          `json:"matches"`
	Misspecs    []Misspec     `json:"misspecs,omitempty"`
}

// Ledger is an open run database.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Join(fmt.Errorf("create ledger schema in %s: %w", path, err), db.Close())
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// Record stores r and its misspeculations in one transaction.
func (l *Ledger) Record(ctx context.Context, r *Run) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, started_at, workload, iterations, workers, granularity, invocations, recovered, elapsed_ns, digest, matches)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.StartedAt.UnixNano(), r.Workload, r.Iterations, r.Workers, r.Granularity,
		r.Invocations, r.Recovered, int64(r.Elapsed), r.Digest, r.Matches)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	for i, m := range r.Misspecs {
		_, err = tx.ExecContext(ctx, `INSERT INTO misspecs (run_id, seq, iteration, worker, reason) VALUES (?, ?, ?, ?, ?)`,
			r.ID.String(), i, m.Iteration, m.Worker, m.Reason)
		if err != nil {
			return fmt.Errorf("record misspeculation %d of run %s: %w", i, r.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit runs of workload, newest first. An empty workload
// matches every run.
func (l *Ledger) Recent(ctx context.Context, workload string, limit int) ([]*Run, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT
		id, started_at, workload, iterations, workers, granularity, invocations, recovered, elapsed_ns, digest, matches
		FROM runs WHERE ? = '' OR workload = ?
		ORDER BY started_at DESC LIMIT ?`, workload, workload, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			r       Run
			id      string
			started int64
			elapsed int64
		)
		if err := rows.Scan(&id, &started, &r.Workload, &r.Iterations, &r.Workers, &r.Granularity,
			&r.Invocations, &r.Recovered, &elapsed, &r.Digest, &r.Matches); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("run id %q: %w", id, err)
		}
		r.StartedAt = time.Unix(0, started)
		r.Elapsed = time.Duration(elapsed)
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	for _, r := range runs {
		if r.Misspecs, err = l.misspecs(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (l *Ledger) misspecs(ctx context.Context, id uuid.UUID) ([]Misspec, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT iteration, worker, reason FROM misspecs WHERE run_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query misspeculations of %s: %w", id, err)
	}
	defer rows.Close()
	var ms []Misspec
	for rows.Next() {
		var m Misspec
		if err := rows.Scan(&m.Iteration, &m.Worker, &m.Reason); err != nil {
			return nil, fmt.Errorf("scan misspeculation: %w", err)
		}
		ms = append(ms, m)
	}
	return ms, rows.Err()
}
