// Package history persists the outcome of provisioning runs into a local
// sqlite database, so an operator can see what previous runs did and which of
// them ended with conditions needing manual follow-up. History is best-effort
// bookkeeping: callers log storage errors and keep provisioning.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("run not found")
	ErrAlreadyFinished = errors.New("run already finished")
)

// Run is one recorded provisioning run.
type Run struct {
	ID       int
	UUID     string
	Started  time.Time
	Finished *time.Time
	Failures *int
}

// StepOutcome is one pipeline step's result within a run.
type StepOutcome struct {
	RunUUID string
	Step    string
	Outcome string
	At      time.Time
}

// Open creates or opens the history database at dbPath.
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			started TIMESTAMP NOT NULL,
			finished TIMESTAMP DEFAULT NULL,
			failures INTEGER DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_uuid TEXT NOT NULL,
			step TEXT NOT NULL,
			outcome TEXT NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return db, nil
}

// Begin records that the run identified by uuid has started.
func Begin(ctx context.Context, db *sql.DB, uuid string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (uuid, started) VALUES (?, ?);`, uuid, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// RecordStep appends one step outcome to the run's trail.
func RecordStep(ctx context.Context, db *sql.DB, uuid, step, outcome string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO steps (run_uuid, step, outcome, at) VALUES (?, ?, ?, ?);`,
		uuid, step, outcome, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording step %s: %w", step, err)
	}
	return nil
}

// Finish seals the run with its final failure count. Finishing twice returns
// ErrAlreadyFinished, an unknown uuid returns ErrNotFound.
func Finish(ctx context.Context, db *sql.DB, uuid string, failures int) error {
	var finished sql.NullTime
	row := db.QueryRowContext(ctx, `SELECT finished FROM runs WHERE uuid=?`, uuid)
	err := row.Scan(&finished)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("querying run: %w", err)
	case finished.Valid:
		return ErrAlreadyFinished
	}

	_, err = db.ExecContext(ctx,
		`UPDATE runs SET finished = ?, failures = ? WHERE uuid = ?;`,
		time.Now().UTC(), failures, uuid,
	)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// Get returns the recorded run identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (Run, error) {
	var r Run
	var finished sql.NullTime
	var failures sql.NullInt64
	row := db.QueryRowContext(ctx,
		`SELECT id, uuid, started, finished, failures FROM runs WHERE uuid=?`, uuid,
	)
	err := row.Scan(&r.ID, &r.UUID, &r.Started, &finished, &failures)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Run{}, ErrNotFound
	case err != nil:
		return Run{}, fmt.Errorf("querying run: %w", err)
	}
	if finished.Valid {
		r.Finished = &finished.Time
	}
	if failures.Valid {
		n := int(failures.Int64)
		r.Failures = &n
	}
	return r, nil
}

// Steps returns the step trail of a run in insertion order.
func Steps(ctx context.Context, db *sql.DB, uuid string) ([]StepOutcome, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_uuid, step, outcome, at FROM steps WHERE run_uuid=? ORDER BY id`, uuid,
	)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []StepOutcome
	for rows.Next() {
		var s StepOutcome
		if err := rows.Scan(&s.RunUUID, &s.Step, &s.Outcome, &s.At); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
