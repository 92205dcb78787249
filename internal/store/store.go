// Package store persists analysis runs in SQLite and carries the
// migration and admin plumbing for the run database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mirkored07/rde-mvp-sub000/internal/timeutil"
)

// DB wraps the SQLite handle so the migration runner and the admin
// routes can hang off one type.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the SQLite database at path and
// applies the connection pragmas. Schema management belongs to the
// migration runner; Open does not create tables.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL keeps readers unblocked during writes. Writer contention is
	// covered by the busy timeout plus the retry wrapper.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{db}, nil
}

// Run is a persisted analysis run: the outcome documents of one trip
// processed through the pipeline. Valid reflects the data-quality
// verdict, Passed the regulation evaluation. Series is the compact
// speed trace kept for chart rendering after the uploads are gone.
type Run struct {
	RunID      string          `json:"run_id"`
	Label      string          `json:"label"`
	Valid      bool            `json:"valid"`
	Passed     bool            `json:"passed"`
	SummaryMD  string          `json:"summary_md,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Metrics    json.RawMessage `json:"metrics,omitempty"`
	Quality    json.RawMessage `json:"quality,omitempty"`
	Evaluation json.RawMessage `json:"evaluation,omitempty"`
	Series     json.RawMessage `json:"series,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

// RunStore provides persistence for analysis runs.
type RunStore struct {
	db    *DB
	clock timeutil.Clock
}

// NewRunStore creates a RunStore. A nil clock falls back to the real one.
func NewRunStore(db *DB, clock timeutil.Clock) *RunStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &RunStore{db: db, clock: clock}
}

// Insert persists a new run. If RunID is empty, a UUID is generated.
// If CreatedAt is zero it is stamped from the store clock.
func (s *RunStore) Insert(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = s.clock.Now().UnixNano()
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO analysis_runs (
				run_id, label, valid, passed, summary_md,
				payload_json, metrics_json, quality_json, evaluation_json,
				series_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Label, run.Valid, run.Passed, run.SummaryMD,
			nullableDoc(run.Payload), nullableDoc(run.Metrics),
			nullableDoc(run.Quality), nullableDoc(run.Evaluation),
			nullableDoc(run.Series), run.CreatedAt,
		)
		return err
	})
}

// Get returns a single run with its documents. A missing id returns
// nil with no error so callers can map it to a 404 without string
// matching.
func (s *RunStore) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, label, valid, passed, summary_md,
		       payload_json, metrics_json, quality_json, evaluation_json,
		       series_json, created_at
		FROM analysis_runs
		WHERE run_id = ?`, runID)

	var r Run
	var payload, metrics, quality, evaluation, series sql.NullString
	err := row.Scan(
		&r.RunID, &r.Label, &r.Valid, &r.Passed, &r.SummaryMD,
		&payload, &metrics, &quality, &evaluation,
		&series, &r.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	if metrics.Valid {
		r.Metrics = json.RawMessage(metrics.String)
	}
	if quality.Valid {
		r.Quality = json.RawMessage(quality.String)
	}
	if evaluation.Valid {
		r.Evaluation = json.RawMessage(evaluation.String)
	}
	if series.Valid {
		r.Series = json.RawMessage(series.String)
	}
	return &r, nil
}

// List returns all runs newest first. The document columns are left
// unloaded; fetch a single run to get them.
func (s *RunStore) List() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, label, valid, passed, created_at
		FROM analysis_runs
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Label, &r.Valid, &r.Passed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// Delete removes a run by ID.
func (s *RunStore) Delete(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM analysis_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("run %s not found", runID)
		}
		return nil
	})
}

// nullableDoc maps an absent JSON document to NULL instead of an empty
// string so presence can be told apart on the way back out.
func nullableDoc(doc json.RawMessage) interface{} {
	if len(doc) == 0 {
		return nil
	}
	return string(doc)
}
