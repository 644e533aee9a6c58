package trials

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/convexfund/cbsearch/internal/modules/backtest"
	"github.com/convexfund/cbsearch/internal/modules/space"
)

// Repository persists trials and run summaries in SQLite. Parameter draws
// are stored as msgpack blobs; decoded combinations as JSON so they stay
// inspectable with plain SQL tooling.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a trials repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "trials").Logger(),
	}
}

// Migrate creates the trials and runs tables.
func (r *Repository) Migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS trials (
			id           INTEGER NOT NULL,
			run_id       TEXT    NOT NULL,
			phase        INTEGER NOT NULL,
			state        TEXT    NOT NULL,
			score        REAL    NOT NULL DEFAULT 0,
			prune_reason TEXT    NOT NULL DEFAULT '',
			guided       INTEGER NOT NULL DEFAULT 0,
			params       BLOB    NOT NULL,
			combination  TEXT,
			created_at   TEXT    NOT NULL,
			PRIMARY KEY (run_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_trials_run_state ON trials (run_id, state);

		CREATE TABLE IF NOT EXISTS runs (
			run_id        TEXT PRIMARY KEY,
			status        TEXT    NOT NULL,
			seed          INTEGER NOT NULL,
			window        TEXT    NOT NULL,
			trials_total  INTEGER NOT NULL DEFAULT 0,
			scored        INTEGER NOT NULL DEFAULT 0,
			pruned        INTEGER NOT NULL DEFAULT 0,
			errored       INTEGER NOT NULL DEFAULT 0,
			best_trial_id INTEGER NOT NULL DEFAULT -1,
			best_score    REAL    NOT NULL DEFAULT 0,
			best_phase    INTEGER NOT NULL DEFAULT 0,
			started_at    TEXT    NOT NULL,
			finished_at   TEXT    NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate trials schema: %w", err)
	}
	return nil
}

// Append inserts one finished trial.
func (r *Repository) Append(rec *Record) error {
	params, err := msgpack.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to encode trial %d params: %w", rec.ID, err)
	}

	var combination sql.NullString
	if rec.Combination != nil {
		data, err := json.Marshal(rec.Combination)
		if err != nil {
			return fmt.Errorf("failed to encode trial %d combination: %w", rec.ID, err)
		}
		combination = sql.NullString{String: string(data), Valid: true}
	}

	_, err = r.db.Exec(`
		INSERT INTO trials (id, run_id, phase, state, score, prune_reason, guided, params, combination, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RunID, rec.Phase, string(rec.State), rec.Score, rec.PruneReason,
		boolToInt(rec.Guided), params, combination, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert trial %d: %w", rec.ID, err)
	}
	return nil
}

// ReadAll returns every trial of a run ordered by trial id.
func (r *Repository) ReadAll(runID string) ([]*Record, error) {
	rows, err := r.db.Query(`
		SELECT id, run_id, phase, state, score, prune_reason, guided, params, combination, created_at
		FROM trials WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read trials for run %s: %w", runID, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trials: %w", err)
	}
	return records, nil
}

func scanTrial(rows *sql.Rows) (*Record, error) {
	var (
		rec         Record
		state       string
		guided      int
		params      []byte
		combination sql.NullString
		createdAt   string
	)
	if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Phase, &state, &rec.Score,
		&rec.PruneReason, &guided, &params, &combination, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan trial row: %w", err)
	}

	rec.State = State(state)
	rec.Guided = guided != 0

	var p space.TrialParameters
	if err := msgpack.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to decode trial %d params: %w", rec.ID, err)
	}
	rec.Params = &p

	if combination.Valid {
		var combo backtest.Combination
		if err := json.Unmarshal([]byte(combination.String), &combo); err != nil {
			return nil, fmt.Errorf("failed to decode trial %d combination: %w", rec.ID, err)
		}
		rec.Combination = &combo
	}

	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = ts
	}
	return &rec, nil
}

// SaveRun upserts a run summary.
func (r *Repository) SaveRun(run *RunSummary) error {
	window, err := json.Marshal(run.Window)
	if err != nil {
		return fmt.Errorf("failed to encode run window: %w", err)
	}

	finished := ""
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = r.db.Exec(`
		INSERT INTO runs (run_id, status, seed, window, trials_total, scored, pruned, errored,
			best_trial_id, best_score, best_phase, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			trials_total = excluded.trials_total,
			scored = excluded.scored,
			pruned = excluded.pruned,
			errored = excluded.errored,
			best_trial_id = excluded.best_trial_id,
			best_score = excluded.best_score,
			best_phase = excluded.best_phase,
			finished_at = excluded.finished_at
	`, run.RunID, run.Status, run.Seed, string(window), run.TrialsTotal, run.Scored,
		run.Pruned, run.Errored, run.BestTrialID, run.BestScore, run.BestPhase,
		run.StartedAt.UTC().Format(time.RFC3339Nano), finished)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun returns one run summary, or nil when the run is unknown.
func (r *Repository) GetRun(runID string) (*RunSummary, error) {
	row := r.db.QueryRow(`
		SELECT run_id, status, seed, window, trials_total, scored, pruned, errored,
			best_trial_id, best_score, best_phase, started_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns all run summaries, most recent first.
func (r *Repository) ListRuns() ([]*RunSummary, error) {
	rows, err := r.db.Query(`
		SELECT run_id, status, seed, window, trials_total, scored, pruned, errored,
			best_trial_id, best_score, best_phase, started_at, finished_at
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func scanRun(scan func(dest ...interface{}) error) (*RunSummary, error) {
	var (
		run        RunSummary
		window     string
		startedAt  string
		finishedAt string
	)
	if err := scan(&run.RunID, &run.Status, &run.Seed, &window, &run.TrialsTotal,
		&run.Scored, &run.Pruned, &run.Errored, &run.BestTrialID, &run.BestScore,
		&run.BestPhase, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(window), &run.Window); err != nil {
		return nil, fmt.Errorf("failed to decode run window: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		run.StartedAt = ts
	}
	if finishedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
			run.FinishedAt = ts
		}
	}
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
