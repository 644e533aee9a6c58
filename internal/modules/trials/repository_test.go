package trials

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convexfund/cbsearch/internal/database"
	"github.com/convexfund/cbsearch/internal/modules/backtest"
	"github.com/convexfund/cbsearch/internal/modules/space"
)

func testRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "trials.db"),
		Profile: database.ProfileLedger,
		Name:    "trials",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, repo.Migrate())
	return repo
}

func testParams(trialID int) *space.TrialParameters {
	return &space.TrialParameters{
		TrialID:           trialID,
		PrimaryStrategy:   "value",
		UseMixed:          true,
		SecondaryStrategy: "momentum",
		EnableAuxiliary:   true,
		Weights:           map[string]int{"conv_prem": 5, "turnover": 2},
		Ascending:         map[string]bool{"conv_prem": true, "turnover": false},
		EnableSecondary:   map[string]bool{"conv_prem": false, "turnover": true},
		EnableAux:         map[string]bool{"conv_prem": true, "turnover": true},
		Guided:            true,
	}
}

func TestRepository_AppendAndReadAll(t *testing.T) {
	repo := testRepository(t)

	scored := &Record{
		ID:     0,
		RunID:  "run-1",
		Phase:  1,
		State:  StateScored,
		Score:  0.31,
		Guided: false,
		Params: testParams(0),
		Combination: &backtest.Combination{
			PrimaryStrategy: "value",
			Factors: []backtest.RankedFactor{
				{Name: "conv_prem", Weight: 5, Ascending: true, Source: backtest.SourcePrimary},
			},
		},
		CreatedAt: time.Now(),
	}
	pruned := &Record{
		ID:          1,
		RunID:       "run-1",
		Phase:       1,
		State:       StatePruned,
		PruneReason: "too few factors (1 < 4)",
		Params:      testParams(1),
		CreatedAt:   time.Now(),
	}

	// Insertion order must not leak into read order.
	require.NoError(t, repo.Append(pruned))
	require.NoError(t, repo.Append(scored))

	records, err := repo.ReadAll("run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 0, records[0].ID)
	assert.Equal(t, StateScored, records[0].State)
	assert.InDelta(t, 0.31, records[0].Score, 1e-9)
	require.NotNil(t, records[0].Combination)
	assert.Equal(t, "conv_prem", records[0].Combination.Factors[0].Name)
	assert.Equal(t, testParams(0), records[0].Params)

	assert.Equal(t, 1, records[1].ID)
	assert.Equal(t, StatePruned, records[1].State)
	assert.Equal(t, "too few factors (1 < 4)", records[1].PruneReason)
	assert.Nil(t, records[1].Combination)
	assert.True(t, records[1].Params.Guided)
}

func TestRepository_ReadAll_IsolatesRuns(t *testing.T) {
	repo := testRepository(t)

	require.NoError(t, repo.Append(&Record{
		ID: 0, RunID: "run-a", Phase: 1, State: StateScored, Score: 0.1,
		Params: testParams(0), CreatedAt: time.Now(),
	}))
	require.NoError(t, repo.Append(&Record{
		ID: 0, RunID: "run-b", Phase: 1, State: StateScored, Score: 0.2,
		Params: testParams(0), CreatedAt: time.Now(),
	}))

	records, err := repo.ReadAll("run-a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 0.1, records[0].Score, 1e-9)
}

func TestRepository_SaveAndGetRun(t *testing.T) {
	repo := testRepository(t)

	run := &RunSummary{
		RunID:  "run-1",
		Status: RunStatusRunning,
		Seed:   42,
		Window: backtest.Window{
			StartDate: "20220729", EndDate: "20250328",
			PriceMin: 100, PriceMax: 150, HoldNum: 5,
		},
		StartedAt: time.Now(),
	}
	require.NoError(t, repo.SaveRun(run))

	// Final upsert with outcome fields.
	run.Status = RunStatusFinished
	run.TrialsTotal = 2000
	run.Scored = 1400
	run.Pruned = 580
	run.Errored = 20
	run.BestTrialID = 1337
	run.BestScore = 0.41
	run.BestPhase = 2
	run.FinishedAt = time.Now()
	require.NoError(t, repo.SaveRun(run))

	got, err := repo.GetRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, RunStatusFinished, got.Status)
	assert.Equal(t, int64(42), got.Seed)
	assert.Equal(t, 2000, got.TrialsTotal)
	assert.Equal(t, 1337, got.BestTrialID)
	assert.InDelta(t, 0.41, got.BestScore, 1e-9)
	assert.Equal(t, "20220729", got.Window.StartDate)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestRepository_GetRun_Unknown(t *testing.T) {
	repo := testRepository(t)

	got, err := repo.GetRun("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_ListRuns(t *testing.T) {
	repo := testRepository(t)

	older := time.Now().Add(-time.Hour)
	require.NoError(t, repo.SaveRun(&RunSummary{
		RunID: "run-old", Status: RunStatusFinished, Seed: 1,
		StartedAt: older, FinishedAt: older.Add(30 * time.Minute),
	}))
	require.NoError(t, repo.SaveRun(&RunSummary{
		RunID: "run-new", Status: RunStatusRunning, Seed: 2,
		StartedAt: time.Now(),
	}))

	runs, err := repo.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].RunID)
	assert.Equal(t, "run-old", runs[1].RunID)
}

func TestMemoryStore_MatchesRepositorySurface(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.Append(&Record{ID: 1, RunID: "r", State: StatePruned, Params: testParams(1)}))
	require.NoError(t, store.Append(&Record{ID: 0, RunID: "r", State: StateScored, Score: 0.5, Params: testParams(0)}))

	records, err := store.ReadAll("r")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].ID)

	require.NoError(t, store.SaveRun(&RunSummary{RunID: "r", Status: RunStatusRunning, StartedAt: time.Now()}))
	run, err := store.GetRun("r")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, RunStatusRunning, run.Status)

	runs, err := store.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
