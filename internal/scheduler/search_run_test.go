package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convexfund/cbsearch/internal/modules/trials"
	"github.com/convexfund/cbsearch/internal/pipeline"
)

type stubRunner struct {
	mu      sync.Mutex
	block   chan struct{}
	err     error
	started int
}

func (s *stubRunner) Run(ctx context.Context) (*pipeline.Result, error) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.Result{
		Summary: &trials.RunSummary{RunID: "run-1", Status: trials.RunStatusFinished},
		Best:    &trials.Record{ID: 7, State: trials.StateScored, Score: 0.3},
	}, nil
}

func TestSearchRunJob_Run(t *testing.T) {
	runner := &stubRunner{}
	var iterations []int64
	job := NewSearchRunJob(func(iteration int64) SearchRunner {
		iterations = append(iterations, iteration)
		return runner
	}, zerolog.Nop())

	assert.Equal(t, "search-run", job.Name())
	require.NoError(t, job.Run())
	require.NoError(t, job.Run())
	assert.Equal(t, []int64{1, 2}, iterations)
	assert.Equal(t, 2, runner.started)
	assert.False(t, job.Running())
}

func TestSearchRunJob_PropagatesFailure(t *testing.T) {
	runner := &stubRunner{err: errors.New("phase one produced zero scored trials")}
	job := NewSearchRunJob(func(int64) SearchRunner { return runner }, zerolog.Nop())

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero scored trials")
}

func TestSearchRunJob_SkipsOverlappingRuns(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	job := NewSearchRunJob(func(int64) SearchRunner { return runner }, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- job.Run() }()

	require.Eventually(t, job.Running, time.Second, time.Millisecond)

	// Second invocation while the first is in flight is a no-op.
	require.NoError(t, job.Run())
	runner.mu.Lock()
	started := runner.started
	runner.mu.Unlock()
	assert.Equal(t, 1, started)

	close(runner.block)
	require.NoError(t, <-done)
	assert.False(t, job.Running())
}
