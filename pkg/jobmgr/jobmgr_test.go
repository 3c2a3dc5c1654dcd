package jobmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAsyncRejectsDuplicates(t *testing.T) {
	m := NewManager(context.Background(), nil)
	defer m.StopAll()

	block := func(ctx context.Context) error { <-ctx.Done(); return nil }
	require.NoError(t, m.StartAsync("a", block))
	assert.Error(t, m.StartAsync("a", block))
	assert.Equal(t, []string{"a"}, m.List())
	assert.Equal(t, "Running jobs: a", m.Status())
}

func TestStopWaitsForJob(t *testing.T) {
	m := NewManager(context.Background(), nil)

	var finished atomic.Bool
	require.NoError(t, m.StartAsync("a", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	require.NoError(t, m.Stop("a"))
	assert.True(t, finished.Load())
	assert.Error(t, m.Stop("a"))
	assert.Equal(t, "No jobs are running.", m.Status())
}

func TestEveryTicksAndReportsErrors(t *testing.T) {
	var mu sync.Mutex
	var reports []string
	m := NewManager(context.Background(), func(s string) {
		mu.Lock()
		reports = append(reports, s)
		mu.Unlock()
	})

	var ticks atomic.Int32
	require.NoError(t, m.Every("tick", time.Millisecond, func(context.Context) error {
		if ticks.Add(1) == 1 {
			return errors.New("first")
		}
		return nil
	}))

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	m.StopAll()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, reports, "running:tick")
	assert.Contains(t, reports, "error:tick:first")
	assert.Contains(t, reports, "done:tick")
}

func TestParentCancellationStopsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, nil)

	require.NoError(t, m.StartAsync("a", func(ctx context.Context) error { <-ctx.Done(); return nil }))
	cancel()

	assert.Eventually(t, func() bool { return len(m.List()) == 0 }, time.Second, time.Millisecond)
	assert.Error(t, m.StartAsync("b", func(context.Context) error { return nil }))
}
