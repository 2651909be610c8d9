package beekeeper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexelby/apiary/internal/codec"
	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/queue"
	"github.com/lexelby/apiary/internal/worker"
)

// countingAdapter tracks sessions and requests across all threads.
type countingAdapter struct {
	mu       sync.Mutex
	requests []string
	starts   int32
	finishes int32
}

func (a *countingAdapter) StartJob(string) { atomic.AddInt32(&a.starts, 1) }

func (a *countingAdapter) SendRequest(req []byte) bool {
	a.mu.Lock()
	a.requests = append(a.requests, string(req))
	a.mu.Unlock()
	return true
}

func (a *countingAdapter) FinishJob(string) { atomic.AddInt32(&a.finishes, 1) }

func writeFixture(t *testing.T, jobs []domain.Job) (string, string) {
	t.Helper()
	dir := t.TempDir()
	jobPath := filepath.Join(dir, "run.jobs")
	indexPath := jobPath + ".idx"
	jobF, err := os.Create(jobPath)
	require.NoError(t, err)
	idxF, err := os.Create(indexPath)
	require.NoError(t, err)
	var offset uint64
	for _, j := range jobs {
		n, err := codec.WriteJob(jobF, j)
		require.NoError(t, err)
		require.NoError(t, codec.WriteIndexEntry(idxF, domain.IndexEntry{
			ID: j.ID, StartTime: j.StartTime(), Offset: offset,
		}))
		offset += uint64(n)
	}
	require.NoError(t, jobF.Close())
	require.NoError(t, idxF.Close())
	return jobPath, indexPath
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func Test_BeeKeeper_FullRun(t *testing.T) {
	var jobs []domain.Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, domain.Job{
			ID: fmt.Sprintf("job-%d", i),
			Tasks: []domain.Task{
				{Offset: 0, Request: []byte(fmt.Sprintf("req-%d-a", i))},
				{Offset: 0, Request: []byte(fmt.Sprintf("req-%d-b", i))},
			},
		})
	}
	jobPath, indexPath := writeFixture(t, jobs)

	cfg := config.Config{
		Workers:       2,
		Threads:       2,
		Speedup:       1.0,
		ASAP:          true,
		MaxAhead:      5 * time.Second,
		StatsInterval: time.Hour,
	}
	queues := queue.Pair{
		Jobs:  queue.NewChannelJobQueue(64),
		Stats: queue.NewChannelStatQueue(256),
	}
	adapter := &countingAdapter{}
	factory := worker.AdapterFactory(func(domain.StatsSink) (domain.Adapter, error) {
		return adapter, nil
	})

	var out bytes.Buffer
	keeper := New(cfg, queues, factory, quietLogger(), &out)

	done := make(chan struct{})
	var sent int
	var runErr error
	go func() {
		sent, runErr = keeper.Run(context.Background(), jobPath, indexPath)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not complete")
	}

	require.NoError(t, runErr)
	require.Equal(t, 6, sent)
	require.Equal(t, int32(6), atomic.LoadInt32(&adapter.starts))
	require.Equal(t, int32(6), atomic.LoadInt32(&adapter.finishes))
	adapter.mu.Lock()
	require.Len(t, adapter.requests, 12)
	adapter.mu.Unlock()

	require.Contains(t, out.String(), "Completed 6 jobs in")
	// The final stats report made it out before the summary line.
	require.Contains(t, out.String(), "Job completed successfully This Period:")
}

func Test_BeeKeeper_DryRun(t *testing.T) {
	jobPath, indexPath := writeFixture(t, []domain.Job{
		{ID: "a", Tasks: []domain.Task{{Offset: 0, Request: []byte("x")}}},
	})

	cfg := config.Config{
		Workers:       1,
		Threads:       1,
		Speedup:       1.0,
		ASAP:          true,
		DryRun:        true,
		MaxAhead:      5 * time.Second,
		StatsInterval: time.Hour,
	}
	queues := queue.Pair{
		Jobs:  queue.NewChannelJobQueue(16),
		Stats: queue.NewChannelStatQueue(64),
	}
	adapter := &countingAdapter{}
	factory := worker.AdapterFactory(func(domain.StatsSink) (domain.Adapter, error) {
		return adapter, nil
	})

	var out bytes.Buffer
	keeper := New(cfg, queues, factory, quietLogger(), &out)
	sent, err := keeper.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Empty(t, adapter.requests)
	require.Contains(t, out.String(), "Job completed successfully")
	require.Contains(t, out.String(), "Completed 1 jobs in")
}

func Test_BeeKeeper_InterruptStopsDispatch(t *testing.T) {
	// A capture far in the future would pace for a long time; cancelling
	// the context must shut the run down promptly.
	jobPath, indexPath := writeFixture(t, []domain.Job{
		{ID: "a", Tasks: []domain.Task{{Offset: 0, Request: []byte("x")}}},
		{ID: "far", Tasks: []domain.Task{{Offset: 100000, Request: []byte("y")}}},
	})

	cfg := config.Config{
		Workers:       1,
		Threads:       1,
		Speedup:       1.0,
		MaxAhead:      time.Second,
		StatsInterval: time.Hour,
	}
	queues := queue.Pair{
		Jobs:  queue.NewChannelJobQueue(16),
		Stats: queue.NewChannelStatQueue(64),
	}
	factory := worker.AdapterFactory(func(domain.StatsSink) (domain.Adapter, error) {
		return &countingAdapter{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	keeper := New(cfg, queues, factory, quietLogger(), &out)

	done := make(chan struct{})
	go func() {
		_, _ = keeper.Run(ctx, jobPath, indexPath)
		close(done)
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("interrupted run did not shut down")
	}
	require.Contains(t, out.String(), "Completed")
}
