package worker

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexelby/apiary/internal/codec"
	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/queue"
)

// recordingAdapter captures the adapter call sequence.
type recordingAdapter struct {
	started  []string
	requests []string
	finished []string
	failAt   int // fail the nth request (1-based); 0 never fails
}

func (a *recordingAdapter) StartJob(id string) { a.started = append(a.started, id) }

func (a *recordingAdapter) SendRequest(req []byte) bool {
	a.requests = append(a.requests, string(req))
	return a.failAt == 0 || len(a.requests) != a.failAt
}

func (a *recordingAdapter) FinishJob(id string) { a.finished = append(a.finished, id) }

// memSink records telemetry in memory.
type memSink struct {
	tallies []string
	levels  map[string]int
	series  []float64
	errors  []string
}

func newMemSink() *memSink { return &memSink{levels: map[string]int{}} }

func (s *memSink) Tally(name string)             { s.tallies = append(s.tallies, name) }
func (s *memSink) Level(name string, delta int)  { s.levels[name] += delta }
func (s *memSink) Series(_ string, v float64)    { s.series = append(s.series, v) }
func (s *memSink) Error(msg string)              { s.errors = append(s.errors, msg) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// writeJobFile writes jobs and returns the path plus per-job offsets.
func writeJobFile(t *testing.T, jobs ...domain.Job) (string, []uint64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bee.jobs")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	var offsets []uint64
	var offset uint64
	for _, j := range jobs {
		offsets = append(offsets, offset)
		n, err := codec.WriteJob(f, j)
		require.NoError(t, err)
		offset += uint64(n)
	}
	return path, offsets
}

type beeFixture struct {
	bee     *Bee
	adapter *recordingAdapter
	sink    *memSink
	jobs    *queue.ChannelJobQueue
	sleeps  []time.Duration
	origin  time.Time
}

func newBeeFixture(t *testing.T, cfg config.Config) *beeFixture {
	t.Helper()
	fx := &beeFixture{
		adapter: &recordingAdapter{},
		sink:    newMemSink(),
		jobs:    queue.NewChannelJobQueue(16),
		origin:  time.Unix(1700000000, 0),
	}
	fx.bee = NewBee("bee-test", cfg, fx.jobs, fx.sink, fx.adapter, quietLogger())
	now := fx.origin
	fx.bee.now = func() time.Time { return now }
	fx.bee.sleep = func(_ context.Context, d time.Duration) error {
		fx.sleeps = append(fx.sleeps, d)
		now = now.Add(d)
		return nil
	}
	return fx
}

func (fx *beeFixture) enqueue(t *testing.T, path string, id string, offset uint64) {
	t.Helper()
	msg := domain.JobMessage{
		Kind: domain.JobMessageJob,
		Descriptor: domain.JobDescriptor{
			ReplayOrigin: fx.origin,
			JobID:        id,
			JobFile:      path,
			Offset:       offset,
		},
	}
	require.NoError(t, fx.jobs.Put(context.Background(), msg))
	require.NoError(t, fx.jobs.Put(context.Background(), domain.StopJob()))
	require.NoError(t, fx.bee.Run(context.Background()))
}

func baseConfig() config.Config {
	return config.Config{Speedup: 1.0, Threads: 1, Workers: 1}
}

func Test_Bee_ReplaysTasksInOrderWithPacing(t *testing.T) {
	path, offsets := writeJobFile(t, domain.Job{
		ID: "s1",
		Tasks: []domain.Task{
			{Offset: 1.00, Request: []byte("A")},
			{Offset: 1.25, Request: []byte("B")},
		},
	})

	fx := newBeeFixture(t, baseConfig())
	fx.enqueue(t, path, "s1", offsets[0])

	require.Equal(t, []string{"s1"}, fx.adapter.started)
	require.Equal(t, []string{"A", "B"}, fx.adapter.requests)
	require.Equal(t, []string{"s1"}, fx.adapter.finished)
	require.Equal(t, []string{StatJobCompleted}, fx.sink.tallies)

	// Paced to the captured offsets: 1.00s to the first request, then
	// 0.25s between the two.
	require.Len(t, fx.sleeps, 2)
	require.InDelta(t, 1.00, fx.sleeps[0].Seconds(), 0.001)
	require.InDelta(t, 0.25, fx.sleeps[1].Seconds(), 0.001)

	// Levels return to zero after the job.
	require.Equal(t, 0, fx.sink.levels[StatJobsRunning])
	require.Equal(t, 0, fx.sink.levels[StatRequestsRunning])
	require.Len(t, fx.sink.series, 2)
}

func Test_Bee_SpeedupHalvesWaits(t *testing.T) {
	path, offsets := writeJobFile(t, domain.Job{
		ID:    "s1",
		Tasks: []domain.Task{{Offset: 2.0, Request: []byte("A")}},
	})

	cfg := baseConfig()
	cfg.Speedup = 2.0
	fx := newBeeFixture(t, cfg)
	fx.enqueue(t, path, "s1", offsets[0])

	require.Len(t, fx.sleeps, 1)
	require.InDelta(t, 1.0, fx.sleeps[0].Seconds(), 0.001)
}

func Test_Bee_FailedRequestSkipsRestOfSession(t *testing.T) {
	path, offsets := writeJobFile(t, domain.Job{
		ID: "s1",
		Tasks: []domain.Task{
			{Offset: 0, Request: []byte("A")},
			{Offset: 0, Request: []byte("B")},
			{Offset: 0, Request: []byte("C")},
		},
	})

	fx := newBeeFixture(t, baseConfig())
	fx.adapter.failAt = 2
	fx.enqueue(t, path, "s1", offsets[0])

	require.Equal(t, []string{"A", "B"}, fx.adapter.requests)
	// The session still gets its finish call, but no success tally.
	require.Equal(t, []string{"s1"}, fx.adapter.finished)
	require.Empty(t, fx.sink.tallies)
	require.Equal(t, 0, fx.sink.levels[StatJobsRunning])
}

func Test_Bee_DryRun(t *testing.T) {
	path, offsets := writeJobFile(t, domain.Job{
		ID:    "s1",
		Tasks: []domain.Task{{Offset: 0, Request: []byte("A")}},
	})

	cfg := baseConfig()
	cfg.DryRun = true
	fx := newBeeFixture(t, cfg)
	fx.enqueue(t, path, "s1", offsets[0])

	require.Empty(t, fx.adapter.requests)
	require.Empty(t, fx.adapter.started)
	require.Empty(t, fx.adapter.finished)
	require.Equal(t, []string{StatJobCompleted}, fx.sink.tallies)
}

func Test_Bee_IDMismatchSkipsJob(t *testing.T) {
	path, offsets := writeJobFile(t, domain.Job{
		ID:    "actual",
		Tasks: []domain.Task{{Offset: 0, Request: []byte("A")}},
	})

	fx := newBeeFixture(t, baseConfig())
	fx.enqueue(t, path, "expected", offsets[0])

	require.Empty(t, fx.adapter.requests)
	require.Len(t, fx.sink.errors, 1)
	require.Empty(t, fx.sink.tallies)
}

func Test_Bee_QuitAndEmptyRequestsAreFiltered(t *testing.T) {
	path, offsets := writeJobFile(t, domain.Job{
		ID: "s1",
		Tasks: []domain.Task{
			{Offset: 0, Request: []byte("  ")},
			{Offset: 0, Request: []byte("Quit")},
			{Offset: 0, Request: []byte("real")},
		},
	})

	fx := newBeeFixture(t, baseConfig())
	fx.enqueue(t, path, "s1", offsets[0])

	require.Equal(t, []string{"real"}, fx.adapter.requests)
	require.Equal(t, []string{StatJobCompleted}, fx.sink.tallies)
}

func Test_Bee_EmptyJobSilentlySkipped(t *testing.T) {
	path, offsets := writeJobFile(t, domain.Job{ID: "empty"})

	fx := newBeeFixture(t, baseConfig())
	fx.enqueue(t, path, "empty", offsets[0])

	require.Empty(t, fx.adapter.requests)
	require.Empty(t, fx.sink.tallies)
	require.Empty(t, fx.sink.errors)
}

func Test_Bee_StopsOnSentinel(t *testing.T) {
	fx := newBeeFixture(t, baseConfig())
	require.NoError(t, fx.jobs.Put(context.Background(), domain.StopJob()))

	done := make(chan error, 1)
	go func() { done <- fx.bee.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("bee did not stop on sentinel")
	}
}
