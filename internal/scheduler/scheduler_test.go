package scheduler

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexelby/apiary/internal/codec"
	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/queue"
)

// writeFixture writes jobs plus a matching index and returns their paths.
func writeFixture(t *testing.T, jobs []domain.Job) (jobPath, indexPath string) {
	t.Helper()
	dir := t.TempDir()
	jobPath = filepath.Join(dir, "fixture.jobs")
	indexPath = jobPath + ".idx"

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

func job(id string, start float64) domain.Job {
	return domain.Job{ID: id, Tasks: []domain.Task{{Offset: start, Request: []byte("req-" + id)}}}
}

// fakeClock drives the scheduler without real sleeping.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestScheduler(cfg config.Config, q domain.JobQueue) (*Scheduler, *fakeClock) {
	s := New(cfg, q, quietLogger())
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s.now = clock.Now
	s.sleep = clock.Sleep
	return s, clock
}

func drainIDs(t *testing.T, q *queue.ChannelJobQueue, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		m, err := q.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.JobMessageJob, m.Kind)
		ids = append(ids, m.Descriptor.JobID)
	}
	return ids
}

func baseConfig() config.Config {
	return config.Config{
		Speedup:  1.0,
		MaxAhead: 300 * time.Second,
		Workers:  1,
		Threads:  1,
	}
}

func Test_Scheduler_DispatchesInIndexOrder(t *testing.T) {
	jobPath, indexPath := writeFixture(t, []domain.Job{
		job("a", 1.0), job("b", 2.0), job("c", 3.0),
	})
	q := queue.NewChannelJobQueue(16)
	s, _ := newTestScheduler(baseConfig(), q)

	sent, err := s.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)
	require.Equal(t, 3, sent)
	require.Equal(t, []string{"a", "b", "c"}, drainIDs(t, q, 3))
}

func Test_Scheduler_DescriptorsAreSelfDescribing(t *testing.T) {
	jobPath, indexPath := writeFixture(t, []domain.Job{job("a", 1.0)})
	q := queue.NewChannelJobQueue(4)
	s, clock := newTestScheduler(baseConfig(), q)

	_, err := s.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)

	m, err := q.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, jobPath, m.Descriptor.JobFile)
	require.Equal(t, clock.now, m.Descriptor.ReplayOrigin)

	// The descriptor's offset decodes to the dispatched job.
	f, err := os.Open(jobPath)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := codec.ReadJobAt(f, m.Descriptor.Offset)
	require.NoError(t, err)
	require.Equal(t, m.Descriptor.JobID, decoded.ID)
}

func Test_Scheduler_PacingSleepsToMaxAhead(t *testing.T) {
	// A job starting 400 capture seconds in: with a 300s look-ahead the
	// scheduler sleeps the 100s difference before dispatching.
	jobPath, indexPath := writeFixture(t, []domain.Job{job("far", 400.0)})
	q := queue.NewChannelJobQueue(4)
	s, clock := newTestScheduler(baseConfig(), q)

	sent, err := s.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Len(t, clock.sleeps, 1)
	require.InDelta(t, 100.0, clock.sleeps[0].Seconds(), 0.001)
}

func Test_Scheduler_SpeedupScalesPacing(t *testing.T) {
	jobPath, indexPath := writeFixture(t, []domain.Job{job("far", 800.0)})
	cfg := baseConfig()
	cfg.Speedup = 2.0
	q := queue.NewChannelJobQueue(4)
	s, clock := newTestScheduler(cfg, q)

	_, err := s.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)
	// 800 capture seconds at 2x is 400 wall seconds; minus 300 look-ahead.
	require.Len(t, clock.sleeps, 1)
	require.InDelta(t, 100.0, clock.sleeps[0].Seconds(), 0.001)
}

func Test_Scheduler_ASAPSkipsPacing(t *testing.T) {
	jobPath, indexPath := writeFixture(t, []domain.Job{job("far", 4000.0)})
	cfg := baseConfig()
	cfg.ASAP = true
	q := queue.NewChannelJobQueue(4)
	s, clock := newTestScheduler(cfg, q)

	sent, err := s.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Empty(t, clock.sleeps)
}

func Test_Scheduler_InfiniteSpeedupBehavesAsASAP(t *testing.T) {
	jobPath, indexPath := writeFixture(t, []domain.Job{job("far", 4000.0)})
	cfg := baseConfig()
	cfg.Speedup = math.Inf(1)
	q := queue.NewChannelJobQueue(4)
	s, clock := newTestScheduler(cfg, q)

	sent, err := s.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Empty(t, clock.sleeps)
}

func Test_Scheduler_SkipOffsetSharding(t *testing.T) {
	fixture := []domain.Job{job("a", 1.0), job("b", 1.2), job("c", 1.4)}
	jobPath, indexPath := writeFixture(t, fixture)

	runShard := func(offset int) []string {
		cfg := baseConfig()
		cfg.ASAP = true
		cfg.Skip = 1
		cfg.Offset = offset
		q := queue.NewChannelJobQueue(16)
		s, _ := newTestScheduler(cfg, q)
		sent, err := s.Run(context.Background(), jobPath, indexPath)
		require.NoError(t, err)
		return drainIDs(t, q, sent)
	}

	shard0 := runShard(0)
	shard1 := runShard(1)
	require.Len(t, shard0, 2)
	require.Len(t, shard1, 1)

	// Union covers all jobs with no overlap.
	seen := map[string]int{}
	for _, id := range append(shard0, shard1...) {
		seen[id]++
	}
	require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func Test_Scheduler_RampDownReducesLoad(t *testing.T) {
	// skip 2 ramping with ramp-time 10: by capture second 20 the skip has
	// dropped to min-skip 0 and every job is dispatched.
	var fixture []domain.Job
	for i := 0; i < 30; i++ {
		fixture = append(fixture, job(string(rune('a'+i)), float64(i)))
	}
	jobPath, indexPath := writeFixture(t, fixture)

	cfg := baseConfig()
	cfg.ASAP = true
	cfg.Skip = 2
	cfg.MinSkip = 0
	cfg.RampTime = 10
	q := queue.NewChannelJobQueue(64)
	s, _ := newTestScheduler(cfg, q)

	sent, err := s.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)
	ids := drainIDs(t, q, sent)

	// Every job from capture second 20 on is dispatched.
	tail := ids[len(ids)-10:]
	for i, id := range tail {
		require.Equal(t, string(rune('a'+20+i)), id)
	}
}

func Test_Scheduler_LinearScanFallback(t *testing.T) {
	jobPath, _ := writeFixture(t, []domain.Job{job("a", 1.0), job("b", 2.0)})
	cfg := baseConfig()
	cfg.ASAP = true
	q := queue.NewChannelJobQueue(16)
	s, _ := newTestScheduler(cfg, q)

	sent, err := s.Run(context.Background(), jobPath, filepath.Join(t.TempDir(), "missing.idx"))
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Equal(t, []string{"a", "b"}, drainIDs(t, q, 2))
}

// slowQueue advances the clock on every Put, simulating workers that
// cannot keep up with dispatch.
type slowQueue struct {
	*queue.ChannelJobQueue
	clock *fakeClock
	delay time.Duration
}

func (q *slowQueue) Put(ctx context.Context, m domain.JobMessage) error {
	q.clock.now = q.clock.now.Add(q.delay)
	return q.ChannelJobQueue.Put(ctx, m)
}

func Test_Scheduler_FallBehindWarningIsRateLimited(t *testing.T) {
	var fixture []domain.Job
	for i := 0; i < 5; i++ {
		fixture = append(fixture, job(string(rune('a'+i)), float64(i)))
	}
	jobPath, indexPath := writeFixture(t, fixture)

	var logBuf bytes.Buffer
	cfg := baseConfig()
	inner := queue.NewChannelJobQueue(16)
	s := New(cfg, nil, slog.New(slog.NewTextHandler(&logBuf, nil)))
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s.now = clock.Now
	s.sleep = clock.Sleep
	// Each dispatch costs 20 wall seconds, so the scheduler falls more
	// than 10s behind almost immediately.
	s.queue = &slowQueue{ChannelJobQueue: inner, clock: clock, delay: 20 * time.Second}

	sent, err := s.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)
	require.Equal(t, 5, sent)

	// Warned, but only once within the rate-limit window.
	require.Equal(t, 1, strings.Count(logBuf.String(), "falling behind"))
}

func Test_Scheduler_StopsWhenQueueCloses(t *testing.T) {
	jobPath, indexPath := writeFixture(t, []domain.Job{job("a", 1.0), job("b", 2.0)})
	cfg := baseConfig()
	cfg.ASAP = true
	q := queue.NewChannelJobQueue(16)
	require.NoError(t, q.Close())
	s, _ := newTestScheduler(cfg, q)

	sent, err := s.Run(context.Background(), jobPath, indexPath)
	require.NoError(t, err)
	require.Equal(t, 0, sent)
}
