// Package coalesce groups an interleaved, time-ordered event stream into
// self-contained jobs, one per captured session, emitted in session-start
// order. Sessions that never see an End marker are force-closed by a
// quiescence (shelf life) or absolute age (max life) timeout so memory
// stays bounded on captures with missing Quit events.
package coalesce

import (
	"container/heap"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lexelby/apiary/internal/capture"
	"github.com/lexelby/apiary/internal/domain"
)

// Default aging limits, in capture seconds.
const (
	DefaultShelfLife = 300.0
	DefaultMaxLife   = 900.0
)

// heartbeatEvery is the event interval between progress log lines.
const heartbeatEvery = 10000

// Emitter receives completed jobs in session-start order.
type Emitter interface {
	Emit(j domain.Job) error
}

// Options tune a Coalescer.
type Options struct {
	// ShelfLife force-ends a session once it has been quiet this long.
	ShelfLife float64
	// MaxLife force-ends a session this long after its first event.
	MaxLife float64
	// Rebase subtracts the first event's time from all task offsets, for
	// captures stamped with absolute epoch seconds.
	Rebase bool
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

type session struct {
	id     string
	source string
	first  float64
	last   float64
	ended  bool
	tasks  []domain.Task

	shelfDeadline float64
	maxDeadline   float64
	heapIndex     int
}

func (s *session) touch(t float64, shelfLife float64) {
	s.last = t
	s.shelfDeadline = t + shelfLife
}

type sessionHeap []*session

func (h sessionHeap) Len() int            { return len(h) }
func (h sessionHeap) Less(i, j int) bool  { return h[i].first < h[j].first }
func (h sessionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIndex = i; h[j].heapIndex = j }
func (h *sessionHeap) Push(x any)         { s := x.(*session); s.heapIndex = len(*h); *h = append(*h, s) }
func (h *sessionHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// Coalescer correlates an interleaved event stream into per-session jobs.
type Coalescer struct {
	opts    Options
	emitter Emitter
	log     *slog.Logger

	open    map[string]*session
	pending sessionHeap

	now       float64
	start     float64
	base      float64
	baseSet   bool
	events    int
	sessions  int
	forced    int
	emitted   int
}

// New constructs a Coalescer emitting to emitter.
func New(emitter Emitter, opts Options) *Coalescer {
	if opts.ShelfLife == 0 {
		opts.ShelfLife = DefaultShelfLife
	}
	if opts.MaxLife == 0 {
		opts.MaxLife = DefaultMaxLife
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coalescer{
		opts:    opts,
		emitter: emitter,
		log:     log,
		open:    make(map[string]*session),
	}
}

// ForcedEnds reports how many sessions were closed by aging rather than an
// End event.
func (c *Coalescer) ForcedEnds() int { return c.forced }

// Emitted reports how many jobs have been emitted.
func (c *Coalescer) Emitted() int { return c.emitted }

// Run consumes the whole stream, emitting each session's job as soon as the
// ordering invariant allows. Returns the first emit or read error.
func (c *Coalescer) Run(events capture.Source) error {
	for {
		e, ok, err := events.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := c.observe(e); err != nil {
			return err
		}
	}
	return c.finish()
}

func (c *Coalescer) observe(e domain.Event) error {
	c.now = e.Time
	if c.events == 0 {
		c.start = e.Time
	}
	if !c.baseSet && c.opts.Rebase {
		c.base = e.Time
		c.baseSet = true
	}
	c.events++
	if c.events%heartbeatEvery == 0 {
		c.heartbeat()
	}

	// A quiet or over-age session is force-closed before this event is
	// considered, so a late-arriving id opens a fresh session instead of
	// extending a stale one.
	if s, found := c.open[e.SessionID]; found {
		c.ageOut(s)
	}

	s, found := c.open[e.SessionID]
	if !found {
		c.sessions++
		s = &session{
			id:          e.SessionID,
			source:      e.Source,
			first:       e.Time,
			maxDeadline: e.Time + c.opts.MaxLife,
		}
		c.open[e.SessionID] = s
		heap.Push(&c.pending, s)
	}

	s.touch(e.Time, c.opts.ShelfLife)
	switch e.Kind {
	case domain.EventQuery:
		s.tasks = append(s.tasks, domain.Task{Offset: e.Time - c.base, Request: []byte(e.Body)})
	case domain.EventEnd:
		s.ended = true
	case domain.EventResponse:
		// Replay drives requests only; captured responses are dropped.
	}

	if e.Kind == domain.EventEnd {
		// The session leaves the open map but stays pending until every
		// earlier-starting session has been emitted.
		delete(c.open, e.SessionID)
	}

	return c.flushReady()
}

// ageOut force-closes s if it is stale or over age. Reports whether s was
// closed.
func (c *Coalescer) ageOut(s *session) bool {
	switch {
	case c.now >= s.shelfDeadline:
		c.log.Debug("expiring stale session", slog.String("session_id", s.id))
	case c.now >= s.maxDeadline:
		c.log.Debug("expiring maxed-out session", slog.String("session_id", s.id))
	default:
		return false
	}
	c.forceEnd(s)
	delete(c.open, s.id)
	return true
}

func (c *Coalescer) forceEnd(s *session) {
	if !s.ended {
		s.ended = true
		c.forced++
	}
}

// flushReady emits every pending session that is ended, in first-event
// order. A not-yet-ended session at the head of the heap blocks all later
// sessions until it ends or ages out: emission order is the invariant.
func (c *Coalescer) flushReady() error {
	for c.pending.Len() > 0 {
		top := c.pending[0]
		if !top.ended && !c.ageOut(top) {
			return nil
		}
		heap.Pop(&c.pending)
		if err := c.emit(top); err != nil {
			return err
		}
	}
	return nil
}

// finish force-closes every remaining session and flushes the heap.
func (c *Coalescer) finish() error {
	for id, s := range c.open {
		c.forceEnd(s)
		delete(c.open, id)
	}
	for c.pending.Len() > 0 {
		s := heap.Pop(&c.pending).(*session)
		c.forceEnd(s)
		if err := c.emit(s); err != nil {
			return err
		}
	}
	c.log.Info("coalesce complete",
		slog.Int("events", c.events),
		slog.Int("sessions", c.sessions),
		slog.Int("forced_ends", c.forced),
		slog.Int("jobs", c.emitted))
	return nil
}

func (c *Coalescer) emit(s *session) error {
	if len(s.tasks) == 0 {
		// Sessions with no requests (End-only, or responses dropped)
		// produce nothing to replay.
		return nil
	}
	job := domain.Job{ID: s.id, Tasks: s.tasks}
	if err := c.emitter.Emit(job); err != nil {
		return fmt.Errorf("coalesce: emit job %s: %w", s.id, err)
	}
	c.emitted++
	return nil
}

// heartbeat logs stream progress plus a compact summary of the head of the
// pending queue: up to five open sessions with their idle times, with runs
// of already-ended sessions shown as gap counts.
func (c *Coalescer) heartbeat() {
	var b strings.Builder
	shown, i := 0, 0
	for shown < 5 && i < c.pending.Len() {
		endedRun := 0
		for i < c.pending.Len() && c.pending[i].ended {
			endedRun++
			i++
		}
		if endedRun > 0 {
			fmt.Fprintf(&b, " : --%d--", endedRun)
			continue
		}
		s := c.pending[i]
		fmt.Fprintf(&b, " : %s(%.3fs)", s.id, c.now-s.last)
		shown++
		i++
	}
	c.log.Info("coalescing",
		slog.Int("events", c.events),
		slog.Float64("elapsed_capture_s", c.now-c.start),
		slog.Int("open", len(c.open)),
		slog.Int("pending", c.pending.Len()),
		slog.String("queue_head", b.String()))
}
