package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lexelby/apiary/internal/domain"
)

// DefaultInterval is the default report period.
const DefaultInterval = 15 * time.Second

// pollTimeout bounds each queue wait so reports still go out while the
// stream is idle.
const pollTimeout = time.Second

var tableDNERE = regexp.MustCompile(`Table '.*' doesn't exist`)

// canonicalize folds noisy per-row MySQL error strings into one bucket each
// so the tally table stays readable under load.
func canonicalize(name string) string {
	switch {
	case strings.Contains(name, "Duplicate entry"):
		return `501 (1062, "Duplicate entry for key")`
	case strings.Contains(name, "You have an error in your SQL syntax"):
		return `501 (1064, "You have an error in your SQL syntax")`
	case tableDNERE.MatchString(name):
		return `501 (1146, "Table ___ doesn't exist")`
	}
	return name
}

// Collector owns all statistic entities and renders windowed reports.
// It is the sole consumer of the stats queue.
type Collector struct {
	queue    domain.StatQueue
	out      io.Writer
	interval time.Duration
	log      *slog.Logger

	tallies map[string]*Tally
	levels  map[string]*Level
	series  map[string]*Series
	last    map[string]float64

	workers int
}

// NewCollector builds a collector reporting to out every interval.
func NewCollector(queue domain.StatQueue, out io.Writer, interval time.Duration, log *slog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		queue:    queue,
		out:      out,
		interval: interval,
		log:      log,
		tallies:  make(map[string]*Tally),
		levels:   make(map[string]*Level),
		series:   make(map[string]*Series),
		last:     make(map[string]float64),
	}
}

// Level returns the current value of the named level, or 0 if unseen.
func (c *Collector) Level(name string) int64 {
	if l, found := c.levels[name]; found {
		return l.Current()
	}
	return 0
}

// Run consumes the stats queue until a Stop message or context
// cancellation, reporting every interval and once more on the way out.
func (c *Collector) Run(ctx context.Context) error {
	next := time.Now().Add(c.interval)
	for {
		m, ok, err := c.queue.Poll(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				c.report()
				return ctx.Err()
			}
			return fmt.Errorf("stats: poll: %w", err)
		}
		if ok {
			if m.Kind == domain.StatStop {
				c.report()
				return nil
			}
			c.apply(m)
		}
		if time.Now().After(next) {
			c.report()
			next = time.Now().Add(c.interval)
		}
	}
}

func (c *Collector) apply(m domain.StatMessage) {
	switch m.Kind {
	case domain.StatTally:
		name := canonicalize(m.Name)
		if c.kindConflict(name, domain.StatTally) {
			return
		}
		t, found := c.tallies[name]
		if !found {
			t = &Tally{}
			c.tallies[name] = t
		}
		t.Add()
	case domain.StatLevel:
		if c.kindConflict(m.Name, domain.StatLevel) {
			return
		}
		l, found := c.levels[m.Name]
		if !found {
			l = NewLevel()
			c.levels[m.Name] = l
		}
		l.Add(m.Delta)
	case domain.StatSeries:
		if c.kindConflict(m.Name, domain.StatSeries) {
			return
		}
		s, found := c.series[m.Name]
		if !found {
			s = NewSeries()
			c.series[m.Name] = s
		}
		s.Add(m.Value)
	case domain.StatWorkerNew:
		c.workers++
		c.log.Debug("worker announced", slog.String("worker_id", m.Name), slog.Int("workers", c.workers))
	case domain.StatWorkerHalted:
		c.workers--
		c.log.Debug("worker halted", slog.String("worker_id", m.Name), slog.Int("workers", c.workers))
	default:
		c.log.Warn("unknown stats message", slog.String("kind", string(m.Kind)))
	}
}

// kindConflict guards the per-name entity type: a name keeps the kind it
// was first seen with for the lifetime of the run. Conflicting messages are
// counted rather than mutating the entity's type.
func (c *Collector) kindConflict(name string, kind domain.StatKind) bool {
	existing := domain.StatKind("")
	if _, found := c.tallies[name]; found {
		existing = domain.StatTally
	} else if _, found := c.levels[name]; found {
		existing = domain.StatLevel
	} else if _, found := c.series[name]; found {
		existing = domain.StatSeries
	}
	if existing == "" || existing == kind {
		return false
	}
	if name != "stats.conflict" {
		c.applyConflictTally()
	}
	return true
}

func (c *Collector) applyConflictTally() {
	t, found := c.tallies["stats.conflict"]
	if !found {
		t = &Tally{}
		c.tallies["stats.conflict"] = t
	}
	t.Add()
}

// Workers returns the number of live announced workers.
func (c *Collector) Workers() int { return c.workers }

// report renders one table of every entity's aggregates with deltas against
// the previous report, then clears per-window state.
func (c *Collector) report() {
	names := make([]string, 0, len(c.tallies)+len(c.levels)+len(c.series))
	stat := make(map[string]Statistic, cap(names))
	for n, t := range c.tallies {
		names = append(names, n)
		stat[n] = t
	}
	for n, l := range c.levels {
		names = append(names, n)
		stat[n] = l
	}
	for n, s := range c.series {
		names = append(names, n)
		stat[n] = s
	}
	sort.Strings(names)

	var rows [][]Cell
	for _, name := range names {
		st := stat[name]
		for _, agg := range st.Calculate() {
			key := name + "/" + agg.Name
			change := ""
			if prev, found := c.last[key]; found {
				change = st.FormatChange(agg.Value - prev)
			}
			c.last[key] = agg.Value
			rows = append(rows, []Cell{
				{Align: AlignRight, Text: name + " " + agg.Name + ":"},
				{Align: AlignRight, Text: st.FormatNumber(agg.Value)},
				{Align: AlignLeft, Text: change},
			})
		}
		st.Reset()
	}

	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(c.out, "\n%s", FormatTable(rows))
}
