// Package stats aggregates worker telemetry into periodic windowed reports.
//
// Each statistic is a Tally, Level, or Series keyed by name. Between
// reports, incoming data points accumulate; a report renders every
// statistic's aggregates alongside the signed change since the previous
// report, then clears per-window state.
package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Aggregate is one named value a statistic produces per report.
type Aggregate struct {
	Name  string
	Value float64
}

// Statistic is one named stream of data points.
type Statistic interface {
	// Calculate crunches the numbers received since the last Reset.
	Calculate() []Aggregate
	// Reset clears per-window state.
	Reset()
	// FormatNumber renders an aggregate value.
	FormatNumber(v float64) string
	// FormatChange renders the delta since the previous report; empty means
	// the delta column stays blank.
	FormatChange(v float64) string
}

// Tally counts occurrences: per-window and grand totals.
type Tally struct {
	period int64
	grand  int64
}

// Add counts one occurrence.
func (t *Tally) Add() { t.period++ }

// Calculate folds the window into the grand total.
func (t *Tally) Calculate() []Aggregate {
	t.grand += t.period
	return []Aggregate{
		{Name: "This Period", Value: float64(t.period)},
		{Name: "Total", Value: float64(t.grand)},
	}
}

// Reset clears the window count.
func (t *Tally) Reset() { t.period = 0 }

// FormatNumber renders a count.
func (t *Tally) FormatNumber(v float64) string { return fmt.Sprintf("%d", int64(v)) }

// FormatChange renders a signed count, blank when unchanged.
func (t *Tally) FormatChange(v float64) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("(%+d)", int64(v))
}

// Level tracks a signed gauge, sampling it on every change so the window
// aggregates reflect every excursion, not just the endpoints.
type Level struct {
	current int64
	samples []int64
}

// NewLevel starts a level at zero.
func NewLevel() *Level {
	return &Level{samples: []int64{0}}
}

// Add moves the level by delta (normally ±1) and records a sample.
func (l *Level) Add(delta int) {
	l.current += int64(delta)
	l.samples = append(l.samples, l.current)
}

// Current returns the instantaneous level.
func (l *Level) Current() int64 { return l.current }

// Calculate reports the current level plus window distribution stats.
func (l *Level) Calculate() []Aggregate {
	out := []Aggregate{{Name: "Current", Value: float64(l.current)}}
	return append(out, distribution(l.samples)...)
}

// Reset seeds the next window with the carried-over level.
func (l *Level) Reset() { l.samples = []int64{l.current} }

// FormatNumber renders a level value.
func (l *Level) FormatNumber(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.4g", v)
}

// FormatChange renders a signed change, blank when zero.
func (l *Level) FormatChange(v float64) string {
	if v == 0 {
		return ""
	}
	if v == math.Trunc(v) {
		return fmt.Sprintf("(%+d)", int64(v))
	}
	return fmt.Sprintf("(%+.4g)", v)
}

// seriesUnitScale converts series values to integral histogram units,
// preserving three decimal places.
const seriesUnitScale = 1000

// Series records float samples (request durations, mostly) into an HDR
// histogram so a window of millions of samples costs fixed memory, unlike
// an unbounded sample slice.
type Series struct {
	hist    *hdrhistogram.Histogram
	current float64
	count   int64
}

// NewSeries creates an empty series. The histogram spans 0.001 to one
// million in value units at three significant figures.
func NewSeries() *Series {
	return &Series{hist: hdrhistogram.New(1, 1_000_000*seriesUnitScale, 3)}
}

// Add records one sample.
func (s *Series) Add(v float64) {
	s.current = v
	s.count++
	scaled := int64(math.Round(v * seriesUnitScale))
	if scaled < s.hist.LowestTrackableValue() {
		scaled = s.hist.LowestTrackableValue()
	}
	if scaled > s.hist.HighestTrackableValue() {
		scaled = s.hist.HighestTrackableValue()
	}
	_ = s.hist.RecordValue(scaled)
}

// Calculate reports the latest sample plus window distribution stats.
// A window with no samples reports nothing.
func (s *Series) Calculate() []Aggregate {
	if s.count == 0 {
		return nil
	}
	unscale := func(v float64) float64 { return v / seriesUnitScale }
	return []Aggregate{
		{Name: "Current", Value: s.current},
		{Name: "Min", Value: unscale(float64(s.hist.Min()))},
		{Name: "Max", Value: unscale(float64(s.hist.Max()))},
		{Name: "Median", Value: unscale(float64(s.hist.ValueAtQuantile(50)))},
		{Name: "Mean", Value: unscale(s.hist.Mean())},
		{Name: "Stdev", Value: unscale(s.hist.StdDev())},
	}
}

// Reset clears the window histogram.
func (s *Series) Reset() {
	s.hist.Reset()
	s.count = 0
}

// FormatNumber renders a sample value.
func (s *Series) FormatNumber(v float64) string { return fmt.Sprintf("%.4g", v) }

// FormatChange renders a signed change.
func (s *Series) FormatChange(v float64) string { return fmt.Sprintf("(%+.4g)", v) }

// distribution computes exact min/max/median/mean/stdev over samples.
func distribution(samples []int64) []Aggregate {
	if len(samples) == 0 {
		return nil
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum, sumsq float64
	for _, v := range samples {
		f := float64(v)
		sum += f
		sumsq += f * f
	}
	n := float64(len(samples))
	mean := sum / n
	variance := sumsq/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		median = float64(sorted[mid])
	} else {
		median = (float64(sorted[mid-1]) + float64(sorted[mid])) / 2
	}

	return []Aggregate{
		{Name: "Min", Value: float64(sorted[0])},
		{Name: "Max", Value: float64(sorted[len(sorted)-1])},
		{Name: "Median", Value: median},
		{Name: "Mean", Value: mean},
		{Name: "Stdev", Value: math.Sqrt(variance)},
	}
}
