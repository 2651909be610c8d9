package worker

import (
	"context"
	"log/slog"

	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/observability"
)

// QueueSink forwards telemetry onto the stats queue. Send failures are
// logged and dropped; telemetry must never take a worker down.
type QueueSink struct {
	queue domain.StatQueue
	log   *slog.Logger
}

// NewQueueSink builds a sink writing to queue.
func NewQueueSink(queue domain.StatQueue, log *slog.Logger) *QueueSink {
	if log == nil {
		log = slog.Default()
	}
	return &QueueSink{queue: queue, log: log}
}

func (s *QueueSink) put(m domain.StatMessage) {
	if err := s.queue.Put(context.Background(), m); err != nil {
		s.log.Debug("dropping stat message", slog.String("kind", string(m.Kind)), slog.Any("error", err))
	}
}

// Tally counts one occurrence of name.
func (s *QueueSink) Tally(name string) {
	s.put(domain.StatMessage{Kind: domain.StatTally, Name: name})
}

// Level moves the named gauge by delta.
func (s *QueueSink) Level(name string, delta int) {
	s.put(domain.StatMessage{Kind: domain.StatLevel, Name: name, Delta: delta})
}

// Series records one sample of name.
func (s *QueueSink) Series(name string, value float64) {
	s.put(domain.StatMessage{Kind: domain.StatSeries, Name: name, Value: value})
}

// Error reports an adapter error as a 500-class tally, matching how the
// collector buckets failure messages.
func (s *QueueSink) Error(msg string) {
	observability.AdapterError()
	s.put(domain.StatMessage{Kind: domain.StatTally, Name: "500 " + msg})
}

// AnnounceNew reports a worker process coming up.
func (s *QueueSink) AnnounceNew(workerID string) {
	s.put(domain.StatMessage{Kind: domain.StatWorkerNew, Name: workerID})
}

// AnnounceHalted reports a worker process going down.
func (s *QueueSink) AnnounceHalted(workerID string) {
	s.put(domain.StatMessage{Kind: domain.StatWorkerHalted, Name: workerID})
}
