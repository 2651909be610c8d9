// Package queue provides the two queues every Apiary run flows through: the
// job queue (scheduler → worker threads) and the stats queue (workers →
// collector). Both are MPMC with sentinel-terminated shutdown.
//
// Three interchangeable fabrics exist. The in-process channel fabric is the
// default and is all a single-host run needs; the Redis and Kafka fabrics
// put the queues on a shared broker so worker processes can run on other
// hosts. Envelopes are JSON on every fabric so the wire format does not
// depend on which broker carries it.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
)

// Queue names shared by all broker fabrics.
const (
	JobQueueName  = "apiary:worker-job"
	StatQueueName = "apiary:worker-status"
)

// Fabric names accepted by --broker.
const (
	FabricChannel = "channel"
	FabricRedis   = "redis"
	FabricKafka   = "kafka"
)

// Pair bundles the two queues of one run.
type Pair struct {
	Jobs  domain.JobQueue
	Stats domain.StatQueue
}

// Close closes both queues.
func (p Pair) Close() error {
	jerr := p.Jobs.Close()
	serr := p.Stats.Close()
	if jerr != nil {
		return jerr
	}
	return serr
}

// New builds the queue pair selected by cfg.Broker.
func New(cfg config.Config) (Pair, error) {
	switch strings.ToLower(cfg.Broker) {
	case "", FabricChannel:
		return Pair{
			Jobs:  NewChannelJobQueue(cfg.QueueDepth),
			Stats: NewChannelStatQueue(cfg.StatsQueueDepth),
		}, nil
	case FabricRedis:
		f, err := DialRedis(cfg)
		if err != nil {
			return Pair{}, err
		}
		return Pair{Jobs: f.Jobs(), Stats: f.Stats()}, nil
	case FabricKafka:
		f, err := DialKafka(cfg)
		if err != nil {
			return Pair{}, err
		}
		return Pair{Jobs: f.Jobs(), Stats: f.Stats()}, nil
	}
	return Pair{}, fmt.Errorf("broker %q: %w", cfg.Broker, domain.ErrBadConfig)
}

func encodeJob(m domain.JobMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal job message: %w", err)
	}
	return b, nil
}

func decodeJob(b []byte) (domain.JobMessage, error) {
	var m domain.JobMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return domain.JobMessage{}, fmt.Errorf("queue: unmarshal job message: %w", err)
	}
	return m, nil
}

func encodeStat(m domain.StatMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal stat message: %w", err)
	}
	return b, nil
}

func decodeStat(b []byte) (domain.StatMessage, error) {
	var m domain.StatMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return domain.StatMessage{}, fmt.Errorf("queue: unmarshal stat message: %w", err)
	}
	return m, nil
}
