// Package testproto implements a dummy protocol for exercising the rest of
// the pipeline: requests sleep for a random duration and occasionally
// report a synthetic error.
package testproto

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/protocol"
)

func init() {
	protocol.Register("test", New)
}

// Adapter simulates request execution.
type Adapter struct {
	sink          domain.StatsSink
	minDuration   time.Duration
	durationRange time.Duration
	errorProb     float64
}

// New builds a test adapter from config.
func New(cfg config.Config, sink domain.StatsSink) (domain.Adapter, error) {
	return &Adapter{
		sink:          sink,
		minDuration:   cfg.TestMinDuration,
		durationRange: cfg.TestMaxDuration - cfg.TestMinDuration,
		errorProb:     cfg.TestErrorProbability,
	}, nil
}

// StartJob is a no-op; the test protocol has no per-session state.
func (a *Adapter) StartJob(string) {}

// SendRequest sleeps for a random duration inside the configured range and
// fails with the configured probability.
func (a *Adapter) SendRequest([]byte) bool {
	d := a.minDuration
	if a.durationRange > 0 {
		d += time.Duration(rand.Int64N(int64(a.durationRange)))
	}
	time.Sleep(d)

	if rand.Float64() < a.errorProb {
		a.sink.Error(fmt.Sprintf("error %d", rand.IntN(5)+1))
		return false
	}
	return true
}

// FinishJob is a no-op.
func (a *Adapter) FinishJob(string) {}
