package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
)

type nopAdapter struct{}

func (nopAdapter) StartJob(string)        {}
func (nopAdapter) SendRequest([]byte) bool { return true }
func (nopAdapter) FinishJob(string)       {}

type nopSink struct{}

func (nopSink) Tally(string)           {}
func (nopSink) Level(string, int)      {}
func (nopSink) Series(string, float64) {}
func (nopSink) Error(string)           {}

func Test_Registry(t *testing.T) {
	Register("registry-test", func(config.Config, domain.StatsSink) (domain.Adapter, error) {
		return nopAdapter{}, nil
	})

	a, err := New("registry-test", config.Config{}, nopSink{})
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Contains(t, Names(), "registry-test")
}

func Test_Registry_UnknownProtocol(t *testing.T) {
	_, err := New("no-such-protocol", config.Config{}, nopSink{})
	require.ErrorIs(t, err, domain.ErrUnknownProtocol)
}
