package capture

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexelby/apiary/internal/domain"
)

type sliceSource struct {
	events []domain.Event
	pos    int
}

func (s *sliceSource) Next() (domain.Event, bool, error) {
	if s.pos >= len(s.events) {
		return domain.Event{}, false, nil
	}
	e := s.events[s.pos]
	s.pos++
	return e, true, nil
}

func ev(t float64, id string, kind domain.EventKind) domain.Event {
	return domain.Event{Time: t, SessionID: id, Kind: kind}
}

func Test_Merge_Interleaves(t *testing.T) {
	a := &sliceSource{events: []domain.Event{
		ev(1.0, "a", domain.EventQuery),
		ev(3.0, "a", domain.EventQuery),
		ev(5.0, "a", domain.EventEnd),
	}}
	b := &sliceSource{events: []domain.Event{
		ev(2.0, "b", domain.EventQuery),
		ev(4.0, "b", domain.EventEnd),
	}}

	m := Merge(a, b)
	var times []float64
	for {
		e, ok, err := m.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		times = append(times, e.Time)
	}
	require.Equal(t, []float64{1, 2, 3, 4, 5}, times)
}

func Test_Merge_EndSortsLast(t *testing.T) {
	a := &sliceSource{events: []domain.Event{ev(1.0, "a", domain.EventEnd)}}
	b := &sliceSource{events: []domain.Event{ev(1.0, "b", domain.EventQuery)}}

	m := Merge(a, b)
	first, ok, err := m.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.EventQuery, first.Kind)

	second, ok, err := m.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.EventEnd, second.Kind)
}

func Test_Merge_DuplicatesKeepSourceOrder(t *testing.T) {
	a := &sliceSource{events: []domain.Event{ev(1.0, "a", domain.EventQuery)}}
	b := &sliceSource{events: []domain.Event{ev(1.0, "b", domain.EventQuery)}}

	m := Merge(a, b)
	first, _, err := m.Next()
	require.NoError(t, err)
	require.Equal(t, "a", first.SessionID)
	second, _, err := m.Next()
	require.NoError(t, err)
	require.Equal(t, "b", second.SessionID)
}

func Test_Merge_Empty(t *testing.T) {
	m := Merge()
	_, ok, err := m.Next()
	require.NoError(t, err)
	require.False(t, ok)
}
