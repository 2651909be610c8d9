package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexelby/apiary/internal/domain"
)

func sampleJob(id string) domain.Job {
	return domain.Job{
		ID: id,
		Tasks: []domain.Task{
			{Offset: 0.0, Request: []byte("SELECT 1")},
			{Offset: 0.25, Request: []byte("SELECT 2")},
			{Offset: 1.5, Request: []byte{}},
		},
	}
}

func Test_Job_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := sampleJob("10.0.0.1:5000")
	n, err := WriteJob(&buf, want)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)

	got, err := ReadJob(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = ReadJob(&buf)
	require.Equal(t, io.EOF, err)
}

func Test_Job_RoundTrip_MultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	jobs := []domain.Job{sampleJob("a"), sampleJob("b"), {ID: "empty", Tasks: []domain.Task{{Offset: 0, Request: []byte("x")}}}}
	var offsets []uint64
	for _, j := range jobs {
		offsets = append(offsets, uint64(buf.Len()))
		_, err := WriteJob(&buf, j)
		require.NoError(t, err)
	}

	r := bytes.NewReader(buf.Bytes())
	for i, j := range jobs {
		got, err := ReadJobAt(r, offsets[i])
		require.NoError(t, err)
		require.Equal(t, j.ID, got.ID)
	}
}

func Test_ReadJob_TruncatedFrameIsCorrupt(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteJob(&buf, sampleJob("x"))
	require.NoError(t, err)

	cut := buf.Bytes()[:buf.Len()-3]
	_, err = ReadJob(bytes.NewReader(cut))
	require.ErrorIs(t, err, domain.ErrCorruptFrame)
}

func Test_ReadJob_TruncatedHeaderIsCorrupt(t *testing.T) {
	_, err := ReadJob(bytes.NewReader([]byte{0, 0}))
	require.ErrorIs(t, err, domain.ErrCorruptFrame)
}

func Test_ReadJobAt_BadOffset(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteJob(&buf, sampleJob("x"))
	require.NoError(t, err)

	_, err = ReadJobAt(bytes.NewReader(buf.Bytes()), uint64(buf.Len()))
	require.ErrorIs(t, err, domain.ErrCorruptFrame)
}

func Test_IndexEntry_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	entries := []domain.IndexEntry{
		{ID: "a", StartTime: 1.0, Offset: 0},
		{ID: "b", StartTime: 2.5, Offset: 137},
	}
	for _, e := range entries {
		require.NoError(t, WriteIndexEntry(&buf, e))
	}

	for _, want := range entries {
		got, err := ReadIndexEntry(&buf)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ReadIndexEntry(&buf)
	require.Equal(t, io.EOF, err)
}

func Test_Frame_SizeLimit(t *testing.T) {
	big := domain.Job{ID: "big", Tasks: []domain.Task{{Offset: 0, Request: make([]byte, MaxFrameSize)}}}
	_, err := EncodeJob(nil, big)
	require.ErrorIs(t, err, domain.ErrCorruptFrame)
}
