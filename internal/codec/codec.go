// Package codec implements the on-disk framing for job and index files.
//
// Both files are concatenations of length-prefixed frames so records are
// self-delimiting and a truncated write is detectable: a frame is a
// big-endian uint32 payload length followed by the payload. EOF in the
// middle of a frame is corruption; EOF on a frame boundary is a clean end.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/lexelby/apiary/internal/domain"
)

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 1 << 27 // 128 MiB

// EncodeJob appends the frame encoding of j to buf and returns the result.
func EncodeJob(buf []byte, j domain.Job) ([]byte, error) {
	payload := len(j.ID) + 2 + 4
	for _, t := range j.Tasks {
		payload += 8 + 4 + len(t.Request)
	}
	if payload > MaxFrameSize {
		return nil, fmt.Errorf("codec: job %s: frame of %d bytes exceeds limit: %w", j.ID, payload, domain.ErrCorruptFrame)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(payload))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(j.ID)))
	buf = append(buf, j.ID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(j.Tasks)))
	for _, t := range j.Tasks {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(t.Offset))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.Request)))
		buf = append(buf, t.Request...)
	}
	return buf, nil
}

// WriteJob writes one job frame and returns the number of bytes written.
func WriteJob(w io.Writer, j domain.Job) (int, error) {
	buf, err := EncodeJob(nil, j)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	if err != nil {
		return n, fmt.Errorf("codec: write job %s: %w", j.ID, err)
	}
	return n, nil
}

// ReadJob decodes the next job frame. io.EOF is returned at a clean frame
// boundary; a mid-frame EOF decodes as ErrCorruptFrame.
func ReadJob(r io.Reader) (domain.Job, error) {
	payload, err := readFrame(r)
	if err != nil {
		return domain.Job{}, err
	}
	j, rest, err := decodeJobPayload(payload)
	if err != nil {
		return domain.Job{}, err
	}
	if len(rest) != 0 {
		return domain.Job{}, fmt.Errorf("codec: %d trailing bytes in job frame: %w", len(rest), domain.ErrCorruptFrame)
	}
	return j, nil
}

// ReadJobAt seeks to offset and decodes one job frame.
func ReadJobAt(r io.ReadSeeker, offset uint64) (domain.Job, error) {
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return domain.Job{}, fmt.Errorf("codec: seek %d: %w", offset, err)
	}
	j, err := ReadJob(r)
	if err == io.EOF {
		return domain.Job{}, fmt.Errorf("codec: no frame at offset %d: %w", offset, domain.ErrCorruptFrame)
	}
	return j, err
}

func decodeJobPayload(p []byte) (domain.Job, []byte, error) {
	id, p, err := takeString(p)
	if err != nil {
		return domain.Job{}, nil, err
	}
	if len(p) < 4 {
		return domain.Job{}, nil, truncated()
	}
	n := binary.BigEndian.Uint32(p)
	p = p[4:]
	j := domain.Job{ID: id, Tasks: make([]domain.Task, 0, n)}
	for i := uint32(0); i < n; i++ {
		if len(p) < 12 {
			return domain.Job{}, nil, truncated()
		}
		offset := math.Float64frombits(binary.BigEndian.Uint64(p))
		reqLen := binary.BigEndian.Uint32(p[8:])
		p = p[12:]
		if uint32(len(p)) < reqLen {
			return domain.Job{}, nil, truncated()
		}
		req := make([]byte, reqLen)
		copy(req, p[:reqLen])
		p = p[reqLen:]
		j.Tasks = append(j.Tasks, domain.Task{Offset: offset, Request: req})
	}
	return j, p, nil
}

// WriteIndexEntry writes one index frame.
func WriteIndexEntry(w io.Writer, e domain.IndexEntry) error {
	payload := 2 + len(e.ID) + 8 + 8
	buf := make([]byte, 0, 4+payload)
	buf = binary.BigEndian.AppendUint32(buf, uint32(payload))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.ID)))
	buf = append(buf, e.ID...)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(e.StartTime))
	buf = binary.BigEndian.AppendUint64(buf, e.Offset)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("codec: write index entry %s: %w", e.ID, err)
	}
	return nil
}

// ReadIndexEntry decodes the next index frame. io.EOF marks a clean end.
func ReadIndexEntry(r io.Reader) (domain.IndexEntry, error) {
	payload, err := readFrame(r)
	if err != nil {
		return domain.IndexEntry{}, err
	}
	id, rest, err := takeString(payload)
	if err != nil {
		return domain.IndexEntry{}, err
	}
	if len(rest) != 16 {
		return domain.IndexEntry{}, fmt.Errorf("codec: index frame has %d value bytes: %w", len(rest), domain.ErrCorruptFrame)
	}
	return domain.IndexEntry{
		ID:        id,
		StartTime: math.Float64frombits(binary.BigEndian.Uint64(rest)),
		Offset:    binary.BigEndian.Uint64(rest[8:]),
	}, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("codec: frame header: %w", domain.ErrCorruptFrame)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("codec: frame of %d bytes exceeds limit: %w", size, domain.ErrCorruptFrame)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("codec: frame body: %w", domain.ErrCorruptFrame)
	}
	return payload, nil
}

func takeString(p []byte) (string, []byte, error) {
	if len(p) < 2 {
		return "", nil, truncated()
	}
	n := binary.BigEndian.Uint16(p)
	p = p[2:]
	if len(p) < int(n) {
		return "", nil, truncated()
	}
	return string(p[:n]), p[n:], nil
}

func truncated() error {
	return fmt.Errorf("codec: truncated frame: %w", domain.ErrCorruptFrame)
}
