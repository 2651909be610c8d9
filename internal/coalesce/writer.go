package coalesce

import (
	"fmt"
	"io"
	"os"

	"github.com/lexelby/apiary/internal/codec"
	"github.com/lexelby/apiary/internal/domain"
)

// FileEmitter writes each job to a job file and a matching entry to an
// index file. Jobs arrive in session-start order, so index entries come out
// sorted by start time, which is what streamed dispatch depends on.
type FileEmitter struct {
	jobW   io.Writer
	idxW   io.Writer
	offset uint64

	jobFile *os.File
	idxFile *os.File
}

// NewFileEmitter emits to the given writers.
func NewFileEmitter(jobW, idxW io.Writer) *FileEmitter {
	return &FileEmitter{jobW: jobW, idxW: idxW}
}

// CreateFiles creates (truncating) the named job and index files.
func CreateFiles(jobPath, indexPath string) (*FileEmitter, error) {
	jobFile, err := os.Create(jobPath)
	if err != nil {
		return nil, fmt.Errorf("coalesce: create %s: %w", jobPath, err)
	}
	idxFile, err := os.Create(indexPath)
	if err != nil {
		_ = jobFile.Close()
		return nil, fmt.Errorf("coalesce: create %s: %w", indexPath, err)
	}
	e := NewFileEmitter(jobFile, idxFile)
	e.jobFile = jobFile
	e.idxFile = idxFile
	return e, nil
}

// Emit writes the job frame, then its index entry. Both records are
// self-delimiting, so a crash between the two writes leaves a detectable
// (and recoverable) tail rather than silent corruption.
func (e *FileEmitter) Emit(j domain.Job) error {
	n, err := codec.WriteJob(e.jobW, j)
	if err != nil {
		return err
	}
	entry := domain.IndexEntry{ID: j.ID, StartTime: j.StartTime(), Offset: e.offset}
	if err := codec.WriteIndexEntry(e.idxW, entry); err != nil {
		return err
	}
	e.offset += uint64(n)
	return nil
}

// Close closes the underlying files when the emitter was built by
// CreateFiles; for writers passed to NewFileEmitter it does nothing.
func (e *FileEmitter) Close() error {
	var first error
	if e.jobFile != nil {
		if err := e.jobFile.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.idxFile != nil {
		if err := e.idxFile.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
