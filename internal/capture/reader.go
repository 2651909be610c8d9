package capture

import (
	"fmt"
	"io"
	"os"

	"github.com/lexelby/apiary/internal/domain"
)

// Source yields events in non-decreasing order. ok=false signals exhaustion.
type Source interface {
	Next() (e domain.Event, ok bool, err error)
}

// EventReader decodes a stanza stream into events, transparently expanding
// coalesced Sequence stanzas into their sub-events.
type EventReader struct {
	in      *LineReader
	pending []domain.Event
	closer  io.Closer
}

// NewEventReader reads events from r.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{in: NewLineReader(r)}
}

// Open opens the named capture file for reading; "-" selects stdin.
func Open(name string) (*EventReader, error) {
	if name == "-" {
		return NewEventReader(os.Stdin), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", name, err)
	}
	er := NewEventReader(f)
	er.closer = f
	return er, nil
}

// Next returns the next event in the stream.
func (r *EventReader) Next() (domain.Event, bool, error) {
	if len(r.pending) > 0 {
		e := r.pending[0]
		r.pending = r.pending[1:]
		return e, true, nil
	}
	for {
		e, ok, err := ParseStanza(r.in)
		if err != nil || !ok {
			return domain.Event{}, false, err
		}
		if e.Kind == SequenceKind {
			sub := SplitSequence(e)
			if len(sub) == 0 {
				continue
			}
			r.pending = sub[1:]
			return sub[0], true, nil
		}
		return e, true, nil
	}
}

// Close releases the underlying file, if any.
func (r *EventReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// OpenAll opens every named capture; an empty list selects stdin.
func OpenAll(names []string) ([]Source, func(), error) {
	if len(names) == 0 {
		names = []string{"-"}
	}
	readers := make([]*EventReader, 0, len(names))
	sources := make([]Source, 0, len(names))
	for _, name := range names {
		r, err := Open(name)
		if err != nil {
			for _, prev := range readers {
				_ = prev.Close()
			}
			return nil, nil, err
		}
		readers = append(readers, r)
		sources = append(sources, r)
	}
	closeAll := func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}
	return sources, closeAll, nil
}
