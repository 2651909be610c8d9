// Package capture parses timestamped query-log capture files into event
// streams and merges sorted streams from multiple capture hosts.
//
// Two on-disk forms are understood: the native tab-separated stanza format
// produced by the query loggers, and the comment-annotated form emitted by
// mk-query-digest over a MySQL slow log. Both decode to the same Event.
package capture

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lexelby/apiary/internal/domain"
)

var (
	headerRE        = regexp.MustCompile(`^(\d+\.\d+)\t([\d.:]+)\t?(\S*)\t(\w+)$`)
	breakRE         = regexp.MustCompile(`^\*{3,}$`)
	commentRE       = regexp.MustCompile(`^\-{2,}.*$`)
	timeRE          = regexp.MustCompile(`^# Time: (\d+ [\d\w:.]+)$`)
	clientRE        = regexp.MustCompile(`^# Client: ([\d.:]+)$`)
	threadRE        = regexp.MustCompile(`# Thread_id: (\d+)$`)
	adminCommandRE  = regexp.MustCompile(`^# administrator command: (\w+);$`)
	digestCommentRE = regexp.MustCompile(`^#`)
)

// SequenceKind marks a stanza holding an already-coalesced session. Readers
// expand such stanzas back into their constituent events, so a coalesced
// capture can be re-read anywhere a raw one is accepted.
const SequenceKind domain.EventKind = "Sequence"

// taskSeparator delimits sub-events inside a Sequence stanza body.
const taskSeparator = "\n+++\n"

// LineReader reads lines and supports pushing a line back, which the stanza
// parser needs when it over-reads into the next stanza's header.
type LineReader struct {
	r      *bufio.Reader
	pushed []string
	eof    bool
}

// NewLineReader wraps r for stanza parsing.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its trailing newline.
// eof=true means the input is exhausted and line is empty.
func (l *LineReader) ReadLine() (line string, eof bool, err error) {
	if n := len(l.pushed); n > 0 {
		line = l.pushed[n-1]
		l.pushed = l.pushed[:n-1]
		return line, false, nil
	}
	if l.eof {
		return "", true, nil
	}
	line, err = l.r.ReadString('\n')
	if err != nil {
		if err != io.EOF {
			return "", false, err
		}
		l.eof = true
		if line == "" {
			return "", true, nil
		}
		return line, false, nil
	}
	return strings.TrimRight(line, "\n"), false, nil
}

// Unread pushes line back so the next ReadLine returns it.
func (l *LineReader) Unread(line string) {
	l.pushed = append(l.pushed, line)
}

// ParseStanza decodes the next event stanza. It handles both the native
// header format and mk-query-digest slow-log comments. Returns ok=false at
// end of input.
func ParseStanza(in *LineReader) (domain.Event, bool, error) {
	var (
		seconds string
		id      string
		source  string
		kind    = domain.EventQuery
		body    strings.Builder
		line    string
		eof     bool
		header  []string
		err     error
	)

	// Scan forward to the next header or digest comment.
	for header == nil && !digestCommentRE.MatchString(line) {
		line, eof, err = in.ReadLine()
		if err != nil {
			return domain.Event{}, false, fmt.Errorf("capture: read: %w", err)
		}
		if eof {
			return domain.Event{}, false, nil
		}
		if commentRE.MatchString(line) {
			line, eof, err = in.ReadLine()
			if err != nil {
				return domain.Event{}, false, fmt.Errorf("capture: read: %w", err)
			}
			if eof {
				return domain.Event{}, false, nil
			}
		}
		header = headerRE.FindStringSubmatch(line)
	}

	if header != nil {
		seconds = header[1]
		id = header[2]
		source = header[3]
		kind = domain.EventKind(header[4])
		line, eof, err = in.ReadLine()
		if err != nil {
			return domain.Event{}, false, fmt.Errorf("capture: read: %w", err)
		}
	}

	// Digest logs carry the metadata in leading comments instead of a header.
	for !eof && digestCommentRE.MatchString(line) {
		if m := timeRE.FindStringSubmatch(line); m != nil {
			if seconds != "" {
				// A second Time comment means the previous query had no
				// body; hand this line back and emit what we have.
				in.Unread(line)
				return buildEvent(seconds, id, source, kind, body.String())
			}
			s, terr := parseSlowLogTime(m[1])
			if terr != nil {
				return domain.Event{}, false, terr
			}
			seconds = s
		}
		if m := clientRE.FindStringSubmatch(line); m != nil {
			id = m[1]
		}
		if m := threadRE.FindStringSubmatch(line); m != nil {
			id += ":" + m[1]
		}
		if m := adminCommandRE.FindStringSubmatch(line); m != nil && m[1] == "Quit" {
			kind = domain.EventEnd
		}

		line, eof, err = in.ReadLine()
		if err != nil {
			return domain.Event{}, false, fmt.Errorf("capture: read: %w", err)
		}
		if eof {
			return domain.Event{}, false, nil
		}
	}

	// Body runs until a break line, a digest comment, or EOF.
	for !eof {
		for !eof && commentRE.MatchString(line) {
			line, eof, err = in.ReadLine()
			if err != nil {
				return domain.Event{}, false, fmt.Errorf("capture: read: %w", err)
			}
		}
		if eof || breakRE.MatchString(line) || digestCommentRE.MatchString(line) {
			break
		}
		body.WriteString(line)
		body.WriteString("\n")
		line, eof, err = in.ReadLine()
		if err != nil {
			return domain.Event{}, false, fmt.Errorf("capture: read: %w", err)
		}
	}

	// An administrator command may trail the body.
	if m := adminCommandRE.FindStringSubmatch(line); m != nil {
		if m[1] == "Quit" {
			kind = domain.EventEnd
		}
	} else if !eof && digestCommentRE.MatchString(line) {
		// The last line read belongs to the next stanza.
		in.Unread(line)
	}

	return buildEvent(seconds, id, source, kind, body.String())
}

func buildEvent(seconds, id, source string, kind domain.EventKind, body string) (domain.Event, bool, error) {
	t, err := strconv.ParseFloat(seconds, 64)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("capture: bad timestamp %q: %w", seconds, err)
	}
	return domain.Event{Time: t, SessionID: id, Source: source, Kind: kind, Body: body}, true, nil
}

// parseSlowLogTime converts a "YYMMDD HH:MM:SS[.usec]" slow-log timestamp
// into fractional seconds since the epoch, preserving the subsecond digits.
func parseSlowLogTime(stamp string) (string, error) {
	datePart := stamp
	subseconds := "0"
	if i := strings.IndexByte(stamp, '.'); i >= 0 {
		datePart = stamp[:i]
		subseconds = stamp[i+1:]
	}
	t, err := time.ParseInLocation("060102 15:04:05", datePart, time.Local)
	if err != nil {
		return "", fmt.Errorf("capture: bad slow-log time %q: %w", stamp, err)
	}
	return fmt.Sprintf("%d.%s", t.Unix(), subseconds), nil
}

// SplitSequence expands a Sequence stanza into its constituent events.
// Each element of the body is "time:body"; a body of exactly "Quit" marks
// the session end.
func SplitSequence(e domain.Event) []domain.Event {
	var out []domain.Event
	for _, part := range strings.Split(e.Body, taskSeparator) {
		ts, body, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		t, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			continue
		}
		kind := domain.EventQuery
		if body == "Quit" {
			kind = domain.EventEnd
		}
		out = append(out, domain.Event{Time: t, SessionID: e.SessionID, Source: e.Source, Kind: kind, Body: body})
	}
	return out
}
