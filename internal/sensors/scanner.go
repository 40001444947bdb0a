package sensors

import (
	"bufio"
	"io"
)

// recordScanner reassembles a newline/brace-delimited stream of JSON objects
// into whole records, tolerating records the subprocess splits across
// multiple lines. It tracks brace nesting depth while skipping braces that
// appear inside quoted strings, and emits a record each time the depth
// returns to zero after having opened at least one object.
type recordScanner struct {
	r     *bufio.Reader
	buf   []byte
	depth int
	open  bool // saw at least one '{' in the current buffer
	inStr bool
	esc   bool
}

func newRecordScanner(r io.Reader) *recordScanner {
	return &recordScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete JSON record, blocking on the underlying
// reader. It returns io.EOF when the subprocess has closed its stdout.
func (s *recordScanner) Next() ([]byte, error) {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, err
		}

		if s.esc {
			s.esc = false
			s.buf = append(s.buf, b)
			continue
		}

		switch {
		case s.inStr:
			s.buf = append(s.buf, b)
			switch b {
			case '\\':
				s.esc = true
			case '"':
				s.inStr = false
			}
			continue
		case b == '"':
			s.inStr = true
			s.buf = append(s.buf, b)
			continue
		case b == '{':
			s.depth++
			s.open = true
			s.buf = append(s.buf, b)
			continue
		case b == '}':
			s.depth--
			s.buf = append(s.buf, b)
			if s.open && s.depth <= 0 {
				rec := s.buf
				s.buf = nil
				s.depth = 0
				s.open = false
				return rec, nil
			}
			continue
		case !s.open && (b == '\n' || b == '\r' || b == ' ' || b == '\t'):
			// whitespace between records before any '{' seen; ignore.
			continue
		default:
			s.buf = append(s.buf, b)
		}
	}
}
