// Package stream assembles lines out of byte-oriented reads.
package stream

import (
	"io"
	"strings"
)

// MaxLine is the overflow limit. A buffer longer than this without a line end is flushed as is.
const MaxLine = 1000

// Emit receives one assembled line. partial is true for a forwarded fragment that has no
// line end yet; the same text will later arrive again as part of a complete line.
type Emit func(line string, partial bool)

// Assembler splits a byte stream on '\n' and '\r'. A fragment ending in '.' is forwarded
// early when Partial accepts it, for tools that redraw progress on one line.
type Assembler struct {
	Partial func(fragment string) bool
	Max     int

	buf     strings.Builder
	emitted string
}

// Feed consumes p, calling emit for every finished line and accepted fragment.
func (a *Assembler) Feed(p []byte, emit Emit) {
	max := a.Max
	if max <= 0 {
		max = MaxLine
	}
	for _, b := range p {
		switch b {
		case '\n', '\r':
			a.flush(emit)
			continue
		}
		a.buf.WriteByte(b)
		if b == '.' && a.Partial != nil {
			frag := a.buf.String()
			if frag != a.emitted && a.Partial(frag) {
				a.emitted = frag
				emit(strings.TrimSpace(frag), true)
			}
		}
		if a.buf.Len() > max {
			a.flush(emit)
		}
	}
}

// Flush emits whatever is buffered as a final line.
func (a *Assembler) Flush(emit Emit) {
	a.flush(emit)
}

func (a *Assembler) flush(emit Emit) {
	line := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	a.emitted = ""
	if line != "" {
		emit(line, false)
	}
}

// Copy reads r until EOF or error, feeding every chunk to a. The trailing fragment is flushed.
// Read errors other than io.EOF are returned.
func Copy(r io.Reader, a *Assembler, emit Emit) error {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			a.Feed(buf[:n], emit)
		}
		if err != nil {
			a.Flush(emit)
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
