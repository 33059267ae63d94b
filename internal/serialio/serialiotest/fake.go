// Package serialiotest provides an in-memory serial port.
package serialiotest

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"mcuflasher/internal/serialio"
)

var _ serialio.Port = (*FakePort)(nil)

// ErrClosed is returned by a FakePort after Close.
var ErrClosed = errors.New("port closed")

// FakePort is an in-memory serialio.Port. Reads return queued chunks one per
// call, then (0, nil) as a real port does on read timeout.
type FakePort struct {
	mu      sync.Mutex
	chunks  [][]byte
	written []byte
	signals []Signal
	closed  bool

	// Responder, when set, is called for every Write and may queue a reply.
	Responder func(written []byte) []byte
	// ReadErr, when set, is returned by Read.
	ReadErr error
}

// Signal records one control line change.
type Signal struct {
	Line  string // "DTR" or "RTS"
	Level bool
}

// NewFakePort returns an open fake port.
func NewFakePort() *FakePort {
	return &FakePort{}
}

// Push queues bytes to be returned by Read.
func (f *FakePort) Push(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, append([]byte(nil), b...))
}

func (f *FakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.ReadErr != nil {
		return 0, f.ReadErr
	}
	if len(f.chunks) == 0 {
		return 0, nil
	}
	n := copy(p, f.chunks[0])
	if n < len(f.chunks[0]) {
		f.chunks[0] = f.chunks[0][n:]
	} else {
		f.chunks = f.chunks[1:]
	}
	return n, nil
}

func (f *FakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	f.written = append(f.written, p...)
	if f.Responder != nil {
		if reply := f.Responder(p); len(reply) > 0 {
			f.chunks = append(f.chunks, reply)
		}
	}
	return len(p), nil
}

func (f *FakePort) SetDTR(v bool) error { return f.signal("DTR", v) }
func (f *FakePort) SetRTS(v bool) error { return f.signal("RTS", v) }

func (f *FakePort) signal(line string, v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.signals = append(f.signals, Signal{Line: line, Level: v})
	return nil
}

func (f *FakePort) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.chunks = nil
	return nil
}

func (f *FakePort) ResetOutputBuffer() error { return nil }

func (f *FakePort) SetReadTimeout(time.Duration) error { return nil }

func (f *FakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakePort) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Written returns everything written so far.
func (f *FakePort) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written...)
}

// Signals returns the control line history.
func (f *FakePort) Signals() []Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Signal(nil), f.signals...)
}
