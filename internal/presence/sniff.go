package presence

import (
	"bytes"
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mcuflasher/internal/serialio"
	"mcuflasher/internal/upload"
)

// BootMarkers are strings the ESP32 boot ROM prints after reset.
var BootMarkers = [][]byte{
	[]byte("rst:"),
	[]byte("boot:"),
	[]byte("ets"),
	[]byte("waiting for download"),
	[]byte("ESP-ROM"),
}

const (
	sniffReadWait = 100 * time.Millisecond
	sniffMaxRead  = 4096
	resumeSettle  = 500 * time.Millisecond
	markerTail    = 32
)

// HasBootMarker reports whether data contains a boot ROM announcement.
func HasBootMarker(data []byte) bool {
	for _, m := range BootMarkers {
		if bytes.Contains(data, m) {
			return true
		}
	}
	return false
}

// Sniffer watches a serial port for boot ROM output. Present needs a marker; leaving
// Present only needs one quiet poll. Application chatter is ignored while Absent, so a
// board that boots without printing a marker is missed rather than misdetected.
type Sniffer struct {
	name  string
	baud  int
	open  serialio.Opener
	port  serialio.Port
	state State
	tail  []byte
	sleep func(time.Duration)
	log   *logrus.Entry
}

// SnifferOption configures a Sniffer.
type SnifferOption func(*Sniffer)

// WithOpener replaces serialio.Open.
func WithOpener(open serialio.Opener) SnifferOption {
	return func(s *Sniffer) { s.open = open }
}

// WithSnifferLogger sets the log entry.
func WithSnifferLogger(l *logrus.Entry) SnifferOption {
	return func(s *Sniffer) { s.log = l }
}

// WithSnifferSleep replaces time.Sleep for the post-flash settle.
func WithSnifferSleep(fn func(time.Duration)) SnifferOption {
	return func(s *Sniffer) { s.sleep = fn }
}

// NewSniffer watches port name at the boot ROM's console speed.
func NewSniffer(name string, opts ...SnifferOption) *Sniffer {
	s := &Sniffer{
		name:  name,
		baud:  serialio.DefaultBaud,
		open:  serialio.Open,
		sleep: time.Sleep,
		log:   logrus.WithField("component", "presence"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("port", name)
	return s
}

func (s *Sniffer) Open(ctx context.Context) error {
	if s.port != nil {
		return nil
	}
	p, err := s.open(s.name, s.baud)
	if err != nil {
		return err
	}
	s.port = p
	s.log.Debug("port opened for monitoring")
	return nil
}

func (s *Sniffer) Poll(ctx context.Context) (State, error) {
	if s.port == nil {
		if err := s.Open(ctx); err != nil {
			s.state = Absent
			return s.state, err
		}
	}

	data, err := s.read()
	if err != nil {
		s.log.WithError(err).Debug("read failed, closing port")
		s.closePort()
		s.state = Absent
		return s.state, &upload.TransientTransportError{Port: s.name, Err: err}
	}

	switch s.state {
	case Absent:
		if len(data) == 0 {
			break
		}
		window := append(s.tail, data...)
		if HasBootMarker(window) {
			s.log.Debugf("boot marker in %d bytes", len(data))
			s.state = Present
			s.tail = nil
			break
		}
		s.log.Debugf("ignored %d bytes of application data", len(data))
		if len(window) > markerTail {
			window = window[len(window)-markerTail:]
		}
		s.tail = append([]byte(nil), window...)
	case Present:
		if len(data) == 0 {
			s.state = Absent
		}
	}
	return s.state, nil
}

// read returns what is buffered, waiting at most one read timeout for the first byte.
func (s *Sniffer) read() ([]byte, error) {
	if err := s.port.SetReadTimeout(sniffReadWait); err != nil {
		return nil, err
	}
	var out []byte
	buf := make([]byte, 1024)
	for len(out) < sniffMaxRead {
		n, err := s.port.Read(buf)
		if err != nil {
			return out, err
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return out, nil
}

// Suspend closes the port so the flashing tool can open it.
func (s *Sniffer) Suspend() error {
	s.tail = nil
	return s.closePort()
}

// Resume reopens the port, lets the fresh application print its banner, and discards it.
func (s *Sniffer) Resume(ctx context.Context) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	s.sleep(resumeSettle)
	n, err := serialio.Drain(s.port, 0)
	if err != nil {
		return &upload.TransientTransportError{Port: s.name, Err: err}
	}
	if n > 0 {
		s.log.Debugf("cleared %d bytes after flashing", n)
	}
	return nil
}

func (s *Sniffer) Close() error {
	return s.closePort()
}

func (s *Sniffer) closePort() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
