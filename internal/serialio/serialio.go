// Package serialio opens serial transports with both control lines under software control.
package serialio

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"mcuflasher/internal/upload"
)

// DefaultBaud is the boot ROM's console speed.
const DefaultBaud = 115200

// Port is the part of serial.Port the engine uses.
type Port interface {
	io.ReadWriter
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Opener opens a named transport.
type Opener func(name string, baud int) (Port, error)

// Open opens the port 8N1 with DTR and RTS released, so opening does not reset the target.
// go.bug.st/serial never enables RTS/CTS flow control, leaving both lines free to drive.
func Open(name string, baud int) (Port, error) {
	if name == "" {
		return nil, upload.Configf("port", "no serial port selected")
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{
			DTR: false,
			RTS: false,
		},
	}

	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, &upload.TransientTransportError{Port: name, Err: errors.Wrap(err, "open")}
	}
	return p, nil
}

// Drain reads and discards whatever is buffered, returning the byte count.
// The port's read timeout is left at wait.
func Drain(p Port, wait time.Duration) (int, error) {
	if err := p.SetReadTimeout(wait); err != nil {
		return 0, err
	}
	buf := make([]byte, 1024)
	total := 0
	for {
		n, err := p.Read(buf)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}
