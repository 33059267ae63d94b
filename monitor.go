package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mcuflasher/internal/serialio"
	"mcuflasher/internal/stream"
)

const monitorReadTimeout = 50 * time.Millisecond

// monitor reads a serial port and forwards complete lines until stopped.
type monitor struct {
	port   string
	cancel context.CancelFunc
	done   chan struct{}
}

func startMonitor(open serialio.Opener, name string, baud int, line func(string), failed func(error)) (*monitor, error) {
	p, err := open(name, baud)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(monitorReadTimeout); err != nil {
		p.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &monitor{port: name, cancel: cancel, done: make(chan struct{})}
	log := logrus.WithFields(logrus.Fields{"component": "monitor", "port": name})

	go func() {
		defer close(m.done)
		defer p.Close()

		asm := &stream.Assembler{Max: stream.MaxLine}
		emit := func(s string, partial bool) {
			if !partial {
				line(s)
			}
		}
		buf := make([]byte, 1024)
		for ctx.Err() == nil {
			n, err := p.Read(buf)
			if n > 0 {
				asm.Feed(buf[:n], emit)
			}
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("monitor read failed")
					failed(err)
				}
				return
			}
		}
		asm.Flush(emit)
	}()
	return m, nil
}

// stop ends the reader and waits for the port to close.
func (m *monitor) stop() {
	m.cancel()
	<-m.done
}
