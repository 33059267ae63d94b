// Package serialboot drives the DTR and RTS lines of a USB-UART bridge to put an ESP32
// without auto-reset circuitry into its ROM download mode and back.
//
// DTR is wired to GPIO0 (boot-select) and RTS to EN (reset). Asserting a line pulls the pin low.
package serialboot

import (
	"time"

	"github.com/sirupsen/logrus"

	"mcuflasher/internal/serialio"
)

// MinHold is the shortest line hold that level-shifted adapters were validated with.
const MinHold = 250 * time.Millisecond

const (
	bootRelease    = 50 * time.Millisecond
	syncWait       = 100 * time.Millisecond
	resetPulse     = 100 * time.Millisecond
	responseWindow = 100 * time.Millisecond
)

// Controller owns one open serial port.
type Controller struct {
	port  serialio.Port
	name  string
	hold  time.Duration
	sleep func(time.Duration)
	log   *logrus.Entry
}

// Option configures a Controller.
type Option func(*Controller)

// WithHold sets the line hold. Values below MinHold are raised to MinHold.
func WithHold(d time.Duration) Option {
	return func(c *Controller) {
		if d > MinHold {
			c.hold = d
		}
	}
}

// WithLogger sets the log entry.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Controller) { c.log = l }
}

// WithSleep replaces time.Sleep.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Controller) { c.sleep = fn }
}

// Open opens name with open and wraps it.
func Open(open serialio.Opener, name string, opts ...Option) (*Controller, error) {
	if open == nil {
		open = serialio.Open
	}
	p, err := open(name, serialio.DefaultBaud)
	if err != nil {
		return nil, err
	}
	return New(p, name, opts...), nil
}

// New wraps an already open port.
func New(p serialio.Port, name string, opts ...Option) *Controller {
	c := &Controller{
		port:  p,
		name:  name,
		hold:  MinHold,
		sleep: time.Sleep,
		log:   logrus.WithField("component", "serialboot"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("port", name)
	return c
}

// Hold returns the effective line hold.
func (c *Controller) Hold() time.Duration {
	return c.hold
}

// EnterProgramMode pulses reset while boot-select is held, so the ROM samples GPIO0 low.
func (c *Controller) EnterProgramMode() bool {
	c.log.Info("entering download mode")
	steps := []struct {
		name  string
		set   func(bool) error
		level bool
		wait  time.Duration
	}{
		{"DTR", c.port.SetDTR, true, c.hold},
		{"RTS", c.port.SetRTS, true, c.hold},
		{"RTS", c.port.SetRTS, false, c.hold + bootRelease},
		{"DTR", c.port.SetDTR, false, 0},
	}
	for _, s := range steps {
		if err := s.set(s.level); err != nil {
			c.log.WithError(err).Warnf("set %s=%v", s.name, s.level)
			return false
		}
		if s.wait > 0 {
			c.sleep(s.wait)
		}
	}
	return true
}

// VerifyProgramMode sends SYNC and reports whether anything came back.
// A false result is a warning, not proof of failure.
func (c *Controller) VerifyProgramMode() bool {
	if err := c.port.ResetInputBuffer(); err != nil {
		c.log.WithError(err).Warn("reset input buffer")
		return false
	}
	if err := c.port.ResetOutputBuffer(); err != nil {
		c.log.WithError(err).Warn("reset output buffer")
		return false
	}
	if _, err := c.port.Write(SyncFrame()); err != nil {
		c.log.WithError(err).Warn("write sync frame")
		return false
	}
	c.sleep(syncWait)

	if err := c.port.SetReadTimeout(responseWindow); err != nil {
		c.log.WithError(err).Warn("set read timeout")
		return false
	}
	buf := make([]byte, 256)
	n, err := c.port.Read(buf)
	if err != nil {
		c.log.WithError(err).Warn("read sync response")
		return false
	}
	if n == 0 {
		c.log.Warn("no response to sync, boot ROM may not be in download mode")
		return false
	}
	c.log.Debugf("sync answered with %d bytes", n)
	return true
}

// NormalBoot releases boot-select and pulses reset so the application starts.
func (c *Controller) NormalBoot() bool {
	if err := c.port.SetDTR(false); err != nil {
		c.log.WithError(err).Warn("release DTR")
		return false
	}
	if err := c.port.SetRTS(true); err != nil {
		c.log.WithError(err).Warn("assert RTS")
		return false
	}
	c.sleep(resetPulse)
	if err := c.port.SetRTS(false); err != nil {
		c.log.WithError(err).Warn("release RTS")
		return false
	}
	c.sleep(resetPulse)
	c.log.Info("target rebooted into application")
	return true
}

// TestSignals toggles DTR and then RTS, one hold each, so the wiring can be checked with a meter.
func (c *Controller) TestSignals() bool {
	for _, line := range []struct {
		name string
		set  func(bool) error
	}{
		{"DTR", c.port.SetDTR},
		{"RTS", c.port.SetRTS},
	} {
		c.log.Infof("%s asserted", line.name)
		if err := line.set(true); err != nil {
			c.log.WithError(err).Warnf("assert %s", line.name)
			return false
		}
		c.sleep(c.hold)
		if err := line.set(false); err != nil {
			c.log.WithError(err).Warnf("release %s", line.name)
			return false
		}
		c.log.Infof("%s released", line.name)
		c.sleep(c.hold)
	}
	return true
}

// Close releases both lines and closes the port.
func (c *Controller) Close() error {
	_ = c.port.SetDTR(false)
	_ = c.port.SetRTS(false)
	return c.port.Close()
}

// WiringHelp describes the connection the controller expects.
const WiringHelp = `Manual boot wiring (adapter without auto-reset):
  DTR -> GPIO0 (boot-select), through 1k if the adapter is 5V
  RTS -> EN (reset), through 1k if the adapter is 5V
  TX  -> RX, RX -> TX, GND -> GND
Asserted lines are driven low. Use "boot --test" and a meter to check that
each pin drops for about a quarter second in turn.`
