package flashtool

import (
	"context"

	"github.com/sirupsen/logrus"

	"mcuflasher/internal/serialboot"
	"mcuflasher/internal/serialio"
)

// SignalBoot puts a board without auto-reset into download mode with DTR/RTS before each
// attempt and reboots it into the application after a successful one. The port is closed
// again before the tool opens it.
type SignalBoot struct {
	Port string
	Open serialio.Opener
	Opts []serialboot.Option
	Log  *logrus.Entry
}

func (s *SignalBoot) logger() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.WithField("component", "serialboot")
}

func (s *SignalBoot) controller() (*serialboot.Controller, error) {
	return serialboot.Open(s.Open, s.Port, append([]serialboot.Option{serialboot.WithLogger(s.logger())}, s.Opts...)...)
}

// Before enters download mode. A silent sync check only warns.
func (s *SignalBoot) Before(ctx context.Context) error {
	c, err := s.controller()
	if err != nil {
		return err
	}
	defer c.Close()

	if !c.EnterProgramMode() {
		s.logger().Warn("could not drive DTR/RTS, check the adapter")
		return nil
	}
	if !c.VerifyProgramMode() {
		s.logger().Warn("no sync response; continuing, hold BOOT and tap RESET if the flash fails")
	}
	return nil
}

// After reboots the board into its new application.
func (s *SignalBoot) After(ctx context.Context, flashed bool) {
	if !flashed {
		return
	}
	c, err := s.controller()
	if err != nil {
		s.logger().WithError(err).Warn("reopen for reboot")
		return
	}
	defer c.Close()
	c.NormalBoot()
}
