package upload

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrStopped marks an operator stop. It is a terminal outcome, not a failure.
var ErrStopped = errors.New("stopped by operator")

// ConfigurationError is a problem with what the caller asked for. Never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// TransientTransportError is a momentary transport problem, retried on the next poll cycle.
type TransientTransportError struct {
	Port string
	Err  error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("transport %s temporarily unavailable: %v", e.Port, e.Err)
}

func (e *TransientTransportError) Unwrap() error { return e.Err }

// ToolUnavailableError means the external flashing tool cannot be launched at all.
type ToolUnavailableError struct {
	Tool    string
	Install string
	Err     error
}

func (e *ToolUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s not available: %v", e.Tool, e.Err)
	}
	return e.Tool + " not available"
}

func (e *ToolUnavailableError) Unwrap() error { return e.Err }

// FlashFailureError is a nonzero tool exit after all retries.
type FlashFailureError struct {
	Tool     string
	ExitCode int
	Attempts int
}

func (e *FlashFailureError) Error() string {
	return fmt.Sprintf("%s exited with code %d after %d attempt(s)", e.Tool, e.ExitCode, e.Attempts)
}

// Configf builds a ConfigurationError.
func Configf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsStopped reports whether err is, or wraps, an operator stop.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped)
}

// IsPermanent reports whether retrying err within the same attempt is pointless.
func IsPermanent(err error) bool {
	var cfg *ConfigurationError
	var tool *ToolUnavailableError
	return errors.As(err, &cfg) || errors.As(err, &tool) || IsStopped(err)
}

// Hint returns what the operator should check for err.
func Hint(err error) string {
	var (
		cfg       *ConfigurationError
		transient *TransientTransportError
		tool      *ToolUnavailableError
		flash     *FlashFailureError
	)
	switch {
	case err == nil:
		return ""
	case IsStopped(err):
		return "Automatic mode was stopped; press Start to resume."
	case errors.As(err, &cfg):
		return "Check the firmware file list, flash addresses, and selected port."
	case errors.As(err, &tool):
		if tool.Install != "" {
			return fmt.Sprintf("Install %s (%s) or set its path in the profile.", tool.Tool, tool.Install)
		}
		return fmt.Sprintf("Install %s or set its path in the profile.", tool.Tool)
	case errors.As(err, &transient):
		return fmt.Sprintf("Check that %s is connected and not open in another program.", transient.Port)
	case errors.As(err, &flash):
		return "Check board wiring and power, press RESET/BOOT if the board has no auto-reset, and try a lower speed."
	}
	return "Check board connection and port availability, then try again."
}
