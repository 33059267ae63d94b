package upload

import (
	"time"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
)

// Status is the terminal result of one upload attempt.
type Status int

const (
	StatusFailure Status = iota
	StatusSuccess
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusStopped:
		return "stopped"
	default:
		return "failure"
	}
}

// Outcome carries every field of an attempt unconditionally, whatever the path that produced it.
type Outcome struct {
	ID        string
	Family    device.Family
	Status    Status
	Images    firmware.Set
	Corrected bool
	Chip      device.ChipIdentity
	Attempts  int
	Err       error
	Hint      string
	Started   time.Time
	Finished  time.Time
}

// Succeeded reports whether the attempt flashed the board.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Duration is the wall time of the attempt.
func (o Outcome) Duration() time.Duration {
	if o.Finished.IsZero() {
		return 0
	}
	return o.Finished.Sub(o.Started)
}

// Message is the one-line summary shown to the operator.
func (o Outcome) Message() string {
	switch o.Status {
	case StatusSuccess:
		return o.Family.String() + " upload succeeded"
	case StatusStopped:
		return o.Family.String() + " upload stopped by operator"
	}
	if o.Err != nil {
		return o.Family.String() + " upload failed: " + o.Err.Error()
	}
	return o.Family.String() + " upload failed"
}

// Finish classifies err into a status and hint and stamps the finish time.
func (o Outcome) Finish(err error) Outcome {
	o.Finished = time.Now()
	o.Err = err
	switch {
	case err == nil:
		o.Status = StatusSuccess
		o.Hint = ""
	case IsStopped(err):
		o.Status = StatusStopped
		o.Hint = Hint(err)
	default:
		o.Status = StatusFailure
		o.Hint = Hint(err)
	}
	return o
}
