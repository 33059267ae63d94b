// Package presence decides whether a board is attached without operator input.
package presence

import "context"

// State is the classification of one transport.
type State int

const (
	Absent State = iota
	Present
)

func (s State) String() string {
	if s == Present {
		return "present"
	}
	return "absent"
}

// Detector classifies the target on each Poll. The returned state is meaningful even when
// err is non-nil: a vanished port is Absent and also an error worth logging.
type Detector interface {
	// Open acquires the transport. A failure here means automatic mode cannot start.
	Open(ctx context.Context) error
	Poll(ctx context.Context) (State, error)
	// Suspend hands the transport to a flashing tool.
	Suspend() error
	// Resume takes it back once the tool has exited.
	Resume(ctx context.Context) error
	Close() error
}

// Edge is a change between two polls.
type Edge int

const (
	NoEdge Edge = iota
	Arrived
	Left
)

func (e Edge) String() string {
	switch e {
	case Arrived:
		return "arrived"
	case Left:
		return "left"
	}
	return "none"
}

// Tracker turns successive states into edges. The first observation is compared against Absent.
type Tracker struct {
	last State
}

// Observe records s and returns the edge it makes.
func (t *Tracker) Observe(s State) Edge {
	prev := t.last
	t.last = s
	switch {
	case prev == Absent && s == Present:
		return Arrived
	case prev == Present && s == Absent:
		return Left
	}
	return NoEdge
}

// Last is the most recent state.
func (t *Tracker) Last() State {
	return t.last
}
