// Package production runs uploads: one-shot attempts and the automatic mode that flashes
// every board connected to the bench.
package production

import (
	"time"

	"mcuflasher/internal/device"
	"mcuflasher/internal/upload"
)

// State of an automatic-mode run.
type State int

const (
	Idle State = iota
	WaitingForPresent
	Uploading
	WaitingForAbsent
	Stopped
)

func (s State) String() string {
	switch s {
	case WaitingForPresent:
		return "waiting-for-board"
	case Uploading:
		return "uploading"
	case WaitingForAbsent:
		return "waiting-for-removal"
	case Stopped:
		return "stopped"
	}
	return "idle"
}

// EventKind says which fields of an Event are set.
type EventKind int

const (
	EventLog EventKind = iota
	EventProgress
	EventState
	EventOutcome
)

// Event is delivered to the caller's Handler, possibly from several goroutines.
type Event struct {
	Family  device.Family
	Kind    EventKind
	Attempt string
	Time    time.Time

	Text    string
	Percent float64
	Partial bool

	State   State
	Outcome *upload.Outcome
}

// Handler receives events. It must be safe for concurrent use.
type Handler func(Event)

type emitter struct {
	family  device.Family
	handler Handler
}

func (e emitter) emit(ev Event) {
	if e.handler == nil {
		return
	}
	ev.Family = e.family
	ev.Time = time.Now()
	e.handler(ev)
}

func (e emitter) logf(attempt, text string) {
	e.emit(Event{Kind: EventLog, Attempt: attempt, Text: text, Percent: -1})
}

func (e emitter) state(s State) {
	e.emit(Event{Kind: EventState, State: s})
}

func (e emitter) outcome(out upload.Outcome) {
	e.emit(Event{Kind: EventOutcome, Attempt: out.ID, Text: out.Message(), Outcome: &out})
}
