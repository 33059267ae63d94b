package production

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mcuflasher/internal/device"
	"mcuflasher/internal/presence"
	"mcuflasher/internal/upload"
)

// DefaultPollInterval is the presence polling cadence.
const DefaultPollInterval = time.Second

// statusEvery is how many polls pass between "still waiting" lines.
const statusEvery = 5

// Orchestrator flashes every board that arrives on one detector, one at a time.
type Orchestrator struct {
	detector presence.Detector
	pipeline *Pipeline
	interval time.Duration
	log      *logrus.Entry
	emit     emitter

	mu    sync.Mutex
	state State
	count int
}

// NewOrchestrator wires a detector to an attempt pipeline. interval <= 0 means DefaultPollInterval.
func NewOrchestrator(d presence.Detector, p *Pipeline, interval time.Duration, h Handler) *Orchestrator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	log := logrus.WithFields(logrus.Fields{"component": "production", "family": p.Family.String()})
	em := emitter{family: p.Family, handler: h}
	p.log, p.emit = log, em
	return &Orchestrator{
		detector: d,
		pipeline: p,
		interval: interval,
		log:      log,
		emit:     em,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Family is the device family being flashed.
func (o *Orchestrator) Family() device.Family {
	return o.pipeline.Family
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	changed := o.state != s
	o.state = s
	o.mu.Unlock()
	if changed {
		o.log.Infof("state %s", s)
		o.emit.state(s)
	}
}

// Run polls until ctx is cancelled. It returns an error only when the transport cannot be
// acquired at start or the tool turns out to be unusable; the detector is closed on return.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.setState(Stopped)

	if err := o.detector.Open(ctx); err != nil {
		o.log.WithError(err).Error("cannot start automatic mode")
		o.emit.logf("", fmt.Sprintf("Automatic mode not started: %v. %s", err, upload.Hint(err)))
		return err
	}
	defer func() {
		if err := o.detector.Close(); err != nil {
			o.log.WithError(err).Warn("close detector")
		}
	}()

	o.setState(WaitingForPresent)
	o.emit.logf("", fmt.Sprintf("Automatic mode started; connect or power on a %s board", o.pipeline.Family))

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	var (
		tracker presence.Tracker
		checks  int
	)
	for {
		if ctx.Err() != nil {
			return nil
		}

		st, err := o.detector.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if upload.IsPermanent(err) {
				o.log.WithError(err).Error("presence check failed permanently")
				o.emit.logf("", fmt.Sprintf("Automatic mode stopped: %v. %s", err, upload.Hint(err)))
				return err
			}
			o.log.WithError(err).Warn("presence check")
		}
		checks++

		edge := tracker.Observe(st)
		switch o.State() {
		case WaitingForPresent:
			if edge == presence.Arrived {
				o.upload(ctx)
				checks = 0
			} else if checks%statusEvery == 0 {
				o.emit.logf("", fmt.Sprintf("Waiting for new board... (%d checks)", checks))
			}
		case WaitingForAbsent:
			if edge == presence.Left {
				o.emit.logf("", fmt.Sprintf("Board #%d removed; waiting for the next one", o.uploads()))
				o.setState(WaitingForPresent)
				checks = 0
			} else if checks%statusEvery == 0 {
				o.emit.logf("", fmt.Sprintf("Waiting for board removal... (%d checks)", checks))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) uploads() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// upload runs one attempt with the transport handed over to the tool.
func (o *Orchestrator) upload(ctx context.Context) {
	o.mu.Lock()
	o.count++
	n := o.count
	o.mu.Unlock()

	o.setState(Uploading)
	o.emit.logf("", fmt.Sprintf("Board #%d detected", n))

	if err := o.detector.Suspend(); err != nil {
		o.log.WithError(err).Warn("release transport before upload")
	}
	out, stage := o.pipeline.Run(ctx)
	if out.Corrected {
		o.pipeline.Images = out.Images
	}
	o.emit.outcome(out)
	if out.Hint != "" && !out.Succeeded() {
		o.emit.logf(out.ID, out.Hint)
	}
	if ctx.Err() == nil {
		if err := o.detector.Resume(ctx); err != nil {
			o.log.WithError(err).Warn("reacquire transport after upload")
		}
	}

	switch {
	case out.Status == upload.StatusStopped:
		// Run returns on the next check
	case stage == StageErase && !out.Succeeded():
		o.setState(WaitingForPresent)
	default:
		o.setState(WaitingForAbsent)
	}
}
