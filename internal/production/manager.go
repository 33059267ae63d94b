package production

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/flashtool"
	"mcuflasher/internal/presence"
	"mcuflasher/internal/toolout"
	"mcuflasher/internal/upload"
)

// Request is what the caller asks for when starting a family.
type Request struct {
	Family    device.Family
	Images    firmware.Set
	BuildDir  string
	FullErase bool
	Automatic bool

	ESP32    flashtool.ESP32Config
	STM32    flashtool.STM32Config
	ToolPath string

	PollInterval time.Duration
}

// resolve fills Images from BuildDir when no images were given and validates the request.
func (r Request) resolve() (Request, error) {
	switch r.Family {
	case device.FamilyESP32:
		if err := r.ESP32.Validate(); err != nil {
			return r, err
		}
	case device.FamilySTM32:
		if err := r.STM32.Validate(); err != nil {
			return r, err
		}
	default:
		return r, upload.Configf("family", "unsupported device family %s", r.Family)
	}

	if len(r.Images) == 0 && r.BuildDir != "" {
		set, err := firmware.ScanBuildDir(r.BuildDir)
		if err != nil {
			return r, &upload.ConfigurationError{Field: "build_dir", Reason: err.Error()}
		}
		r.Images = set
	}
	if err := r.Images.Validate(); err != nil {
		return r, &upload.ConfigurationError{Field: "images", Reason: err.Error()}
	}
	return r, nil
}

// Factory builds the uploader and detector for a request.
type Factory func(req Request, sink flashtool.Sink) (Uploader, presence.Detector, error)

// DefaultFactory drives the real tools: esptool with serial sniffing for ESP32,
// STM32_Programmer_CLI with connect probing for STM32.
func DefaultFactory(req Request, sink flashtool.Sink) (Uploader, presence.Detector, error) {
	exe, err := flashtool.Locate(req.Family, req.ToolPath)
	if err != nil {
		return nil, nil, err
	}
	log := logrus.WithFields(logrus.Fields{"component": "flashtool", "family": req.Family.String()})

	if req.Family == device.FamilySTM32 {
		f := flashtool.New(&flashtool.STM32Programmer{Config: req.STM32, Exec: exe},
			flashtool.WithSink(sink), flashtool.WithLogger(log))
		return f, presence.NewProber(f.Probe, f.CheckAvailable, presence.DefaultProbeTimeout), nil
	}

	opts := []flashtool.Option{flashtool.WithSink(sink), flashtool.WithLogger(log)}
	if req.ESP32.BootMethod == flashtool.BootManual {
		opts = append(opts, flashtool.WithBootHook(&flashtool.SignalBoot{Port: req.ESP32.Port}))
	}
	f := flashtool.New(&flashtool.ESPTool{Config: req.ESP32, Exec: exe}, opts...)
	return f, presence.NewSniffer(req.ESP32.Port), nil
}

// availabilityChecker is implemented by uploaders that can tell a missing tool apart from
// a failed flash before the first attempt.
type availabilityChecker interface {
	CheckAvailable(ctx context.Context) error
}

// Recorder is told about every terminal outcome.
type Recorder interface {
	Record(out upload.Outcome)
}

// Manager runs at most one job per family. Families run independently of each other.
type Manager struct {
	handler   Handler
	factory   Factory
	recorders []Recorder
	log       *logrus.Entry

	mu   sync.Mutex
	runs map[device.Family]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	orch   *Orchestrator
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFactory replaces DefaultFactory.
func WithFactory(f Factory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithRecorder adds an outcome recorder.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorders = append(m.recorders, r) }
}

// NewManager returns a Manager delivering events to h.
func NewManager(h Handler, opts ...ManagerOption) *Manager {
	m := &Manager{
		handler: h,
		factory: DefaultFactory,
		log:     logrus.WithField("component", "production"),
		runs:    make(map[device.Family]*run),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ErrRunning is returned by Start when the family already has a job.
var ErrRunning = errors.New("already running")

// Start validates req and runs it in the background: one attempt, or automatic mode until Stop.
// Configuration problems and a missing tool are returned immediately.
func (m *Manager) Start(ctx context.Context, req Request) error {
	req, err := req.resolve()
	if err != nil {
		return err
	}

	if m.Running(req.Family) {
		return errors.Wrap(ErrRunning, req.Family.String())
	}

	em := emitter{family: req.Family, handler: m.dispatch}
	uploader, detector, err := m.factory(req, sinkFor(em))
	if err != nil {
		return err
	}
	if c, ok := uploader.(availabilityChecker); ok {
		if err := c.CheckAvailable(ctx); err != nil {
			m.log.WithField("family", req.Family.String()).WithError(err).Warn("tool check failed")
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[req.Family]; ok {
		return errors.Wrap(ErrRunning, req.Family.String())
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	p := &Pipeline{
		Family:    req.Family,
		Uploader:  uploader,
		Images:    req.Images,
		FullErase: req.FullErase,
	}

	if req.Automatic {
		r.orch = NewOrchestrator(detector, p, req.PollInterval, m.dispatch)
		go func() {
			defer m.finish(req.Family, r)
			_ = r.orch.Run(runCtx)
		}()
	} else {
		p.log = m.log.WithField("family", req.Family.String())
		p.emit = em
		go func() {
			defer m.finish(req.Family, r)
			em.state(Uploading)
			out, _ := p.Run(runCtx)
			em.outcome(out)
			if out.Hint != "" && !out.Succeeded() {
				em.logf(out.ID, out.Hint)
			}
			em.state(Stopped)
		}()
	}
	m.runs[req.Family] = r
	m.log.WithField("family", req.Family.String()).Infof("started (automatic=%v)", req.Automatic)
	return nil
}

func (m *Manager) finish(f device.Family, r *run) {
	r.cancel()
	m.mu.Lock()
	if m.runs[f] == r {
		delete(m.runs, f)
	}
	m.mu.Unlock()
	close(r.done)
}

// Stop cancels the family's job and waits for it to release its transport.
// It reports whether anything was running.
func (m *Manager) Stop(f device.Family) bool {
	m.mu.Lock()
	r, ok := m.runs[f]
	m.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

// StopAll stops every family.
func (m *Manager) StopAll() {
	for _, f := range device.Families() {
		m.Stop(f)
	}
}

// Wait blocks until the family's job ends or ctx is done.
func (m *Manager) Wait(ctx context.Context, f device.Family) error {
	m.mu.Lock()
	r, ok := m.runs[f]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the family has a job.
func (m *Manager) Running(f device.Family) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[f]
	return ok
}

// State returns the automatic-mode state, or Idle for one-shot jobs and idle families.
func (m *Manager) State(f device.Family) State {
	m.mu.Lock()
	r, ok := m.runs[f]
	m.mu.Unlock()
	if !ok || r.orch == nil {
		return Idle
	}
	return r.orch.State()
}

func (m *Manager) dispatch(ev Event) {
	if ev.Kind == EventOutcome && ev.Outcome != nil {
		for _, r := range m.recorders {
			r.Record(*ev.Outcome)
		}
	}
	if m.handler != nil {
		m.handler(ev)
	}
}

// sinkFor turns tool output into events.
func sinkFor(em emitter) flashtool.Sink {
	return func(l toolout.Line, partial bool) {
		ev := Event{Kind: EventLog, Text: l.Text, Percent: -1, Partial: partial}
		if l.Kind == toolout.KindProgress {
			ev.Kind = EventProgress
			ev.Percent = l.Percent
		}
		em.emit(ev)
	}
}
