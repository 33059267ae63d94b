package production

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mcuflasher/internal/device"
	"mcuflasher/internal/presence"
	"mcuflasher/internal/serialio"
	"mcuflasher/internal/serialio/serialiotest"
	"mcuflasher/internal/upload"
)

func startOrchestrator(t *testing.T, d presence.Detector, u Uploader, fullErase bool) (*Orchestrator, *eventLog, context.CancelFunc, chan error) {
	t.Helper()
	_, set := imageFiles(t, "app.bin")
	events := &eventLog{}
	o := NewOrchestrator(d, &Pipeline{Family: device.FamilyESP32, Uploader: u, Images: set, FullErase: fullErase},
		5*time.Millisecond, events.handle)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o, events, cancel, done
}

func TestPresentAbsentPresentFlashesTwice(t *testing.T) {
	d := &scriptedDetector{script: []presence.State{presence.Present, presence.Absent, presence.Present}}
	u := &fakeUploader{flashTime: 20 * time.Millisecond}
	o, events, cancel, done := startOrchestrator(t, d, u, false)

	waitFor(t, "two outcomes", func() bool { return len(events.outcomes()) == 2 })
	// a few more quiet polls must not trigger anything
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	done <- nil

	if n := u.flashes.Load(); n != 2 {
		t.Errorf("flashes = %d, want 2", n)
	}
	if u.overlapped.Load() {
		t.Error("flash attempts overlapped")
	}
	if o.State() != Stopped {
		t.Errorf("state = %v", o.State())
	}
	if d.suspends != 2 || d.resumes != 2 {
		t.Errorf("suspends %d resumes %d", d.suspends, d.resumes)
	}
	for _, out := range events.outcomes() {
		if !out.Succeeded() || out.ID == "" {
			t.Errorf("outcome %+v", out)
		}
	}
}

func TestBoardLeftConnectedIsNotReflashed(t *testing.T) {
	d := &scriptedDetector{script: []presence.State{presence.Present, presence.Present, presence.Present, presence.Present}}
	u := &fakeUploader{}
	o, events, _, _ := startOrchestrator(t, d, u, false)

	waitFor(t, "outcome", func() bool { return len(events.outcomes()) == 1 })
	waitFor(t, "script consumed", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.polls >= 6
	})
	if n := u.flashes.Load(); n != 1 {
		t.Errorf("flashes = %d, want 1", n)
	}
	if s := o.State(); s != WaitingForPresent {
		// the script ends in Absent, which re-arms
		t.Errorf("state = %v", s)
	}
}

// exclusivePorts refuses to open a port that is still open.
type exclusivePorts struct {
	mu   sync.Mutex
	open *serialiotest.FakePort
}

func (e *exclusivePorts) Open(name string, baud int) (serialio.Port, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open != nil && !e.open.Closed() {
		return nil, &upload.TransientTransportError{Port: name, Err: errors.New("port busy")}
	}
	e.open = serialiotest.NewFakePort()
	return e.open, nil
}

func TestCancelWhileWaitingStopsAndReleasesPort(t *testing.T) {
	ports := &exclusivePorts{}
	sniffer := presence.NewSniffer("ttyTEST", presence.WithOpener(ports.Open))
	_, set := imageFiles(t, "app.bin")
	events := &eventLog{}
	const interval = 300 * time.Millisecond
	o := NewOrchestrator(sniffer, &Pipeline{Family: device.FamilyESP32, Uploader: &fakeUploader{}, Images: set},
		interval, events.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, "waiting state", func() bool { return o.State() == WaitingForPresent })
	if _, err := ports.Open("ttyTEST", 115200); err == nil {
		t.Fatal("port should be held while waiting")
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * interval):
		t.Fatal("orchestrator did not stop")
	}
	if d := time.Since(start); d > interval {
		t.Errorf("stop took %v, longer than one interval", d)
	}
	if o.State() != Stopped {
		t.Errorf("state = %v", o.State())
	}
	if _, err := ports.Open("ttyTEST", 115200); err != nil {
		t.Errorf("port not released: %v", err)
	}
}

func TestEraseFailureRearms(t *testing.T) {
	d := &scriptedDetector{script: []presence.State{presence.Present}}
	u := &fakeUploader{eraseErr: errors.New("erase exited with code 2")}
	o, events, _, _ := startOrchestrator(t, d, u, true)

	waitFor(t, "failure outcome", func() bool { return len(events.outcomes()) == 1 })
	out := events.outcomes()[0]
	if out.Status != upload.StatusFailure || out.Hint == "" {
		t.Errorf("outcome %+v", out)
	}
	waitFor(t, "re-armed", func() bool { return o.State() == WaitingForPresent })
	if u.flashes.Load() != 0 {
		t.Error("flashed after erase failure")
	}

	d.push(presence.Absent, presence.Present)
	waitFor(t, "second attempt", func() bool { return u.erases.Load() == 2 })
}

func TestTransientPollErrorKeepsRunning(t *testing.T) {
	d := &scriptedDetector{
		errs:   map[int]error{1: errBusy, 2: errBusy},
		script: []presence.State{presence.Present},
	}
	u := &fakeUploader{}
	_, events, _, _ := startOrchestrator(t, d, u, false)

	waitFor(t, "outcome after transient errors", func() bool { return len(events.outcomes()) == 1 })
}

func TestPermanentPollErrorStops(t *testing.T) {
	missing := &upload.ToolUnavailableError{Tool: "STM32_Programmer_CLI"}
	d := &scriptedDetector{errs: map[int]error{1: missing}}
	o, _, _, done := startOrchestrator(t, d, &fakeUploader{}, false)

	err := <-done
	done <- err
	if !errors.Is(err, missing) {
		t.Errorf("Run = %v", err)
	}
	if o.State() != Stopped || !d.isClosed() {
		t.Errorf("state %v closed %v", o.State(), d.isClosed())
	}
}

func TestOpenFailureGoesStraightToStopped(t *testing.T) {
	d := &scriptedDetector{openErr: errBusy}
	o, events, _, done := startOrchestrator(t, d, &fakeUploader{}, false)

	err := <-done
	done <- err
	if err == nil {
		t.Fatal("expected error")
	}
	if got := events.states(); len(got) != 1 || got[0] != Stopped {
		t.Errorf("states = %v", got)
	}
	if o.State() != Stopped {
		t.Errorf("state = %v", o.State())
	}
}

func TestPanicBecomesFailureOutcome(t *testing.T) {
	d := &scriptedDetector{script: []presence.State{presence.Present}}
	o, events, _, _ := startOrchestrator(t, d, &fakeUploader{panicking: true}, false)

	waitFor(t, "outcome", func() bool { return len(events.outcomes()) == 1 })
	if out := events.outcomes()[0]; out.Status != upload.StatusFailure || out.Err == nil {
		t.Errorf("outcome %+v", out)
	}
	waitFor(t, "loop continues", func() bool { return o.State() == WaitingForPresent })
}
