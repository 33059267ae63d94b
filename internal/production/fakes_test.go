package production

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/flashtool"
	"mcuflasher/internal/presence"
	"mcuflasher/internal/upload"
)

// scriptedDetector returns the scripted states in order, then Absent forever.
type scriptedDetector struct {
	mu       sync.Mutex
	script   []presence.State
	errs     map[int]error
	polls    int
	openErr  error
	suspends int
	resumes  int
	closed   bool
}

func (d *scriptedDetector) Open(context.Context) error { return d.openErr }

func (d *scriptedDetector) Poll(context.Context) (presence.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	if err := d.errs[d.polls]; err != nil {
		return presence.Absent, err
	}
	if len(d.script) == 0 {
		return presence.Absent, nil
	}
	s := d.script[0]
	d.script = d.script[1:]
	return s, nil
}

func (d *scriptedDetector) push(states ...presence.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, states...)
}

func (d *scriptedDetector) Suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suspends++
	return nil
}

func (d *scriptedDetector) Resume(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumes++
	return nil
}

func (d *scriptedDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *scriptedDetector) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// fakeUploader counts calls and checks that flashes never overlap.
type fakeUploader struct {
	flashes    atomic.Int32
	erases     atomic.Int32
	identifies atomic.Int32
	active     atomic.Int32
	overlapped atomic.Bool

	flashTime time.Duration
	eraseErr  error
	variant   string
	identErr  error
	panicking bool

	mu   sync.Mutex
	sets []firmware.Set
}

func (u *fakeUploader) Flash(ctx context.Context, set firmware.Set) upload.Outcome {
	if u.panicking {
		panic("tool adapter bug")
	}
	if u.active.Add(1) > 1 {
		u.overlapped.Store(true)
	}
	defer u.active.Add(-1)
	u.flashes.Add(1)
	u.mu.Lock()
	u.sets = append(u.sets, set)
	u.mu.Unlock()
	time.Sleep(u.flashTime)
	out := upload.Outcome{Images: set.Sorted(), Attempts: 1, Started: time.Now()}
	return out.Finish(nil)
}

func (u *fakeUploader) Erase(context.Context) error {
	u.erases.Add(1)
	return u.eraseErr
}

func (u *fakeUploader) Identify(context.Context) (device.ChipIdentity, error) {
	u.identifies.Add(1)
	if u.identErr != nil {
		return device.ChipIdentity{Family: device.FamilyESP32}, u.identErr
	}
	return device.ChipIdentity{Family: device.FamilyESP32, Variant: u.variant}, nil
}

func (u *fakeUploader) lastSet() firmware.Set {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.sets) == 0 {
		return nil
	}
	return u.sets[len(u.sets)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) outcomes() []upload.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []upload.Outcome
	for _, ev := range l.events {
		if ev.Kind == EventOutcome {
			out = append(out, *ev.Outcome)
		}
	}
	return out
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, ev := range l.events {
		if ev.Kind == EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func imageFiles(t *testing.T, names ...string) (string, firmware.Set) {
	t.Helper()
	dir := t.TempDir()
	addrs := map[string]uint32{"bootloader.bin": 0x1000, "partitions.bin": 0x8000, "app.bin": 0x10000}
	var set firmware.Set
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte{0xe9}, 0o644); err != nil {
			t.Fatal(err)
		}
		set = append(set, firmware.Image{Address: addrs[n], Path: p})
	}
	return dir, set
}

func fakeFactory(u Uploader, d presence.Detector) Factory {
	return func(Request, flashtool.Sink) (Uploader, presence.Detector, error) {
		return u, d, nil
	}
}

var errBusy = &upload.TransientTransportError{Port: "ttyTEST", Err: errors.New("busy")}
