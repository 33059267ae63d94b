package serialboot

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"

	"mcuflasher/internal/serialio"
	"mcuflasher/internal/serialio/serialiotest"
)

func newTest(p serialio.Port, opts ...Option) (*Controller, *[]time.Duration) {
	var slept []time.Duration
	opts = append(opts, WithSleep(func(d time.Duration) { slept = append(slept, d) }))
	return New(p, "ttyTEST", opts...), &slept
}

func TestSyncFrame(t *testing.T) {
	want := []byte{0xc0, 0x00, 0x08, 0x24, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07, 0x07, 0x12, 0x20}
	want = append(want, bytes.Repeat([]byte{0x55}, 32)...)
	want = append(want, 0xc0)
	if got := SyncFrame(); !bytes.Equal(got, want) {
		t.Errorf("SyncFrame() = % x\nwant % x", got, want)
	}
}

func TestSlipEscapes(t *testing.T) {
	got := slipEncode([]byte{0x01, 0xc0, 0xdb})
	want := []byte{0xc0, 0x01, 0xdb, 0xdc, 0xdb, 0xdd, 0xc0}
	if !bytes.Equal(got, want) {
		t.Errorf("slipEncode = % x, want % x", got, want)
	}
}

func TestEnterProgramModeSequence(t *testing.T) {
	p := serialiotest.NewFakePort()
	c, slept := newTest(p)

	if !c.EnterProgramMode() {
		t.Fatal("EnterProgramMode failed")
	}
	want := []serialiotest.Signal{
		{Line: "DTR", Level: true},
		{Line: "RTS", Level: true},
		{Line: "RTS", Level: false},
		{Line: "DTR", Level: false},
	}
	if got := p.Signals(); !reflect.DeepEqual(got, want) {
		t.Errorf("signals = %v, want %v", got, want)
	}
	for _, d := range *slept {
		if d < MinHold {
			t.Errorf("hold %v below %v", d, MinHold)
		}
	}
	if len(*slept) != 3 {
		t.Errorf("expected 3 holds, got %v", *slept)
	}
}

func TestHoldFloor(t *testing.T) {
	p := serialiotest.NewFakePort()
	c, _ := newTest(p, WithHold(10*time.Millisecond))
	if c.Hold() != MinHold {
		t.Errorf("hold = %v, want floor %v", c.Hold(), MinHold)
	}
	c, _ = newTest(p, WithHold(400*time.Millisecond))
	if c.Hold() != 400*time.Millisecond {
		t.Errorf("hold = %v", c.Hold())
	}
}

func TestVerifyProgramMode(t *testing.T) {
	p := serialiotest.NewFakePort()
	p.Push([]byte("stale application output"))
	p.Responder = func(w []byte) []byte {
		if bytes.Equal(w, SyncFrame()) {
			return []byte{0xc0, 0x01, 0x08, 0x04, 0x00, 0xc0}
		}
		return nil
	}
	c, slept := newTest(p)

	if !c.VerifyProgramMode() {
		t.Fatal("expected sync response")
	}
	if !bytes.Equal(p.Written(), SyncFrame()) {
		t.Errorf("written % x", p.Written())
	}
	if len(*slept) == 0 || (*slept)[0] < 100*time.Millisecond {
		t.Errorf("sync wait too short: %v", *slept)
	}
}

func TestVerifyProgramModeSilent(t *testing.T) {
	p := serialiotest.NewFakePort()
	// buffered chatter is cleared before SYNC and must not count as a response
	p.Push([]byte("I (312) app_main: running"))
	c, _ := newTest(p)
	if c.VerifyProgramMode() {
		t.Error("expected no response")
	}
}

func TestTransportErrorsDegradeToFalse(t *testing.T) {
	p := serialiotest.NewFakePort()
	c, _ := newTest(p)
	p.Close()

	if c.EnterProgramMode() {
		t.Error("EnterProgramMode on closed port")
	}
	if c.VerifyProgramMode() {
		t.Error("VerifyProgramMode on closed port")
	}
	if c.NormalBoot() {
		t.Error("NormalBoot on closed port")
	}
	if c.TestSignals() {
		t.Error("TestSignals on closed port")
	}
}

func TestNormalBoot(t *testing.T) {
	p := serialiotest.NewFakePort()
	c, _ := newTest(p)
	if !c.NormalBoot() {
		t.Fatal("NormalBoot failed")
	}
	want := []serialiotest.Signal{
		{Line: "DTR", Level: false},
		{Line: "RTS", Level: true},
		{Line: "RTS", Level: false},
	}
	if got := p.Signals(); !reflect.DeepEqual(got, want) {
		t.Errorf("signals = %v, want %v", got, want)
	}
}

func TestTestSignals(t *testing.T) {
	p := serialiotest.NewFakePort()
	c, slept := newTest(p)
	if !c.TestSignals() {
		t.Fatal("TestSignals failed")
	}
	if len(p.Signals()) != 4 || len(*slept) != 4 {
		t.Errorf("signals %v, holds %v", p.Signals(), *slept)
	}
}

func TestOpenError(t *testing.T) {
	boom := errors.New("busy")
	_, err := Open(func(string, int) (serialio.Port, error) { return nil, boom }, "ttyX")
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestCloseReleasesLines(t *testing.T) {
	p := serialiotest.NewFakePort()
	c, _ := newTest(p)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !p.Closed() {
		t.Error("port not closed")
	}
}
