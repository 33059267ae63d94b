package main

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mcuflasher/internal/config"
	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/production"
	"mcuflasher/internal/serialio"
	"mcuflasher/internal/serialio/serialiotest"
	"mcuflasher/internal/upload"
)

type emitted struct {
	mu     sync.Mutex
	events []string
	data   []interface{}
}

func (e *emitted) emit(name string, data ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, name)
	if len(data) > 0 {
		e.data = append(e.data, data[0])
	} else {
		e.data = append(e.data, nil)
	}
}

func (e *emitted) find(name string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, n := range e.events {
		if n == name {
			return e.data[i], true
		}
	}
	return nil, false
}

func newTestApp(t *testing.T, path string) (*App, *emitted) {
	t.Helper()
	rec := &emitted{}
	a := NewApp(config.Default(), path)
	a.emit = rec.emit
	return a, rec
}

func TestRequestOverlay(t *testing.T) {
	a, _ := newTestApp(t, "")

	req, err := a.request(StartRequest{
		Family:    "esp32",
		Port:      "/dev/ttyUSB3",
		Baud:      460800,
		Images:    []ImageSpec{{Address: "0x10000", Path: "/fw/app.bin"}, {Address: "0x1000", Path: "/fw/bootloader.bin"}},
		Automatic: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.Family != device.FamilyESP32 || !req.Automatic {
		t.Errorf("req = %+v", req)
	}
	if req.ESP32.Port != "/dev/ttyUSB3" || req.ESP32.Baud != 460800 {
		t.Errorf("connection = %+v", req.ESP32)
	}
	if len(req.Images) != 2 || req.Images[1].Address != 0x1000 {
		t.Errorf("images = %v", req.Images)
	}
	if a.profile.ESP32.Port != "" {
		t.Error("request changed the stored profile")
	}

	if _, err := a.request(StartRequest{Family: "esp32", Images: []ImageSpec{{Address: "zz", Path: "x"}}}); err == nil {
		t.Error("bad address accepted")
	}
	if _, err := a.request(StartRequest{Family: "avr"}); err == nil {
		t.Error("unknown family accepted")
	}
}

func TestHandleCorrectedOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	a, rec := newTestApp(t, path)

	out := upload.Outcome{
		Family:    device.FamilyESP32,
		Status:    upload.StatusSuccess,
		Corrected: true,
		Images:    firmware.Set{{Address: 0x0, Path: "/fw/bootloader.bin"}, {Address: 0x10000, Path: "/fw/app.bin"}},
	}
	a.tally.Record(out)
	a.handle(production.Event{Family: device.FamilyESP32, Kind: production.EventOutcome, Outcome: &out})

	data, ok := rec.find("flash-outcome")
	if !ok {
		t.Fatal("no flash-outcome event")
	}
	m := data.(map[string]interface{})
	if m["status"] != "success" || m["corrected"] != true || m["passed"] != 1 {
		t.Errorf("outcome event = %v", m)
	}

	saved, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.ESP32.Images) != 2 || saved.ESP32.Images[0].Address != "0x0" {
		t.Errorf("saved images = %+v", saved.ESP32.Images)
	}
}

func TestHandleProgressAndState(t *testing.T) {
	a, rec := newTestApp(t, "")
	a.handle(production.Event{Family: device.FamilySTM32, Kind: production.EventProgress, Percent: 42})
	a.handle(production.Event{Family: device.FamilySTM32, Kind: production.EventState, State: production.WaitingForAbsent})

	p, _ := rec.find("flash-progress")
	if p.(map[string]interface{})["percent"] != 42.0 {
		t.Errorf("progress = %v", p)
	}
	s, _ := rec.find("flash-state")
	if s.(map[string]interface{})["state"] != "waiting-for-removal" {
		t.Errorf("state = %v", s)
	}
}

func TestMonitorLines(t *testing.T) {
	a, rec := newTestApp(t, "")
	port := serialiotest.NewFakePort()
	port.Push([]byte("boot ok\r\nhel"))
	port.Push([]byte("lo\n"))
	a.open = func(name string, baud int) (serialio.Port, error) { return port, nil }

	if err := a.MonitorPort("/dev/ttyUSB0", 0); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.events)
		rec.mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.StopMonitor()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"boot ok", "hello"}
	for i, w := range want {
		if i >= len(rec.data) || rec.data[i] != w {
			t.Fatalf("monitor data = %v, want %v", rec.data, want)
		}
	}
	if rec.events[len(rec.events)-1] != "monitor-stop" {
		t.Errorf("events = %v", rec.events)
	}
	if !port.Closed() {
		t.Error("port left open")
	}
}
