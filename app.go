package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"mcuflasher/internal/config"
	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/logging"
	"mcuflasher/internal/production"
	"mcuflasher/internal/report"
	"mcuflasher/internal/serialboot"
	"mcuflasher/internal/serialio"
	"mcuflasher/internal/upload"
)

// App struct
type App struct {
	ctx context.Context

	profile     *config.Profile
	profilePath string
	manager     *production.Manager
	tally       *report.Tally
	publisher   *report.MQTTPublisher
	log         *logrus.Entry

	emit func(name string, data ...interface{})
	open serialio.Opener

	mu      sync.Mutex
	monitor *monitor
}

// ImageSpec is one firmware image as the frontend edits it.
type ImageSpec struct {
	Address string `json:"address"`
	Path    string `json:"path"`
}

// StartRequest is what the frontend sends to start a family. Zero values keep the profile's setting.
type StartRequest struct {
	Family       string      `json:"family"`
	Port         string      `json:"port"`
	Chip         string      `json:"chip"`
	Baud         int         `json:"baud"`
	BootMethod   string      `json:"bootMethod"`
	FrequencyKHz int         `json:"frequencyKHz"`
	Images       []ImageSpec `json:"images"`
	BuildDir     string      `json:"buildDir"`
	FullErase    bool        `json:"fullErase"`
	Automatic    bool        `json:"automatic"`
}

// NewApp creates a new App application struct
func NewApp(profile *config.Profile, profilePath string) *App {
	a := &App{
		profile:     profile,
		profilePath: profilePath,
		tally:       &report.Tally{},
		log:         logging.For("app"),
		open:        serialio.Open,
	}
	a.emit = func(name string, data ...interface{}) {
		runtime.EventsEmit(a.ctx, name, data...)
	}

	opts := []production.ManagerOption{production.WithRecorder(a.tally)}
	if profile.MQTT.Broker != "" {
		a.publisher = report.NewMQTTPublisher(report.MQTTOptions{
			Broker:   profile.MQTT.Broker,
			Topic:    profile.MQTT.Topic,
			ClientID: profile.MQTT.ClientID,
			Username: profile.MQTT.Username,
			Password: profile.MQTT.Password,
			QoS:      profile.MQTT.QoS,
		})
		opts = append(opts, production.WithRecorder(a.publisher))
	}
	a.manager = production.NewManager(a.handle, opts...)
	return a
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	if a.publisher != nil {
		if err := a.publisher.Connect(ctx); err != nil {
			a.log.WithError(err).Warn("outcomes will not be published")
		}
	}
}

// shutdown stops every job so no tool is left holding a port.
func (a *App) shutdown(ctx context.Context) {
	a.manager.StopAll()
	a.StopMonitor()
	if a.publisher != nil {
		a.publisher.Close()
	}
}

// ListPorts returns every serial port.
func (a *App) ListPorts() ([]device.PortInfo, error) {
	return device.ListPorts()
}

// ListFamilyPorts returns the ports whose USB adapter matches family.
func (a *App) ListFamilyPorts(family string) ([]device.PortInfo, error) {
	f, err := device.ParseFamily(family)
	if err != nil {
		return nil, err
	}
	return device.ListFamilyPorts(f)
}

// Profile returns the saved firmware of a family, for filling the form on launch.
func (a *App) Profile(family string) ([]ImageSpec, error) {
	f, err := device.ParseFamily(family)
	if err != nil {
		return nil, err
	}
	set, err := a.profile.Firmware(f)
	if err != nil {
		return nil, err
	}
	return specsOf(set), nil
}

// ChooseFiles opens a file dialog and guesses each file's address from its name.
func (a *App) ChooseFiles() ([]ImageSpec, error) {
	paths, err := runtime.OpenMultipleFilesDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select firmware images",
		Filters: []runtime.FileFilter{
			{DisplayName: "Firmware Files", Pattern: "*.bin;*.hex;*.elf"},
		},
	})
	if err != nil {
		return nil, err
	}
	set := make(firmware.Set, 0, len(paths))
	for _, p := range paths {
		set = append(set, firmware.Image{Address: firmware.GuessAddress(p), Path: p})
	}
	return specsOf(set), nil
}

// ChooseBuildDir opens a directory dialog and returns the images found in it.
func (a *App) ChooseBuildDir() ([]ImageSpec, error) {
	dir, err := runtime.OpenDirectoryDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select ESP-IDF build directory",
	})
	if err != nil || dir == "" {
		return nil, err
	}
	set, err := firmware.ScanBuildDir(dir)
	if err != nil {
		return nil, err
	}
	return specsOf(set), nil
}

// Start begins a one-shot upload or automatic mode for a family.
func (a *App) Start(r StartRequest) error {
	req, err := a.request(r)
	if err != nil {
		return err
	}
	if req.Family == device.FamilyESP32 {
		a.stopMonitorOn(req.ESP32.Port)
	}
	if err := a.manager.Start(a.ctx, req); err != nil {
		a.emitLog(req.Family, err.Error())
		if hint := upload.Hint(err); hint != "" {
			a.emitLog(req.Family, hint)
		}
		return err
	}
	return nil
}

// Stop ends the family's job and waits until it has released its port.
func (a *App) Stop(family string) error {
	f, err := device.ParseFamily(family)
	if err != nil {
		return err
	}
	a.manager.Stop(f)
	return nil
}

// State returns the family's automatic-mode state.
func (a *App) State(family string) (string, error) {
	f, err := device.ParseFamily(family)
	if err != nil {
		return "", err
	}
	return a.manager.State(f).String(), nil
}

// Stats returns the family's pass/fail counts.
func (a *App) Stats(family string) (report.Counts, error) {
	f, err := device.ParseFamily(family)
	if err != nil {
		return report.Counts{}, err
	}
	return a.tally.Get(f), nil
}

// ResetStats clears the family's counts.
func (a *App) ResetStats(family string) error {
	f, err := device.ParseFamily(family)
	if err != nil {
		return err
	}
	a.tally.Reset(f)
	return nil
}

// TestSignals toggles DTR then RTS on port so the operator can check the wiring.
func (a *App) TestSignals(port string) error {
	if a.manager.Running(device.FamilyESP32) {
		return errors.Wrap(production.ErrRunning, "stop ESP32 before testing signals")
	}
	a.stopMonitorOn(port)
	c, err := serialboot.Open(a.open, port)
	if err != nil {
		return err
	}
	defer c.Close()
	a.emitLog(device.FamilyESP32, "Toggling DTR then RTS on "+port)
	if !c.TestSignals() {
		return errors.New("signal test failed")
	}
	a.emitLog(device.FamilyESP32, "Signal test done")
	return nil
}

// WiringHelp explains how to wire an adapter without auto-reset.
func (a *App) WiringHelp() string {
	return serialboot.WiringHelp
}

// MonitorPort opens port and streams its lines as monitor-data events.
func (a *App) MonitorPort(port string, baud int) error {
	if a.manager.Running(device.FamilyESP32) {
		return errors.Wrap(production.ErrRunning, "ESP32 owns the port")
	}
	a.StopMonitor()
	if baud <= 0 {
		baud = serialio.DefaultBaud
	}

	m, err := startMonitor(a.open, port, baud,
		func(line string) { a.emit("monitor-data", line) },
		func(err error) { a.emit("monitor-error", err.Error()) })
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.monitor = m
	a.mu.Unlock()
	a.log.Infof("monitoring %s at %d baud", port, baud)
	return nil
}

// StopMonitor stops the serial monitor, if any.
func (a *App) StopMonitor() {
	a.mu.Lock()
	m := a.monitor
	a.monitor = nil
	a.mu.Unlock()
	if m == nil {
		return
	}
	m.stop()
	a.emit("monitor-stop", m.port)
}

func (a *App) stopMonitorOn(port string) {
	a.mu.Lock()
	same := a.monitor != nil && a.monitor.port == port
	a.mu.Unlock()
	if same {
		a.StopMonitor()
	}
}

// request overlays r on a copy of the profile.
func (a *App) request(r StartRequest) (production.Request, error) {
	f, err := device.ParseFamily(r.Family)
	if err != nil {
		return production.Request{}, upload.Configf("family", "%v", err)
	}
	a.mu.Lock()
	p := *a.profile
	a.mu.Unlock()

	switch f {
	case device.FamilyESP32:
		if r.Port != "" {
			p.ESP32.Port = r.Port
		}
		if r.Chip != "" {
			p.ESP32.Chip = r.Chip
		}
		if r.Baud > 0 {
			p.ESP32.Baud = r.Baud
		}
		if r.BootMethod != "" {
			p.ESP32.BootMethod = r.BootMethod
		}
		p.ESP32.FullErase = r.FullErase
		if r.BuildDir != "" {
			p.ESP32.BuildDir = r.BuildDir
			p.ESP32.Images = nil
		}
	case device.FamilySTM32:
		if r.Port != "" {
			p.STM32.Port = r.Port
		}
		if r.FrequencyKHz > 0 {
			p.STM32.FrequencyKHz = r.FrequencyKHz
		}
		p.STM32.FullErase = r.FullErase
	}

	if len(r.Images) > 0 {
		set := make(firmware.Set, 0, len(r.Images))
		for _, s := range r.Images {
			img, err := firmware.NewImage(s.Address, s.Path)
			if err != nil {
				return production.Request{}, upload.Configf("images", "%v", err)
			}
			set = append(set, img)
		}
		p.SetFirmware(f, set)
	}
	if err := config.Validate(&p); err != nil {
		return production.Request{}, err
	}
	return p.Request(f, r.Automatic)
}

func (a *App) handle(ev production.Event) {
	family := ev.Family.String()
	switch ev.Kind {
	case production.EventLog:
		a.emit("flash-log", map[string]interface{}{
			"family":  family,
			"line":    ev.Text,
			"partial": ev.Partial,
		})
	case production.EventProgress:
		a.emit("flash-progress", map[string]interface{}{
			"family":  family,
			"percent": ev.Percent,
			"text":    ev.Text,
		})
	case production.EventState:
		a.emit("flash-state", map[string]interface{}{
			"family": family,
			"state":  ev.State.String(),
		})
	case production.EventOutcome:
		out := *ev.Outcome
		if out.Corrected {
			a.persist(out)
		}
		counts := a.tally.Get(out.Family)
		a.emit("flash-outcome", map[string]interface{}{
			"family":    family,
			"status":    out.Status.String(),
			"message":   out.Message(),
			"hint":      out.Hint,
			"chip":      out.Chip.String(),
			"corrected": out.Corrected,
			"images":    specsOf(out.Images),
			"attempts":  out.Attempts,
			"total":     counts.Total,
			"passed":    counts.Passed,
			"failed":    counts.Failed,
		})
	}
}

// persist keeps a corrected image set in the profile so the next launch starts from it.
func (a *App) persist(out upload.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profile.SetFirmware(out.Family, out.Images)
	if a.profilePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.profilePath), 0o755); err != nil {
		a.log.WithError(err).Warn("profile directory not created")
		return
	}
	if err := a.profile.Save(a.profilePath); err != nil {
		a.log.WithError(err).Warn("corrected addresses not saved")
	}
}

func (a *App) emitLog(f device.Family, line string) {
	a.emit("flash-log", map[string]interface{}{"family": f.String(), "line": line, "partial": false})
}

func specsOf(set firmware.Set) []ImageSpec {
	specs := make([]ImageSpec, 0, len(set))
	for _, img := range set {
		specs = append(specs, ImageSpec{Address: img.AddressHex(), Path: img.Path})
	}
	return specs
}
