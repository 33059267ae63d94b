package flashtool

import (
	"strconv"
	"strings"

	"github.com/samber/lo"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/toolout"
	"mcuflasher/internal/upload"
)

const esptoolInstall = "pip install esptool"

// ESP32 speeds.
const (
	DefaultESP32Baud = 921600
	SafeESP32Baud    = 115200
)

// eraseConnectAttempts is the minimum for erase, which starts from a running application.
const eraseConnectAttempts = 3

// BootMethod selects how the board is put into download mode.
type BootMethod string

const (
	// BootAuto leaves the reset sequence to esptool and the board's auto-reset circuit.
	BootAuto BootMethod = "auto"
	// BootManual drives DTR/RTS from this program; esptool is told not to reset.
	BootManual BootMethod = "manual"
)

// ParseBootMethod accepts "auto" and "manual"; empty means auto.
func ParseBootMethod(s string) (BootMethod, error) {
	switch BootMethod(strings.ToLower(strings.TrimSpace(s))) {
	case "", BootAuto:
		return BootAuto, nil
	case BootManual:
		return BootManual, nil
	}
	return "", upload.Configf("boot_method", "unknown boot method %q (want auto or manual)", s)
}

// ESP32Config is the esptool connection for one attempt.
type ESP32Config struct {
	Port            string
	Chip            string // esptool chip name, or "auto"
	Baud            int
	BeforeReset     bool
	AfterReset      bool
	NoSync          bool
	ConnectAttempts int
	Retries         int
	BootMethod      BootMethod
}

// Validate rejects configurations esptool cannot run with.
func (c ESP32Config) Validate() error {
	if c.Port == "" {
		return upload.Configf("port", "no serial port selected")
	}
	if c.Baud <= 0 {
		return upload.Configf("baud", "must be positive, got %d", c.Baud)
	}
	if _, err := ParseBootMethod(string(c.BootMethod)); err != nil {
		return err
	}
	return nil
}

// ESPTool builds esptool command lines.
type ESPTool struct {
	Config ESP32Config
	Exec   Executable
}

func (t *ESPTool) Family() device.Family    { return device.FamilyESP32 }
func (t *ESPTool) Name() string             { return "esptool" }
func (t *ESPTool) Install() string          { return esptoolInstall }
func (t *ESPTool) Executable() Executable   { return t.Exec }
func (t *ESPTool) Parser() toolout.Parser   { return toolout.ParseEsptool }
func (t *ESPTool) FallbackSpeed() int       { return SafeESP32Baud }
func (t *ESPTool) LocksDebugPort() bool     { return false }
func (t *ESPTool) ResetArgs() []string      { return nil }
func (t *ESPTool) ReleaseArgs() []string    { return nil }
func (t *ESPTool) VersionArgs() []string    { return []string{"version"} }
func (t *ESPTool) ProbeArgs() []string      { return t.IdentifyArgs() }
func (t *ESPTool) Retries() int             { return t.Config.Retries }
func (t *ESPTool) manual() bool             { return t.Config.BootMethod == BootManual }

func (t *ESPTool) ProcessName() string {
	if len(t.Exec.Prefix) > 0 {
		// python -m esptool; killing python by name is not an option
		return ""
	}
	return "esptool"
}

func (t *ESPTool) Speed() int {
	if t.Config.Baud <= 0 {
		return DefaultESP32Baud
	}
	return t.Config.Baud
}

func (t *ESPTool) chip() string {
	c := strings.ToLower(strings.TrimSpace(t.Config.Chip))
	if c == "" {
		return "auto"
	}
	return strings.ReplaceAll(c, "-", "")
}

func (t *ESPTool) Variant() string {
	if c := t.chip(); c != "auto" {
		return strings.ToUpper(c)
	}
	return ""
}

func (t *ESPTool) before() string {
	switch {
	case t.Config.NoSync:
		return "no-reset-no-sync"
	case t.manual() || !t.Config.BeforeReset:
		return "no-reset"
	}
	return "default-reset"
}

func (t *ESPTool) after() string {
	if t.manual() || !t.Config.AfterReset {
		return "no-reset"
	}
	return "hard-reset"
}

func (t *ESPTool) base(speed, connectAttempts int) []string {
	args := []string{
		"--chip", t.chip(),
		"--port", t.Config.Port,
		"--baud", strconv.Itoa(speed),
		"--before", t.before(),
		"--after", t.after(),
	}
	if connectAttempts > 1 {
		args = append(args, "--connect-attempts", strconv.Itoa(connectAttempts))
	}
	return args
}

// WriteArgs writes the set in ascending address order.
func (t *ESPTool) WriteArgs(set firmware.Set, speed int) []string {
	args := t.base(speed, t.Config.ConnectAttempts)
	args = append(args, "write_flash", "-z",
		"--flash_mode", "dio",
		"--flash_freq", "40m",
		"--flash_size", "detect")
	return append(args, set.Sorted().Pairs()...)
}

func (t *ESPTool) EraseArgs(speed int) []string {
	return append(t.base(speed, lo.Max([]int{eraseConnectAttempts, t.Config.ConnectAttempts})), "erase_flash")
}

func (t *ESPTool) IdentifyArgs() []string {
	return append(t.base(t.Speed(), t.Config.ConnectAttempts), "chip_id")
}
