package flashtool

import (
	"errors"
	"io/fs"
	"os/exec"
	"reflect"
	"strings"
	"testing"

	"mcuflasher/internal/firmware"
	"mcuflasher/internal/upload"
)

func TestESPToolWriteArgs(t *testing.T) {
	tool := espTool(1)
	set := firmware.Set{{Address: 0x10000, Path: "app.bin"}, {Address: 0x1000, Path: "bootloader.bin"}}

	got := tool.WriteArgs(set, 921600)
	want := []string{
		"--chip", "esp32", "--port", "/dev/ttyUSB0", "--baud", "921600",
		"--before", "default-reset", "--after", "hard-reset",
		"write_flash", "-z", "--flash_mode", "dio", "--flash_freq", "40m", "--flash_size", "detect",
		"0x1000", "bootloader.bin", "0x10000", "app.bin",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("WriteArgs =\n%q\nwant\n%q", got, want)
	}
}

func TestESPToolResetPolicy(t *testing.T) {
	tests := []struct {
		name          string
		cfg           ESP32Config
		before, after string
	}{
		{"default", ESP32Config{BeforeReset: true, AfterReset: true}, "default-reset", "hard-reset"},
		{"no reset", ESP32Config{}, "no-reset", "no-reset"},
		{"no sync", ESP32Config{BeforeReset: true, AfterReset: true, NoSync: true}, "no-reset-no-sync", "hard-reset"},
		{"manual", ESP32Config{BeforeReset: true, AfterReset: true, BootMethod: BootManual}, "no-reset", "no-reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &ESPTool{Config: tt.cfg}
			if tool.before() != tt.before || tool.after() != tt.after {
				t.Errorf("before/after = %s/%s", tool.before(), tool.after())
			}
		})
	}
}

func TestESPToolConnectAttempts(t *testing.T) {
	tool := espTool(1)
	if strings.Contains(strings.Join(tool.IdentifyArgs(), " "), "--connect-attempts") {
		t.Error("connect attempts passed for 1")
	}
	tool.Config.ConnectAttempts = 5
	if !strings.Contains(strings.Join(tool.IdentifyArgs(), " "), "--connect-attempts 5") {
		t.Error("connect attempts missing")
	}
	if !strings.Contains(strings.Join(tool.EraseArgs(115200), " "), "--connect-attempts 5") {
		t.Error("erase should keep the larger connect attempts")
	}
}

func TestESPToolVariant(t *testing.T) {
	for chip, want := range map[string]string{"": "", "auto": "", "esp32c3": "ESP32C3", "ESP32-S3": "ESP32S3"} {
		tool := &ESPTool{Config: ESP32Config{Chip: chip}}
		if got := tool.Variant(); got != want {
			t.Errorf("Variant(%q) = %q, want %q", chip, got, want)
		}
	}
}

func TestSTM32Args(t *testing.T) {
	tool := &STM32Programmer{Config: STM32Config{FrequencyKHz: 8000, HardwareReset: true}}
	set := firmware.Set{{Address: 0x08000000, Path: "fw.bin"}}

	got := tool.WriteArgs(set, tool.Speed())
	want := []string{"-c", "port=SWD", "-c", "mode=HOTPLUG", "-c", "freq=8000", "-c", "reset=HWrst",
		"-w", "fw.bin", "0x8000000", "-v", "-s"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("WriteArgs = %q", got)
	}

	if got := tool.EraseArgs(tool.FallbackSpeed()); !reflect.DeepEqual(got, []string{"-c", "port=SWD", "-c", "mode=HOTPLUG", "-e", "all"}) {
		t.Errorf("EraseArgs = %q", got)
	}
}

func TestParseBootMethod(t *testing.T) {
	if m, err := ParseBootMethod(""); err != nil || m != BootAuto {
		t.Errorf("empty = %v, %v", m, err)
	}
	if m, err := ParseBootMethod("Manual"); err != nil || m != BootManual {
		t.Errorf("Manual = %v, %v", m, err)
	}
	var cfg *upload.ConfigurationError
	if _, err := ParseBootMethod("jumper"); !errors.As(err, &cfg) {
		t.Errorf("jumper: %v", err)
	}
}

func TestESP32ConfigValidate(t *testing.T) {
	if err := (ESP32Config{Baud: 115200}).Validate(); err == nil {
		t.Error("missing port accepted")
	}
	if err := (ESP32Config{Port: "COM3"}).Validate(); err == nil {
		t.Error("zero baud accepted")
	}
	if err := (ESP32Config{Port: "COM3", Baud: 115200}).Validate(); err != nil {
		t.Error(err)
	}
}

func TestLocateEsptoolFallsBackToPython(t *testing.T) {
	defer func(orig func(string) (string, error)) { lookPath = orig }(lookPath)
	lookPath = func(name string) (string, error) {
		if name == "python3" {
			return "/usr/bin/python3", nil
		}
		return "", exec.ErrNotFound
	}

	exe, err := LocateEsptool("")
	if err != nil {
		t.Fatal(err)
	}
	if exe.Path != "/usr/bin/python3" || !reflect.DeepEqual(exe.Prefix, []string{"-m", "esptool"}) {
		t.Errorf("exe = %+v", exe)
	}
	if (&ESPTool{Exec: exe}).ProcessName() != "" {
		t.Error("python must not be killed by name")
	}
}

func TestLocateSTM32NotFound(t *testing.T) {
	defer func(orig func(string) (string, error)) { lookPath = orig }(lookPath)
	defer func(orig func(string) (fs.FileInfo, error)) { statFile = orig }(statFile)
	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	statFile = func(string) (fs.FileInfo, error) { return nil, fs.ErrNotExist }

	_, err := LocateSTM32Programmer("")
	var tu *upload.ToolUnavailableError
	if !errors.As(err, &tu) || tu.Install == "" {
		t.Errorf("err = %v", err)
	}
}

func TestSameProcess(t *testing.T) {
	tests := []struct {
		running string
		want    bool
	}{
		{"STM32_Programmer_CLI", true},
		{"STM32_Programmer_CLI.exe", true},
		{"STM32_Programme", true},
		{"STM32_Prog", false},
		{"esptool", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := sameProcess(tt.running, "STM32_Programmer_CLI"); got != tt.want {
			t.Errorf("sameProcess(%q) = %v", tt.running, got)
		}
	}
}
