// Package flashtool drives the external flashing tools: esptool for ESP32 and
// STM32_Programmer_CLI for STM32.
package flashtool

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/toolout"
	"mcuflasher/internal/upload"
)

// Tool knows one external tool's command line.
type Tool interface {
	Family() device.Family
	Name() string
	Install() string
	Executable() Executable
	// ProcessName is matched against running processes during release recovery.
	ProcessName() string
	Parser() toolout.Parser

	Speed() int
	FallbackSpeed() int
	Retries() int
	// LocksDebugPort reports whether the debug interface stays claimed after a flash.
	LocksDebugPort() bool
	// Variant is the configured chip variant, or "" when it has to be identified.
	Variant() string

	WriteArgs(set firmware.Set, speed int) []string
	EraseArgs(speed int) []string
	IdentifyArgs() []string
	ProbeArgs() []string
	VersionArgs() []string
	ResetArgs() []string
	ReleaseArgs() []string
}

// Executable is a located tool. Prefix goes before the tool arguments, as in "python3 -m esptool".
type Executable struct {
	Path   string
	Prefix []string
}

func (e Executable) String() string {
	return strings.Join(append([]string{e.Path}, e.Prefix...), " ")
}

var (
	lookPath = exec.LookPath
	statFile = os.Stat
)

// LocateEsptool finds esptool. An explicit path wins; then esptool, esptool.py, and python3 -m esptool.
func LocateEsptool(override string) (Executable, error) {
	if override != "" {
		return locateOverride("esptool", override, esptoolInstall)
	}
	for _, name := range []string{"esptool", "esptool.py"} {
		if p, err := lookPath(name); err == nil {
			return Executable{Path: p}, nil
		}
	}
	for _, py := range []string{"python3", "python"} {
		if p, err := lookPath(py); err == nil {
			return Executable{Path: p, Prefix: []string{"-m", "esptool"}}, nil
		}
	}
	return Executable{}, &upload.ToolUnavailableError{Tool: "esptool", Install: esptoolInstall, Err: exec.ErrNotFound}
}

// LocateSTM32Programmer finds STM32_Programmer_CLI in PATH or a known install directory.
func LocateSTM32Programmer(override string) (Executable, error) {
	if override != "" {
		return locateOverride(stm32ToolName, override, stm32Install)
	}
	for _, name := range []string{stm32ToolName, stm32ToolName + ".exe"} {
		if p, err := lookPath(name); err == nil {
			return Executable{Path: p}, nil
		}
	}
	for _, p := range stm32InstallPaths(runtime.GOOS) {
		if fi, err := statFile(p); err == nil && !fi.IsDir() {
			return Executable{Path: p}, nil
		}
	}
	return Executable{}, &upload.ToolUnavailableError{Tool: stm32ToolName, Install: stm32Install, Err: exec.ErrNotFound}
}

func locateOverride(tool, path, install string) (Executable, error) {
	if strings.ContainsRune(path, filepath.Separator) || strings.ContainsRune(path, '/') {
		fi, err := statFile(path)
		if err != nil || fi.IsDir() {
			return Executable{}, &upload.ToolUnavailableError{Tool: tool, Install: install, Err: err}
		}
		return Executable{Path: path}, nil
	}
	p, err := lookPath(path)
	if err != nil {
		return Executable{}, &upload.ToolUnavailableError{Tool: tool, Install: install, Err: err}
	}
	return Executable{Path: p}, nil
}

func stm32InstallPaths(goos string) []string {
	const rel = "STMicroelectronics/STM32Cube/STM32CubeProgrammer/bin/"
	if goos == "windows" {
		return []string{
			`C:\Program Files\STMicroelectronics\STM32Cube\STM32CubeProgrammer\bin\STM32_Programmer_CLI.exe`,
			`C:\Program Files (x86)\STMicroelectronics\STM32Cube\STM32CubeProgrammer\bin\STM32_Programmer_CLI.exe`,
		}
	}
	paths := []string{"/usr/local/" + rel + stm32ToolName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, rel, stm32ToolName))
	}
	if goos == "darwin" {
		paths = append(paths, "/Applications/STMicroelectronics/STM32Cube/STM32CubeProgrammer/"+
			"STM32CubeProgrammer.app/Contents/MacOs/bin/"+stm32ToolName)
	}
	// WSL sees the Windows installation under /mnt/c
	return append(paths,
		"/mnt/c/Program Files/"+rel+stm32ToolName+".exe",
		"/mnt/c/Program Files (x86)/"+rel+stm32ToolName+".exe",
	)
}

// Locate finds the tool of family f.
func Locate(f device.Family, override string) (Executable, error) {
	if f == device.FamilySTM32 {
		return LocateSTM32Programmer(override)
	}
	return LocateEsptool(override)
}
