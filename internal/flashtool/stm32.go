package flashtool

import (
	"strconv"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/toolout"
	"mcuflasher/internal/upload"
)

const (
	stm32ToolName = "STM32_Programmer_CLI"
	stm32Install  = "STM32CubeProgrammer from st.com"
)

// STM32 defaults.
const (
	DefaultSTM32Port      = "SWD"
	DefaultSTM32Mode      = "HOTPLUG"
	DefaultSTM32FreqKHz   = 4000
	DefaultSTM32FlashBase = 0x08000000
)

// STM32Config is the STM32_Programmer_CLI connection for one attempt.
type STM32Config struct {
	Port          string // SWD, JTAG, or a UART name
	Mode          string // HOTPLUG, UR, NORMAL
	FrequencyKHz  int
	HardwareReset bool
	Retries       int
}

func (c STM32Config) Validate() error {
	if c.FrequencyKHz < 0 {
		return upload.Configf("frequency_khz", "must not be negative, got %d", c.FrequencyKHz)
	}
	return nil
}

// STM32Programmer builds STM32_Programmer_CLI command lines.
type STM32Programmer struct {
	Config STM32Config
	Exec   Executable
}

func (t *STM32Programmer) Family() device.Family  { return device.FamilySTM32 }
func (t *STM32Programmer) Name() string           { return stm32ToolName }
func (t *STM32Programmer) Install() string        { return stm32Install }
func (t *STM32Programmer) Executable() Executable { return t.Exec }
func (t *STM32Programmer) ProcessName() string    { return stm32ToolName }
func (t *STM32Programmer) Parser() toolout.Parser { return toolout.ParseSTM32 }
func (t *STM32Programmer) FallbackSpeed() int     { return DefaultSTM32FreqKHz }
func (t *STM32Programmer) LocksDebugPort() bool   { return true }
func (t *STM32Programmer) Variant() string        { return "" }
func (t *STM32Programmer) Retries() int           { return t.Config.Retries }
func (t *STM32Programmer) VersionArgs() []string  { return []string{"--version"} }

func (t *STM32Programmer) Speed() int {
	if t.Config.FrequencyKHz <= 0 {
		return DefaultSTM32FreqKHz
	}
	return t.Config.FrequencyKHz
}

func (t *STM32Programmer) port() string {
	if t.Config.Port == "" {
		return DefaultSTM32Port
	}
	return t.Config.Port
}

func (t *STM32Programmer) mode() string {
	if t.Config.Mode == "" {
		return DefaultSTM32Mode
	}
	return t.Config.Mode
}

func (t *STM32Programmer) connect(freq int) []string {
	args := []string{"-c", "port=" + t.port(), "-c", "mode=" + t.mode()}
	if freq > 0 && freq != DefaultSTM32FreqKHz {
		args = append(args, "-c", "freq="+strconv.Itoa(freq))
	}
	return args
}

// WriteArgs programs every image, verifies, and starts the application so the debugger lets go.
func (t *STM32Programmer) WriteArgs(set firmware.Set, speed int) []string {
	args := t.connect(speed)
	if t.Config.HardwareReset {
		args = append(args, "-c", "reset=HWrst")
	}
	for _, img := range set.Sorted() {
		args = append(args, "-w", img.Path, img.AddressHex())
	}
	return append(args, "-v", "-s")
}

func (t *STM32Programmer) EraseArgs(speed int) []string {
	return append(t.connect(speed), "-e", "all")
}

// IdentifyArgs connects and prints the device block without touching flash.
func (t *STM32Programmer) IdentifyArgs() []string {
	return t.connect(t.Speed())
}

func (t *STM32Programmer) ProbeArgs() []string {
	return t.connect(t.Speed())
}

func (t *STM32Programmer) ResetArgs() []string {
	return []string{"-c", "port=" + t.port(), "-hardRst"}
}

func (t *STM32Programmer) ReleaseArgs() []string {
	return []string{"-c", "port=" + t.port(), "-rst"}
}
