package main

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mcuflasher/internal/config"
	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
)

// target holds the flags shared by every command that talks to a board.
// Flags left unset keep the profile's values.
type target struct {
	family    string
	port      string
	chip      string
	baud      int
	freq      int
	boot      string
	images    []string
	buildDir  string
	fullErase bool
	retries   int
	tool      string
}

func (t *target) register(cmd *cobra.Command, withFirmware bool) {
	fl := cmd.Flags()
	fl.StringVarP(&t.family, "family", "f", "esp32", "Device family: esp32 or stm32")
	fl.StringVarP(&t.port, "port", "p", "", "Serial port (ESP32) or debug port (STM32, e.g. SWD)")
	fl.StringVar(&t.chip, "chip", "", "ESP32 chip for esptool, or auto")
	fl.IntVarP(&t.baud, "baud", "b", 0, "ESP32 baud rate")
	fl.IntVar(&t.freq, "freq", 0, "STM32 SWD frequency in kHz")
	fl.StringVar(&t.boot, "boot", "", "ESP32 boot method: auto or manual")
	fl.IntVar(&t.retries, "retries", 0, "Flash attempts before giving up")
	fl.StringVar(&t.tool, "tool", "", "Path to esptool or STM32_Programmer_CLI")
	if withFirmware {
		fl.StringArrayVarP(&t.images, "image", "i", nil, "Firmware image as ADDRESS=FILE, or FILE to guess the address (repeatable)")
		fl.StringVar(&t.buildDir, "build-dir", "", "ESP-IDF build directory to take images from")
		fl.BoolVar(&t.fullErase, "full-erase", false, "Erase the whole flash before writing")
	}
}

// apply loads the profile and overlays the flags that were set.
func (t *target) apply(cmd *cobra.Command) (*config.Profile, device.Family, error) {
	f, err := device.ParseFamily(t.family)
	if err != nil {
		return nil, f, err
	}
	p, err := loadProfile()
	if err != nil {
		return nil, f, err
	}
	changed := cmd.Flags().Changed

	switch f {
	case device.FamilyESP32:
		e := &p.ESP32
		if changed("port") {
			e.Port = t.port
		}
		if changed("chip") {
			e.Chip = t.chip
		}
		if changed("baud") {
			e.Baud = t.baud
		}
		if changed("boot") {
			e.BootMethod = t.boot
		}
		if changed("retries") {
			e.Retries = t.retries
		}
		if changed("tool") {
			e.ToolPath = t.tool
		}
		if changed("full-erase") {
			e.FullErase = t.fullErase
		}
		if changed("build-dir") {
			dir, err := filepath.Abs(t.buildDir)
			if err != nil {
				return nil, f, errors.Wrap(err, "build dir")
			}
			e.BuildDir = dir
			e.Images = nil
		}
	case device.FamilySTM32:
		s := &p.STM32
		if changed("port") {
			s.Port = t.port
		}
		if changed("freq") {
			s.FrequencyKHz = t.freq
		}
		if changed("retries") {
			s.Retries = t.retries
		}
		if changed("tool") {
			s.ToolPath = t.tool
		}
		if changed("full-erase") {
			s.FullErase = t.fullErase
		}
	}

	if len(t.images) > 0 {
		set, err := parseImages(t.images)
		if err != nil {
			return nil, f, err
		}
		p.SetFirmware(f, set)
	}
	if err := config.Validate(p); err != nil {
		return nil, f, err
	}
	return p, f, nil
}

// parseImages reads ADDRESS=FILE pairs. A bare FILE gets the address its name suggests.
func parseImages(specs []string) (firmware.Set, error) {
	set := make(firmware.Set, 0, len(specs))
	for _, spec := range specs {
		addr, path, ok := strings.Cut(spec, "=")
		if !ok {
			addr, path = "", spec
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrapf(err, "image %s", spec)
		}
		if addr == "" {
			set = append(set, firmware.Image{Address: firmware.GuessAddress(abs), Path: abs})
			continue
		}
		img, err := firmware.NewImage(addr, abs)
		if err != nil {
			return nil, errors.Wrapf(err, "image %s", spec)
		}
		set = append(set, img)
	}
	return set, nil
}
