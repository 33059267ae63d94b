// Package config loads the bench profile: which port, tool settings, and firmware per family.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/flashtool"
	"mcuflasher/internal/production"
)

// Profile is the complete bench configuration.
type Profile struct {
	LogLevel     string        `yaml:"log_level"`
	LogFile      string        `yaml:"log_file"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MQTT         MQTTConfig    `yaml:"mqtt"`
	ESP32        ESP32Config   `yaml:"esp32"`
	STM32        STM32Config   `yaml:"stm32"`

	// dir resolves relative firmware paths; it is the profile's directory.
	dir string
}

// MQTTConfig enables outcome publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// ImageConfig is one (address, file) pair.
type ImageConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// ESP32Config holds esptool settings and firmware.
type ESP32Config struct {
	Port            string        `yaml:"port"`
	Chip            string        `yaml:"chip"`
	Baud            int           `yaml:"baud"`
	BeforeReset     *bool         `yaml:"before_reset,omitempty"`
	AfterReset      *bool         `yaml:"after_reset,omitempty"`
	NoSync          bool          `yaml:"no_sync"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	Retries         int           `yaml:"retries"`
	BootMethod      string        `yaml:"boot_method"`
	FullErase       bool          `yaml:"full_erase"`
	Images          []ImageConfig `yaml:"images"`
	BuildDir        string        `yaml:"build_dir"`
	ToolPath        string        `yaml:"tool_path"`
}

// STM32Config holds STM32_Programmer_CLI settings and firmware.
type STM32Config struct {
	Port          string        `yaml:"port"`
	Mode          string        `yaml:"mode"`
	FrequencyKHz  int           `yaml:"frequency_khz"`
	HardwareReset bool          `yaml:"hardware_reset"`
	Retries       int           `yaml:"retries"`
	FullErase     bool          `yaml:"full_erase"`
	Image         *ImageConfig  `yaml:"image,omitempty"`
	Images        []ImageConfig `yaml:"images,omitempty"`
	ToolPath      string        `yaml:"tool_path"`
}

// Defaults.
const (
	DefaultRetries   = 3
	DefaultLogLevel  = "info"
	DefaultMQTTTopic = "mcuflasher/outcomes"
)

// Default returns a profile with every default filled in.
func Default() *Profile {
	p := &Profile{}
	_ = Validate(p)
	return p
}

// Load reads and validates a YAML profile.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read profile")
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "parse profile")
	}
	if err := Validate(&p); err != nil {
		return nil, errors.Wrap(err, "invalid profile")
	}
	p.dir = filepath.Dir(path)
	return &p, nil
}

// Save writes the profile back, keeping corrected firmware addresses.
func (p *Profile) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode profile")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write profile")
	}
	return nil
}

// Firmware returns the family's images with relative paths resolved against the profile.
// An ESP32 build directory is used when no images are listed.
func (p *Profile) Firmware(f device.Family) (firmware.Set, error) {
	var specs []ImageConfig
	switch f {
	case device.FamilyESP32:
		specs = p.ESP32.Images
		if len(specs) == 0 && p.ESP32.BuildDir != "" {
			return firmware.ScanBuildDir(p.resolve(p.ESP32.BuildDir))
		}
	case device.FamilySTM32:
		specs = p.STM32.Images
		if p.STM32.Image != nil {
			specs = append([]ImageConfig{*p.STM32.Image}, specs...)
		}
	}

	set := make(firmware.Set, 0, len(specs))
	for _, s := range specs {
		img, err := firmware.NewImage(s.Address, p.resolve(s.Path))
		if err != nil {
			return nil, err
		}
		set = append(set, img)
	}
	return set, nil
}

// SetFirmware replaces the family's image list, for persisting a corrected set.
func (p *Profile) SetFirmware(f device.Family, set firmware.Set) {
	specs := make([]ImageConfig, 0, len(set))
	for _, img := range set {
		specs = append(specs, ImageConfig{Address: img.AddressHex(), Path: img.Path})
	}
	switch f {
	case device.FamilyESP32:
		p.ESP32.Images = specs
	case device.FamilySTM32:
		p.STM32.Image = nil
		p.STM32.Images = specs
	}
}

func (p *Profile) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || p.dir == "" {
		return path
	}
	return filepath.Join(p.dir, path)
}

// Connection is the esptool connection described by the profile.
func (e ESP32Config) Connection() flashtool.ESP32Config {
	method, _ := flashtool.ParseBootMethod(e.BootMethod)
	return flashtool.ESP32Config{
		Port:            e.Port,
		Chip:            e.Chip,
		Baud:            e.Baud,
		BeforeReset:     e.BeforeReset == nil || *e.BeforeReset,
		AfterReset:      e.AfterReset == nil || *e.AfterReset,
		NoSync:          e.NoSync,
		ConnectAttempts: e.ConnectAttempts,
		Retries:         e.Retries,
		BootMethod:      method,
	}
}

// Connection is the STM32_Programmer_CLI connection described by the profile.
func (s STM32Config) Connection() flashtool.STM32Config {
	return flashtool.STM32Config{
		Port:          s.Port,
		Mode:          s.Mode,
		FrequencyKHz:  s.FrequencyKHz,
		HardwareReset: s.HardwareReset,
		Retries:       s.Retries,
	}
}

// Request builds a production request for family f.
func (p *Profile) Request(f device.Family, automatic bool) (production.Request, error) {
	set, err := p.Firmware(f)
	if err != nil {
		return production.Request{}, err
	}
	req := production.Request{
		Family:       f,
		Images:       set,
		Automatic:    automatic,
		ESP32:        p.ESP32.Connection(),
		STM32:        p.STM32.Connection(),
		PollInterval: p.PollInterval,
	}
	switch f {
	case device.FamilyESP32:
		req.FullErase = p.ESP32.FullErase
		req.ToolPath = p.ESP32.ToolPath
	case device.FamilySTM32:
		req.FullErase = p.STM32.FullErase
		req.ToolPath = p.STM32.ToolPath
	}
	return req, nil
}
