package config

import (
	"strings"

	"github.com/sirupsen/logrus"

	"mcuflasher/internal/firmware"
	"mcuflasher/internal/flashtool"
	"mcuflasher/internal/production"
	"mcuflasher/internal/upload"
)

// Validate fills defaults and rejects values no tool can run with.
func Validate(p *Profile) error {
	if p.LogLevel == "" {
		p.LogLevel = DefaultLogLevel
	}
	if _, err := logrus.ParseLevel(p.LogLevel); err != nil {
		return upload.Configf("log_level", "%v", err)
	}
	if p.PollInterval == 0 {
		p.PollInterval = production.DefaultPollInterval
	}
	if p.PollInterval < 0 {
		return upload.Configf("poll_interval", "must be positive, got %s", p.PollInterval)
	}
	if p.MQTT.Topic == "" {
		p.MQTT.Topic = DefaultMQTTTopic
	}
	if p.MQTT.QoS > 2 {
		return upload.Configf("mqtt.qos", "must be 0, 1 or 2, got %d", p.MQTT.QoS)
	}

	if err := validateESP32(&p.ESP32); err != nil {
		return err
	}
	return validateSTM32(&p.STM32)
}

func validateESP32(e *ESP32Config) error {
	if e.Chip == "" {
		e.Chip = "auto"
	}
	if e.Baud == 0 {
		e.Baud = flashtool.DefaultESP32Baud
	}
	if e.Baud < 0 {
		return upload.Configf("esp32.baud", "must be positive, got %d", e.Baud)
	}
	if e.ConnectAttempts == 0 {
		e.ConnectAttempts = 1
	}
	if e.ConnectAttempts < 0 {
		return upload.Configf("esp32.connect_attempts", "must be positive, got %d", e.ConnectAttempts)
	}
	if e.Retries == 0 {
		e.Retries = DefaultRetries
	}
	if e.Retries < 0 {
		return upload.Configf("esp32.retries", "must be positive, got %d", e.Retries)
	}
	method, err := flashtool.ParseBootMethod(e.BootMethod)
	if err != nil {
		return err
	}
	e.BootMethod = string(method)
	return validateImages("esp32.images", e.Images)
}

func validateSTM32(s *STM32Config) error {
	if s.Port == "" {
		s.Port = flashtool.DefaultSTM32Port
	}
	if s.Mode == "" {
		s.Mode = flashtool.DefaultSTM32Mode
	}
	s.Mode = strings.ToUpper(s.Mode)
	if s.FrequencyKHz == 0 {
		s.FrequencyKHz = flashtool.DefaultSTM32FreqKHz
	}
	if s.FrequencyKHz < 0 {
		return upload.Configf("stm32.frequency_khz", "must be positive, got %d", s.FrequencyKHz)
	}
	if s.Retries == 0 {
		s.Retries = DefaultRetries
	}
	if s.Retries < 0 {
		return upload.Configf("stm32.retries", "must be positive, got %d", s.Retries)
	}
	if s.Image != nil {
		if s.Image.Address == "" {
			s.Image.Address = firmware.FormatAddress(flashtool.DefaultSTM32FlashBase)
		}
		if err := validateImages("stm32.image", []ImageConfig{*s.Image}); err != nil {
			return err
		}
	}
	return validateImages("stm32.images", s.Images)
}

// validateImages checks address syntax only; file existence is checked before each attempt.
func validateImages(field string, specs []ImageConfig) error {
	for _, s := range specs {
		if s.Path == "" {
			return upload.Configf(field, "image at %q has no path", s.Address)
		}
		if _, err := firmware.ParseAddress(s.Address); err != nil {
			return upload.Configf(field, "%s: %v", s.Path, err)
		}
	}
	return nil
}
