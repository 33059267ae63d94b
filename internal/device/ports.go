package device

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial port seen on the host.
type PortInfo struct {
	Name         string
	Description  string
	VID          string
	PID          string
	SerialNumber string
	IsUSB        bool
}

// Display formats the port for a selection list, truncating long product names.
func (p PortInfo) Display() string {
	desc := p.Description
	if r := []rune(desc); len(r) > 40 {
		desc = string(r[:37]) + "..."
	}
	if desc == "" {
		return p.Name
	}
	return fmt.Sprintf("%s - %s", p.Name, desc)
}

type usbID struct {
	vid string
	pid string // empty matches any product
}

// USB-UART bridges commonly found on ESP32 boards and programming adapters.
var esp32Bridges = []usbID{
	{vid: "10C4", pid: "EA60"}, // CP210x
	{vid: "1A86", pid: "7523"}, // CH340
	{vid: "0403", pid: "6001"}, // FT232R
	{vid: "0403", pid: "6014"}, // FT232H
	{vid: "239A"},              // Adafruit
	{vid: "303A"},              // Espressif native USB
}

// ST-LINK probes expose a virtual COM port next to the debug interface.
var stlinkProbes = []usbID{
	{vid: "0483"},
}

var esp32Keywords = []string{"cp210", "ch340", "ftdi", "silicon labs", "esp32", "esp8266"}
var stm32Keywords = []string{"st-link", "stlink", "stm32", "st micro"}

// Matches reports whether the port looks like an adapter used by the family.
func (p PortInfo) Matches(f Family) bool {
	var ids []usbID
	var keywords []string
	switch f {
	case FamilyESP32:
		ids, keywords = esp32Bridges, esp32Keywords
	case FamilySTM32:
		ids, keywords = stlinkProbes, stm32Keywords
	default:
		return false
	}

	if p.IsUSB {
		for _, id := range ids {
			if strings.EqualFold(p.VID, id.vid) && (id.pid == "" || strings.EqualFold(p.PID, id.pid)) {
				return true
			}
		}
	}

	desc := strings.ToLower(p.Description)
	for _, kw := range keywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

// portLister is swapped in tests.
var portLister = enumerator.GetDetailedPortsList

// ListPorts returns every serial port the host reports.
func ListPorts() ([]PortInfo, error) {
	details, err := portLister()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			Description:  d.Product,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			IsUSB:        d.IsUSB,
		})
	}
	return ports, nil
}

// ListFamilyPorts returns the ports whose adapter matches the family.
func ListFamilyPorts(f Family) ([]PortInfo, error) {
	ports, err := ListPorts()
	if err != nil {
		return nil, err
	}

	var matched []PortInfo
	for _, p := range ports {
		if p.Matches(f) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}
