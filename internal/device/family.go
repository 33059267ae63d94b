package device

import (
	"fmt"
	"strings"
)

// Family is a supported chip family.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyESP32
	FamilySTM32
)

func (f Family) String() string {
	switch f {
	case FamilyESP32:
		return "ESP32"
	case FamilySTM32:
		return "STM32"
	default:
		return "Unknown"
	}
}

// ParseFamily accepts the display name in any case ("esp32", "STM32").
func ParseFamily(s string) (Family, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ESP32", "ESP":
		return FamilyESP32, nil
	case "STM32", "STM":
		return FamilySTM32, nil
	}
	return FamilyUnknown, fmt.Errorf("unknown device family %q", s)
}

// Families lists every supported family in display order.
func Families() []Family {
	return []Family{FamilyESP32, FamilySTM32}
}

// ChipIdentity is what an identification probe learned about the attached chip.
// It lives for one upload attempt only.
type ChipIdentity struct {
	Family  Family
	Variant string
	MAC     string
}

// Known reports whether a variant was identified.
func (c ChipIdentity) Known() bool {
	return c.Variant != ""
}

func (c ChipIdentity) String() string {
	if !c.Known() {
		return c.Family.String() + " (unidentified)"
	}
	if c.MAC != "" {
		return fmt.Sprintf("%s (MAC %s)", c.Variant, c.MAC)
	}
	return c.Variant
}
