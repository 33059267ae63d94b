package firmware

import (
	"path/filepath"
	"strings"
)

const (
	// ClassicBootloaderAddress is where ESP32 and ESP32-S2 expect the second-stage loader.
	ClassicBootloaderAddress uint32 = 0x1000
	// NewerBootloaderAddress is used by every chip carrying a newerChipMarkers suffix.
	NewerBootloaderAddress uint32 = 0x0
)

var newerChipMarkers = []string{"S3", "C3", "C6", "H2", "C2"}

// IsNewerChip reports whether the variant string names a chip that boots from offset 0.
func IsNewerChip(variant string) bool {
	v := strings.ToUpper(variant)
	for _, m := range newerChipMarkers {
		if strings.Contains(v, m) {
			return true
		}
	}
	return false
}

// ExpectedBootloaderAddress returns the offset the chip's boot ROM loads the bootloader from.
func ExpectedBootloaderAddress(variant string) uint32 {
	if IsNewerChip(variant) {
		return NewerBootloaderAddress
	}
	return ClassicBootloaderAddress
}

// IsBootloader reports whether the file is the second-stage bootloader image.
func IsBootloader(path string) bool {
	return strings.Contains(strings.ToLower(filepath.Base(path)), "bootloader")
}

// Correction describes what CorrectBootloader changed.
type Correction struct {
	Corrected bool
	Path      string
	From      uint32
	To        uint32
}

// CorrectBootloader rewrites the bootloader entry's address when it does not match the variant.
// The returned set is always a copy. A rewrite that collides with another entry is an error.
func CorrectBootloader(s Set, variant string) (Set, Correction, error) {
	out := s.Clone()
	expected := ExpectedBootloaderAddress(variant)

	for i, img := range out {
		if !IsBootloader(img.Path) {
			continue
		}
		c := Correction{Path: img.Path, From: img.Address, To: expected}
		if img.Address == expected {
			return out, c, nil
		}
		out[i].Address = expected
		c.Corrected = true
		if err := out.CheckDuplicates(); err != nil {
			return s.Clone(), Correction{}, err
		}
		return out, c, nil
	}
	return out, Correction{}, nil
}
