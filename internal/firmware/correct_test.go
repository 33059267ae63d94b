package firmware

import (
	"errors"
	"reflect"
	"testing"
)

func TestCorrectBootloader(t *testing.T) {
	tests := []struct {
		name          string
		set           Set
		variant       string
		wantCorrected bool
		wantBoot      uint32
	}{
		{
			name:          "c3 moves classic offset to zero",
			set:           Set{{0x1000, "bootloader.bin"}, {0x10000, "app.bin"}},
			variant:       "ESP32-C3 (QFN32) (revision v0.4)",
			wantCorrected: true,
			wantBoot:      0x0,
		},
		{
			name:     "classic keeps 0x1000",
			set:      Set{{0x1000, "bootloader.bin"}, {0x10000, "app.bin"}},
			variant:  "ESP32",
			wantBoot: 0x1000,
		},
		{
			name:          "classic fixes zero offset",
			set:           Set{{0x0, "Bootloader.bin"}, {0x10000, "app.bin"}},
			variant:       "ESP32-D0WD-V3 (revision v3.1)",
			wantCorrected: true,
			wantBoot:      0x1000,
		},
		{
			name:     "s3 already at zero",
			set:      Set{{0x0, "bootloader.bin"}},
			variant:  "esp32-s3",
			wantBoot: 0x0,
		},
		{
			name:     "s2 is classic",
			set:      Set{{0x1000, "bootloader.bin"}},
			variant:  "ESP32-S2",
			wantBoot: 0x1000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.set.Clone()
			got, c, err := CorrectBootloader(tt.set, tt.variant)
			if err != nil {
				t.Fatal(err)
			}
			if c.Corrected != tt.wantCorrected {
				t.Errorf("Corrected = %v, want %v", c.Corrected, tt.wantCorrected)
			}
			if got[0].Address != tt.wantBoot {
				t.Errorf("bootloader address = %#x, want %#x", got[0].Address, tt.wantBoot)
			}
			if !reflect.DeepEqual(tt.set, before) {
				t.Error("input set was modified")
			}
		})
	}
}

func TestCorrectBootloaderNumericCompare(t *testing.T) {
	img, err := NewImage("0x01000", "build/bootloader.bin")
	if err != nil {
		t.Fatal(err)
	}
	_, c, err := CorrectBootloader(Set{img}, "ESP32")
	if err != nil {
		t.Fatal(err)
	}
	if c.Corrected {
		t.Error("0x01000 and 0x1000 are the same address")
	}
}

func TestCorrectBootloaderNoBootloader(t *testing.T) {
	set := Set{{0x8000, "partitions.bin"}, {0x1000, "loader.bin"}, {0x10000, "app.bin"}}
	for _, variant := range []string{"ESP32", "ESP32-C3", "ESP32-H2", ""} {
		got, c, err := CorrectBootloader(set, variant)
		if err != nil {
			t.Fatal(err)
		}
		if c.Corrected || !reflect.DeepEqual(got, set) {
			t.Errorf("variant %q: expected no-op, got %v (%+v)", variant, got, c)
		}
	}
}

func TestCorrectBootloaderDuplicate(t *testing.T) {
	set := Set{{0x1000, "bootloader.bin"}, {0x0, "custom-header.bin"}}
	got, c, err := CorrectBootloader(set, "ESP32-C6")
	var de *DuplicateAddressError
	if !errors.As(err, &de) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if c.Corrected {
		t.Error("failed correction must not be reported as corrected")
	}
	if !reflect.DeepEqual(got, set) {
		t.Errorf("set changed on error: %v", got)
	}
}

func TestCanonicalOrderAfterCorrection(t *testing.T) {
	set := Set{{0x8000, "partitions.bin"}, {0x1000, "bootloader.bin"}, {0x10000, "app.bin"}}
	got, c, err := CorrectBootloader(set, "ESP32")
	if err != nil {
		t.Fatal(err)
	}
	if c.Corrected {
		t.Error("classic layout needs no correction")
	}
	if !reflect.DeepEqual(got.Addresses(), set.Addresses()) {
		t.Errorf("correction reordered the set: %v", got.Addresses())
	}
	want := []string{"0x1000", "0x8000", "0x10000"}
	if sorted := got.Sorted().Addresses(); !reflect.DeepEqual(sorted, want) {
		t.Errorf("sorted addresses = %v, want %v", sorted, want)
	}
}
