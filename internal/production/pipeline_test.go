package production

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/upload"
)

func TestPipelineCorrectsBootloaderForNewerChip(t *testing.T) {
	_, set := imageFiles(t, "bootloader.bin", "partitions.bin", "app.bin")
	u := &fakeUploader{variant: "ESP32-C3 (QFN32) (revision v0.4)"}
	events := &eventLog{}
	p := &Pipeline{Family: device.FamilyESP32, Uploader: u, Images: set, emit: emitter{handler: events.handle}}

	out, stage := p.Run(context.Background())
	if !out.Succeeded() || stage != StageFlash {
		t.Fatalf("outcome %v stage %v: %v", out.Status, stage, out.Err)
	}
	if !out.Corrected {
		t.Error("expected correction")
	}
	flashed := u.lastSet().Sorted()
	if flashed[0].Address != firmware.NewerBootloaderAddress || !firmware.IsBootloader(flashed[0].Path) {
		t.Errorf("flashed %v", flashed)
	}
	if !strings.HasPrefix(out.Chip.Variant, "ESP32-C3") {
		t.Errorf("chip = %+v", out.Chip)
	}
	// the caller's set is not modified
	if set[0].Address != 0x1000 {
		t.Errorf("input set changed: %v", set)
	}
}

func TestPipelineClassicChipUnchanged(t *testing.T) {
	_, set := imageFiles(t, "partitions.bin", "bootloader.bin", "app.bin")
	u := &fakeUploader{variant: "ESP32-D0WD-V3 (revision v3.1)"}
	p := &Pipeline{Family: device.FamilyESP32, Uploader: u, Images: set}

	out, _ := p.Run(context.Background())
	if out.Corrected {
		t.Error("classic chip corrected")
	}
	if got := strings.Join(u.lastSet().Sorted().Addresses(), " "); got != "0x1000 0x8000 0x10000" {
		t.Errorf("addresses %s", got)
	}
}

func TestPipelineIdentifyFailureStillFlashes(t *testing.T) {
	_, set := imageFiles(t, "bootloader.bin", "app.bin")
	u := &fakeUploader{identErr: errors.New("no chip line")}
	p := &Pipeline{Family: device.FamilyESP32, Uploader: u, Images: set}

	out, _ := p.Run(context.Background())
	if !out.Succeeded() || out.Corrected {
		t.Errorf("outcome %+v", out)
	}
	if u.flashes.Load() != 1 {
		t.Error("did not flash")
	}
}

func TestPipelineSkipsIdentifyWithoutBootloader(t *testing.T) {
	_, set := imageFiles(t, "app.bin")
	u := &fakeUploader{}
	p := &Pipeline{Family: device.FamilyESP32, Uploader: u, Images: set}
	p.Run(context.Background())
	if u.identifies.Load() != 0 {
		t.Error("identified without a bootloader image")
	}
}

func TestPipelineEraseFailure(t *testing.T) {
	_, set := imageFiles(t, "app.bin")
	u := &fakeUploader{eraseErr: errors.New("exit 2")}
	p := &Pipeline{Family: device.FamilySTM32, Uploader: u, Images: set, FullErase: true}

	out, stage := p.Run(context.Background())
	if stage != StageErase || out.Status != upload.StatusFailure {
		t.Errorf("stage %v status %v", stage, out.Status)
	}
	if u.flashes.Load() != 0 {
		t.Error("flashed after failed erase")
	}
	if out.ID == "" || out.Finished.IsZero() {
		t.Errorf("outcome fields missing: %+v", out)
	}
}
