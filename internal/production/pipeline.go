package production

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/upload"
)

// Uploader is the part of flashtool.Flasher an attempt needs.
type Uploader interface {
	Flash(ctx context.Context, set firmware.Set) upload.Outcome
	Erase(ctx context.Context) error
	Identify(ctx context.Context) (device.ChipIdentity, error)
}

// Stage is how far an attempt got.
type Stage int

const (
	StageErase Stage = iota
	StageIdentify
	StageFlash
)

// Pipeline is one upload attempt: optional erase, chip identification, bootloader
// address correction, flash.
type Pipeline struct {
	Family    device.Family
	Uploader  Uploader
	Images    firmware.Set
	FullErase bool

	log  *logrus.Entry
	emit emitter
}

// Run performs the attempt. It never panics; an internal failure becomes a Failure outcome.
func (p *Pipeline) Run(ctx context.Context) (out upload.Outcome, stage Stage) {
	id := uuid.NewString()
	started := time.Now()
	log := p.logger().WithField("attempt", id)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("attempt panicked: %v\n%s", r, debug.Stack())
			out = upload.Outcome{ID: id, Family: p.Family, Images: p.Images, Started: started}.
				Finish(errors.Errorf("internal error: %v", r))
			stage = StageFlash
		}
	}()

	base := upload.Outcome{ID: id, Family: p.Family, Images: p.Images.Sorted(), Started: started}

	if p.FullErase {
		p.emit.logf(id, "Erasing flash...")
		if err := p.Uploader.Erase(ctx); err != nil {
			log.WithError(err).Warn("erase failed")
			return base.Finish(errors.Wrap(err, "erase")), StageErase
		}
		p.emit.logf(id, "Flash erased")
	}

	set := p.Images
	var (
		chip      = device.ChipIdentity{Family: p.Family}
		corrected bool
	)
	if p.Family == device.FamilyESP32 && hasBootloader(set) {
		stage = StageIdentify
		ident, err := p.Uploader.Identify(ctx)
		switch {
		case upload.IsStopped(err):
			return base.Finish(err), stage
		case err != nil:
			log.WithError(err).Warn("chip identification failed, flashing without bootloader check")
			p.emit.logf(id, "Could not identify chip; bootloader address left as configured")
		default:
			chip = ident
			fixed, corr, err := firmware.CorrectBootloader(set, chip.Variant)
			if err != nil {
				return base.Finish(&upload.ConfigurationError{Field: "images", Reason: err.Error()}), stage
			}
			if corr.Corrected {
				msg := fmt.Sprintf("Bootloader %s moved from %s to %s for %s",
					corr.Path, firmware.FormatAddress(corr.From), firmware.FormatAddress(corr.To), chip.Variant)
				log.Info(msg)
				p.emit.logf(id, msg)
			}
			set, corrected = fixed, corr.Corrected
		}
	}

	stage = StageFlash
	out = p.Uploader.Flash(ctx, set)
	out.ID = id
	out.Family = p.Family
	out.Started = started
	out.Corrected = corrected
	out.Chip = chip
	if len(out.Images) == 0 {
		out.Images = set.Sorted()
	}
	return out, StageFlash
}

func (p *Pipeline) logger() *logrus.Entry {
	if p.log != nil {
		return p.log
	}
	return logrus.WithFields(logrus.Fields{"component": "production", "family": p.Family.String()})
}

func hasBootloader(s firmware.Set) bool {
	for _, img := range s {
		if firmware.IsBootloader(img.Path) {
			return true
		}
	}
	return false
}
