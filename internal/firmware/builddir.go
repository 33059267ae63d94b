package firmware

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Default offsets used by ESP-IDF builds.
const (
	PartitionTableAddress uint32 = 0x8000
	OTADataAddress        uint32 = 0xd000
	AppAddress            uint32 = 0x10000
)

// GuessAddress picks an offset from a file name, assuming classic ESP32 layout.
func GuessAddress(path string) uint32 {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "bootloader"):
		return ClassicBootloaderAddress
	case strings.Contains(name, "partition"):
		return PartitionTableAddress
	case strings.Contains(name, "ota_data"):
		return OTADataAddress
	}
	return AppAddress
}

type flasherArgs struct {
	FlashFiles map[string]string `json:"flash_files"`
}

// ScanBuildDir collects the images of an ESP-IDF build directory.
// flasher_args.json is authoritative when present; otherwise well-known file names are used.
func ScanBuildDir(dir string) (Set, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "scan build directory")
	}
	if !st.IsDir() {
		return nil, errors.Errorf("%s is not a directory", dir)
	}

	if set, err := fromFlasherArgs(dir); err == nil && len(set) > 0 {
		return set.Sorted(), nil
	}
	return fromFileNames(dir)
}

func fromFlasherArgs(dir string) (Set, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "flasher_args.json"))
	if err != nil {
		return nil, err
	}
	var args flasherArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "parse flasher_args.json")
	}

	var set Set
	for addr, rel := range args.FlashFiles {
		img, err := NewImage(addr, filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		set = append(set, img)
	}
	return set, nil
}

var knownBuildFiles = map[string]uint32{
	"partition-table.bin":  PartitionTableAddress,
	"partitions.bin":       PartitionTableAddress,
	"ota_data_initial.bin": OTADataAddress,
}

func fromFileNames(dir string) (Set, error) {
	var set Set

	for _, rel := range []string{"bootloader.bin", filepath.Join("bootloader", "bootloader.bin")} {
		p := filepath.Join(dir, rel)
		if _, err := os.Stat(p); err == nil {
			set = append(set, Image{Address: ClassicBootloaderAddress, Path: p})
			break
		}
	}

	for _, group := range [][]string{{"partition-table.bin", "partitions.bin"}, {"ota_data_initial.bin"}} {
		if img, ok := findFirst(dir, group); ok {
			set = append(set, img)
		}
	}

	bins, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, errors.Wrap(err, "scan build directory")
	}
	for _, p := range bins {
		name := filepath.Base(p)
		if _, known := knownBuildFiles[name]; known || name == "bootloader.bin" {
			continue
		}
		set = append(set, Image{Address: AppAddress, Path: p})
		break
	}

	if len(set) == 0 {
		return nil, errors.Errorf("no firmware images found in %s", dir)
	}
	return set.Sorted(), nil
}

// findFirst returns the first existing file of the group, in the build root or the
// partition_table subdirectory.
func findFirst(dir string, names []string) (Image, bool) {
	for _, name := range names {
		for _, rel := range []string{name, filepath.Join("partition_table", name)} {
			p := filepath.Join(dir, rel)
			if _, err := os.Stat(p); err == nil {
				return Image{Address: knownBuildFiles[name], Path: p}, true
			}
		}
	}
	return Image{}, false
}
