package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Image is one file destined for a flash offset.
type Image struct {
	Address uint32 `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// ParseAddress parses a hex offset. The 0x prefix is optional, as the flashing tools accept both.
func ParseAddress(s string) (uint32, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.TrimPrefix(t, "0x")
	if t == "" {
		return 0, errors.Errorf("invalid hex address %q", s)
	}
	v, err := strconv.ParseUint(t, 16, 32)
	if err != nil {
		return 0, errors.Errorf("invalid hex address %q", s)
	}
	return uint32(v), nil
}

// FormatAddress renders an offset the way the tools print it.
func FormatAddress(a uint32) string {
	return fmt.Sprintf("0x%x", a)
}

// NewImage builds an image from a textual address.
func NewImage(address, path string) (Image, error) {
	a, err := ParseAddress(address)
	if err != nil {
		return Image{}, err
	}
	return Image{Address: a, Path: path}, nil
}

// AddressHex is the address in tool argument form.
func (i Image) AddressHex() string {
	return FormatAddress(i.Address)
}

// Name is the file's base name.
func (i Image) Name() string {
	return filepath.Base(i.Path)
}

func (i Image) String() string {
	return i.AddressHex() + ": " + i.Name()
}

// Set is an ordered list of images for one board.
type Set []Image

// Sorted returns a copy ordered by ascending address. Equal addresses keep their original order.
func (s Set) Sorted() Set {
	out := s.Clone()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Address < out[j].Address
	})
	return out
}

// Clone copies the set so callers can rewrite entries without aliasing.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}

// Addresses lists the addresses in tool argument form, in set order.
func (s Set) Addresses() []string {
	return lo.Map(s, func(img Image, _ int) string { return img.AddressHex() })
}

// Names lists the file base names, in set order.
func (s Set) Names() []string {
	return lo.Map(s, func(img Image, _ int) string { return img.Name() })
}

// Pairs flattens the set into address/path arguments.
func (s Set) Pairs() []string {
	return lo.FlatMap(s, func(img Image, _ int) []string {
		return []string{img.AddressHex(), img.Path}
	})
}

// DuplicateAddressError reports two images targeting the same offset.
type DuplicateAddressError struct {
	Address uint32
	First   string
	Second  string
}

func (e *DuplicateAddressError) Error() string {
	return fmt.Sprintf("%s and %s both target address %s",
		filepath.Base(e.First), filepath.Base(e.Second), FormatAddress(e.Address))
}

// CheckDuplicates returns a DuplicateAddressError for the first repeated address.
func (s Set) CheckDuplicates() error {
	seen := make(map[uint32]string, len(s))
	for _, img := range s {
		if prev, ok := seen[img.Address]; ok {
			return &DuplicateAddressError{Address: img.Address, First: prev, Second: img.Path}
		}
		seen[img.Address] = img.Path
	}
	return nil
}

// MissingFileError reports an image file that cannot be read.
type MissingFileError struct {
	Path string
	Err  error
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("firmware file not found: %s", e.Path)
}

func (e *MissingFileError) Unwrap() error { return e.Err }

// Validate checks the set is non-empty, every file is readable, and no address repeats.
func (s Set) Validate() error {
	if len(s) == 0 {
		return errors.New("no firmware files specified")
	}
	for _, img := range s {
		f, err := os.Open(img.Path)
		if err != nil {
			return &MissingFileError{Path: img.Path, Err: err}
		}
		st, err := f.Stat()
		f.Close()
		if err != nil {
			return &MissingFileError{Path: img.Path, Err: err}
		}
		if st.IsDir() {
			return &MissingFileError{Path: img.Path, Err: errors.New("is a directory")}
		}
	}
	return s.CheckDuplicates()
}
