// Package toolout turns the human-readable output of the external flashing tools into
// typed progress lines. The tools' wording is not a stable interface, so every
// unrecognized line degrades to KindText with the raw text preserved.
package toolout

import (
	"strconv"
	"strings"
	"unicode"

	"mcuflasher/internal/device"
)

// Kind classifies one output line.
type Kind int

const (
	KindText Kind = iota
	KindNoise
	KindConnecting
	KindChip
	KindMAC
	KindProgress
	KindVerified
	KindRunning
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindNoise:
		return "noise"
	case KindConnecting:
		return "connecting"
	case KindChip:
		return "chip"
	case KindMAC:
		return "mac"
	case KindProgress:
		return "progress"
	case KindVerified:
		return "verified"
	case KindRunning:
		return "running"
	case KindError:
		return "error"
	default:
		return "text"
	}
}

// Line is one parsed output line.
type Line struct {
	Kind    Kind
	Raw     string
	Text    string  // operator-facing text
	Value   string  // chip variant or MAC for KindChip/KindMAC
	Percent float64 // valid when Kind == KindProgress and Percent >= 0
}

// Parser parses lines of one tool's output.
type Parser func(raw string) Line

// PartialPrefixes are line starts that esptool updates in place, so fragments
// are worth forwarding before the newline arrives.
var PartialPrefixes = []string{"Connecting", "Writing at", "Erasing", "Reading", "Programming"}

// IsPartialProgress reports whether an unterminated fragment is worth forwarding.
func IsPartialProgress(fragment string) bool {
	f := strings.TrimSpace(fragment)
	for _, p := range PartialPrefixes {
		if strings.HasPrefix(f, p) {
			return true
		}
	}
	return false
}

// ParseEsptool parses one line of esptool output.
func ParseEsptool(raw string) Line {
	s := strings.TrimSpace(raw)
	l := Line{Kind: KindText, Raw: raw, Text: s, Percent: -1}

	switch {
	case s == "":
		l.Kind = KindNoise
	case strings.HasPrefix(s, "Chip is "):
		l.Kind = KindChip
		l.Value = strings.TrimSpace(strings.TrimPrefix(s, "Chip is "))
	case strings.HasPrefix(s, "Chip type:"):
		l.Kind = KindChip
		l.Value = strings.TrimSpace(strings.TrimPrefix(s, "Chip type:"))
	case strings.HasPrefix(s, "Detecting chip type"):
		if v := afterEllipsis(s); v != "" {
			l.Kind = KindChip
			l.Value = v
		}
	case strings.HasPrefix(s, "MAC:"):
		l.Kind = KindMAC
		l.Value = strings.TrimSpace(strings.TrimPrefix(s, "MAC:"))
	case strings.HasPrefix(s, "Connecting"):
		l.Kind = KindConnecting
	case strings.HasPrefix(s, "Writing at") || strings.HasPrefix(s, "Erasing") || strings.HasPrefix(s, "Reading"):
		if p, ok := percent(s); ok {
			l.Kind = KindProgress
			l.Percent = p
		}
	case strings.HasPrefix(s, "Hash of data verified"):
		l.Kind = KindVerified
	case strings.HasPrefix(s, "Hard resetting"):
		l.Kind = KindRunning
	case strings.HasPrefix(s, "A fatal error occurred") || strings.HasPrefix(s, "A serial exception error occurred"):
		l.Kind = KindError
	}
	return l
}

// ParseSTM32 parses one line of STM32_Programmer_CLI output.
func ParseSTM32(raw string) Line {
	s := strings.TrimSpace(raw)
	l := Line{Kind: KindText, Raw: raw, Text: s, Percent: -1}

	switch {
	case s == "" || strings.HasPrefix(s, "Note:"):
		l.Kind = KindNoise
	case strings.ContainsAny(s, "█▓▒░") || strings.Contains(s, "%"):
		if p, ok := percent(s); ok {
			l.Kind = KindProgress
			l.Percent = p
			l.Text = "Programming... " + strconv.FormatFloat(p, 'f', -1, 64) + "%"
		} else {
			l.Kind = KindProgress
			l.Text = "Programming..."
		}
	case strings.Contains(s, "Memory Programming"):
		l.Text = "Programming flash memory..."
	case strings.Contains(s, "Download in Progress"):
		l.Text = "Starting download..."
	case strings.Contains(s, "Download verified successfully"):
		l.Kind = KindVerified
		l.Text = "Verification complete"
	case strings.Contains(s, "Application is running") || strings.Contains(s, "RUNNING"):
		l.Kind = KindRunning
		l.Text = "Firmware uploaded successfully"
	case strings.HasPrefix(s, "Device name") || strings.HasPrefix(s, "Device ID"):
		if v := afterColon(s); v != "" {
			l.Kind = KindChip
			l.Value = v
		}
	case strings.HasPrefix(s, "Error:"):
		l.Kind = KindError
	case !isASCII(s):
		l.Kind = KindNoise
	}
	return l
}

// Identity folds chip and MAC lines into a ChipIdentity.
func Identity(f device.Family, lines []Line) device.ChipIdentity {
	id := device.ChipIdentity{Family: f}
	for _, l := range lines {
		switch l.Kind {
		case KindChip:
			// "Chip is" is more specific than "Detecting chip type", and it comes later
			id.Variant = l.Value
		case KindMAC:
			if id.MAC == "" {
				id.MAC = l.Value
			}
		}
	}
	return id
}

// percent extracts the number right before the first '%'.
func percent(s string) (float64, bool) {
	i := strings.IndexByte(s, '%')
	if i <= 0 {
		return 0, false
	}
	j := i
	for j > 0 && s[j-1] == ' ' {
		j--
	}
	end := j
	for j > 0 && (s[j-1] >= '0' && s[j-1] <= '9' || s[j-1] == '.') {
		j--
	}
	if j == end {
		return 0, false
	}
	v, err := strconv.ParseFloat(s[j:end], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func afterEllipsis(s string) string {
	i := strings.LastIndex(s, "...")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(s[i+3:])
}

func afterColon(s string) string {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(s[i+1:])
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
