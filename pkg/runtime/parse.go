package runtime

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// byteUnits maps the suffixes the docker CLI emits to multipliers. Both
// binary (KiB) and decimal (kB) families appear depending on the counter.
var byteUnits = []struct {
	suffix string
	factor float64
}{
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"TB", 1e12},
	{"GB", 1e9},
	{"MB", 1e6},
	{"kB", 1e3},
	{"KB", 1e3},
	{"B", 1},
}

// ParseBytes parses a docker-style byte quantity such as "11.5MiB",
// "1.2 GB" or "648B". A comma is treated as a decimal point.
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "--" {
		return 0, nil
	}
	s = strings.ReplaceAll(s, ",", ".")

	for _, u := range byteUnits {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse byte quantity %q: %w", s, err)
		}
		if v < 0 {
			return 0, fmt.Errorf("negative byte quantity %q", s)
		}
		return uint64(v * u.factor), nil
	}
	// Bare number, assume bytes.
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse byte quantity %q: %w", s, err)
	}
	return uint64(v), nil
}

// ParseMemoryMiB parses a byte quantity and rounds to whole MiB. Non-zero
// sub-MiB quantities floor to 1 so a live container never reads as zero.
func ParseMemoryMiB(s string) (uint64, error) {
	b, err := ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if b == 0 {
		return 0, nil
	}
	mib := uint64(math.Round(float64(b) / (1 << 20)))
	if mib == 0 {
		mib = 1
	}
	return mib, nil
}

// ParsePercent parses a docker percent reading such as "12.34%".
func ParsePercent(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" || s == "--" {
		return 0, nil
	}
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse percent %q: %w", s, err)
	}
	return v, nil
}

// splitPair splits a "used / limit" or "rx / tx" counter pair.
func splitPair(s string) (string, string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}
