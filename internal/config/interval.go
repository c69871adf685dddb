package config

import (
	"math"
	"strconv"
	"strings"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

// ValidateInterval clamps v into [lo, hi]. Anything that is not a number,
// including NaN, yields lo.
func ValidateInterval(v any, lo, hi float64) float64 {
	f, ok := state.Float(v)
	if !ok || math.IsNaN(f) {
		return lo
	}
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

func parseInt(raw string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(raw))
}

func parseFloat(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

func parseBool(raw string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(raw))
}
