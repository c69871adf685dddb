package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidDate = errors.New("invalid season date")

// SeasonDate is a day in the year without the year, written "day.month".
type SeasonDate struct {
	Day   int
	Month int
}

// ParseSeasonDate parses "d.m" strings such as "1.12" or "15.03".
func ParseSeasonDate(raw string) (SeasonDate, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 {
		return SeasonDate{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	d, errD := strconv.Atoi(strings.TrimSpace(parts[0]))
	m, errM := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errD != nil || errM != nil || d < 1 || d > 31 || m < 1 || m > 12 {
		return SeasonDate{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return SeasonDate{Day: d, Month: m}, nil
}

// DateOf returns the season date of t in its own location.
func DateOf(t time.Time) SeasonDate {
	return SeasonDate{Day: t.Day(), Month: int(t.Month())}
}

// Ordinal orders dates within a year as month*100 + day.
func (d SeasonDate) Ordinal() int {
	return d.Month*100 + d.Day
}

func (d SeasonDate) String() string {
	return fmt.Sprintf("%d.%d", d.Day, d.Month)
}
