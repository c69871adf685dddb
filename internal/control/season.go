package control

import (
	"fmt"

	"github.com/oikosnomo/ccu-bridge/internal/config"
)

// SeasonWindow is the winter period [From, To). It may wrap the new year.
type SeasonWindow struct {
	From config.SeasonDate
	To   config.SeasonDate
}

func ParseSeasonWindow(from, to string) (SeasonWindow, error) {
	f, err := config.ParseSeasonDate(from)
	if err != nil {
		return SeasonWindow{}, fmt.Errorf("winter start: %w", err)
	}
	t, err := config.ParseSeasonDate(to)
	if err != nil {
		return SeasonWindow{}, fmt.Errorf("winter end: %w", err)
	}
	return SeasonWindow{From: f, To: t}, nil
}

// Contains reports whether d falls in the window. The start is inclusive,
// the end exclusive.
func (w SeasonWindow) Contains(d config.SeasonDate) bool {
	from, to, now := w.From.Ordinal(), w.To.Ordinal(), d.Ordinal()
	if from < to {
		return now >= from && now < to
	}
	return (now >= from || now < to) && now != to
}

// IsEnd reports whether d is the window's end date.
func (w SeasonWindow) IsEnd(d config.SeasonDate) bool {
	return d.Ordinal() == w.To.Ordinal()
}
