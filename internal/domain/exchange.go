package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exchange is a registered trading venue. The orchestrator keeps one
// simulator pod alive per active exchange while the venue is inside its
// trading window.
type Exchange struct {
	ExchID           string    `json:"exch_id"`
	Name             string    `json:"name"`
	Timezone         string    `json:"timezone"`
	OpenTime         string    `json:"open_time"`  // "HH:MM" wall clock in Timezone
	CloseTime        string    `json:"close_time"` // "HH:MM" wall clock in Timezone
	PreOpenMinutes   int       `json:"pre_open_minutes"`
	PostCloseMinutes int       `json:"post_close_minutes"`
	Active           bool      `json:"active"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ParseClock converts an "HH:MM" string into minutes since midnight.
func ParseClock(clock string) (int, error) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	return hours*60 + minutes, nil
}

// Validate checks that the exchange definition is usable by the scheduler.
func (e Exchange) Validate() error {
	if e.ExchID == "" {
		return fmt.Errorf("exchange id is required")
	}
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", e.Timezone, err)
	}
	open, err := ParseClock(e.OpenTime)
	if err != nil {
		return fmt.Errorf("invalid open time: %w", err)
	}
	clos, err := ParseClock(e.CloseTime)
	if err != nil {
		return fmt.Errorf("invalid close time: %w", err)
	}
	if clos <= open {
		return fmt.Errorf("close %s must be after open %s", e.CloseTime, e.OpenTime)
	}
	if e.PreOpenMinutes < 0 || e.PostCloseMinutes < 0 {
		return fmt.Errorf("window offsets must be non-negative")
	}
	return nil
}
