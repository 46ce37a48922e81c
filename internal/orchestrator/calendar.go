package orchestrator

import (
	"fmt"
	"time"

	// Venue windows must resolve even on hosts without a zone database.
	_ "time/tzdata"

	"github.com/tradesim/tradesim/internal/domain"
)

// DefaultExchanges returns the venues seeded into an empty registry.
func DefaultExchanges() []domain.Exchange {
	return []domain.Exchange{
		{
			ExchID:    "US_EQUITY",
			Name:      "US Equities",
			Timezone:  "America/New_York",
			OpenTime:  "09:30",
			CloseTime: "16:00",
			Active:    true,
			UpdatedAt: time.Now(),
		},
	}
}

// shouldBeRunning reports whether the venue is inside its trading window:
// pre_open <= now (in the venue's timezone) <= post_close. Weekends are
// always outside the window.
func shouldBeRunning(ex domain.Exchange, now time.Time) (bool, error) {
	loc, err := time.LoadLocation(ex.Timezone)
	if err != nil {
		return false, fmt.Errorf("invalid timezone %q: %w", ex.Timezone, err)
	}

	local := now.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}

	open, err := domain.ParseClock(ex.OpenTime)
	if err != nil {
		return false, fmt.Errorf("exchange %s: %w", ex.ExchID, err)
	}
	clos, err := domain.ParseClock(ex.CloseTime)
	if err != nil {
		return false, fmt.Errorf("exchange %s: %w", ex.ExchID, err)
	}

	preOpen := open - ex.PreOpenMinutes
	if preOpen < 0 {
		preOpen = 0
	}
	postClose := clos + ex.PostCloseMinutes

	second := local.Hour()*3600 + local.Minute()*60 + local.Second()
	return second >= preOpen*60 && second <= postClose*60, nil
}
