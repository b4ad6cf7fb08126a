package campaign

import (
	"fmt"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return h*60 + m, nil
}

// callWindow decides whether dialing is allowed at a given instant. A zero
// window allows dialing around the clock.
type callWindow struct {
	start, end int // minutes since midnight
	loc        *time.Location
	enabled    bool
}

// newCallWindow builds the window from campaign settings. Malformed
// settings disable the window rather than blocking the campaign.
func newCallWindow(s models.CampaignSettings) callWindow {
	if s.WindowStart == "" || s.WindowEnd == "" {
		return callWindow{}
	}
	start, err1 := parseClock(s.WindowStart)
	end, err2 := parseClock(s.WindowEnd)
	if err1 != nil || err2 != nil || start == end {
		return callWindow{}
	}
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	return callWindow{start: start, end: end, loc: loc, enabled: true}
}

// open reports whether now falls inside the window. Windows that cross
// midnight ("21:00"–"06:00") wrap.
func (w callWindow) open(now time.Time) bool {
	if !w.enabled {
		return true
	}
	local := now.In(w.loc)
	minute := local.Hour()*60 + local.Minute()
	if w.start < w.end {
		return minute >= w.start && minute < w.end
	}
	return minute >= w.start || minute < w.end
}

// untilOpen returns how long from now until the window next opens. Zero
// when already open.
func (w callWindow) untilOpen(now time.Time) time.Duration {
	if w.open(now) {
		return 0
	}
	local := now.In(w.loc)
	opens := time.Date(local.Year(), local.Month(), local.Day(), w.start/60, w.start%60, 0, 0, w.loc)
	if !opens.After(local) {
		opens = opens.AddDate(0, 0, 1)
	}
	return opens.Sub(local)
}
