// Package bizclock resolves region hints to time zones and does the
// business-day arithmetic behind chaser scheduling. Weekends are the only
// non-business days; holidays are deliberately not modeled.
package bizclock

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ianaByRegion maps the region shortcuts used in task rows to IANA zone ids.
// Arbitrary IANA ids pass through Resolve unchanged; anything unknown falls
// back to UTC.
var ianaByRegion = map[string]string{
	"AMER":        "America/Chicago",
	"AMERICAS":    "America/Chicago",
	"NA":          "America/Chicago",
	"EMEA":        "Europe/London",
	"EU":          "Europe/London",
	"APAC":        "Asia/Singapore",
	"APJ":         "Asia/Singapore",
	"AUS":         "Australia/Sydney",
	"NZ":          "Pacific/Auckland",
	"NZL":         "Pacific/Auckland",
	"AUCKLAND":    "Pacific/Auckland",
	"WELLINGTON":  "Pacific/Auckland",
	"NEW ZEALAND": "Pacific/Auckland",
}

// windowsByRegion is the platform-native equivalent of ianaByRegion for
// hosts without the IANA database.
var windowsByRegion = map[string]string{
	"AMER":        "Central Standard Time",
	"AMERICAS":    "Central Standard Time",
	"NA":          "Central Standard Time",
	"EMEA":        "GMT Standard Time",
	"EU":          "GMT Standard Time",
	"APAC":        "Singapore Standard Time",
	"APJ":         "Singapore Standard Time",
	"AUS":         "AUS Eastern Standard Time",
	"NZ":          "New Zealand Standard Time",
	"NZL":         "New Zealand Standard Time",
	"AUCKLAND":    "New Zealand Standard Time",
	"WELLINGTON":  "New Zealand Standard Time",
	"NEW ZEALAND": "New Zealand Standard Time",
}

// Clock performs region-aware scheduling arithmetic. The zero value is not
// usable; construct with New.
type Clock struct {
	log *zap.Logger

	mu     sync.Mutex
	warned map[string]bool
}

func New(log *zap.Logger) *Clock {
	return &Clock{
		log:    log,
		warned: make(map[string]bool),
	}
}

// Location resolves a region hint to a *time.Location. Unknown regions fall
// back to UTC with one warning per region per process lifetime.
func (c *Clock) Location(region string) *time.Location {
	key := strings.ToUpper(strings.TrimSpace(region))
	if key == "" || key == "UTC" {
		return time.UTC
	}

	if id, ok := ianaByRegion[key]; ok {
		if loc, err := time.LoadLocation(id); err == nil {
			return loc
		}
	}

	// A raw IANA id ("Europe/Paris") passes through.
	if loc, err := time.LoadLocation(region); err == nil {
		return loc
	}

	c.mu.Lock()
	if !c.warned[key] {
		c.warned[key] = true
		c.log.Warn("unknown region, falling back to UTC", zap.String("region", region))
	}
	c.mu.Unlock()
	return time.UTC
}

// WindowsZoneID returns the platform-native zone id for a region shortcut.
func WindowsZoneID(region string) (string, bool) {
	id, ok := windowsByRegion[strings.ToUpper(strings.TrimSpace(region))]
	return id, ok
}

// AddBusinessDays adds n business days to t in UTC, skipping Saturday and
// Sunday. Negative n moves backward. AddBusinessDays(t, 0) == t.
func AddBusinessDays(t time.Time, n int) time.Time {
	t = t.UTC()
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for remaining := n; remaining > 0; {
		t = t.AddDate(0, 0, step)
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		remaining--
	}
	return t
}

// NextBusinessDayAtHourUtc returns the next instant, strictly after fromUtc,
// whose local weekday in the region is Mon-Fri and whose local clock reads
// sendHourLocal:00:00. If today's send hour has not yet passed locally it is
// used; otherwise the search starts on the next calendar day.
func (c *Clock) NextBusinessDayAtHourUtc(region string, sendHourLocal int, fromUtc time.Time) time.Time {
	if sendHourLocal < 0 {
		sendHourLocal = 0
	}
	if sendHourLocal > 23 {
		sendHourLocal = 23
	}

	loc := c.Location(region)
	local := fromUtc.In(loc)

	candidate := time.Date(local.Year(), local.Month(), local.Day(), sendHourLocal, 0, 0, 0, loc)
	if !candidate.After(fromUtc) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	for {
		if wd := candidate.Weekday(); wd != time.Saturday && wd != time.Sunday {
			break
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC()
}

// IsWithinWindow reports whether nowUtc falls on a local business day with
// startHourLocal <= local hour < endHourLocal. cushionHours narrows the end
// of the window when positive.
func (c *Clock) IsWithinWindow(region string, startHourLocal, endHourLocal, cushionHours int, nowUtc time.Time) bool {
	loc := c.Location(region)
	local := nowUtc.In(loc)

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}

	end := endHourLocal
	if cushionHours > 0 {
		end -= cushionHours
	}
	h := local.Hour()
	return h >= startHourLocal && h < end
}
