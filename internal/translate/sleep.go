package translate

import (
	"fmt"
	"strings"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/model"
)

// Sleep windows are always eight hours from the computed start.
const sleepWindowLength = 8 * time.Hour

// ParseSleepMode derives the sleep window from the raw sleepModeActive field.
//
// The wire format is a leading digit followed by an HH:MM:SS countdown until
// sleep begins: "122:30:00" means sleep mode is enabled and starts 1h30m
// after lastSeen (24:00:00 minus the countdown). A bare "0" means disabled.
// Anything else is reported as UNKNOWN rather than guessed at.
func ParseSleepMode(raw string, lastSeen time.Time) model.SleepState {
	raw = strings.TrimSpace(raw)
	if raw == "0" {
		return model.SleepState{Active: model.SleepOff}
	}
	if len(raw) < 2 || raw[0] != '1' {
		return model.SleepState{Active: model.SleepUnknown}
	}

	countdown, err := parseClockDuration(raw[1:])
	if err != nil || countdown > 24*time.Hour {
		return model.SleepState{Active: model.SleepUnknown}
	}

	start := lastSeen.Add(24*time.Hour - countdown)
	end := start.Add(sleepWindowLength)
	return model.SleepState{Active: model.SleepOn, StartTime: &start, EndTime: &end}
}

// InSleepWindow reports whether now falls inside the daily window whose
// boundaries carry the wall-clock times of start and end. The computed
// window may be days old, so only its times-of-day matter; windows that
// wrap past midnight are normalized with explicit day-rollover arithmetic.
func InSleepWindow(now, start, end time.Time) bool {
	s := onDate(now, start)
	e := onDate(now, end)

	if !e.After(s) {
		// Window wraps midnight. Either we are in the tail that started
		// yesterday, or the end boundary belongs to tomorrow.
		if now.Before(e) {
			s = s.Add(-24 * time.Hour)
		} else {
			e = e.Add(24 * time.Hour)
		}
	}
	return !now.Before(s) && now.Before(e)
}

func onDate(day, clock time.Time) time.Time {
	c := clock.In(day.Location())
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour(), c.Minute(), c.Second(), 0, day.Location())
}

// parseClockDuration parses an HH:MM:SS string into a duration.
func parseClockDuration(raw string) (time.Duration, error) {
	var h, m, s int
	if _, err := fmt.Sscanf(raw, "%d:%d:%d", &h, &m, &s); err != nil {
		return 0, fmt.Errorf("malformed clock duration %q: %w", raw, err)
	}
	if h < 0 || m < 0 || m > 59 || s < 0 || s > 59 {
		return 0, fmt.Errorf("clock duration %q out of range", raw)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, nil
}

// FormatClockDuration renders a duration as HH:MM:SS for command payloads.
func FormatClockDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
