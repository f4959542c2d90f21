package litterrobot

import (
	"strconv"
	"strings"
	"time"
)

const lastSeenLayout = "2006-01-02T15:04:05.999999"

// Robot is the raw per-unit record as the cloud returns it. Numeric fields
// arrive as strings on the wire; accessors parse them leniently.
type Robot struct {
	LitterRobotID         string `json:"litterRobotId"`
	LitterRobotNickname   string `json:"litterRobotNickname"`
	LitterRobotSerial     string `json:"litterRobotSerial"`
	UnitStatus            string `json:"unitStatus"`
	PowerStatus           string `json:"powerStatus"`
	SleepModeActive       string `json:"sleepModeActive"`
	PanelLockActive       string `json:"panelLockActive"`
	NightLightActive      string `json:"nightLightActive"`
	CycleCount            string `json:"cycleCount"`
	CycleCapacity         string `json:"cycleCapacity"`
	CyclesAfterDrawerFull string `json:"cyclesAfterDrawerFull"`
	CleanCycleWaitTime    string `json:"cleanCycleWaitTimeMinutes"`
	LastSeenRaw           string `json:"lastSeen"`
}

func (r Robot) CycleCountInt() int    { return atoi(r.CycleCount) }
func (r Robot) CycleCapacityInt() int { return atoi(r.CycleCapacity) }

// LastSeen parses the cloud timestamp. The API omits a zone designator;
// timestamps are UTC.
func (r Robot) LastSeen() *time.Time {
	raw := strings.TrimSpace(r.LastSeenRaw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{lastSeenLayout, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

func atoi(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

// Activity is one row of the unit's history feed.
type Activity struct {
	UnitStatus string `json:"unitStatus"`
	Timestamp  string `json:"timestamp"`
}

func (a Activity) Time() *time.Time {
	raw := strings.TrimSpace(a.Timestamp)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{lastSeenLayout, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
