package translate

import (
	"fmt"
	"math"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/model"
)

// Input carries the raw vendor fields one translation pass works from.
type Input struct {
	StatusCode      string
	PowerStatus     string
	SleepModeActive string
	CycleCount      int
	CycleCapacity   int
	LastSeen        *time.Time

	// PrevLastCleaned carries the registry's last-cleaned timestamp forward
	// for status codes that do not themselves mark a clean.
	PrevLastCleaned *time.Time

	// Now anchors the status-text staleness cutover; tests pin it.
	Now time.Time
}

type statusRow struct {
	movement        model.MovementClass
	contact         model.ContactState
	motion          model.MotionState
	tamper          model.TamperState
	power           model.PowerState
	setsLastCleaned bool
	offline         bool
}

// statusTable maps every known vendor status code. Codes not present fall
// back to failsafeRow: an unmapped code must surface as an alarm, never be
// mistaken for a ready unit.
var statusTable = map[string]statusRow{
	"BR":  {model.MovementAlarm, model.ContactOpen, model.MotionInactive, model.TamperDetected, model.PowerOn, false, false},
	"CCC": {model.MovementIdle, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, true, false},
	"CCP": {model.MovementCleaning, model.ContactOpen, model.MotionActive, model.TamperClear, model.PowerOn, true, false},
	"CSF": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"SCF": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"CSI": {model.MovementAlarm, model.ContactOpen, model.MotionActive, model.TamperClear, model.PowerOn, false, false},
	"CST": {model.MovementIdle, model.ContactClosed, model.MotionActive, model.TamperClear, model.PowerOn, false, false},
	"DF1": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"DF2": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"DFS": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"SDF": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"DHF": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"DPF": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"HPF": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"OTF": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"PD":  {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"SPF": {model.MovementAlarm, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"P":   {model.MovementAlarm, model.ContactOpen, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"EC":  {model.MovementHoming, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
	"OFF": {model.MovementPowerOff, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOff, false, false},
	"OFFLINE": {
		model.MovementPowerOff, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, true,
	},
	"RDY": {model.MovementIdle, model.ContactClosed, model.MotionInactive, model.TamperClear, model.PowerOn, false, false},
}

var failsafeRow = statusRow{
	movement: model.MovementAlarm,
	contact:  model.ContactClosed,
	motion:   model.MotionInactive,
	tamper:   model.TamperClear,
	power:    model.PowerOn,
}

// staleCutover is deliberately just under 24h so the status text does not
// flap between formats across the daily polling cycle.
const staleCutover = 23*time.Hour + 45*time.Minute

// Translate maps one vendor status snapshot to the normalized attribute
// set. It is total: every input, including an unrecognized status code,
// yields a fully populated EventSet.
func Translate(in Input) model.EventSet {
	row, ok := statusTable[in.StatusCode]
	if !ok {
		row = failsafeRow
	}

	out := model.EventSet{
		StatusCode: in.StatusCode,
		Movement:   row.movement,
		Contact:    row.contact,
		Motion:     row.motion,
		Tamper:     row.tamper,
		Power:      row.power,
		Health:     model.HealthOnline,
	}
	if row.offline {
		out.Health = model.HealthOffline
	}

	switch in.PowerStatus {
	case "AC":
		out.PowerSource = model.PowerSourceMains
	case "DC":
		out.PowerSource = model.PowerSourceBattery
	default:
		out.PowerSource = model.PowerSourceUnknown
	}

	if in.LastSeen != nil {
		out.Sleep = ParseSleepMode(in.SleepModeActive, *in.LastSeen)
	} else {
		out.Sleep = model.SleepState{Active: model.SleepUnknown}
	}

	out.DrawerLevel, out.DrawerOverflow = drawerLevel(in.CycleCount, in.CycleCapacity)

	out.LastCleaned = in.PrevLastCleaned
	if row.setsLastCleaned && in.LastSeen != nil {
		out.LastCleaned = in.LastSeen
	}

	out.StatusText = statusText(out.DrawerLevel, out.LastCleaned, in.Now)
	return out
}

// drawerLevel converts the cycle counter to a fill percentage. The raw
// counter can exceed capacity before the operator resets the gauge; the
// percentage is clamped and the overflow reported separately.
func drawerLevel(count, capacity int) (int, bool) {
	if capacity <= 0 {
		return 0, false
	}
	level := int(math.Round(float64(count) / float64(capacity) * 100))
	if level > 100 {
		return 100, true
	}
	if level < 0 {
		return 0, false
	}
	return level, false
}

func statusText(level int, lastCleaned *time.Time, now time.Time) string {
	if lastCleaned == nil {
		return fmt.Sprintf("Drawer at %d%%, not cleaned yet", level)
	}
	cleaned := lastCleaned.In(now.Location())
	if now.Sub(cleaned) >= staleCutover {
		return fmt.Sprintf("Drawer at %d%%, last cleaned %s", level, cleaned.Format("Jan 2 15:04"))
	}
	return fmt.Sprintf("Drawer at %d%%, last cleaned %s", level, cleaned.Format("15:04"))
}
