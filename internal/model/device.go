package model

import "time"

// MovementClass is the normalized classification of what the robot is doing.
type MovementClass string

const (
	MovementIdle     MovementClass = "IDLE"
	MovementCleaning MovementClass = "CLEANING"
	MovementHoming   MovementClass = "HOMING"
	MovementAlarm    MovementClass = "ALARM"
	MovementPowerOff MovementClass = "POWER_OFF"
)

// ContactState reports the bonnet/drawer contact sensor.
type ContactState string

const (
	ContactClosed ContactState = "CLOSED"
	ContactOpen   ContactState = "OPEN"
)

// MotionState reports whether the unit is physically in motion.
type MotionState string

const (
	MotionActive   MotionState = "ACTIVE"
	MotionInactive MotionState = "INACTIVE"
)

// TamperState reports the tamper sensor derived from bonnet removal.
type TamperState string

const (
	TamperClear    TamperState = "CLEAR"
	TamperDetected TamperState = "DETECTED"
)

// PowerState reports whether the unit is switched on.
type PowerState string

const (
	PowerOn  PowerState = "ON"
	PowerOff PowerState = "OFF"
)

// PowerSource is derived from the raw powerStatus field.
type PowerSource string

const (
	PowerSourceMains   PowerSource = "MAINS"
	PowerSourceBattery PowerSource = "BATTERY"
	PowerSourceUnknown PowerSource = "UNKNOWN"
)

// DeviceHealth distinguishes a responsive unit from one the cloud lost.
type DeviceHealth string

const (
	HealthOnline  DeviceHealth = "ONLINE"
	HealthOffline DeviceHealth = "OFFLINE"
)

// SleepActive is a tri-state: the wire value is not a clean boolean.
type SleepActive string

const (
	SleepOn      SleepActive = "ON"
	SleepOff     SleepActive = "OFF"
	SleepUnknown SleepActive = "UNKNOWN"
)

// SleepState is the derived sleep-mode window for one poll cycle.
// StartTime and EndTime are wall-clock instants computed from the raw
// duration-until-sleep field and the device's lastSeen timestamp.
type SleepState struct {
	Active    SleepActive `json:"active"`
	StartTime *time.Time  `json:"start_time,omitempty"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
}

// EventSet is the full normalized attribute set derived from one vendor
// status code. It is recomputed wholesale on every translation pass.
type EventSet struct {
	StatusCode     string        `json:"status_code"`
	Movement       MovementClass `json:"movement"`
	Contact        ContactState  `json:"contact"`
	Motion         MotionState   `json:"motion"`
	Tamper         TamperState   `json:"tamper"`
	Power          PowerState    `json:"power"`
	PowerSource    PowerSource   `json:"power_source"`
	Health         DeviceHealth  `json:"health"`
	Sleep          SleepState    `json:"sleep"`
	DrawerLevel    int           `json:"drawer_level"`
	DrawerOverflow bool          `json:"drawer_overflow"`
	LastCleaned    *time.Time    `json:"last_cleaned,omitempty"`
	StatusText     string        `json:"status_text"`
}

// RobotInfo is the selection-list view: id plus nickname, nothing derived.
type RobotInfo struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// RobotSelection is the operator-managed registration row for one robot.
// ForceCleanHours of zero disables the force-clean policy for the unit.
type RobotSelection struct {
	ID              string    `json:"id"`
	Nickname        string    `json:"nickname"`
	ForceCleanHours int       `json:"force_clean_hours"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DeviceRecord is the registry's last-known view of one robot.
type DeviceRecord struct {
	ID            string     `json:"id"`
	Nickname      string     `json:"nickname"`
	StatusCode    string     `json:"status_code"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	CycleCount    int        `json:"cycle_count"`
	CycleCapacity int        `json:"cycle_capacity"`
	Attributes    EventSet   `json:"attributes"`
	Connectivity  string     `json:"connectivity"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SessionState is the persisted token material for one account.
type SessionState struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
}
