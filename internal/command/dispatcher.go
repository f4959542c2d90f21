package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/model"
	"github.com/whisker-ha/litterrobot-bridge/internal/translate"
)

// Verb is the closed command vocabulary the bridge accepts.
type Verb string

const (
	StartClean    Verb = "start-clean"
	PowerOn       Verb = "power-on"
	PowerOff      Verb = "power-off"
	NightLightOn  Verb = "light-on"
	NightLightOff Verb = "light-off"
	PanelLockOn   Verb = "panel-lock-on"
	PanelLockOff  Verb = "panel-lock-off"
	SleepOn       Verb = "sleep-on"
	SleepOff      Verb = "sleep-off"
	SetWaitTime   Verb = "set-wait-time"
	ResetGauge    Verb = "reset-gauge"
)

// refreshDelay gives the unit time to report its state transition before
// the post-command refresh fires.
const refreshDelay = 15 * time.Second

// CloudClient is the outbound surface the dispatcher needs; the concrete
// litterrobot client satisfies it.
type CloudClient interface {
	DispatchCommand(ctx context.Context, robotID, token string) error
	ResetGauge(ctx context.Context, robotID, nickname string, cycleCapacity int) error
}

// RecordSource provides the registry's last-known view for encoding
// commands that need device state (gauge reset).
type RecordSource interface {
	Record(id string) (model.DeviceRecord, bool)
}

// RefreshFunc refreshes a single robot after a command lands.
type RefreshFunc func(ctx context.Context, robotID string) error

// Dispatcher encodes verbs to vendor wire tokens, sends them, and schedules
// a deferred single-device refresh to pick up the resulting transition.
// The refresh is fire-and-forget: its failure is logged, never returned to
// the command's caller.
type Dispatcher struct {
	client  CloudClient
	records RecordSource
	refresh RefreshFunc
	logger  *slog.Logger

	delay time.Duration
	nowFn func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewDispatcher(client CloudClient, records RecordSource, refresh RefreshFunc, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:  client,
		records: records,
		refresh: refresh,
		logger:  logger,
		delay:   refreshDelay,
		nowFn:   time.Now,
		timers:  map[string]*time.Timer{},
	}
}

// Dispatch sends one command. arg carries the verb parameter: the desired
// start time ("HH:MM") for sleep-on, the wait minutes for set-wait-time.
func (d *Dispatcher) Dispatch(ctx context.Context, robotID string, verb Verb, arg string) error {
	if verb == ResetGauge {
		record, ok := d.records.Record(robotID)
		if !ok {
			return fmt.Errorf("robot %s is not tracked", robotID)
		}
		if err := d.client.ResetGauge(ctx, robotID, record.Nickname, record.CycleCapacity); err != nil {
			return err
		}
		d.scheduleRefresh(robotID)
		return nil
	}

	token, err := EncodeVerb(verb, arg, d.nowFn())
	if err != nil {
		return err
	}
	if err := d.client.DispatchCommand(ctx, robotID, token); err != nil {
		return err
	}
	d.scheduleRefresh(robotID)
	return nil
}

// CancelPending drops the deferred refresh for one robot, used when the
// operator deselects it before the timer fires.
func (d *Dispatcher) CancelPending(robotID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[robotID]; ok {
		timer.Stop()
		delete(d.timers, robotID)
	}
}

// Close cancels every pending refresh timer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}

func (d *Dispatcher) scheduleRefresh(robotID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if timer, ok := d.timers[robotID]; ok {
		timer.Stop()
	}
	d.timers[robotID] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, robotID)
		d.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.refresh(ctx, robotID); err != nil {
			d.logger.Warn("post-command refresh failed", "robot", robotID, "err", err)
		}
	})
}

// EncodeVerb maps a verb to the vendor wire token. Sleep-on computes the
// countdown until the requested start time next occurs, wrapping to the
// following day when the time has already passed.
func EncodeVerb(verb Verb, arg string, now time.Time) (string, error) {
	switch verb {
	case StartClean:
		return "C", nil
	case PowerOn:
		return "P1", nil
	case PowerOff:
		return "P0", nil
	case NightLightOn:
		return "N1", nil
	case NightLightOff:
		return "N0", nil
	case PanelLockOn:
		return "L1", nil
	case PanelLockOff:
		return "L0", nil
	case SleepOff:
		return "S0", nil
	case SleepOn:
		start, err := time.Parse("15:04", strings.TrimSpace(arg))
		if err != nil {
			return "", fmt.Errorf("sleep-on needs a HH:MM start time: %w", err)
		}
		return "S1" + translate.FormatClockDuration(untilNext(now, start.Hour(), start.Minute())), nil
	case SetWaitTime:
		switch strings.TrimSpace(arg) {
		case "3":
			return "W3", nil
		case "7":
			return "W7", nil
		case "15":
			// 15 is sent as its hex digit.
			return "WF", nil
		default:
			return "", fmt.Errorf("wait time must be 3, 7 or 15 minutes, got %q", arg)
		}
	default:
		return "", fmt.Errorf("unknown command verb %q", verb)
	}
}

func untilNext(now time.Time, hour, minute int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
