package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/model"
	"github.com/whisker-ha/litterrobot-bridge/internal/translate"
)

// checkPeriod is how often the force-clean policy is evaluated.
const checkPeriod = 5 * time.Minute

// SelectionSource yields the operator's selection rows, which carry the
// per-robot force-clean interval.
type SelectionSource interface {
	ListSelected(ctx context.Context) ([]model.RobotSelection, error)
}

// ForceCleanMonitor issues a clean cycle for any selected robot that has
// been idle past its configured interval and is not inside its sleep
// window. Robots without an interval are left alone.
type ForceCleanMonitor struct {
	records    RecordSource
	selections SelectionSource
	dispatcher *Dispatcher
	logger     *slog.Logger
	nowFn      func() time.Time
}

func NewForceCleanMonitor(records RecordSource, selections SelectionSource, dispatcher *Dispatcher, logger *slog.Logger) *ForceCleanMonitor {
	return &ForceCleanMonitor{
		records:    records,
		selections: selections,
		dispatcher: dispatcher,
		logger:     logger,
		nowFn:      time.Now,
	}
}

// Run evaluates the policy on a fixed period until the context is
// cancelled.
func (m *ForceCleanMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(checkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs a single policy pass.
func (m *ForceCleanMonitor) CheckOnce(ctx context.Context) {
	selections, err := m.selections.ListSelected(ctx)
	if err != nil {
		m.logger.Warn("force-clean selection load failed", "err", err)
		return
	}

	now := m.nowFn()
	for _, sel := range selections {
		if sel.ForceCleanHours <= 0 {
			continue
		}
		record, ok := m.records.Record(sel.ID)
		if !ok {
			continue
		}
		if !m.due(record, sel.ForceCleanHours, now) {
			continue
		}
		if err := m.dispatcher.Dispatch(ctx, sel.ID, StartClean, ""); err != nil {
			m.logger.Warn("force clean dispatch failed", "robot", sel.ID, "err", err)
			continue
		}
		m.logger.Info("force clean triggered", "robot", sel.ID, "interval_hours", sel.ForceCleanHours)
	}
}

func (m *ForceCleanMonitor) due(record model.DeviceRecord, intervalHours int, now time.Time) bool {
	lastCleaned := record.Attributes.LastCleaned
	if lastCleaned == nil {
		// Never observed a clean; staleness cannot be judged yet.
		return false
	}
	if now.Sub(*lastCleaned) < time.Duration(intervalHours)*time.Hour {
		return false
	}

	sleep := record.Attributes.Sleep
	if sleep.Active == model.SleepOn && sleep.StartTime != nil && sleep.EndTime != nil {
		if translate.InSleepWindow(now, *sleep.StartTime, *sleep.EndTime) {
			return false
		}
	}
	return true
}
