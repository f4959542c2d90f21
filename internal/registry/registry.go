package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/litterrobot"
	"github.com/whisker-ha/litterrobot-bridge/internal/model"
	"github.com/whisker-ha/litterrobot-bridge/internal/storage"
	"github.com/whisker-ha/litterrobot-bridge/internal/translate"
)

const ConnectivityConnected = "connected"

// UpdateHandler observes every applied device update. The bridge wires the
// MQTT publisher, the websocket hub and the metrics layer through it.
type UpdateHandler func(model.DeviceRecord)

// Registry owns the tracked DeviceRecord set. Selection membership is the
// source of truth: updates for robots the operator has not selected are
// skipped, and tracked entries outside the selection are pruned on the next
// full refresh.
type Registry struct {
	repo   *storage.Repository
	logger *slog.Logger

	mu       sync.RWMutex
	records  map[string]model.DeviceRecord
	account  []model.RobotInfo
	handlers []UpdateHandler
}

func New(repo *storage.Repository, logger *slog.Logger) *Registry {
	return &Registry{
		repo:    repo,
		logger:  logger,
		records: map[string]model.DeviceRecord{},
	}
}

// Load restores the last persisted state so device attributes survive a
// process restart.
func (g *Registry) Load(ctx context.Context) error {
	states, err := g.repo.LoadAllStates(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.records = states
	g.mu.Unlock()
	return nil
}

func (g *Registry) OnUpdate(fn UpdateHandler) {
	g.mu.Lock()
	g.handlers = append(g.handlers, fn)
	g.mu.Unlock()
}

// SetAccountRobots caches the full account list from the latest successful
// fetch; ListForSelection serves from it.
func (g *Registry) SetAccountRobots(robots []model.RobotInfo) {
	sorted := make([]model.RobotInfo, len(robots))
	copy(sorted, robots)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Nickname != sorted[j].Nickname {
			return sorted[i].Nickname < sorted[j].Nickname
		}
		return sorted[i].ID < sorted[j].ID
	})

	g.mu.Lock()
	g.account = sorted
	g.mu.Unlock()
}

// ListForSelection returns (id, nickname) pairs sorted by nickname for the
// operator's device picker. Empty until a fetch has succeeded.
func (g *Registry) ListForSelection() []model.RobotInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.RobotInfo, len(g.account))
	copy(out, g.account)
	return out
}

// ApplyUpdate recomputes the full derived attribute set for one robot and
// replaces it wholesale. Updates for unselected robots are skipped.
func (g *Registry) ApplyUpdate(ctx context.Context, raw litterrobot.Robot, now time.Time) error {
	selected, err := g.isSelected(ctx, raw.LitterRobotID)
	if err != nil {
		return err
	}
	if !selected {
		return nil
	}

	g.mu.RLock()
	prev, hadPrev := g.records[raw.LitterRobotID]
	g.mu.RUnlock()

	var prevLastCleaned *time.Time
	if hadPrev {
		prevLastCleaned = prev.Attributes.LastCleaned
	}

	attributes := translate.Translate(translate.Input{
		StatusCode:      raw.UnitStatus,
		PowerStatus:     raw.PowerStatus,
		SleepModeActive: raw.SleepModeActive,
		CycleCount:      raw.CycleCountInt(),
		CycleCapacity:   raw.CycleCapacityInt(),
		LastSeen:        raw.LastSeen(),
		PrevLastCleaned: prevLastCleaned,
		Now:             now,
	})

	record := model.DeviceRecord{
		ID:            raw.LitterRobotID,
		Nickname:      raw.LitterRobotNickname,
		StatusCode:    raw.UnitStatus,
		LastSeen:      raw.LastSeen(),
		CycleCount:    raw.CycleCountInt(),
		CycleCapacity: raw.CycleCapacityInt(),
		Attributes:    attributes,
		Connectivity:  ConnectivityConnected,
		UpdatedAt:     now.UTC(),
	}

	g.mu.Lock()
	g.records[record.ID] = record
	handlers := g.handlers
	g.mu.Unlock()

	if err := g.repo.UpsertStates(ctx, []model.DeviceRecord{record}); err != nil {
		return err
	}
	for _, fn := range handlers {
		fn(record)
	}
	return nil
}

// SetLastCleaned backfills the last-cleaned timestamp from the activity
// feed, used after a restart when the live status code carries no clean.
func (g *Registry) SetLastCleaned(ctx context.Context, robotID string, cleaned time.Time) error {
	g.mu.Lock()
	record, ok := g.records[robotID]
	if !ok || record.Attributes.LastCleaned != nil {
		g.mu.Unlock()
		return nil
	}
	record.Attributes.LastCleaned = &cleaned
	g.records[robotID] = record
	g.mu.Unlock()

	return g.repo.UpsertStates(ctx, []model.DeviceRecord{record})
}

// MarkAllDisconnected flags every tracked robot's connectivity attribute
// without touching the rest of its state. Invoked off the session backoff
// path.
func (g *Registry) MarkAllDisconnected(ctx context.Context, reason string) {
	g.mu.Lock()
	updated := make([]model.DeviceRecord, 0, len(g.records))
	for id, record := range g.records {
		record.Connectivity = "disconnected: " + reason
		g.records[id] = record
		updated = append(updated, record)
	}
	handlers := g.handlers
	g.mu.Unlock()

	if len(updated) == 0 {
		return
	}
	if err := g.repo.UpsertStates(ctx, updated); err != nil {
		g.logger.Warn("persist disconnect state failed", "err", err)
	}
	for _, record := range updated {
		for _, fn := range handlers {
			fn(record)
		}
	}
}

// Prune drops tracked records whose robot is no longer selected, restoring
// the invariant tracked ⊆ selected after a full refresh cycle.
func (g *Registry) Prune(ctx context.Context) error {
	selections, err := g.repo.ListSelected(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(selections))
	ids := make([]string, 0, len(selections))
	for _, sel := range selections {
		keep[sel.ID] = struct{}{}
		ids = append(ids, sel.ID)
	}

	g.mu.Lock()
	for id := range g.records {
		if _, ok := keep[id]; !ok {
			delete(g.records, id)
			g.logger.Info("pruned deselected robot", "robot", id)
		}
	}
	g.mu.Unlock()

	return g.repo.PruneStates(ctx, ids)
}

// Record returns the tracked state for one robot.
func (g *Registry) Record(id string) (model.DeviceRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	record, ok := g.records[id]
	return record, ok
}

// Records returns all tracked robots.
func (g *Registry) Records() []model.DeviceRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.DeviceRecord, 0, len(g.records))
	for _, record := range g.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Registry) isSelected(ctx context.Context, id string) (bool, error) {
	_, err := g.repo.GetSelected(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}
