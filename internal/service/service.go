package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/litterrobot"
	"github.com/whisker-ha/litterrobot-bridge/internal/model"
	"github.com/whisker-ha/litterrobot-bridge/internal/registry"
	"github.com/whisker-ha/litterrobot-bridge/internal/storage"
)

var ErrNotSelected = errors.New("robot not selected")

const activityBackfillLimit = 20

// CloudClient is the full outbound surface the service depends on; the
// concrete litterrobot client satisfies it. Device-handling code holds this
// interface rather than pointing back into a manager.
type CloudClient interface {
	FetchRobots(ctx context.Context) ([]litterrobot.Robot, error)
	FetchRobot(ctx context.Context, robotID string) (*litterrobot.Robot, error)
	FetchActivity(ctx context.Context, robotID string, limit int) ([]litterrobot.Activity, error)
	DispatchCommand(ctx context.Context, robotID, token string) error
	ResetGauge(ctx context.Context, robotID, nickname string, cycleCapacity int) error
}

// Service orchestrates poll cycles: fetch the fleet, fan updates into the
// registry, prune deselected units.
type Service struct {
	client   CloudClient
	registry *registry.Registry
	repo     *storage.Repository
	logger   *slog.Logger
	nowFn    func() time.Time

	// pollMu serializes full poll cycles; a tick arriving while one runs
	// is coalesced, never run in parallel.
	pollMu sync.Mutex
}

func New(client CloudClient, reg *registry.Registry, repo *storage.Repository, logger *slog.Logger) *Service {
	return &Service{
		client:   client,
		registry: reg,
		repo:     repo,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// PollOnce runs one full refresh cycle. Overlapping invocations are
// coalesced: if a cycle is already in flight the tick returns immediately.
func (s *Service) PollOnce(ctx context.Context) error {
	if !s.pollMu.TryLock() {
		s.logger.Debug("poll tick coalesced; previous cycle still running")
		return nil
	}
	defer s.pollMu.Unlock()

	robots, err := s.client.FetchRobots(ctx)
	if err != nil {
		return err
	}

	account := make([]model.RobotInfo, 0, len(robots))
	for _, robot := range robots {
		account = append(account, model.RobotInfo{ID: robot.LitterRobotID, Nickname: robot.LitterRobotNickname})
	}
	s.registry.SetAccountRobots(account)

	now := s.nowFn()
	for _, robot := range robots {
		if err := s.registry.ApplyUpdate(ctx, robot, now); err != nil {
			s.logger.Warn("apply update failed", "robot", robot.LitterRobotID, "err", err)
			continue
		}
		s.maybeBackfillLastCleaned(ctx, robot.LitterRobotID)
	}

	return s.registry.Prune(ctx)
}

// RefreshRobot refreshes a single unit, used by the deferred post-command
// refresh and robot selection.
func (s *Service) RefreshRobot(ctx context.Context, robotID string) error {
	robot, err := s.client.FetchRobot(ctx, robotID)
	if err != nil {
		return err
	}
	if err := s.registry.ApplyUpdate(ctx, *robot, s.nowFn()); err != nil {
		return err
	}
	s.maybeBackfillLastCleaned(ctx, robotID)
	return nil
}

// SelectRobot registers a unit for tracking and fetches its state
// immediately.
func (s *Service) SelectRobot(ctx context.Context, robotID string) error {
	nickname := robotID
	for _, info := range s.registry.ListForSelection() {
		if info.ID == robotID {
			nickname = info.Nickname
			break
		}
	}

	if err := s.repo.UpsertSelected(ctx, model.RobotSelection{ID: robotID, Nickname: nickname}); err != nil {
		return err
	}
	if err := s.RefreshRobot(ctx, robotID); err != nil {
		// Selection stands; state arrives with the next poll.
		s.logger.Warn("initial refresh after selection failed", "robot", robotID, "err", err)
	}
	return nil
}

// DeselectRobot unregisters a unit and drops its tracked state.
func (s *Service) DeselectRobot(ctx context.Context, robotID string) error {
	if err := s.repo.DeleteSelected(ctx, robotID); err != nil {
		return err
	}
	return s.registry.Prune(ctx)
}

// PatchSelection updates the operator-managed fields of one selection.
func (s *Service) PatchSelection(ctx context.Context, robotID string, nickname *string, forceCleanHours *int) error {
	return s.repo.PatchSelected(ctx, robotID, nickname, forceCleanHours)
}

// Activity returns the unit's recent history feed.
func (s *Service) Activity(ctx context.Context, robotID string, limit int) ([]litterrobot.Activity, error) {
	if _, err := s.repo.GetSelected(ctx, robotID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotSelected
		}
		return nil, err
	}
	return s.client.FetchActivity(ctx, robotID, limit)
}

// maybeBackfillLastCleaned recovers the last-cleaned timestamp from the
// activity feed when the tracked record has none, which happens after a
// restart if the live status code is not a clean-cycle code.
func (s *Service) maybeBackfillLastCleaned(ctx context.Context, robotID string) {
	record, ok := s.registry.Record(robotID)
	if !ok || record.Attributes.LastCleaned != nil {
		return
	}

	activities, err := s.client.FetchActivity(ctx, robotID, activityBackfillLimit)
	if err != nil {
		s.logger.Warn("activity backfill failed", "robot", robotID, "err", err)
		return
	}
	for _, activity := range activities {
		if activity.UnitStatus != "CCC" && activity.UnitStatus != "CCP" {
			continue
		}
		if ts := activity.Time(); ts != nil {
			if err := s.registry.SetLastCleaned(ctx, robotID, *ts); err != nil {
				s.logger.Warn("persist backfilled clean time failed", "robot", robotID, "err", err)
			}
			return
		}
	}
}
