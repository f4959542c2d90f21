package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/model"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSelectionRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if _, err := repo.GetSelected(ctx, "lr-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Upstairs", ForceCleanHours: 8}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-2", Nickname: "Garage"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sel, err := repo.GetSelected(ctx, "lr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sel.Nickname != "Upstairs" || sel.ForceCleanHours != 8 {
		t.Fatalf("unexpected row: %+v", sel)
	}
	if sel.CreatedAt.IsZero() || sel.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps, got %+v", sel)
	}

	all, err := repo.ListSelected(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}
	// Ordered by nickname.
	if all[0].ID != "lr-2" || all[1].ID != "lr-1" {
		t.Fatalf("unexpected order: %s, %s", all[0].ID, all[1].ID)
	}
}

func TestSelectionUpsertPreservesCreatedAt(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Upstairs"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first, err := repo.GetSelected(ctx, "lr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Renamed", ForceCleanHours: 4}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	second, err := repo.GetSelected(ctx, "lr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Nickname != "Renamed" || second.ForceCleanHours != 4 {
		t.Fatalf("unexpected row after upsert: %+v", second)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on upsert: %v vs %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestPatchSelected(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Upstairs", ForceCleanHours: 8}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hours := 12
	if err := repo.PatchSelected(ctx, "lr-1", nil, &hours); err != nil {
		t.Fatalf("patch: %v", err)
	}
	sel, err := repo.GetSelected(ctx, "lr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sel.ForceCleanHours != 12 || sel.Nickname != "Upstairs" {
		t.Fatalf("unexpected row after patch: %+v", sel)
	}

	if err := repo.PatchSelected(ctx, "lr-404", nil, &hours); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSelectedRemovesState(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Upstairs"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.UpsertStates(ctx, []model.DeviceRecord{{ID: "lr-1", Nickname: "Upstairs", StatusCode: "RDY", UpdatedAt: time.Now()}}); err != nil {
		t.Fatalf("upsert state: %v", err)
	}

	if err := repo.DeleteSelected(ctx, "lr-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	states, err := repo.LoadAllStates(ctx)
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("expected state row removed, got %d", len(states))
	}

	if err := repo.DeleteSelected(ctx, "lr-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	lastSeen := time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC)
	lastCleaned := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	rec := model.DeviceRecord{
		ID:            "lr-1",
		Nickname:      "Upstairs",
		StatusCode:    "RDY",
		LastSeen:      &lastSeen,
		CycleCount:    12,
		CycleCapacity: 50,
		Attributes: model.EventSet{
			StatusCode:  "RDY",
			Movement:    model.MovementIdle,
			Contact:     model.ContactClosed,
			Motion:      model.MotionInactive,
			Tamper:      model.TamperClear,
			Power:       model.PowerOn,
			PowerSource: model.PowerSourceMains,
			Health:      model.HealthOnline,
			Sleep:       model.SleepState{Active: model.SleepOff},
			DrawerLevel: 24,
			LastCleaned: &lastCleaned,
			StatusText:  "Drawer at 24%, last cleaned 07:00",
		},
		Connectivity: "connected",
		UpdatedAt:    time.Date(2024, 1, 1, 8, 31, 0, 0, time.UTC),
	}

	if err := repo.UpsertStates(ctx, []model.DeviceRecord{rec}); err != nil {
		t.Fatalf("upsert states: %v", err)
	}

	loaded, err := repo.LoadAllStates(ctx)
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	got, ok := loaded["lr-1"]
	if !ok {
		t.Fatal("expected state row for lr-1")
	}
	if got.StatusCode != "RDY" || got.CycleCount != 12 || got.Connectivity != "connected" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(lastSeen) {
		t.Fatalf("expected lastSeen %v, got %v", lastSeen, got.LastSeen)
	}
	if got.Attributes.Movement != model.MovementIdle || got.Attributes.DrawerLevel != 24 {
		t.Fatalf("unexpected attributes: %+v", got.Attributes)
	}
	if got.Attributes.LastCleaned == nil || !got.Attributes.LastCleaned.Equal(lastCleaned) {
		t.Fatalf("expected lastCleaned %v, got %v", lastCleaned, got.Attributes.LastCleaned)
	}
}

func TestPruneStates(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	now := time.Now()
	records := []model.DeviceRecord{
		{ID: "lr-1", Nickname: "A", StatusCode: "RDY", UpdatedAt: now},
		{ID: "lr-2", Nickname: "B", StatusCode: "RDY", UpdatedAt: now},
		{ID: "lr-3", Nickname: "C", StatusCode: "RDY", UpdatedAt: now},
	}
	if err := repo.UpsertStates(ctx, records); err != nil {
		t.Fatalf("upsert states: %v", err)
	}

	if err := repo.PruneStates(ctx, []string{"lr-2"}); err != nil {
		t.Fatalf("prune: %v", err)
	}
	states, err := repo.LoadAllStates(ctx)
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 remaining row, got %d", len(states))
	}
	if _, ok := states["lr-2"]; !ok {
		t.Fatal("expected lr-2 kept")
	}

	if err := repo.PruneStates(ctx, nil); err != nil {
		t.Fatalf("prune all: %v", err)
	}
	states, err = repo.LoadAllStates(ctx)
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("expected empty table, got %d rows", len(states))
	}
}

func TestSessionStateRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if _, err := repo.LoadSession(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	state := model.SessionState{
		AccessToken:  "tok-1",
		RefreshToken: "ref-1",
		ExpiresAt:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		UserID:       "u-9",
	}
	if err := repo.SaveSession(ctx, state); err != nil {
		t.Fatalf("save session: %v", err)
	}

	loaded, err := repo.LoadSession(ctx)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if loaded.AccessToken != "tok-1" || loaded.RefreshToken != "ref-1" || loaded.UserID != "u-9" {
		t.Fatalf("unexpected session state: %+v", loaded)
	}
	if !loaded.ExpiresAt.Equal(state.ExpiresAt) {
		t.Fatalf("expected expiry %v, got %v", state.ExpiresAt, loaded.ExpiresAt)
	}

	// The singleton row is replaced, never duplicated.
	state.AccessToken = "tok-2"
	if err := repo.SaveSession(ctx, state); err != nil {
		t.Fatalf("second save: %v", err)
	}
	loaded, err = repo.LoadSession(ctx)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if loaded.AccessToken != "tok-2" {
		t.Fatalf("expected replaced token, got %q", loaded.AccessToken)
	}
}
