package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisker-ha/litterrobot-bridge/internal/command"
	"github.com/whisker-ha/litterrobot-bridge/internal/litterrobot"
	"github.com/whisker-ha/litterrobot-bridge/internal/metrics"
	"github.com/whisker-ha/litterrobot-bridge/internal/model"
	"github.com/whisker-ha/litterrobot-bridge/internal/poller"
	"github.com/whisker-ha/litterrobot-bridge/internal/registry"
	"github.com/whisker-ha/litterrobot-bridge/internal/service"
	"github.com/whisker-ha/litterrobot-bridge/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCloud struct {
	mu          sync.Mutex
	robots      []litterrobot.Robot
	activities  map[string][]litterrobot.Activity
	commands    []string
	dispatchErr error
}

func (f *fakeCloud) FetchRobots(ctx context.Context) ([]litterrobot.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]litterrobot.Robot(nil), f.robots...), nil
}

func (f *fakeCloud) FetchRobot(ctx context.Context, robotID string) (*litterrobot.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.robots {
		if f.robots[i].LitterRobotID == robotID {
			robot := f.robots[i]
			return &robot, nil
		}
	}
	return nil, errors.New("robot not on account")
}

func (f *fakeCloud) FetchActivity(ctx context.Context, robotID string, limit int) ([]litterrobot.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activities[robotID], nil
}

func (f *fakeCloud) DispatchCommand(ctx context.Context, robotID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.commands = append(f.commands, robotID+":"+token)
	return nil
}

func (f *fakeCloud) ResetGauge(ctx context.Context, robotID, nickname string, cycleCapacity int) error {
	return nil
}

func (f *fakeCloud) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type apiFixture struct {
	cloud  *fakeCloud
	repo   *storage.Repository
	reg    *registry.Registry
	svc    *service.Service
	server *httptest.Server
}

func newAPIFixture(t *testing.T, cloud *fakeCloud) *apiFixture {
	t.Helper()
	logger := testLogger()

	repo, err := storage.New(context.Background(), filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	reg := registry.New(repo, logger)
	svc := service.New(cloud, reg, repo, logger)
	dispatcher := command.NewDispatcher(cloud, reg, svc.RefreshRobot, logger)
	t.Cleanup(dispatcher.Close)

	p := poller.New(svc, time.Hour, logger)
	session := litterrobot.NewSession(context.Background(),
		litterrobot.Credentials{Username: "u", Password: "p"}, "http://127.0.0.1:0/token", nil, logger)
	t.Cleanup(session.Close)
	hub := NewEventHub(logger)
	reg.OnUpdate(hub.Broadcast)
	reg.OnUpdate(metrics.ObserveRecord)

	api := New(svc, reg, dispatcher, p, session, hub, metrics.Handler(metrics.NewRegistry()), logger)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	return &apiFixture{cloud: cloud, repo: repo, reg: reg, svc: svc, server: server}
}

func defaultCloud() *fakeCloud {
	return &fakeCloud{
		robots: []litterrobot.Robot{{
			LitterRobotID:       "lr-1",
			LitterRobotNickname: "Upstairs",
			UnitStatus:          "RDY",
			PowerStatus:         "AC",
			SleepModeActive:     "0",
			CycleCount:          "12",
			CycleCapacity:       "50",
			LastSeenRaw:         "2024-01-01T08:30:00.000000",
		}},
		activities: map[string][]litterrobot.Activity{
			"lr-1": {{UnitStatus: "CCC", Timestamp: "2024-01-01T07:00:00.000000"}},
		},
	}
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, url, data, err)
		}
	}
	return resp, payload
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())

	resp, payload := doJSON(t, http.MethodGet, f.server.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	// The session never logged in.
	if payload["cloud_connected"] != false {
		t.Fatalf("expected cloud_connected=false, got %v", payload["cloud_connected"])
	}
}

func TestSelectAndListRobots(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())

	// The picker is empty until a poll has run.
	if err := f.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	resp, payload := doJSON(t, http.MethodPost, f.server.URL+"/api/robots/lr-1/select", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("select status %d: %v", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodGet, f.server.URL+"/api/robots", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	items, ok := payload["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("unexpected items: %v", payload)
	}
	item := items[0].(map[string]any)
	if item["id"] != "lr-1" || item["selected"] != true {
		t.Fatalf("unexpected item: %v", item)
	}
	if item["state"] == nil {
		t.Fatal("expected tracked state in listing")
	}
}

func TestGetRobotNotTracked(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())

	resp, payload := doJSON(t, http.MethodGet, f.server.URL+"/api/robots/lr-404", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %v", resp.StatusCode, payload)
	}
}

func TestDispatchCommandEndpoint(t *testing.T) {
	cloud := defaultCloud()
	f := newAPIFixture(t, cloud)

	resp, payload := doJSON(t, http.MethodPost, f.server.URL+"/api/robots/lr-1/commands",
		`{"verb":"start-clean"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("dispatch status %d: %v", resp.StatusCode, payload)
	}
	if got := cloud.sent(); len(got) != 1 || got[0] != "lr-1:C" {
		t.Fatalf("unexpected commands: %v", got)
	}
}

func TestDispatchCommandRejectsUnknownVerb(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())

	resp, payload := doJSON(t, http.MethodPost, f.server.URL+"/api/robots/lr-1/commands",
		`{"verb":"self-destruct"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %v", resp.StatusCode, payload)
	}
	errObj := payload["error"].(map[string]any)
	if errObj["code"] != "invalid_command" {
		t.Fatalf("unexpected error code: %v", errObj)
	}
}

func TestDispatchCommandUnauthenticated(t *testing.T) {
	cloud := defaultCloud()
	cloud.dispatchErr = &litterrobot.CommandError{Kind: litterrobot.CommandUnauthenticated, RobotID: "lr-1"}
	f := newAPIFixture(t, cloud)

	resp, payload := doJSON(t, http.MethodPost, f.server.URL+"/api/robots/lr-1/commands",
		`{"verb":"start-clean"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %v", resp.StatusCode, payload)
	}
}

func TestPatchRobotSelection(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())
	ctx := context.Background()

	if err := f.repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Upstairs"}); err != nil {
		t.Fatalf("select: %v", err)
	}

	resp, payload := doJSON(t, http.MethodPatch, f.server.URL+"/api/robots/lr-1",
		`{"force_clean_hours":12}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("patch status %d: %v", resp.StatusCode, payload)
	}
	sel, err := f.repo.GetSelected(ctx, "lr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sel.ForceCleanHours != 12 {
		t.Fatalf("expected patched interval, got %d", sel.ForceCleanHours)
	}

	resp, _ = doJSON(t, http.MethodPatch, f.server.URL+"/api/robots/lr-1",
		`{"force_clean_hours":-1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative interval, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPatch, f.server.URL+"/api/robots/lr-404",
		`{"force_clean_hours":1}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown robot, got %d", resp.StatusCode)
	}
}

func TestActivityEndpoint(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())
	ctx := context.Background()

	resp, _ := doJSON(t, http.MethodGet, f.server.URL+"/api/robots/lr-1/activity", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before selection, got %d", resp.StatusCode)
	}

	if err := f.repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Upstairs"}); err != nil {
		t.Fatalf("select: %v", err)
	}

	resp, payload := doJSON(t, http.MethodGet, f.server.URL+"/api/robots/lr-1/activity?limit=5", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activity status %d: %v", resp.StatusCode, payload)
	}
	items := payload["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("unexpected items: %v", items)
	}

	resp, _ = doJSON(t, http.MethodGet, f.server.URL+"/api/robots/lr-1/activity?limit=999", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range limit, got %d", resp.StatusCode)
	}
}

func TestDeselectRobot(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())
	ctx := context.Background()

	if err := f.repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Upstairs"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := f.svc.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	resp, _ := doJSON(t, http.MethodDelete, f.server.URL+"/api/robots/lr-1/select", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("deselect status %d", resp.StatusCode)
	}
	if _, ok := f.reg.Record("lr-1"); ok {
		t.Fatal("expected record pruned after deselection")
	}

	resp, _ = doJSON(t, http.MethodDelete, f.server.URL+"/api/robots/lr-1/select", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second deselect, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "litterrobot_") {
		t.Fatal("expected bridge metrics in exposition")
	}
}

func TestDeselectClearsRobotMetrics(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())
	ctx := context.Background()

	if err := f.repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Upstairs"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := f.svc.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if !strings.Contains(scrapeMetrics(t, f), `robot_id="lr-1"`) {
		t.Fatal("expected per-robot series after poll")
	}

	resp, _ := doJSON(t, http.MethodDelete, f.server.URL+"/api/robots/lr-1/select", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("deselect status %d", resp.StatusCode)
	}

	if strings.Contains(scrapeMetrics(t, f), `robot_id="lr-1"`) {
		t.Fatal("expected per-robot series dropped after deselection")
	}
}

func scrapeMetrics(t *testing.T, f *apiFixture) string {
	t.Helper()
	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestEventStream(t *testing.T) {
	f := newAPIFixture(t, defaultCloud())
	ctx := context.Background()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	if err := f.repo.UpsertSelected(ctx, model.RobotSelection{ID: "lr-1", Nickname: "Upstairs"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := f.svc.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var record model.DeviceRecord
	if err := conn.ReadJSON(&record); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if record.ID != "lr-1" || record.StatusCode != "RDY" {
		t.Fatalf("unexpected event: %+v", record)
	}
}
