package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/whisker-ha/litterrobot-bridge/internal/command"
	"github.com/whisker-ha/litterrobot-bridge/internal/litterrobot"
	"github.com/whisker-ha/litterrobot-bridge/internal/metrics"
	"github.com/whisker-ha/litterrobot-bridge/internal/model"
	"github.com/whisker-ha/litterrobot-bridge/internal/poller"
	"github.com/whisker-ha/litterrobot-bridge/internal/registry"
	"github.com/whisker-ha/litterrobot-bridge/internal/service"
	"github.com/whisker-ha/litterrobot-bridge/internal/storage"
)

const defaultActivityLimit = 20

// API is the operator-facing HTTP surface: device selection, state views,
// command dispatch and the live event stream.
type API struct {
	service        *service.Service
	registry       *registry.Registry
	dispatcher     *command.Dispatcher
	poller         *poller.Poller
	session        *litterrobot.Session
	hub            *EventHub
	metricsHandler http.Handler
	logger         *slog.Logger
}

func New(svc *service.Service, reg *registry.Registry, dispatcher *command.Dispatcher, p *poller.Poller, session *litterrobot.Session, hub *EventHub, metricsHandler http.Handler, logger *slog.Logger) *API {
	return &API{
		service:        svc,
		registry:       reg,
		dispatcher:     dispatcher,
		poller:         p,
		session:        session,
		hub:            hub,
		metricsHandler: metricsHandler,
		logger:         logger,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.health)
	r.Method(http.MethodGet, "/metrics", a.metricsHandler)
	r.Route("/api", func(api chi.Router) {
		api.Get("/robots", a.listRobots)
		api.Get("/robots/{id}", a.getRobot)
		api.Post("/robots/{id}/select", a.selectRobot)
		api.Delete("/robots/{id}/select", a.deselectRobot)
		api.Patch("/robots/{id}", a.patchRobot)
		api.Post("/robots/{id}/commands", a.dispatchCommand)
		api.Post("/robots/{id}/reset-gauge", a.resetGauge)
		api.Get("/robots/{id}/activity", a.activity)
		api.Post("/refresh", a.refresh)
		api.Get("/events", a.hub.Serve)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	connected, reason := a.session.Connected()
	payload := map[string]any{"status": "ok", "cloud_connected": connected}
	if reason != "" {
		payload["cloud_disconnect_reason"] = reason
	}
	writeJSON(w, http.StatusOK, payload)
}

type robotView struct {
	model.RobotInfo
	Selected bool                `json:"selected"`
	State    *model.DeviceRecord `json:"state,omitempty"`
}

func (a *API) listRobots(w http.ResponseWriter, _ *http.Request) {
	items := make([]robotView, 0)
	for _, info := range a.registry.ListForSelection() {
		view := robotView{RobotInfo: info}
		if record, ok := a.registry.Record(info.ID); ok {
			view.Selected = true
			view.State = &record
		}
		items = append(items, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getRobot(w http.ResponseWriter, r *http.Request) {
	record, ok := a.registry.Record(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Robot not tracked")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) selectRobot(w http.ResponseWriter, r *http.Request) {
	if err := a.service.SelectRobot(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "select_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) deselectRobot(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "id")
	record, tracked := a.registry.Record(robotID)
	if err := a.service.DeselectRobot(r.Context(), robotID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Robot not selected")
			return
		}
		writeError(w, http.StatusInternalServerError, "deselect_failed", err.Error())
		return
	}
	// Pending deferred refresh timers and per-robot metric series must not
	// outlive the selection.
	a.dispatcher.CancelPending(robotID)
	if tracked {
		metrics.ForgetRecord(robotID, record.Nickname)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type patchInput struct {
	Nickname        *string `json:"nickname"`
	ForceCleanHours *int    `json:"force_clean_hours"`
}

func (a *API) patchRobot(w http.ResponseWriter, r *http.Request) {
	var payload patchInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if payload.ForceCleanHours != nil && *payload.ForceCleanHours < 0 {
		writeError(w, http.StatusBadRequest, "invalid_interval", "force_clean_hours must be >= 0")
		return
	}
	err := a.service.PatchSelection(r.Context(), chi.URLParam(r, "id"), payload.Nickname, payload.ForceCleanHours)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Robot not selected")
			return
		}
		writeError(w, http.StatusInternalServerError, "patch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type commandInput struct {
	Verb string `json:"verb"`
	Arg  string `json:"arg"`
}

func (a *API) dispatchCommand(w http.ResponseWriter, r *http.Request) {
	var payload commandInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}

	robotID := chi.URLParam(r, "id")
	err := a.dispatcher.Dispatch(r.Context(), robotID, command.Verb(payload.Verb), payload.Arg)
	metrics.CommandSent(payload.Verb, err)
	if err != nil {
		var cmdErr *litterrobot.CommandError
		if !errors.As(err, &cmdErr) {
			// Encoding/validation failure; nothing was sent.
			writeError(w, http.StatusBadRequest, "invalid_command", err.Error())
			return
		}
		if cmdErr.Kind == litterrobot.CommandUnauthenticated {
			writeError(w, http.StatusConflict, "unauthenticated", err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "command_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) resetGauge(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "id")
	err := a.dispatcher.Dispatch(r.Context(), robotID, command.ResetGauge, "")
	metrics.CommandSent(string(command.ResetGauge), err)
	if err != nil {
		writeError(w, http.StatusBadGateway, "reset_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) activity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 || value > 100 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be 1..100")
			return
		}
		limit = value
	}

	items, err := a.service.Activity(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		if errors.Is(err, service.ErrNotSelected) {
			writeError(w, http.StatusNotFound, "not_found", "Robot not selected")
			return
		}
		writeError(w, http.StatusBadGateway, "activity_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) refresh(w http.ResponseWriter, _ *http.Request) {
	a.poller.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// RunServer starts and gracefully stops the HTTP server with context
// cancellation.
func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return err
		}
		return nil
	}
}
