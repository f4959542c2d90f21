package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/litterrobot"
	"github.com/whisker-ha/litterrobot-bridge/internal/metrics"
	"github.com/whisker-ha/litterrobot-bridge/internal/service"
)

// Poller drives the scheduled full refresh cycle. A manual refresh request
// collapses into the buffered channel; the service itself coalesces ticks
// that arrive while a cycle is still running.
type Poller struct {
	service   *service.Service
	interval  time.Duration
	refreshCh chan struct{}
	logger    *slog.Logger
}

func New(svc *service.Service, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		service:   svc,
		interval:  interval,
		refreshCh: make(chan struct{}, 1),
		logger:    logger,
	}
}

// TriggerRefresh requests an immediate poll cycle without waiting for the
// next tick.
func (p *Poller) TriggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

func (p *Poller) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.refreshCh:
			timer.Stop()
		case <-timer.C:
		}

		if err := p.service.PollOnce(ctx); err != nil {
			metrics.PollFailed()
			var authErr *litterrobot.AuthError
			if errors.As(err, &authErr) {
				// Backoff reauth is already scheduled by the session.
				p.logger.Warn("poll skipped; not authenticated", "kind", string(authErr.Kind))
				continue
			}
			p.logger.Error("poll failed", "err", err)
			continue
		}
		metrics.PollSucceeded(float64(time.Now().Unix()))
		metrics.SessionUp(true)
	}
}
