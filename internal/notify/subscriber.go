package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"labcap/internal/core"
)

// DefaultLimitTimeout bounds the stop triggered by one limit notice.
const DefaultLimitTimeout = 30 * time.Second

// LimitHandler stops the capture run that reached its bound.
type LimitHandler interface {
	LimitReached(ctx context.Context, key, runID string) error
}

// Subscriber delivers limit notices from NATS to a LimitHandler. NATS calls
// the handler on the subscription's own goroutine, never inside the start
// that began the capture.
type Subscriber struct {
	nc      Conn
	sub     *nats.Subscription
	subject string
	handler LimitHandler
	timeout time.Duration
}

// NewSubscriber creates a subscriber for every limit subject under prefix.
func NewSubscriber(nc Conn, prefix string, handler LimitHandler) *Subscriber {
	return &Subscriber{
		nc:      nc,
		subject: prefix + ".limits.>",
		handler: handler,
		timeout: DefaultLimitTimeout,
	}
}

// Start subscribes.
func (s *Subscriber) Start() error {
	sub, err := s.nc.Subscribe(s.subject, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	slog.Info("subscribed to limit notices", "subject", s.subject)
	return nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	limit, err := DecodeLimit(msg.Data)
	if err != nil {
		slog.Warn("dropping limit notice", "subject", msg.Subject, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err = s.handler.LimitReached(ctx, limit.CaptureKey, limit.RunID)
	switch {
	case err == nil:
		slog.Debug("limit notice applied", "capture_key", limit.CaptureKey, "run_id", limit.RunID, "notice_id", limit.ID)
	case errors.Is(err, core.ErrSessionNotFound):
		slog.Debug("limit notice for unknown session", "capture_key", limit.CaptureKey)
	default:
		slog.Error("limit notice failed", "capture_key", limit.CaptureKey, "error", err)
	}
}

// Close unsubscribes.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribe limit notices", "error", err)
		}
		s.sub = nil
	}
}
