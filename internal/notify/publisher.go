package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"labcap/internal/config"
	"labcap/internal/models"
)

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Connect opens a NATS connection for cfg.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("labcap"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	slog.Info("connected to nats", "url", cfg.URL)
	return nc, nil
}

// EventSubject is where lifecycle events of key are published.
func EventSubject(prefix, eventType, key string) string {
	return prefix + ".events." + eventType + "." + subjectToken(key)
}

// LimitSubject is where limit notices of key are published.
func LimitSubject(prefix, key string) string {
	return prefix + ".limits." + subjectToken(key)
}

// Publisher publishes lifecycle events. Its Publish method is a
// session.Listener.
type Publisher struct {
	nc     Conn
	prefix string
}

// NewPublisher creates a publisher on nc.
func NewPublisher(nc Conn, prefix string) *Publisher {
	return &Publisher{nc: nc, prefix: prefix}
}

// Publish sends ev. Failures are logged; events are best effort.
func (p *Publisher) Publish(ev models.SessionEvent) {
	id := uuid.New()
	data, err := EncodeEvent(id, ev)
	if err != nil {
		slog.Error("encode capture event", "capture_key", ev.CaptureKey, "error", err)
		return
	}
	subject := EventSubject(p.prefix, ev.Type, ev.CaptureKey)
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Warn("publish capture event", "subject", subject, "error", err)
		return
	}
	slog.Debug("capture event published", "subject", subject, "event_id", id)
}

// ProgressSink receives packet counts.
type ProgressSink interface {
	Progress(key, runID string, packets int64)
}

// Relay is an engine notifier that keeps progress in process and sends
// limit notices through NATS, where a Subscriber picks them up.
type Relay struct {
	nc       Conn
	prefix   string
	progress ProgressSink
}

// NewRelay creates a relay publishing on nc.
func NewRelay(nc Conn, prefix string, progress ProgressSink) *Relay {
	return &Relay{nc: nc, prefix: prefix, progress: progress}
}

// Progress forwards the packet count.
func (r *Relay) Progress(key, runID string, packets int64) {
	r.progress.Progress(key, runID, packets)
}

// LimitReached publishes a limit notice for run runID of key.
func (r *Relay) LimitReached(_ context.Context, key, runID string) error {
	data, err := EncodeLimit(uuid.New(), key, runID, time.Now())
	if err != nil {
		return err
	}
	if err := r.nc.Publish(LimitSubject(r.prefix, key), data); err != nil {
		return fmt.Errorf("publish limit notice for %s: %w", key, err)
	}
	return nil
}
