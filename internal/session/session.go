// Package session holds the per-key capture state machine and the registry
// that routes start, stop and status operations to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"labcap/internal/capture"
	"labcap/internal/core"
	"labcap/internal/models"
)

// Kind tells wired link captures from wireless node captures.
type Kind int

const (
	Wired Kind = iota
	Wireless
)

func (k Kind) String() string {
	if k == Wireless {
		return "wireless"
	}
	return "wired"
}

// Run is the state of a running capture. It exists as a whole or not at all.
type Run struct {
	// ID tells this run apart from earlier runs on the same key.
	ID              string
	Config          capture.Config
	MAC             string
	StartTime       time.Time
	PacketsCaptured int64
}

// Status is a snapshot of a session. Run is nil while the session is idle.
type Status struct {
	Key  string
	Kind Kind
	Run  *Run
}

// Running reports whether the snapshot was taken while capturing.
func (s Status) Running() bool {
	return s.Run != nil
}

// Response renders the snapshot in its wire form.
func (s Status) Response() models.CaptureStatus {
	if s.Run == nil {
		return models.CaptureStatus{}
	}
	cfg := &models.StatusConfig{
		MaxPackets:    s.Run.Config.MaxPackets,
		MaxTime:       s.Run.Config.MaxTime,
		BPFFilter:     s.Run.Config.BPFFilter,
		Encapsulation: string(s.Run.Config.Encapsulation),
		CaptureKey:    s.Key,
	}
	if s.Kind == Wireless {
		cfg.NodeID = s.Key
		cfg.MAC = s.Run.MAC
	}
	start := s.Run.StartTime
	packets := s.Run.PacketsCaptured
	return models.CaptureStatus{Config: cfg, StartTime: &start, PacketsCaptured: &packets}
}

// Session is the capture state of one link or node. The capture key never
// changes after creation.
type Session struct {
	key  string
	kind Kind

	mu  sync.RWMutex
	run *Run

	// counter is written by the engine without taking mu, so progress
	// reports never wait on a start or stop in flight.
	counter atomic.Pointer[runCounter]
}

// runCounter is the packet count of one run.
type runCounter struct {
	id      string
	packets atomic.Int64
}

func newSession(key string, kind Kind) *Session {
	return &Session{key: key, kind: kind}
}

// Key returns the capture key.
func (s *Session) Key() string { return s.key }

// Kind returns whether the session captures a link or a node.
func (s *Session) Kind() Kind { return s.kind }

// Status returns a consistent snapshot under the shared lock.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

func (s *Session) snapshot() Status {
	st := Status{Key: s.key, Kind: s.kind}
	if s.run != nil {
		run := *s.run
		if c := s.counter.Load(); c != nil && c.id == run.ID {
			run.PacketsCaptured = c.packets.Load()
		}
		st.Run = &run
	}
	return st
}

// start moves Idle to Running. The engine is asked to begin before any state
// is recorded, so a failed start leaves the session idle.
func (s *Session) start(ctx context.Context, engine Engine, req capture.Request, now time.Time) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return s.snapshot(), fmt.Errorf("%w: %s", core.ErrAlreadyRunning, s.key)
	}
	req.RunID = uuid.NewString()
	s.counter.Store(&runCounter{id: req.RunID})
	if err := engine.Begin(ctx, req); err != nil {
		return s.snapshot(), engineError("begin", s.key, err)
	}
	s.run = &Run{ID: req.RunID, Config: req.Config, MAC: req.MAC, StartTime: now}
	return s.snapshot(), nil
}

// stop moves Running to Idle. An empty runID stops whatever run is current;
// otherwise only the named run is stopped. stopped is false when there was
// nothing to stop; that is not an error.
func (s *Session) stop(ctx context.Context, engine Engine, runID string) (st Status, stopped bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil || (runID != "" && s.run.ID != runID) {
		return s.snapshot(), false, nil
	}
	if err := engine.End(ctx, s.key); err != nil {
		return s.snapshot(), false, engineError("end", s.key, err)
	}
	s.run = nil
	return s.snapshot(), true, nil
}

// progress raises the packet count of run runID. Reports for any other run
// are dropped. Counts never go backwards within a run.
func (s *Session) progress(runID string, packets int64) {
	c := s.counter.Load()
	if c == nil || c.id != runID {
		return
	}
	for {
		cur := c.packets.Load()
		if packets <= cur || c.packets.CompareAndSwap(cur, packets) {
			return
		}
	}
}

func engineError(op, key string, err error) error {
	if errors.Is(err, core.ErrEngineUnavailable) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return fmt.Errorf("%w: %s %s: %w", core.ErrEngineUnavailable, op, key, err)
}
