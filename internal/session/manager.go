package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"labcap/internal/capture"
	"labcap/internal/core"
	"labcap/internal/dissect"
	"labcap/internal/models"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000

	// MaxPacketNumber bounds packet ids accepted by DecodePacket.
	MaxPacketNumber = capture.MaxPackets
)

// Engine begins and ends captures. Begin must not report limit_reached for
// the same key synchronously; limits arrive later through
// Manager.LimitReached.
type Engine interface {
	Begin(ctx context.Context, req capture.Request) error
	End(ctx context.Context, key string) error
}

// Dissector serves raw dissector output for the most recent capture of a
// key. Output is validated by the Manager before it is returned to callers.
type Dissector interface {
	SummaryRows(ctx context.Context, key string, page, pageSize int) ([]json.RawMessage, error)
	Detail(ctx context.Context, key string, number int) (json.RawMessage, error)
}

// Listener is notified after every capture lifecycle transition. It is
// called without session locks held and must not block.
type Listener func(models.SessionEvent)

// Options tunes a Manager.
type Options struct {
	PageSize int
	Now      func() time.Time
}

// Manager is the registry of capture sessions keyed by capture key.
type Manager struct {
	engine    Engine
	dissector Dissector
	pageSize  int
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	lmu       sync.RWMutex
	listeners []Listener
}

// NewManager creates an empty registry.
func NewManager(engine Engine, dissector Dissector, opts Options) *Manager {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize > MaxPageSize {
		opts.PageSize = MaxPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		engine:    engine,
		dissector: dissector,
		pageSize:  opts.PageSize,
		now:       opts.Now,
		sessions:  make(map[string]*Session),
	}
}

// AddListener registers l for lifecycle events.
func (m *Manager) AddListener(l Listener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners = append(m.listeners, l)
}

// PageSize is the number of summary rows per page.
func (m *Manager) PageSize() int {
	return m.pageSize
}

// Create registers an idle session for key.
func (m *Manager) Create(key string, kind Kind) (*Session, error) {
	if key == "" {
		return nil, core.Invalid("capture_key", "must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionExists, key)
	}
	s := newSession(key, kind)
	m.sessions[key] = s
	slog.Info("capture session created", "capture_key", key, "kind", kind)
	return s, nil
}

// Destroy ends a running capture and removes the session. If the engine
// cannot end the capture the session is kept.
func (m *Manager) Destroy(ctx context.Context, key string) error {
	s, err := m.Get(key)
	if err != nil {
		return err
	}
	if _, err := m.stop(ctx, s, "", models.StopDestroyed); err != nil {
		return err
	}

	m.mu.Lock()
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	slog.Info("capture session destroyed", "capture_key", key)
	return nil
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, key)
	}
	return s, nil
}

// Keys lists registered capture keys in order.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Start begins a wired capture on key.
func (m *Manager) Start(ctx context.Context, key string, cfg capture.Config) (Status, error) {
	if err := cfg.Validate(); err != nil {
		return Status{}, err
	}
	s, err := m.Get(key)
	if err != nil {
		return Status{}, err
	}
	if s.Kind() != Wired {
		return s.Status(), core.Invalid("capture_key", "%s is a wireless node; use the wireless capture operations", key)
	}
	return m.start(ctx, s, capture.Request{Key: key, Config: cfg})
}

// StartWireless begins a wireless capture on node key. The binding's
// identity is checked before the session is touched.
func (m *Manager) StartWireless(ctx context.Context, key string, wc capture.WirelessConfig) (Status, error) {
	req, err := wc.Bind(key)
	if err != nil {
		return Status{}, err
	}
	s, err := m.Get(key)
	if err != nil {
		return Status{}, err
	}
	if s.Kind() != Wireless {
		return s.Status(), fmt.Errorf("%w: %s is not a wireless node", core.ErrInvalidCaptureKey, key)
	}
	return m.start(ctx, s, req)
}

func (m *Manager) start(ctx context.Context, s *Session, req capture.Request) (Status, error) {
	st, err := s.start(ctx, m.engine, req, m.now())
	if err != nil {
		return st, err
	}
	slog.Info("capture started",
		"capture_key", s.Key(),
		"kind", s.Kind(),
		"maxpackets", req.Config.MaxPackets,
		"maxtime", req.Config.MaxTime,
		"bpfilter", req.Config.BPFFilter,
		"encap", req.Config.Encapsulation)
	m.emit(models.MsgCaptureStarted, "", st)
	return st, nil
}

// Stop ends the wired capture on key. Stopping an idle session is a no-op.
func (m *Manager) Stop(ctx context.Context, key string) (Status, error) {
	s, err := m.Get(key)
	if err != nil {
		return Status{}, err
	}
	if s.Kind() != Wired {
		return s.Status(), core.Invalid("capture_key", "%s is a wireless node; use the wireless capture operations", key)
	}
	return m.stop(ctx, s, "", models.StopRequested)
}

// StopWireless ends the wireless capture on node key.
func (m *Manager) StopWireless(ctx context.Context, key string) (Status, error) {
	s, err := m.Get(key)
	if err != nil {
		return Status{}, err
	}
	if s.Kind() != Wireless {
		return s.Status(), fmt.Errorf("%w: %s is not a wireless node", core.ErrInvalidCaptureKey, key)
	}
	return m.stop(ctx, s, "", models.StopRequested)
}

// StopAll ends every running capture regardless of kind.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, key := range m.Keys() {
		s, err := m.Get(key)
		if err != nil {
			continue
		}
		if _, err := m.stop(ctx, s, "", models.StopRequested); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LimitReached is the engine's asynchronous notice that run runID on key hit
// its packet or time bound. It behaves like Stop for that run; a notice for
// a run that already ended is ignored. An empty runID means the current run.
func (m *Manager) LimitReached(ctx context.Context, key, runID string) error {
	s, err := m.Get(key)
	if err != nil {
		return err
	}
	_, err = m.stop(ctx, s, runID, models.StopLimit)
	return err
}

func (m *Manager) stop(ctx context.Context, s *Session, runID, reason string) (Status, error) {
	st, stopped, err := s.stop(ctx, m.engine, runID)
	if err != nil {
		slog.Error("capture stop failed", "capture_key", s.Key(), "reason", reason, "error", err)
		return st, err
	}
	if stopped {
		slog.Info("capture stopped", "capture_key", s.Key(), "reason", reason)
		m.emit(models.MsgCaptureStopped, reason, st)
	}
	return st, nil
}

// Progress records the engine's running packet count for run runID of key.
func (m *Manager) Progress(key, runID string, packets int64) {
	s, err := m.Get(key)
	if err != nil {
		return
	}
	s.progress(runID, packets)
}

// Status returns the current status of key.
func (m *Manager) Status(key string) (Status, error) {
	s, err := m.Get(key)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

// ListPackets returns one page of summary rows of the latest capture on key.
// Pages start at 1.
func (m *Manager) ListPackets(ctx context.Context, key string, page int) ([]models.PacketSummary, error) {
	if page < 1 {
		return nil, core.Invalid("page", "must be at least 1, got %d", page)
	}
	if _, err := m.Get(key); err != nil {
		return nil, err
	}
	raw, err := m.dissector.SummaryRows(ctx, key, page, m.pageSize)
	if err != nil {
		return nil, dissectorError(key, err)
	}
	rows := make([]models.PacketSummary, 0, len(raw))
	for i, r := range raw {
		row, err := dissect.ParseSummaryRow(r)
		if err != nil {
			return nil, fmt.Errorf("summary row %d: %w", (page-1)*m.pageSize+i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// DecodePacket returns the field tree of packet number on key.
func (m *Manager) DecodePacket(ctx context.Context, key string, number int) (models.DecodedPacket, error) {
	if number < 1 || number > MaxPacketNumber {
		return models.DecodedPacket{}, core.Invalid("packet_id", "must be between 1 and %d, got %d", MaxPacketNumber, number)
	}
	if _, err := m.Get(key); err != nil {
		return models.DecodedPacket{}, err
	}
	raw, err := m.dissector.Detail(ctx, key, number)
	if err != nil {
		return models.DecodedPacket{}, dissectorError(key, err)
	}
	return dissect.ParseDetail(raw)
}

func dissectorError(key string, err error) error {
	switch {
	case errors.Is(err, core.ErrPacketNotFound),
		errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrDecodeTooDeep):
		return err
	}
	return engineError("dissect", key, err)
}

func (m *Manager) emit(typ, reason string, st Status) {
	ev := models.SessionEvent{
		Type:       typ,
		CaptureKey: st.Key,
		Wireless:   st.Kind == Wireless,
		Reason:     reason,
		Time:       m.now(),
		Status:     st.Response(),
	}
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	for _, l := range m.listeners {
		l(ev)
	}
}
