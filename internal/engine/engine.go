// Package engine runs libpcap captures for capture sessions and serves the
// recorded packets back through the dissector.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"labcap/internal/capture"
	"labcap/internal/core"
)

const (
	DefaultProgressInterval = time.Second
	readErrorBackoff        = 50 * time.Millisecond
)

// Source is an open packet source for one capture run.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close()
}

// Opener opens device for a capture run.
type Opener func(device string, cfg capture.Config, opts capture.LiveOptions) (Source, error)

// OpenLive is the libpcap Opener.
func OpenLive(device string, cfg capture.Config, opts capture.LiveOptions) (Source, error) {
	lc, err := capture.OpenLive(device, cfg, opts)
	if err != nil {
		return nil, err
	}
	return lc, nil
}

// Notifier receives capture progress and limit notices for one run of a
// key. LimitReached is always called from its own goroutine.
type Notifier interface {
	Progress(key, runID string, packets int64)
	LimitReached(ctx context.Context, key, runID string) error
}

// Config configures the engine.
type Config struct {
	// DataDir holds one pcap file per capture key.
	DataDir string
	// Interfaces maps capture keys to devices.
	Interfaces map[string]string
	// DefaultInterface is used for wired keys missing from Interfaces.
	DefaultInterface string
	// WirelessInterface is used for wireless captures whose MAC matches no
	// local interface.
	WirelessInterface string
	Live              capture.LiveOptions
	ProgressInterval  time.Duration
}

// Engine implements the session engine and dissector contracts on top of
// libpcap and pcap files.
type Engine struct {
	cfg  Config
	open Opener

	nmu      sync.RWMutex
	notifier Notifier

	mu   sync.Mutex
	runs map[string]*run
	// ending holds runs that were ended but are still draining.
	ending map[string]*run
}

type run struct {
	key    string
	id     string
	device string
	src    Source
	writer *capture.PcapWriter
	cancel context.CancelFunc
	// done closes when the loop exits, closed once src and writer are closed.
	done   chan struct{}
	closed chan struct{}
}

// New creates an engine. open defaults to OpenLive.
func New(cfg Config, open Opener) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("engine: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if open == nil {
		open = OpenLive
	}
	return &Engine{
		cfg:    cfg,
		open:   open,
		runs:   make(map[string]*run),
		ending: make(map[string]*run),
	}, nil
}

// SetNotifier wires the receiver of progress and limit notices.
func (e *Engine) SetNotifier(n Notifier) {
	e.nmu.Lock()
	defer e.nmu.Unlock()
	e.notifier = n
}

func (e *Engine) getNotifier() Notifier {
	e.nmu.RLock()
	defer e.nmu.RUnlock()
	return e.notifier
}

// Begin opens the device for req and starts recording. A previous run of
// the same key that is still draining is waited for first, since both
// write the same file.
func (e *Engine) Begin(ctx context.Context, req capture.Request) error {
	e.mu.Lock()
	prev := e.ending[req.Key]
	e.mu.Unlock()
	if prev != nil {
		select {
		case <-prev.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.runs[req.Key]; ok {
		return fmt.Errorf("%w: %s", core.ErrAlreadyRunning, req.Key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device, err := e.device(req)
	if err != nil {
		return err
	}
	src, err := e.open(device, req.Config, e.cfg.Live)
	if err != nil {
		return err
	}
	snapLen := e.cfg.Live.SnapLen
	if snapLen <= 0 {
		snapLen = capture.DefaultSnapLen
	}
	writer, err := capture.NewPcapWriter(e.pcapPath(req.Key), snapLen, src.LinkType())
	if err != nil {
		src.Close()
		return err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), req.Config.Duration())
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	r := &run{
		key:    req.Key,
		id:     runID,
		device: device,
		src:    src,
		writer: writer,
		cancel: cancel,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	e.runs[req.Key] = r
	go e.loop(runCtx, r, int64(req.Config.MaxPackets))

	slog.Info("capture engine started",
		"capture_key", req.Key,
		"run_id", runID,
		"device", device,
		"link_type", src.LinkType(),
		"file", e.pcapPath(req.Key))
	return nil
}

// End stops the run for key. Once the run is cancelled the capture is over
// and End succeeds; it waits for the run to drain until ctx is done, after
// which draining finishes in the background. Ending a key with no run is a
// no-op.
func (e *Engine) End(ctx context.Context, key string) error {
	e.mu.Lock()
	r, ok := e.runs[key]
	if ok {
		e.detach(r)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-r.closed:
	case <-ctx.Done():
		slog.Warn("capture still draining", "capture_key", key, "run_id", r.id, "error", ctx.Err())
	}
	return nil
}

// endRun ends r only if it is still the current run of its key.
func (e *Engine) endRun(r *run) {
	e.mu.Lock()
	current := e.runs[r.key] == r
	if current {
		e.detach(r)
	}
	e.mu.Unlock()
	if current {
		<-r.closed
	}
}

// detach cancels r and moves it from runs to ending. Caller holds e.mu.
func (e *Engine) detach(r *run) {
	delete(e.runs, r.key)
	e.ending[r.key] = r
	r.cancel()
	go func() {
		<-r.done
		r.close()
		e.mu.Lock()
		if e.ending[r.key] == r {
			delete(e.ending, r.key)
		}
		e.mu.Unlock()
		close(r.closed)
	}()
}

// Close ends every run.
func (e *Engine) Close() {
	e.mu.Lock()
	keys := make([]string, 0, len(e.runs))
	for k := range e.runs {
		keys = append(keys, k)
	}
	e.mu.Unlock()
	for _, k := range keys {
		_ = e.End(context.Background(), k)
	}
}

func (r *run) close() {
	if s, ok := r.src.(interface{ Stats() (int, int, error) }); ok {
		if received, dropped, err := s.Stats(); err == nil {
			slog.Info("capture engine stopped", "capture_key", r.key, "run_id", r.id, "received", received, "dropped", dropped)
		}
	}
	r.src.Close()
	if err := r.writer.Close(); err != nil {
		slog.Warn("close pcap file", "capture_key", r.key, "error", err)
	}
}

func (e *Engine) loop(ctx context.Context, r *run, maxPackets int64) {
	defer close(r.done)

	var count int64
	lastReport := time.Now()
	report := func() {
		if n := e.getNotifier(); n != nil {
			n.Progress(r.key, r.id, count)
		}
		lastReport = time.Now()
	}

	for {
		if err := ctx.Err(); err != nil {
			report()
			if errors.Is(err, context.DeadlineExceeded) {
				e.limitReached(r, "maxtime")
			}
			return
		}
		if time.Since(lastReport) >= e.cfg.ProgressInterval {
			report()
		}

		data, ci, err := r.src.ReadPacketData()
		switch {
		case errors.Is(err, capture.ErrReadTimeout):
			continue
		case errors.Is(err, io.EOF):
			// Finite sources stay open until ended or timed out.
			report()
			<-ctx.Done()
			continue
		case err != nil:
			slog.Warn("packet read failed", "capture_key", r.key, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		if ci.CaptureLength != len(data) {
			ci.CaptureLength = len(data)
		}
		if ci.Length < ci.CaptureLength {
			ci.Length = ci.CaptureLength
		}
		n, err := r.writer.WritePacket(ci, data)
		if err != nil {
			slog.Warn("write packet failed", "capture_key", r.key, "error", err)
			continue
		}
		count = int64(n)

		if count >= maxPackets {
			report()
			e.limitReached(r, "maxpackets")
			<-ctx.Done()
			return
		}
	}
}

// limitReached hands the limit notice to the notifier on a new goroutine:
// the notifier ends the run, which waits for this loop to exit. The notice
// names the run, so a receiver can drop it once a newer run has begun.
func (e *Engine) limitReached(r *run, bound string) {
	slog.Info("capture limit reached", "capture_key", r.key, "run_id", r.id, "bound", bound)
	go func() {
		n := e.getNotifier()
		if n == nil {
			e.endRun(r)
			return
		}
		if err := n.LimitReached(context.Background(), r.key, r.id); err != nil {
			slog.Error("limit notice failed", "capture_key", r.key, "run_id", r.id, "error", err)
		}
	}()
}

// Running reports whether key has an active run.
func (e *Engine) Running(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[key]
	return ok
}

// device picks the capture device for req.
func (e *Engine) device(req capture.Request) (string, error) {
	if dev, ok := e.cfg.Interfaces[req.Key]; ok && dev != "" {
		return dev, nil
	}
	if req.MAC != "" {
		if dev := interfaceByMAC(req.MAC); dev != "" {
			return dev, nil
		}
		if e.cfg.WirelessInterface != "" {
			return e.cfg.WirelessInterface, nil
		}
	}
	if e.cfg.DefaultInterface != "" {
		return e.cfg.DefaultInterface, nil
	}
	return "", fmt.Errorf("no capture device configured for %s", req.Key)
}

func interfaceByMAC(mac string) string {
	want, err := net.ParseMAC(mac)
	if err != nil {
		return ""
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if strings.EqualFold(ifc.HardwareAddr.String(), want.String()) {
			return ifc.Name
		}
	}
	return ""
}

// PcapPath returns the capture file of key.
func (e *Engine) PcapPath(key string) (string, error) {
	path := e.pcapPath(key)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: no capture recorded for %s", core.ErrPacketNotFound, key)
		}
		return "", err
	}
	return path, nil
}

func (e *Engine) pcapPath(key string) string {
	return filepath.Join(e.cfg.DataDir, url.PathEscape(key)+".pcap")
}
