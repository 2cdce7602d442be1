package engine

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labcap/internal/capture"
	"labcap/internal/core"
	"labcap/internal/dissect"
	"labcap/internal/session"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	packets [][]byte
	next    int
	closed  bool
}

func (s *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.packets) {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	data := s.packets[s.next]
	ci := gopacket.CaptureInfo{
		Timestamp:     t0.Add(time.Duration(s.next) * 250 * time.Millisecond),
		CaptureLength: len(data),
		Length:        len(data),
	}
	s.next++
	return data, ci, nil
}

func (s *fakeSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (s *fakeSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type opened struct {
	device string
	cfg    capture.Config
}

// blockingSource blocks every read until release is closed, like a wedged
// capture handle.
type blockingSource struct {
	release chan struct{}
	once    sync.Once
}

func newBlockingSource() *blockingSource {
	return &blockingSource{release: make(chan struct{})}
}

func (s *blockingSource) unblock() { s.once.Do(func() { close(s.release) }) }

func (s *blockingSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	<-s.release
	return nil, gopacket.CaptureInfo{}, io.EOF
}

func (s *blockingSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (s *blockingSource) Close() {}

func newTestEngine(t *testing.T, cfg Config, src Source) (*Engine, *[]opened) {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	if cfg.DefaultInterface == "" {
		cfg.DefaultInterface = "eth0"
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = 10 * time.Millisecond
	}
	var calls []opened
	e, err := New(cfg, func(device string, c capture.Config, _ capture.LiveOptions) (Source, error) {
		calls = append(calls, opened{device: device, cfg: c})
		return src, nil
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, &calls
}

type recordingNotifier struct {
	engine *Engine

	mu       sync.Mutex
	progress map[string]int64
	limits   []string
	runs     []string
}

func (n *recordingNotifier) Progress(key, _ string, packets int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.progress == nil {
		n.progress = make(map[string]int64)
	}
	n.progress[key] = packets
}

func (n *recordingNotifier) LimitReached(ctx context.Context, key, runID string) error {
	n.mu.Lock()
	n.limits = append(n.limits, key)
	n.runs = append(n.runs, runID)
	n.mu.Unlock()
	return n.engine.End(ctx, key)
}

func (n *recordingNotifier) snapshot() (map[string]int64, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := make(map[string]int64, len(n.progress))
	for k, v := range n.progress {
		p[k] = v
	}
	return p, append([]string(nil), n.limits...)
}

func udpFrame(t *testing.T, srcPort layers.UDPPort) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	udp := &layers.UDP{SrcPort: srcPort, DstPort: 9999}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("hello")))
	return append([]byte(nil), buf.Bytes()...)
}

func frames(t *testing.T, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = udpFrame(t, layers.UDPPort(5000+i))
	}
	return out
}

func config(maxPackets int) capture.Config {
	cfg := capture.DefaultConfig()
	cfg.MaxPackets = maxPackets
	return cfg
}

func TestPacketLimitNotifies(t *testing.T) {
	src := &fakeSource{packets: frames(t, 5)}
	e, calls := newTestEngine(t, Config{}, src)
	n := &recordingNotifier{engine: e}
	e.SetNotifier(n)

	require.NoError(t, e.Begin(context.Background(), capture.Request{Key: "link-1", Config: config(2), RunID: "run-a"}))
	require.Eventually(t, func() bool { return !e.Running("link-1") }, 2*time.Second, 5*time.Millisecond)

	progress, limits := n.snapshot()
	assert.Equal(t, []string{"link-1"}, limits)
	n.mu.Lock()
	assert.Equal(t, []string{"run-a"}, n.runs)
	n.mu.Unlock()
	assert.Equal(t, int64(2), progress["link-1"])
	assert.Eventually(t, src.isClosed, time.Second, 5*time.Millisecond)
	require.Len(t, *calls, 1)
	assert.Equal(t, "eth0", (*calls)[0].device)

	rows, err := e.SummaryRows(context.Background(), "link-1", 1, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTimeLimitNotifies(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a one second capture")
	}
	src := &fakeSource{}
	e, _ := newTestEngine(t, Config{}, src)
	n := &recordingNotifier{engine: e}
	e.SetNotifier(n)

	cfg := config(10)
	cfg.MaxTime = 1
	require.NoError(t, e.Begin(context.Background(), capture.Request{Key: "link-1", Config: cfg}))
	require.Eventually(t, func() bool { return !e.Running("link-1") }, 3*time.Second, 20*time.Millisecond)

	_, limits := n.snapshot()
	assert.Equal(t, []string{"link-1"}, limits)
}

func TestLimitWithoutNotifierEndsRun(t *testing.T) {
	src := &fakeSource{packets: frames(t, 1)}
	e, _ := newTestEngine(t, Config{}, src)

	require.NoError(t, e.Begin(context.Background(), capture.Request{Key: "link-1", Config: config(1)}))
	assert.Eventually(t, src.isClosed, 2*time.Second, 5*time.Millisecond)
	assert.False(t, e.Running("link-1"))
}

func TestBeginTwice(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &fakeSource{})
	req := capture.Request{Key: "link-1", Config: config(10)}

	require.NoError(t, e.Begin(context.Background(), req))
	err := e.Begin(context.Background(), req)
	assert.ErrorIs(t, err, core.ErrAlreadyRunning)
}

func TestEndIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	e, _ := newTestEngine(t, Config{}, src)

	require.NoError(t, e.Begin(context.Background(), capture.Request{Key: "link-1", Config: config(10)}))
	require.NoError(t, e.End(context.Background(), "link-1"))
	require.NoError(t, e.End(context.Background(), "link-1"))
	require.NoError(t, e.End(context.Background(), "never-started"))
	assert.False(t, e.Running("link-1"))
	assert.True(t, src.isClosed())
}

func TestEndWithCancelledContext(t *testing.T) {
	src := newBlockingSource()
	e, _ := newTestEngine(t, Config{}, src)
	t.Cleanup(src.unblock)
	req := capture.Request{Key: "link-1", Config: config(10)}

	require.NoError(t, e.Begin(context.Background(), req))
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.End(cancelled, "link-1"))
	assert.False(t, e.Running("link-1"))

	// The old run still owns the capture file until it drains.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, e.Begin(short, req), context.DeadlineExceeded)

	src.unblock()
	require.NoError(t, e.Begin(context.Background(), req))
	assert.True(t, e.Running("link-1"))
}

func TestStopWithCancelledContextLeavesSessionIdle(t *testing.T) {
	src := newBlockingSource()
	e, _ := newTestEngine(t, Config{}, src)
	t.Cleanup(src.unblock)
	mgr := session.NewManager(e, e, session.Options{})
	e.SetNotifier(mgr)
	_, err := mgr.Create("K", session.Wired)
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), "K", config(10))
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := mgr.Stop(cancelled, "K")
	require.NoError(t, err)
	assert.False(t, st.Running())

	src.unblock()
	st, err = mgr.Start(context.Background(), "K", config(10))
	require.NoError(t, err)
	assert.True(t, st.Running())
}

func TestStaleLimitDoesNotEndNewerRun(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &fakeSource{})
	ctx := context.Background()

	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-1", Config: config(10)}))
	e.mu.Lock()
	first := e.runs["link-1"]
	e.mu.Unlock()
	require.NoError(t, e.End(ctx, "link-1"))
	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-1", Config: config(10)}))

	e.limitReached(first, "maxpackets")
	assert.Never(t, func() bool { return !e.Running("link-1") }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestSummaryRowsPaging(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &fakeSource{packets: frames(t, 5)})
	ctx := context.Background()

	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-1", Config: config(100)}))
	require.Eventually(t, func() bool {
		rows, err := e.SummaryRows(ctx, "link-1", 1, 10)
		return err == nil && len(rows) == 5
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.End(ctx, "link-1"))

	first, err := e.SummaryRows(ctx, "link-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	row, err := dissect.ParseSummaryRow(first[0])
	require.NoError(t, err)
	assert.Equal(t, "1", row.Sequence)
	assert.Equal(t, "0.000000", row.RelativeTime)
	assert.Equal(t, "10.0.0.1", row.Source)

	third, err := e.SummaryRows(ctx, "link-1", 3, 2)
	require.NoError(t, err)
	require.Len(t, third, 1)
	row, err = dissect.ParseSummaryRow(third[0])
	require.NoError(t, err)
	assert.Equal(t, "5", row.Sequence)
	assert.Equal(t, "1.000000", row.RelativeTime)

	past, err := e.SummaryRows(ctx, "link-1", 4, 2)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestSummaryRowsWithoutCapture(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &fakeSource{})

	rows, err := e.SummaryRows(context.Background(), "link-9", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = e.SummaryRows(context.Background(), "link-9", 0, 10)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestDetail(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &fakeSource{packets: frames(t, 3)})
	ctx := context.Background()

	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-1", Config: config(3)}))
	require.Eventually(t, func() bool { return !e.Running("link-1") }, 2*time.Second, 5*time.Millisecond)

	raw, err := e.Detail(ctx, "link-1", 3)
	require.NoError(t, err)
	pkt, err := dissect.ParseDetail(raw)
	require.NoError(t, err)
	require.NotEmpty(t, pkt.Protocols)
	assert.Equal(t, "frame", pkt.Protocols[0].Name)

	_, err = e.Detail(ctx, "link-1", 4)
	assert.ErrorIs(t, err, core.ErrPacketNotFound)

	_, err = e.Detail(ctx, "link-2", 1)
	assert.ErrorIs(t, err, core.ErrPacketNotFound)
}

func TestConversations(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &fakeSource{packets: frames(t, 3)})
	ctx := context.Background()

	convs, err := e.Conversations(ctx, "link-1")
	require.NoError(t, err)
	assert.Empty(t, convs)

	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-1", Config: config(3)}))
	require.Eventually(t, func() bool { return !e.Running("link-1") }, 2*time.Second, 5*time.Millisecond)

	convs, err = e.Conversations(ctx, "link-1")
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, "UDP", convs[0].Protocol)
	assert.Equal(t, uint16(5000), convs[0].SrcPort)
	assert.Equal(t, 0.5, convs[2].Start)
}

func TestEmptyCaptureFile(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &fakeSource{})
	ctx := context.Background()

	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-1", Config: config(10)}))
	require.NoError(t, e.End(ctx, "link-1"))

	rows, err := e.SummaryRows(ctx, "link-1", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = e.Detail(ctx, "link-1", 1)
	assert.ErrorIs(t, err, core.ErrPacketNotFound)
}

func TestRestartTruncatesCapture(t *testing.T) {
	src := &fakeSource{packets: frames(t, 2)}
	e, _ := newTestEngine(t, Config{}, src)
	ctx := context.Background()

	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-1", Config: config(2)}))
	require.Eventually(t, func() bool { return !e.Running("link-1") }, 2*time.Second, 5*time.Millisecond)

	src.mu.Lock()
	src.packets, src.next = frames(t, 1), 0
	src.mu.Unlock()
	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-1", Config: config(1)}))
	require.Eventually(t, func() bool { return !e.Running("link-1") }, 2*time.Second, 5*time.Millisecond)

	rows, err := e.SummaryRows(ctx, "link-1", 1, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDeviceResolution(t *testing.T) {
	e, calls := newTestEngine(t, Config{
		Interfaces:        map[string]string{"link-1": "veth1"},
		DefaultInterface:  "eth0",
		WirelessInterface: "wlan0",
	}, &fakeSource{})
	ctx := context.Background()

	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-1", Config: config(10)}))
	require.NoError(t, e.Begin(ctx, capture.Request{Key: "link-2", Config: config(10)}))
	require.NoError(t, e.Begin(ctx, capture.Request{Key: "node-1", Config: config(10), MAC: "02:00:5e:10:00:99"}))

	require.Len(t, *calls, 3)
	assert.Equal(t, "veth1", (*calls)[0].device)
	assert.Equal(t, "eth0", (*calls)[1].device)
	assert.Equal(t, "wlan0", (*calls)[2].device)
}

func TestNoDevice(t *testing.T) {
	e, err := New(Config{DataDir: t.TempDir()}, func(string, capture.Config, capture.LiveOptions) (Source, error) {
		t.Fatal("opener must not be called")
		return nil, nil
	})
	require.NoError(t, err)

	err = e.Begin(context.Background(), capture.Request{Key: "link-1", Config: config(10)})
	require.Error(t, err)
	assert.False(t, e.Running("link-1"))
}

func TestOpenFailureLeavesNoRun(t *testing.T) {
	e, err := New(Config{DataDir: t.TempDir(), DefaultInterface: "eth0"}, func(string, capture.Config, capture.LiveOptions) (Source, error) {
		return nil, core.ErrFilterRejected
	})
	require.NoError(t, err)

	err = e.Begin(context.Background(), capture.Request{Key: "link-1", Config: config(10)})
	assert.ErrorIs(t, err, core.ErrFilterRejected)
	assert.False(t, e.Running("link-1"))
	_, err = e.PcapPath("link-1")
	assert.ErrorIs(t, err, core.ErrPacketNotFound)
}

func TestPcapPathEscapesKey(t *testing.T) {
	dir := t.TempDir()
	e, _ := newTestEngine(t, Config{DataDir: dir}, &fakeSource{})
	ctx := context.Background()

	require.NoError(t, e.Begin(ctx, capture.Request{Key: "../evil/key", Config: config(10)}))
	require.NoError(t, e.End(ctx, "../evil/key"))

	path, err := e.PcapPath("../evil/key")
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, dir+string(os.PathSeparator)+entries[0].Name(), path)
}
