package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

const (
	DefaultSnapLen = 65535
	DefaultTimeout = 100 * time.Millisecond
)

// ErrReadTimeout is returned by ReadPacketData when no packet arrived
// within the handle's read timeout.
var ErrReadTimeout = errors.New("capture: read timeout")

// LiveOptions controls how a device is opened.
type LiveOptions struct {
	SnapLen     int
	Promiscuous bool
	Timeout     time.Duration
}

// LiveCapture is an open libpcap handle for one capture run.
type LiveCapture struct {
	handle   *pcap.Handle
	iface    string
	linkType layers.LinkType
}

// InterfaceInfo describes a network interface.
type InterfaceInfo struct {
	Name        string
	Description string
	Addresses   []string
}

// ListInterfaces returns all available capture interfaces.
func ListInterfaces() ([]InterfaceInfo, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []InterfaceInfo
	for _, d := range devs {
		info := InterfaceInfo{
			Name:        d.Name,
			Description: d.Description,
		}
		for _, addr := range d.Addresses {
			info.Addresses = append(info.Addresses, addr.IP.String())
		}
		out = append(out, info)
	}
	return out, nil
}

// OpenLive opens iface and installs the compiled filter program. Packets are
// framed as cfg.Encapsulation regardless of the device's native link type.
func OpenLive(iface string, cfg Config, opts LiveOptions) (*LiveCapture, error) {
	if opts.SnapLen <= 0 {
		opts.SnapLen = DefaultSnapLen
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	linkType := cfg.Encapsulation.LinkType()
	var program []pcap.BPFInstruction
	if cfg.BPFFilter != "" {
		raw, err := CompileFilter(linkType, opts.SnapLen, cfg.BPFFilter)
		if err != nil {
			return nil, err
		}
		program = toPcapProgram(raw)
	}

	handle, err := pcap.OpenLive(iface, int32(opts.SnapLen), opts.Promiscuous, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("open live capture on %s: %w", iface, err)
	}
	if program != nil {
		if err := handle.SetBPFInstructionFilter(program); err != nil {
			handle.Close()
			return nil, fmt.Errorf("install filter %q: %w", cfg.BPFFilter, err)
		}
	}
	return &LiveCapture{handle: handle, iface: iface, linkType: linkType}, nil
}

// ReadPacketData returns the next packet, or ErrReadTimeout when the read
// timeout expired without traffic.
func (lc *LiveCapture) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := lc.handle.ReadPacketData()
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, ci, ErrReadTimeout
	}
	return data, ci, err
}

// LinkType is the framing packets are recorded with.
func (lc *LiveCapture) LinkType() layers.LinkType {
	return lc.linkType
}

// Stats returns capture statistics.
func (lc *LiveCapture) Stats() (received, dropped int, err error) {
	stats, err := lc.handle.Stats()
	if err != nil {
		return 0, 0, err
	}
	return stats.PacketsReceived, stats.PacketsDropped, nil
}

// Close stops the capture.
func (lc *LiveCapture) Close() {
	if lc.handle != nil {
		lc.handle.Close()
	}
}
