package capture

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapWriter records captured packets to a .pcap file. Readers may open the
// same path while it is being written.
type PcapWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
	count  int
}

// NewPcapWriter truncates path and writes the file header.
func NewPcapWriter(path string, snapLen int, linkType layers.LinkType) (*PcapWriter, error) {
	if snapLen <= 0 {
		snapLen = DefaultSnapLen
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file %q: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(snapLen), linkType); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header %q: %w", path, err)
	}
	return &PcapWriter{file: f, writer: w}, nil
}

// WritePacket appends one record and returns the number of records written.
func (pw *PcapWriter) WritePacket(ci gopacket.CaptureInfo, data []byte) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if err := pw.writer.WritePacket(ci, data); err != nil {
		return pw.count, err
	}
	pw.count++
	return pw.count, nil
}

// Close flushes and closes the file.
func (pw *PcapWriter) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.file == nil {
		return nil
	}
	err := pw.file.Close()
	pw.file = nil
	return err
}
