package capture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapReader reads packets from a .pcap file. The file may still be growing;
// a truncated trailing record reads as io.EOF.
type PcapReader struct {
	file   *os.File
	reader *pcapgo.Reader
}

// NewPcapReader opens a pcap file for reading.
func NewPcapReader(path string) (*PcapReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap file %q: %w", path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read pcap header %q: %w", path, err)
	}
	return &PcapReader{file: f, reader: r}, nil
}

// Next returns the next packet record.
func (pr *PcapReader) Next() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := pr.reader.ReadPacketData()
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, ci, io.EOF
	}
	return data, ci, err
}

// Skip advances past n records.
func (pr *PcapReader) Skip(n int) error {
	for i := 0; i < n; i++ {
		if _, _, err := pr.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Decode turns a record into a gopacket.Packet framed with the file's link type.
func (pr *PcapReader) Decode(data []byte, ci gopacket.CaptureInfo) gopacket.Packet {
	pkt := gopacket.NewPacket(data, pr.LinkType(), gopacket.Default)
	pkt.Metadata().CaptureInfo = ci
	return pkt
}

// LinkType returns the link layer type for the pcap file.
func (pr *PcapReader) LinkType() layers.LinkType {
	return pr.reader.LinkType()
}

// Close releases the file.
func (pr *PcapReader) Close() {
	if pr.file != nil {
		pr.file.Close()
	}
}
