package flow

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ipA = net.IP{10, 0, 0, 1}
	ipB = net.IP{10, 0, 0, 2}
	t0  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func tcpPacket(t *testing.T, src, dst net.IP, sport, dport layers.TCPPort, at time.Time, set func(*layers.TCP)) gopacket.Packet {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: sport, DstPort: dport, Window: 1024}
	set(tcp)
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, tcp))

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	pkt.Metadata().Timestamp = at
	pkt.Metadata().Length = len(buf.Bytes())
	pkt.Metadata().CaptureLength = len(buf.Bytes())
	return pkt
}

func TestMakeKeyIsSymmetric(t *testing.T) {
	a := MakeKey("10.0.0.1", "10.0.0.2", 40000, 80, "TCP")
	b := MakeKey("10.0.0.2", "10.0.0.1", 80, 40000, "TCP")
	assert.Equal(t, a, b)
	assert.Equal(t, uint16(40000), a.Port1)
	assert.Equal(t, uint16(80), a.Port2)
}

func TestHandshakeConversation(t *testing.T) {
	table := NewTable(t0, 0)
	table.Add(tcpPacket(t, ipA, ipB, 40000, 80, t0, func(l *layers.TCP) { l.SYN = true }))
	table.Add(tcpPacket(t, ipB, ipA, 80, 40000, t0.Add(time.Millisecond), func(l *layers.TCP) { l.SYN, l.ACK = true, true }))
	table.Add(tcpPacket(t, ipA, ipB, 40000, 80, t0.Add(2*time.Millisecond), func(l *layers.TCP) { l.ACK = true }))

	convs := table.Conversations()
	require.Len(t, convs, 1)
	c := convs[0]
	assert.Equal(t, "10.0.0.1", c.SrcAddr)
	assert.Equal(t, uint16(80), c.DstPort)
	assert.Equal(t, "TCP", c.Protocol)
	assert.Equal(t, 3, c.Packets)
	assert.Equal(t, 2, c.FwdPackets)
	assert.Equal(t, 1, c.RevPackets)
	assert.Equal(t, string(TCPStateEstablished), c.TCPState)
	assert.InDelta(t, 0.002, c.Duration, 1e-9)
	assert.Equal(t, 0.0, c.Start)
}

func TestResetCloses(t *testing.T) {
	table := NewTable(t0, 0)
	table.Add(tcpPacket(t, ipA, ipB, 1, 2, t0, func(l *layers.TCP) { l.SYN = true }))
	table.Add(tcpPacket(t, ipB, ipA, 2, 1, t0, func(l *layers.TCP) { l.RST = true }))

	assert.Equal(t, string(TCPStateClosed), table.Conversations()[0].TCPState)
}

func TestTableBound(t *testing.T) {
	table := NewTable(t0, 2)
	for i := 0; i < 4; i++ {
		table.Add(tcpPacket(t, ipA, ipB, layers.TCPPort(1000+i), 80, t0.Add(time.Duration(i)*time.Second), func(l *layers.TCP) { l.SYN = true }))
	}
	convs := table.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, uint64(1), convs[0].ID)
	assert.Equal(t, 1.0, convs[1].Start)
	assert.Equal(t, 2, table.Dropped())
}

func TestIgnoresNonIP(t *testing.T) {
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte{2, 0, 0, 0, 0, 1}, SourceProtAddress: ipA.To4(),
		DstHwAddress: make([]byte, 6), DstProtAddress: ipB.To4(),
	}
	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{2, 0, 0, 0, 0, 1}, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))

	table := NewTable(t0, 0)
	table.Add(gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default))
	assert.Empty(t, table.Conversations())
}
