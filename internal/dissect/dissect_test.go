package dissect

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labcap/internal/models"
)

var (
	macA = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macB = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	ipA  = net.IP{10, 0, 0, 1}
	ipB  = net.IP{10, 0, 0, 2}
	t0   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) gopacket.Packet {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	md := pkt.Metadata()
	md.Timestamp = t0.Add(1500 * time.Millisecond)
	md.CaptureLength = len(buf.Bytes())
	md.Length = len(buf.Bytes())
	return pkt
}

func tcpPacket(t *testing.T, dstPort layers.TCPPort, syn bool, payload []byte) gopacket.Packet {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: ipA, DstIP: ipB, Flags: layers.IPv4DontFragment}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: dstPort, Seq: 100, SYN: syn, ACK: !syn, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	if payload == nil {
		return serialize(t, eth, ip, tcp)
	}
	return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
}

func findField(pkt models.DecodedPacket, name string) (models.FieldItem, bool) {
	var stack []models.FieldItem
	for _, p := range pkt.Protocols {
		stack = append(stack, p.Fields...)
	}
	for len(stack) > 0 {
		f := stack[0]
		stack = stack[1:]
		if f.Name == name {
			return f, true
		}
		stack = append(stack, f.Fields...)
	}
	return models.FieldItem{}, false
}

func protocolNames(pkt models.DecodedPacket) []string {
	names := make([]string, len(pkt.Protocols))
	for i, p := range pkt.Protocols {
		names[i] = p.Name
	}
	return names
}

func TestSummarizeTCP(t *testing.T) {
	pkt := tcpPacket(t, 22, true, nil)

	row := Summarize(pkt, 7, t0)
	require.NoError(t, ValidateSummary(row))
	assert.Equal(t, "7", row.Sequence)
	assert.Equal(t, "1.500000", row.RelativeTime)
	assert.Equal(t, "10.0.0.1", row.Source)
	assert.Equal(t, "10.0.0.2", row.Destination)
	assert.Equal(t, "60", row.Length)
	assert.Equal(t, "TCP", row.Protocol)
	assert.Contains(t, row.Info, "40000 -> 22 [SYN]")
}

func TestDecodeTCPOffsets(t *testing.T) {
	pkt := tcpPacket(t, 22, true, nil)

	tree := Decode(pkt, 1, t0)
	require.NoError(t, ValidateDetail(tree))
	assert.Equal(t, []string{"frame", "eth", "ip", "tcp"}, protocolNames(tree))

	src, ok := findField(tree, "ip.src")
	require.True(t, ok)
	assert.Equal(t, 26, *src.Pos)
	assert.Equal(t, 4, *src.Size)
	assert.Equal(t, "10.0.0.1", src.Show)

	port, ok := findField(tree, "tcp.srcport")
	require.True(t, ok)
	assert.Equal(t, 34, *port.Pos)

	syn, ok := findField(tree, "tcp.flags.syn")
	require.True(t, ok)
	assert.Equal(t, "1", syn.Show)

	df, ok := findField(tree, "ip.flags.df")
	require.True(t, ok)
	assert.Equal(t, "1", df.Show)
	assert.Equal(t, "Don't fragment: Set", df.FormattedName)

	num, ok := findField(tree, "frame.number")
	require.True(t, ok)
	assert.Nil(t, num.Pos)
	assert.Equal(t, "1", num.Show)
}

func TestSummarizeARP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: macA, SourceProtAddress: ipA,
		DstHwAddress: make([]byte, 6), DstProtAddress: ipB,
	}
	pkt := serialize(t, eth, arp)

	row := Summarize(pkt, 1, t0)
	require.NoError(t, ValidateSummary(row))
	assert.Equal(t, "ARP", row.Protocol)
	assert.Equal(t, "Who has 10.0.0.2? Tell 10.0.0.1", row.Info)
	assert.Equal(t, "10.0.0.1", row.Source)

	tree := Decode(pkt, 1, t0)
	require.NoError(t, ValidateDetail(tree))
	target, ok := findField(tree, "arp.dst.proto_ipv4")
	require.True(t, ok)
	assert.Equal(t, 14+24, *target.Pos)
}

func TestHTTPPayload(t *testing.T) {
	payload := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")
	pkt := tcpPacket(t, 80, false, payload)

	row := Summarize(pkt, 3, t0)
	assert.Equal(t, "HTTP", row.Protocol)
	assert.Equal(t, "GET /index.html HTTP/1.1", row.Info)

	tree := Decode(pkt, 3, t0)
	require.NoError(t, ValidateDetail(tree))
	assert.Equal(t, "http", tree.Protocols[len(tree.Protocols)-1].Name)

	host, ok := findField(tree, "http.host")
	require.True(t, ok)
	assert.Equal(t, "example.com", host.Show)
	assert.Equal(t, 54+26, *host.Pos)
	assert.True(t, strings.HasPrefix(string(pkt.Data()[*host.Pos:]), "Host: example.com"))
}

func TestDNSQuery(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: ipA, DstIP: ipB}
	udp := &layers.UDP{SrcPort: 53000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	dns := &layers.DNS{
		ID: 0x1234, RD: true,
		Questions: []layers.DNSQuestion{{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN}},
	}
	pkt := serialize(t, eth, ip, udp, dns)

	row := Summarize(pkt, 1, t0)
	require.NoError(t, ValidateSummary(row))
	assert.Equal(t, "DNS", row.Protocol)
	assert.Equal(t, "Standard query 0x1234 A example.com", row.Info)

	tree := Decode(pkt, 1, t0)
	require.NoError(t, ValidateDetail(tree))
	name, ok := findField(tree, "dns.qry.name")
	require.True(t, ok)
	assert.Equal(t, "example.com", name.Show)
}

func clientHelloRecord(sni string) []byte {
	name := []byte(sni)
	sniBody := []byte{byte((len(name) + 3) >> 8), byte(len(name) + 3), 0x00, byte(len(name) >> 8), byte(len(name))}
	sniBody = append(sniBody, name...)

	ext := []byte{0x00, 0x00, byte(len(sniBody) >> 8), byte(len(sniBody))}
	ext = append(ext, sniBody...)
	ext = append(ext, 0x00, 0x0a, 0x00, 0x04, 0x00, 0x02, 0x00, 0x1d)

	body := []byte{0x03, 0x03}
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, 0x00, 0x04, 0x13, 0x01, 0xc0, 0x2f)
	body = append(body, 0x01, 0x00)
	body = append(body, byte(len(ext)>>8), byte(len(ext)))
	body = append(body, ext...)

	hs := []byte{0x01, 0x00, byte(len(body) >> 8), byte(len(body))}
	hs = append(hs, body...)
	rec := []byte{0x16, 0x03, 0x01, byte(len(hs) >> 8), byte(len(hs))}
	return append(rec, hs...)
}

func TestTLSClientHello(t *testing.T) {
	pkt := tcpPacket(t, 443, false, clientHelloRecord("example.org"))

	row := Summarize(pkt, 1, t0)
	require.NoError(t, ValidateSummary(row))
	assert.Equal(t, "TLS", row.Protocol)
	assert.Equal(t, "Client Hello (SNI=example.org)", row.Info)

	tree := Decode(pkt, 1, t0)
	require.NoError(t, ValidateDetail(tree))

	sni, ok := findField(tree, "tls.handshake.extensions_server_name")
	require.True(t, ok)
	assert.Equal(t, "example.org", sni.Show)
	assert.Equal(t, "example.org", string(pkt.Data()[*sni.Pos:*sni.Pos+*sni.Size]))

	suites, ok := findField(tree, "tls.handshake.ciphersuites")
	require.True(t, ok)
	require.Len(t, suites.Fields, 2)
	assert.Equal(t, "TLS_AES_128_GCM_SHA256 (0x1301)", suites.Fields[0].Show)

	ja3, ok := findField(tree, "tls.handshake.ja3")
	require.True(t, ok)
	assert.Len(t, ja3.Show, 32)
}

func TestTLSOnAnyPort(t *testing.T) {
	pkt := tcpPacket(t, 8443, false, clientHelloRecord("lab.internal"))

	row := Summarize(pkt, 1, t0)
	assert.Equal(t, "TLS", row.Protocol)
	assert.Equal(t, "Client Hello (SNI=lab.internal)", row.Info)

	tree := Decode(pkt, 1, t0)
	require.NoError(t, ValidateDetail(tree))
	assert.Contains(t, protocolNames(tree), "tls")
	_, ok := findField(tree, "tls.handshake.ja3")
	assert.True(t, ok)
}

func TestTCPPayloadNotTLS(t *testing.T) {
	pkt := tcpPacket(t, 443, false, []byte{0x16, 0x07, 0x01, 0x00, 0x10, 0xaa})

	row := Summarize(pkt, 1, t0)
	assert.Equal(t, "TCP", row.Protocol)
	assert.NotContains(t, protocolNames(Decode(pkt, 1, t0)), "tls")
}

func TestIsTLS(t *testing.T) {
	assert.True(t, isTLS([]byte{0x17, 0x03, 0x03, 0x00, 0x01}))
	assert.True(t, isTLS([]byte{0x15, 0x03, 0x01, 0x00, 0x02}))
	assert.False(t, isTLS([]byte{0x16, 0x03, 0x01, 0x00}))
	assert.False(t, isTLS([]byte{0x18, 0x03, 0x03, 0x00, 0x01}))
	assert.False(t, isTLS([]byte("GET / HTTP/1.1")))
}

func TestMalformedFrame(t *testing.T) {
	pkt := gopacket.NewPacket([]byte{0x01, 0x02, 0x03}, layers.LayerTypeEthernet, gopacket.Default)

	row := Summarize(pkt, 1, time.Time{})
	require.NoError(t, ValidateSummary(row))
	assert.Equal(t, NotApplicable, row.Source)
	assert.Equal(t, "0.000000", row.RelativeTime)

	tree := Decode(pkt, 1, time.Time{})
	require.NoError(t, ValidateDetail(tree))
	assert.Contains(t, protocolNames(tree), "_ws.malformed")
	for _, p := range tree.Protocols {
		if p.Name == "_ws.malformed" {
			assert.True(t, strings.HasPrefix(p.FormattedName, "[Malformed Packet: "))
			assert.Greater(t, len(p.FormattedName), len("[Malformed Packet: ]"))
		}
	}
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 16))
	assert.Equal(t, "ééé", clip("éééé", 3))
	assert.Equal(t, "a�b", clip("a\xffb", 16))
}
