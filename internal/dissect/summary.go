package dissect

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"labcap/internal/models"
)

// Summarize builds the packet list row for pkt. The result always satisfies
// ValidateSummary: over-long text is clipped and unusable addresses become
// NotApplicable.
func Summarize(pkt gopacket.Packet, number int, origin time.Time) models.PacketSummary {
	md := pkt.Metadata()
	wire := md.Length
	if wire == 0 {
		wire = len(pkt.Data())
	}

	protocol, info := describe(pkt)
	if info == "" {
		info = fmt.Sprintf("Len=%d", wire)
	}
	src, dst := endpoints(pkt)

	return models.PacketSummary{
		Sequence:     clip(strconv.Itoa(number), 16),
		RelativeTime: clip(relativeTime(md.Timestamp, origin), 16),
		Source:       src,
		Destination:  dst,
		Length:       strconv.Itoa(wire),
		Protocol:     clip(protocol, 16),
		Info:         clip(info, 512),
	}
}

func relativeTime(ts, origin time.Time) string {
	if origin.IsZero() || ts.IsZero() {
		return "0.000000"
	}
	return fmt.Sprintf("%.6f", ts.Sub(origin).Seconds())
}

// describe picks the highest recognized protocol and its info column.
func describe(pkt gopacket.Packet) (protocol, info string) {
	if app := pkt.ApplicationLayer(); app != nil {
		if p, i := appSummary(app.Payload()); p != "" {
			return p, i
		}
	}

	if l, ok := pkt.Layer(layers.LayerTypeTLS).(*layers.TLS); ok {
		return "TLS", tlsInfo(tlsRecords(pkt, l))
	}
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok && isTLS(tcp.Payload) {
		return "TLS", tlsInfo(tcp.Payload)
	}

	if l, ok := pkt.Layer(layers.LayerTypeDNS).(*layers.DNS); ok {
		info = "Standard query"
		if l.QR {
			info = "Standard query response"
		}
		info += fmt.Sprintf(" 0x%04x", l.ID)
		for _, q := range l.Questions {
			info += " " + q.Type.String() + " " + string(q.Name)
		}
		return "DNS", info
	}

	if l, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		return "ICMP", fmt.Sprintf("%s id=0x%04x, seq=%d", l.TypeCode, l.Id, l.Seq)
	}

	if l, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
		return "ICMPv6", l.TypeCode.String()
	}

	if l, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		return "TCP", fmt.Sprintf("%d -> %d [%s] Seq=%d Ack=%d Win=%d Len=%d",
			uint16(l.SrcPort), uint16(l.DstPort), tcpFlagString(l), l.Seq, l.Ack, l.Window, len(l.Payload))
	}

	if l, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		return "UDP", fmt.Sprintf("%d -> %d Len=%d", uint16(l.SrcPort), uint16(l.DstPort), len(l.Payload))
	}

	if l, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		sender := net.IP(l.SourceProtAddress).String()
		target := net.IP(l.DstProtAddress).String()
		if l.Operation == layers.ARPRequest {
			return "ARP", fmt.Sprintf("Who has %s? Tell %s", target, sender)
		}
		return "ARP", fmt.Sprintf("%s is at %s", sender, net.HardwareAddr(l.SourceHwAddress))
	}

	if l, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		return "IPv4", l.Protocol.String()
	}
	if l, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		return "IPv6", l.NextHeader.String()
	}

	if l, ok := pkt.Layer(layers.LayerTypeDot11).(*layers.Dot11); ok {
		return "802.11", l.Type.String()
	}

	if l, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		return "Ethernet", fmt.Sprintf("Type 0x%04x", uint16(l.EthernetType))
	}

	if all := pkt.Layers(); len(all) > 0 {
		return all[len(all)-1].LayerType().String(), ""
	}
	return "Frame", ""
}

func tlsInfo(data []byte) string {
	var parts []string
	pos := 0
	for pos+tlsRecordHeaderLen <= len(data) {
		ctype := layers.TLSType(data[pos])
		length := int(data[pos+3])<<8 | int(data[pos+4])
		desc := ctype.String()
		body := data[pos+tlsRecordHeaderLen:]
		if ctype == layers.TLSHandshake && len(body) > 0 && body[0] == handshakeClientHello {
			desc = "Client Hello"
			if hello := parseClientHello(body, 0); hello != nil && hello.sni != "" {
				desc += " (SNI=" + hello.sni + ")"
			}
		}
		parts = append(parts, desc)
		pos += tlsRecordHeaderLen + length
	}
	return strings.Join(parts, ", ")
}

// endpoints prefers network addresses, then link addresses.
func endpoints(pkt gopacket.Packet) (src, dst string) {
	switch l := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		return peer(l.SrcIP.String()), peer(l.DstIP.String())
	case *layers.IPv6:
		return peer(l.SrcIP.String()), peer(l.DstIP.String())
	}
	if l, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		return peer(net.IP(l.SourceProtAddress).String()), peer(net.IP(l.DstProtAddress).String())
	}
	if l, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		return peer(l.SrcMAC.String()), peer(l.DstMAC.String())
	}
	if l, ok := pkt.Layer(layers.LayerTypeDot11).(*layers.Dot11); ok {
		return peer(l.Address2.String()), peer(l.Address1.String())
	}
	return NotApplicable, NotApplicable
}

func peer(s string) string {
	if s == "" || !ValidPeer(s) {
		return NotApplicable
	}
	return s
}

// clip truncates s to max runes after replacing invalid UTF-8.
func clip(s string, max int) string {
	s = strings.ToValidUTF8(s, "�")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
