package dissect

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"labcap/internal/models"
)

// maxDataShow bounds how many payload bytes are rendered as hex.
const maxDataShow = 64

// Decode builds the protocol/field tree for pkt. number is the 1-based
// position of the packet in its capture and origin the timestamp of the
// first packet.
func Decode(pkt gopacket.Packet, number int, origin time.Time) models.DecodedPacket {
	out := models.DecodedPacket{
		Protocols: []models.ProtocolItem{frameItem(pkt, number, origin)},
	}

	offset := 0
	for _, layer := range pkt.Layers() {
		out.Protocols = append(out.Protocols, layerItem(pkt, layer, offset))
		offset += len(layer.LayerContents())
	}
	return out
}

func layerItem(pkt gopacket.Packet, layer gopacket.Layer, off int) models.ProtocolItem {
	switch l := layer.(type) {
	case *layers.Ethernet:
		return ethernetItem(l, off)
	case *layers.Dot1Q:
		return dot1qItem(l, off)
	case *layers.ARP:
		return arpItem(l, off)
	case *layers.IPv4:
		return ipv4Item(l, off)
	case *layers.IPv6:
		return ipv6Item(l, off)
	case *layers.TCP:
		return tcpItem(l, off)
	case *layers.UDP:
		return udpItem(l, off)
	case *layers.ICMPv4:
		return icmpv4Item(l, off)
	case *layers.ICMPv6:
		return icmpv6Item(l, off)
	case *layers.DNS:
		return dnsItem(l, off)
	case *layers.TLS:
		return tlsItem(tlsRecords(pkt, l), off)
	case *layers.Dot11:
		return dot11Item(l, off)
	case *gopacket.DecodeFailure:
		return models.ProtocolItem{
			Name:          "_ws.malformed",
			FormattedName: "[Malformed Packet: " + l.Error().Error() + "]",
			Fields:        []models.FieldItem{dataField("_ws.malformed.data", off, l.LayerContents())},
		}
	}

	if layer.LayerType() == gopacket.LayerTypePayload {
		if item, ok := appItem(layer.LayerContents(), off); ok {
			return item
		}
		if overTCP(pkt) && isTLS(layer.LayerContents()) {
			return tlsItem(layer.LayerContents(), off)
		}
		return dataItem(layer.LayerContents(), off)
	}
	return genericItem(layer, off)
}

func frameItem(pkt gopacket.Packet, number int, origin time.Time) models.ProtocolItem {
	md := pkt.Metadata()
	wire := md.Length
	if wire == 0 {
		wire = len(pkt.Data())
	}
	names := make([]string, 0, len(pkt.Layers()))
	for _, l := range pkt.Layers() {
		names = append(names, strings.ToLower(l.LayerType().String()))
	}
	return models.ProtocolItem{
		Name:          "frame",
		FormattedName: fmt.Sprintf("Frame %d: %d bytes on wire, %d bytes captured", number, wire, len(pkt.Data())),
		Fields: []models.FieldItem{
			text("frame.number", "Frame Number", fmt.Sprint(number)),
			text("frame.time", "Arrival Time", md.Timestamp.UTC().Format(time.RFC3339Nano)),
			text("frame.time_relative", "Time since reference or first frame", relativeTime(md.Timestamp, origin)+" seconds"),
			text("frame.len", "Frame Length", fmt.Sprintf("%d bytes", wire)),
			text("frame.cap_len", "Capture Length", fmt.Sprintf("%d bytes", len(pkt.Data()))),
			text("frame.protocols", "Protocols in frame", strings.Join(names, ":")),
		},
	}
}

func ethernetItem(eth *layers.Ethernet, off int) models.ProtocolItem {
	return models.ProtocolItem{
		Name:          "eth",
		FormattedName: fmt.Sprintf("Ethernet II, Src: %s, Dst: %s", eth.SrcMAC, eth.DstMAC),
		Fields: []models.FieldItem{
			macField("eth.dst", "Destination", off, eth.DstMAC),
			macField("eth.src", "Source", off+6, eth.SrcMAC),
			field("eth.type", "Type", off+12, 2, fmt.Sprintf("%s (0x%04x)", eth.EthernetType, uint16(eth.EthernetType))),
		},
	}
}

func dot1qItem(v *layers.Dot1Q, off int) models.ProtocolItem {
	return models.ProtocolItem{
		Name:          "vlan",
		FormattedName: fmt.Sprintf("802.1Q Virtual LAN, PRI: %d, ID: %d", v.Priority, v.VLANIdentifier),
		Fields: []models.FieldItem{
			field("vlan.priority", "Priority", off, 2, fmt.Sprint(v.Priority)),
			bit("vlan.dei", "DEI", off, 2, v.DropEligible, "Eligible", "Ineligible"),
			field("vlan.id", "ID", off, 2, fmt.Sprint(v.VLANIdentifier)),
			field("vlan.etype", "Type", off+2, 2, fmt.Sprintf("%s (0x%04x)", v.Type, uint16(v.Type))),
		},
	}
}

func arpItem(arp *layers.ARP, off int) models.ProtocolItem {
	op := "Unknown"
	switch arp.Operation {
	case layers.ARPRequest:
		op = "request"
	case layers.ARPReply:
		op = "reply"
	}
	hl, pl := int(arp.HwAddressSize), int(arp.ProtAddressSize)
	return models.ProtocolItem{
		Name:          "arp",
		FormattedName: fmt.Sprintf("Address Resolution Protocol (%s)", op),
		Fields: []models.FieldItem{
			field("arp.hw.type", "Hardware type", off, 2, fmt.Sprint(uint16(arp.AddrType))),
			field("arp.proto.type", "Protocol type", off+2, 2, fmt.Sprintf("0x%04x", uint16(arp.Protocol))),
			field("arp.hw.size", "Hardware size", off+4, 1, fmt.Sprint(hl)),
			field("arp.proto.size", "Protocol size", off+5, 1, fmt.Sprint(pl)),
			field("arp.opcode", "Opcode", off+6, 2, fmt.Sprintf("%s (%d)", op, arp.Operation)),
			field("arp.src.hw_mac", "Sender MAC address", off+8, hl, net.HardwareAddr(arp.SourceHwAddress).String()),
			field("arp.src.proto_ipv4", "Sender IP address", off+8+hl, pl, net.IP(arp.SourceProtAddress).String()),
			field("arp.dst.hw_mac", "Target MAC address", off+8+hl+pl, hl, net.HardwareAddr(arp.DstHwAddress).String()),
			field("arp.dst.proto_ipv4", "Target IP address", off+8+2*hl+pl, pl, net.IP(arp.DstProtAddress).String()),
		},
	}
}

func ipv4Item(ip *layers.IPv4, off int) models.ProtocolItem {
	return models.ProtocolItem{
		Name:          "ip",
		FormattedName: fmt.Sprintf("Internet Protocol Version 4, Src: %s, Dst: %s", ip.SrcIP, ip.DstIP),
		Fields: []models.FieldItem{
			field("ip.version", "Version", off, 1, fmt.Sprint(ip.Version)),
			field("ip.hdr_len", "Header Length", off, 1, fmt.Sprintf("%d bytes (%d)", int(ip.IHL)*4, ip.IHL)),
			field("ip.dsfield", "Differentiated Services Field", off+1, 1, fmt.Sprintf("0x%02x", ip.TOS),
				field("ip.dsfield.dscp", "Differentiated Services Codepoint", off+1, 1, fmt.Sprint(ip.TOS>>2)),
				field("ip.dsfield.ecn", "Explicit Congestion Notification", off+1, 1, fmt.Sprint(ip.TOS&0x03)),
			),
			field("ip.len", "Total Length", off+2, 2, fmt.Sprint(ip.Length)),
			field("ip.id", "Identification", off+4, 2, fmt.Sprintf("0x%04x (%d)", ip.Id, ip.Id)),
			field("ip.flags", "Flags", off+6, 1, fmt.Sprintf("0x%x", uint8(ip.Flags)),
				bit("ip.flags.rb", "Reserved bit", off+6, 1, ip.Flags&layers.IPv4EvilBit != 0, "Set", "Not set"),
				bit("ip.flags.df", "Don't fragment", off+6, 1, ip.Flags&layers.IPv4DontFragment != 0, "Set", "Not set"),
				bit("ip.flags.mf", "More fragments", off+6, 1, ip.Flags&layers.IPv4MoreFragments != 0, "Set", "Not set"),
			),
			field("ip.frag_offset", "Fragment Offset", off+6, 2, fmt.Sprint(ip.FragOffset)),
			field("ip.ttl", "Time to Live", off+8, 1, fmt.Sprint(ip.TTL)),
			field("ip.proto", "Protocol", off+9, 1, fmt.Sprintf("%s (%d)", ip.Protocol, uint8(ip.Protocol))),
			field("ip.checksum", "Header Checksum", off+10, 2, fmt.Sprintf("0x%04x", ip.Checksum)),
			field("ip.src", "Source Address", off+12, 4, ip.SrcIP.String()),
			field("ip.dst", "Destination Address", off+16, 4, ip.DstIP.String()),
		},
	}
}

func ipv6Item(ip *layers.IPv6, off int) models.ProtocolItem {
	return models.ProtocolItem{
		Name:          "ipv6",
		FormattedName: fmt.Sprintf("Internet Protocol Version 6, Src: %s, Dst: %s", ip.SrcIP, ip.DstIP),
		Fields: []models.FieldItem{
			field("ipv6.version", "Version", off, 1, fmt.Sprint(ip.Version)),
			field("ipv6.tclass", "Traffic Class", off, 2, fmt.Sprintf("0x%02x", ip.TrafficClass)),
			field("ipv6.flow", "Flow Label", off+1, 3, fmt.Sprintf("0x%05x", ip.FlowLabel)),
			field("ipv6.plen", "Payload Length", off+4, 2, fmt.Sprint(ip.Length)),
			field("ipv6.nxt", "Next Header", off+6, 1, fmt.Sprintf("%s (%d)", ip.NextHeader, uint8(ip.NextHeader))),
			field("ipv6.hlim", "Hop Limit", off+7, 1, fmt.Sprint(ip.HopLimit)),
			field("ipv6.src", "Source Address", off+8, 16, ip.SrcIP.String()),
			field("ipv6.dst", "Destination Address", off+24, 16, ip.DstIP.String()),
		},
	}
}

func tcpItem(tcp *layers.TCP, off int) models.ProtocolItem {
	hdrLen := int(tcp.DataOffset) * 4
	fields := []models.FieldItem{
		field("tcp.srcport", "Source Port", off, 2, fmt.Sprint(uint16(tcp.SrcPort))),
		field("tcp.dstport", "Destination Port", off+2, 2, fmt.Sprint(uint16(tcp.DstPort))),
		field("tcp.seq", "Sequence Number", off+4, 4, fmt.Sprint(tcp.Seq)),
		field("tcp.ack", "Acknowledgment Number", off+8, 4, fmt.Sprint(tcp.Ack)),
		field("tcp.hdr_len", "Header Length", off+12, 1, fmt.Sprintf("%d bytes (%d)", hdrLen, tcp.DataOffset)),
		field("tcp.flags", "Flags", off+12, 2, tcpFlagString(tcp),
			bit("tcp.flags.ns", "Nonce", off+12, 1, tcp.NS, "Set", "Not set"),
			bit("tcp.flags.cwr", "Congestion Window Reduced", off+13, 1, tcp.CWR, "Set", "Not set"),
			bit("tcp.flags.ece", "ECN-Echo", off+13, 1, tcp.ECE, "Set", "Not set"),
			bit("tcp.flags.urg", "Urgent", off+13, 1, tcp.URG, "Set", "Not set"),
			bit("tcp.flags.ack", "Acknowledgment", off+13, 1, tcp.ACK, "Set", "Not set"),
			bit("tcp.flags.push", "Push", off+13, 1, tcp.PSH, "Set", "Not set"),
			bit("tcp.flags.reset", "Reset", off+13, 1, tcp.RST, "Set", "Not set"),
			bit("tcp.flags.syn", "Syn", off+13, 1, tcp.SYN, "Set", "Not set"),
			bit("tcp.flags.fin", "Fin", off+13, 1, tcp.FIN, "Set", "Not set"),
		),
		field("tcp.window_size_value", "Window", off+14, 2, fmt.Sprint(tcp.Window)),
		field("tcp.checksum", "Checksum", off+16, 2, fmt.Sprintf("0x%04x", tcp.Checksum)),
		field("tcp.urgent_pointer", "Urgent Pointer", off+18, 2, fmt.Sprint(tcp.Urgent)),
	}

	if hdrLen > 20 && len(tcp.Options) > 0 {
		var opts []models.FieldItem
		pos := off + 20
		for _, opt := range tcp.Options {
			size := int(opt.OptionLength)
			if opt.OptionType == layers.TCPOptionKindEndList || opt.OptionType == layers.TCPOptionKindNop {
				size = 1
			}
			opts = append(opts, field("tcp.option_kind", opt.OptionType.String(), pos, size, opt.String()))
			pos += size
		}
		fields = append(fields, field("tcp.options", "Options", off+20, hdrLen-20, fmt.Sprintf("%d bytes", hdrLen-20), opts...))
	}
	fields = append(fields, text("tcp.len", "TCP Segment Len", fmt.Sprint(len(tcp.Payload))))

	return models.ProtocolItem{
		Name: "tcp",
		FormattedName: fmt.Sprintf("Transmission Control Protocol, Src Port: %d, Dst Port: %d, Seq: %d, Len: %d",
			uint16(tcp.SrcPort), uint16(tcp.DstPort), tcp.Seq, len(tcp.Payload)),
		Fields: fields,
	}
}

func udpItem(udp *layers.UDP, off int) models.ProtocolItem {
	return models.ProtocolItem{
		Name:          "udp",
		FormattedName: fmt.Sprintf("User Datagram Protocol, Src Port: %d, Dst Port: %d", uint16(udp.SrcPort), uint16(udp.DstPort)),
		Fields: []models.FieldItem{
			field("udp.srcport", "Source Port", off, 2, fmt.Sprint(uint16(udp.SrcPort))),
			field("udp.dstport", "Destination Port", off+2, 2, fmt.Sprint(uint16(udp.DstPort))),
			field("udp.length", "Length", off+4, 2, fmt.Sprint(udp.Length)),
			field("udp.checksum", "Checksum", off+6, 2, fmt.Sprintf("0x%04x", udp.Checksum)),
		},
	}
}

func icmpv4Item(icmp *layers.ICMPv4, off int) models.ProtocolItem {
	return models.ProtocolItem{
		Name:          "icmp",
		FormattedName: "Internet Control Message Protocol",
		Fields: []models.FieldItem{
			field("icmp.type", "Type", off, 1, fmt.Sprintf("%d (%s)", icmp.TypeCode.Type(), icmp.TypeCode)),
			field("icmp.code", "Code", off+1, 1, fmt.Sprint(icmp.TypeCode.Code())),
			field("icmp.checksum", "Checksum", off+2, 2, fmt.Sprintf("0x%04x", icmp.Checksum)),
			field("icmp.ident", "Identifier", off+4, 2, fmt.Sprintf("%d (0x%04x)", icmp.Id, icmp.Id)),
			field("icmp.seq", "Sequence Number", off+6, 2, fmt.Sprint(icmp.Seq)),
		},
	}
}

func icmpv6Item(icmp *layers.ICMPv6, off int) models.ProtocolItem {
	return models.ProtocolItem{
		Name:          "icmpv6",
		FormattedName: "Internet Control Message Protocol v6",
		Fields: []models.FieldItem{
			field("icmpv6.type", "Type", off, 1, fmt.Sprintf("%d (%s)", icmp.TypeCode.Type(), icmp.TypeCode)),
			field("icmpv6.code", "Code", off+1, 1, fmt.Sprint(icmp.TypeCode.Code())),
			field("icmpv6.checksum", "Checksum", off+2, 2, fmt.Sprintf("0x%04x", icmp.Checksum)),
		},
	}
}

func dnsItem(dns *layers.DNS, off int) models.ProtocolItem {
	kind := "query"
	if dns.QR {
		kind = "response"
	}
	fields := []models.FieldItem{
		field("dns.id", "Transaction ID", off, 2, fmt.Sprintf("0x%04x", dns.ID)),
		field("dns.flags", "Flags", off+2, 2, "Standard "+kind,
			bit("dns.flags.response", "Response", off+2, 1, dns.QR, "Message is a response", "Message is a query"),
			field("dns.flags.opcode", "Opcode", off+2, 1, dns.OpCode.String()),
			bit("dns.flags.authoritative", "Authoritative", off+2, 1, dns.AA, "Server is an authority for domain", "Server is not an authority for domain"),
			bit("dns.flags.truncated", "Truncated", off+2, 1, dns.TC, "Message is truncated", "Message is not truncated"),
			bit("dns.flags.recdesired", "Recursion desired", off+2, 1, dns.RD, "Do query recursively", "Do not query recursively"),
			bit("dns.flags.recavail", "Recursion available", off+3, 1, dns.RA, "Server can do recursive queries", "Server can't do recursive queries"),
			field("dns.flags.rcode", "Reply code", off+3, 1, dns.ResponseCode.String()),
		),
		field("dns.count.queries", "Questions", off+4, 2, fmt.Sprint(dns.QDCount)),
		field("dns.count.answers", "Answer RRs", off+6, 2, fmt.Sprint(dns.ANCount)),
		field("dns.count.auth_rr", "Authority RRs", off+8, 2, fmt.Sprint(dns.NSCount)),
		field("dns.count.add_rr", "Additional RRs", off+10, 2, fmt.Sprint(dns.ARCount)),
	}

	if len(dns.Questions) > 0 {
		queries := make([]models.FieldItem, 0, len(dns.Questions))
		for _, q := range dns.Questions {
			queries = append(queries, text("dns.qry", string(q.Name),
				fmt.Sprintf("type %s, class %s", q.Type, q.Class),
				text("dns.qry.name", "Name", string(q.Name)),
				text("dns.qry.type", "Type", q.Type.String()),
				text("dns.qry.class", "Class", q.Class.String()),
			))
		}
		fields = append(fields, text("dns.queries", "Queries", fmt.Sprint(len(queries)), queries...))
	}
	if len(dns.Answers) > 0 {
		answers := make([]models.FieldItem, 0, len(dns.Answers))
		for _, a := range dns.Answers {
			answers = append(answers, text("dns.resp", string(a.Name),
				fmt.Sprintf("type %s, class %s, %s", a.Type, a.Class, answerData(a)),
				text("dns.resp.name", "Name", string(a.Name)),
				text("dns.resp.type", "Type", a.Type.String()),
				text("dns.resp.class", "Class", a.Class.String()),
				text("dns.resp.ttl", "Time to live", fmt.Sprint(a.TTL)),
				text("dns.resp.len", "Data length", fmt.Sprint(a.DataLength)),
				text("dns.resp.data", "Data", answerData(a)),
			))
		}
		fields = append(fields, text("dns.answers", "Answers", fmt.Sprint(len(answers)), answers...))
	}

	return models.ProtocolItem{
		Name:          "dns",
		FormattedName: "Domain Name System (" + kind + ")",
		Fields:        fields,
	}
}

func answerData(a layers.DNSResourceRecord) string {
	switch {
	case a.IP != nil:
		return a.IP.String()
	case len(a.CNAME) > 0:
		return string(a.CNAME)
	case len(a.NS) > 0:
		return string(a.NS)
	case len(a.PTR) > 0:
		return string(a.PTR)
	case len(a.TXTs) > 0:
		parts := make([]string, len(a.TXTs))
		for i, t := range a.TXTs {
			parts[i] = string(t)
		}
		return strings.Join(parts, " ")
	}
	return hex.EncodeToString(a.Data)
}

func dot11Item(d *layers.Dot11, off int) models.ProtocolItem {
	return models.ProtocolItem{
		Name:          "wlan",
		FormattedName: "IEEE 802.11 " + d.Type.String(),
		Fields: []models.FieldItem{
			field("wlan.fc", "Frame Control Field", off, 2, fmt.Sprintf("%s, flags %s", d.Type, d.Flags)),
			field("wlan.duration", "Duration", off+2, 2, fmt.Sprint(d.DurationID)),
			macField("wlan.ra", "Receiver address", off+4, d.Address1),
			macField("wlan.ta", "Transmitter address", off+10, d.Address2),
			macField("wlan.bssid", "BSS Id", off+16, d.Address3),
			field("wlan.seq", "Sequence number", off+22, 2, fmt.Sprint(d.SequenceNumber)),
			field("wlan.frag", "Fragment number", off+22, 2, fmt.Sprint(d.FragmentNumber)),
		},
	}
}

func dataItem(data []byte, off int) models.ProtocolItem {
	return models.ProtocolItem{
		Name:          "data",
		FormattedName: fmt.Sprintf("Data (%d bytes)", len(data)),
		Fields: []models.FieldItem{
			dataField("data.data", off, data),
			text("data.len", "Length", fmt.Sprint(len(data))),
		},
	}
}

func genericItem(layer gopacket.Layer, off int) models.ProtocolItem {
	name := strings.ToLower(layer.LayerType().String())
	contents := layer.LayerContents()
	return models.ProtocolItem{
		Name:          name,
		FormattedName: layer.LayerType().String(),
		Fields:        []models.FieldItem{dataField(name+".data", off, contents)},
	}
}

func dataField(name string, off int, data []byte) models.FieldItem {
	show := data
	suffix := ""
	if len(show) > maxDataShow {
		show = show[:maxDataShow]
		suffix = "..."
	}
	return field(name, "Data", off, len(data), hex.EncodeToString(show)+suffix)
}

func macField(name, label string, pos int, mac net.HardwareAddr) models.FieldItem {
	var first byte
	if len(mac) > 0 {
		first = mac[0]
	}
	return field(name, label, pos, len(mac), mac.String(),
		bit(name+".lg", "LG bit", pos, 1, first&0x02 != 0, "Locally administered address", "Globally unique address"),
		bit(name+".ig", "IG bit", pos, 1, first&0x01 != 0, "Group address (multicast/broadcast)", "Individual address (unicast)"),
	)
}

func tcpFlagString(tcp *layers.TCP) string {
	var parts []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{tcp.CWR, "CWR"}, {tcp.ECE, "ECE"}, {tcp.URG, "URG"}, {tcp.ACK, "ACK"},
		{tcp.PSH, "PSH"}, {tcp.RST, "RST"}, {tcp.SYN, "SYN"}, {tcp.FIN, "FIN"},
	} {
		if f.set {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ", ")
}

// field returns a positioned field; label is the human prefix of formatted_name.
func field(name, label string, pos, size int, show string, children ...models.FieldItem) models.FieldItem {
	return models.FieldItem{
		Name:          name,
		FormattedName: label + ": " + show,
		Pos:           &pos,
		Show:          show,
		Size:          &size,
		Fields:        children,
	}
}

// text returns a field that does not map to packet bytes.
func text(name, label, show string, children ...models.FieldItem) models.FieldItem {
	return models.FieldItem{
		Name:          name,
		FormattedName: label + ": " + show,
		Show:          show,
		Fields:        children,
	}
}

func bit(name, label string, pos, size int, set bool, on, off string) models.FieldItem {
	show, desc := "0", off
	if set {
		show, desc = "1", on
	}
	f := field(name, label, pos, size, show)
	f.FormattedName = label + ": " + desc
	return f
}
