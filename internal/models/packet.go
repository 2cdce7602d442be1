package models

// PacketSummary is one decoded packet row for list views. Every text field
// is formatted by the dissector and kept verbatim.
type PacketSummary struct {
	Sequence     string `json:"no"`
	RelativeTime string `json:"time"`
	Source       string `json:"source"`
	Destination  string `json:"destination"`
	Length       string `json:"length"`
	Protocol     string `json:"protocol"`
	Info         string `json:"info"`
}

// DecodedPacket is the full protocol decode of one packet, outermost layer first.
type DecodedPacket struct {
	Protocols []ProtocolItem `json:"proto"`
}

// ProtocolItem is one protocol layer.
type ProtocolItem struct {
	Name          string      `json:"name"`
	FormattedName string      `json:"formatted_name"`
	Fields        []FieldItem `json:"field"`
}

// FieldItem is a protocol field. Pos and Size are byte offsets within the
// packet and are nil for synthetic fields. Fields holds bit-fields or
// sub-structures and may nest to any depth.
type FieldItem struct {
	Name          string      `json:"name"`
	FormattedName string      `json:"formatted_name"`
	Pos           *int        `json:"pos"`
	Show          string      `json:"show"`
	Size          *int        `json:"size"`
	Fields        []FieldItem `json:"field"`
}

// Conversation aggregates the packets exchanged between two endpoints.
// Start is seconds since the first packet of the capture.
type Conversation struct {
	ID         uint64  `json:"id"`
	SrcAddr    string  `json:"src_addr"`
	DstAddr    string  `json:"dst_addr"`
	SrcPort    uint16  `json:"src_port"`
	DstPort    uint16  `json:"dst_port"`
	Protocol   string  `json:"protocol"`
	Packets    int     `json:"packets"`
	Bytes      int64   `json:"bytes"`
	FwdPackets int     `json:"fwd_packets"`
	FwdBytes   int64   `json:"fwd_bytes"`
	RevPackets int     `json:"rev_packets"`
	RevBytes   int64   `json:"rev_bytes"`
	Start      float64 `json:"start"`
	Duration   float64 `json:"duration"`
	TCPState   string  `json:"tcp_state,omitempty"`
}
