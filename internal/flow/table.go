// Package flow groups the packets of a capture into bidirectional
// conversations.
package flow

import (
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"labcap/internal/models"
)

// DefaultMaxConversations bounds a Table.
const DefaultMaxConversations = 10000

// TCPState is the observed state of a TCP conversation.
type TCPState string

const (
	TCPStateNew         TCPState = "NEW"
	TCPStateSynSent     TCPState = "SYN_SENT"
	TCPStateSynReceived TCPState = "SYN_RECEIVED"
	TCPStateEstablished TCPState = "ESTABLISHED"
	TCPStateFinWait     TCPState = "FIN_WAIT"
	TCPStateClosed      TCPState = "CLOSED"
)

// Key is a normalized 5-tuple. Both directions map to the same key.
type Key struct {
	Addr1    string
	Addr2    string
	Port1    uint16
	Port2    uint16
	Protocol string
}

// MakeKey orders the endpoints so that A->B and B->A share a key.
func MakeKey(src, dst string, srcPort, dstPort uint16, protocol string) Key {
	if src < dst || (src == dst && srcPort <= dstPort) {
		return Key{Addr1: src, Addr2: dst, Port1: srcPort, Port2: dstPort, Protocol: protocol}
	}
	return Key{Addr1: dst, Addr2: src, Port1: dstPort, Port2: srcPort, Protocol: protocol}
}

type conversation struct {
	models.Conversation
	first, last time.Time
	state       TCPState
}

// Table accumulates conversations from packets in capture order. It is not
// safe for concurrent use.
type Table struct {
	origin  time.Time
	max     int
	convs   map[Key]*conversation
	nextID  uint64
	dropped int
}

// NewTable creates a table. Times are reported relative to origin.
func NewTable(origin time.Time, max int) *Table {
	if max <= 0 {
		max = DefaultMaxConversations
	}
	return &Table{origin: origin, max: max, convs: make(map[Key]*conversation)}
}

// Add records pkt. Packets without a network layer are ignored.
func (t *Table) Add(pkt gopacket.Packet) {
	net := pkt.NetworkLayer()
	if net == nil {
		return
	}
	src, dst := net.NetworkFlow().Endpoints()
	var (
		srcPort, dstPort uint16
		protocol         = net.LayerType().String()
		tcp              *layers.TCP
	)
	switch l := pkt.TransportLayer().(type) {
	case *layers.TCP:
		srcPort, dstPort, protocol, tcp = uint16(l.SrcPort), uint16(l.DstPort), "TCP", l
	case *layers.UDP:
		srcPort, dstPort, protocol = uint16(l.SrcPort), uint16(l.DstPort), "UDP"
	case *layers.SCTP:
		srcPort, dstPort, protocol = uint16(l.SrcPort), uint16(l.DstPort), "SCTP"
	}
	if pkt.Layer(layers.LayerTypeICMPv4) != nil {
		protocol = "ICMP"
	} else if pkt.Layer(layers.LayerTypeICMPv6) != nil {
		protocol = "ICMPv6"
	}

	md := pkt.Metadata()
	at, length := md.Timestamp, md.Length
	if length == 0 {
		length = len(pkt.Data())
	}

	key := MakeKey(src.String(), dst.String(), srcPort, dstPort, protocol)
	c, ok := t.convs[key]
	if !ok {
		if len(t.convs) >= t.max {
			t.dropped++
			return
		}
		t.nextID++
		c = &conversation{
			Conversation: models.Conversation{
				ID:       t.nextID,
				SrcAddr:  src.String(),
				DstAddr:  dst.String(),
				SrcPort:  srcPort,
				DstPort:  dstPort,
				Protocol: protocol,
			},
			first: at,
			state: TCPStateNew,
		}
		t.convs[key] = c
	}

	c.Packets++
	c.Bytes += int64(length)
	c.last = at
	// Forward is the direction of the first packet seen.
	if src.String() == c.SrcAddr && srcPort == c.SrcPort {
		c.FwdPackets++
		c.FwdBytes += int64(length)
	} else {
		c.RevPackets++
		c.RevBytes += int64(length)
	}
	if tcp != nil {
		c.state = advanceTCPState(c.state, tcp)
	}
}

// Dropped is the number of packets ignored because the table was full.
func (t *Table) Dropped() int {
	return t.dropped
}

// Conversations returns the table in order of first appearance.
func (t *Table) Conversations() []models.Conversation {
	out := make([]models.Conversation, 0, len(t.convs))
	for _, c := range t.convs {
		conv := c.Conversation
		conv.Start = relative(t.origin, c.first)
		conv.Duration = c.last.Sub(c.first).Seconds()
		if c.Protocol == "TCP" {
			conv.TCPState = string(c.state)
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func relative(origin, at time.Time) float64 {
	if origin.IsZero() || at.Before(origin) {
		return 0
	}
	return at.Sub(origin).Seconds()
}

func advanceTCPState(current TCPState, tcp *layers.TCP) TCPState {
	if tcp.RST {
		return TCPStateClosed
	}

	switch current {
	case TCPStateNew:
		if tcp.SYN && !tcp.ACK {
			return TCPStateSynSent
		}
	case TCPStateSynSent:
		if tcp.SYN && tcp.ACK {
			return TCPStateSynReceived
		}
	case TCPStateSynReceived:
		if tcp.ACK && !tcp.SYN {
			return TCPStateEstablished
		}
	case TCPStateEstablished:
		if tcp.FIN {
			return TCPStateFinWait
		}
	case TCPStateFinWait:
		if tcp.FIN || tcp.ACK {
			return TCPStateClosed
		}
	}
	return current
}
