package dissect

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"unicode/utf8"

	"labcap/internal/core"
	"labcap/internal/models"
)

// MaxFieldDepth is the deepest field nesting accepted in a decoded packet.
// Top-level fields of a protocol are at depth 1.
const MaxFieldDepth = 256

// NotApplicable is the peer value for frames without a usable address.
const NotApplicable = "N/A"

// JSON nesting of a field at depth d is 3+2d: root object, proto array,
// protocol object, then an array and an object per field level. The deepest
// field may still carry an empty child array.
const maxJSONDepth = 4 + 2*MaxFieldDepth

type textBound struct {
	field string
	value string
	max   int
}

// ParseSummaryRow decodes and validates one dissector summary row.
func ParseSummaryRow(raw []byte) (models.PacketSummary, error) {
	var row models.PacketSummary
	if err := core.DecodeStrict(raw, &row); err != nil {
		return models.PacketSummary{}, err
	}
	if err := ValidateSummary(row); err != nil {
		return models.PacketSummary{}, err
	}
	return row, nil
}

// ValidateSummary checks text bounds and peer addresses of a summary row.
func ValidateSummary(row models.PacketSummary) error {
	bounds := []textBound{
		{"no", row.Sequence, 16},
		{"time", row.RelativeTime, 16},
		{"length", row.Length, 16},
		{"protocol", row.Protocol, 16},
		{"info", row.Info, 512},
	}
	for _, b := range bounds {
		n := utf8.RuneCountInString(b.value)
		if n < 1 || n > b.max {
			return core.Invalid(b.field, "must be 1 to %d characters, got %d", b.max, n)
		}
	}
	if !ValidPeer(row.Source) {
		return core.Invalid("source", "%q is not a MAC address, IP address or %q", row.Source, NotApplicable)
	}
	if !ValidPeer(row.Destination) {
		return core.Invalid("destination", "%q is not a MAC address, IP address or %q", row.Destination, NotApplicable)
	}
	return nil
}

// ValidPeer reports whether s is a MAC address, an IPv4/IPv6 address or "N/A".
func ValidPeer(s string) bool {
	if s == NotApplicable {
		return true
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Zone() == ""
	}
	_, err := net.ParseMAC(s)
	return err == nil
}

// ParseDetail decodes and validates a dissector field tree. Input nested
// deeper than MaxFieldDepth fails with core.ErrDecodeTooDeep before it is
// decoded.
func ParseDetail(raw []byte) (models.DecodedPacket, error) {
	if err := checkNesting(raw); err != nil {
		return models.DecodedPacket{}, err
	}
	var pkt models.DecodedPacket
	if err := core.DecodeStrict(raw, &pkt); err != nil {
		return models.DecodedPacket{}, err
	}
	if err := ValidateDetail(pkt); err != nil {
		return models.DecodedPacket{}, err
	}
	return pkt, nil
}

type frame struct {
	fields []models.FieldItem
	depth  int
	path   string
}

// ValidateDetail walks the field tree without recursion.
func ValidateDetail(pkt models.DecodedPacket) error {
	stack := make([]frame, 0, len(pkt.Protocols))
	for i := len(pkt.Protocols) - 1; i >= 0; i-- {
		p := pkt.Protocols[i]
		stack = append(stack, frame{fields: p.Fields, depth: 1, path: fmt.Sprintf("proto[%d]", i)})
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(top.fields) == 0 {
			continue
		}
		if top.depth > MaxFieldDepth {
			return fmt.Errorf("%w: %s exceeds %d levels", core.ErrDecodeTooDeep, top.path, MaxFieldDepth)
		}
		for i, f := range top.fields {
			if f.Pos != nil && *f.Pos < 0 {
				return core.Invalid(fmt.Sprintf("%s.field[%d].pos", top.path, i), "must not be negative")
			}
			if f.Size != nil && *f.Size < 0 {
				return core.Invalid(fmt.Sprintf("%s.field[%d].size", top.path, i), "must not be negative")
			}
			if len(f.Fields) > 0 {
				stack = append(stack, frame{
					fields: f.Fields,
					depth:  top.depth + 1,
					path:   fmt.Sprintf("%s.field[%d]", top.path, i),
				})
			}
		}
	}
	return nil
}

// checkNesting scans raw token by token and rejects nesting that could only
// come from a field tree deeper than MaxFieldDepth.
func checkNesting(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return core.Invalid("", "%v", err)
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("%w: nesting exceeds %d field levels", core.ErrDecodeTooDeep, MaxFieldDepth)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}
