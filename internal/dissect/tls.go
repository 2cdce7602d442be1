package dissect

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"labcap/internal/models"
)

// gopacket splits TLS records but leaves handshake bodies opaque, so the
// ClientHello is walked by hand.

const (
	tlsRecordHeaderLen   = 5
	handshakeClientHello = 0x01
	extServerName        = 0x0000
	extSupportedGroups   = 0x000a
	extECPointFormats    = 0x000b
)

type clientHello struct {
	version      uint16
	sni          string
	ciphers      []uint16
	extensions   []uint16
	groups       []uint16
	pointFormats []uint8
	fields       []models.FieldItem
}

// isTLS reports whether data starts with a TLS record header. gopacket only
// decodes TLS when streams are decoded as datagrams, so stream payloads are
// checked by hand.
func isTLS(data []byte) bool {
	if len(data) < tlsRecordHeaderLen {
		return false
	}
	switch layers.TLSType(data[0]) {
	case layers.TLSChangeCipherSpec, layers.TLSAlert, layers.TLSHandshake, layers.TLSApplicationData:
	default:
		return false
	}
	return data[1] == 0x03 && data[2] <= 0x04
}

func overTCP(pkt gopacket.Packet) bool {
	return pkt.Layer(layers.LayerTypeTCP) != nil
}

// tlsRecords returns every TLS record carried by pkt. The TLS layer's own
// contents only hold the last record of a multi-record segment.
func tlsRecords(pkt gopacket.Packet, tls *layers.TLS) []byte {
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok && len(tcp.Payload) > 0 {
		return tcp.Payload
	}
	return tls.LayerContents()
}

func tlsItem(data []byte, off int) models.ProtocolItem {
	var records []models.FieldItem
	pos := 0
	for pos+tlsRecordHeaderLen <= len(data) {
		ctype := layers.TLSType(data[pos])
		version := layers.TLSVersion(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		length := int(binary.BigEndian.Uint16(data[pos+3 : pos+5]))
		body := data[pos+tlsRecordHeaderLen:]
		if length < len(body) {
			body = body[:length]
		}

		children := []models.FieldItem{
			field("tls.record.content_type", "Content Type", off+pos, 1, fmt.Sprintf("%s (%d)", ctype, uint8(ctype))),
			field("tls.record.version", "Version", off+pos+1, 2, fmt.Sprintf("%s (0x%04x)", version, uint16(version))),
			field("tls.record.length", "Length", off+pos+3, 2, fmt.Sprint(length)),
		}
		if ctype == layers.TLSHandshake && len(body) > 0 && body[0] == handshakeClientHello {
			if hello := parseClientHello(body, off+pos+tlsRecordHeaderLen); hello != nil {
				children = append(children, hello.fields...)
			}
		}
		records = append(records, field("tls.record", "TLS Record Layer", off+pos, tlsRecordHeaderLen+len(body),
			fmt.Sprintf("%s Protocol: %s", version, ctype), children...))
		pos += tlsRecordHeaderLen + length
	}

	return models.ProtocolItem{
		Name:          "tls",
		FormattedName: "Transport Layer Security",
		Fields:        records,
	}
}

// parseClientHello reads a handshake message starting at a ClientHello type
// byte. base is the absolute offset of data[0] in the frame.
func parseClientHello(data []byte, base int) *clientHello {
	if len(data) < 4 {
		return nil
	}
	hello := &clientHello{}
	var fields []models.FieldItem
	pos := 4

	if len(data) < pos+2 {
		return nil
	}
	hello.version = binary.BigEndian.Uint16(data[pos : pos+2])
	fields = append(fields, field("tls.handshake.version", "Version", base+pos, 2, tlsVersionString(hello.version)))
	pos += 2

	if len(data) < pos+32 {
		return hello.finish(data, base, fields)
	}
	fields = append(fields, field("tls.handshake.random", "Random", base+pos, 32, hex.EncodeToString(data[pos:pos+32])))
	pos += 32

	if len(data) < pos+1 {
		return hello.finish(data, base, fields)
	}
	sessionIDLen := int(data[pos])
	fields = append(fields, field("tls.handshake.session_id_length", "Session ID Length", base+pos, 1, fmt.Sprint(sessionIDLen)))
	pos++
	if len(data) < pos+sessionIDLen {
		return hello.finish(data, base, fields)
	}
	pos += sessionIDLen

	if len(data) < pos+2 {
		return hello.finish(data, base, fields)
	}
	suitesLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	suitesPos := pos
	pos += 2
	if len(data) < pos+suitesLen {
		suitesLen = len(data) - pos
	}
	var suites []models.FieldItem
	for i := 0; i+1 < suitesLen; i += 2 {
		cs := binary.BigEndian.Uint16(data[pos+i : pos+i+2])
		hello.ciphers = append(hello.ciphers, cs)
		suites = append(suites, field("tls.handshake.ciphersuite", "Cipher Suite", base+pos+i, 2, cipherSuiteName(cs)))
	}
	fields = append(fields, field("tls.handshake.ciphersuites", "Cipher Suites", base+suitesPos, 2+suitesLen,
		fmt.Sprintf("%d suites", len(suites)), suites...))
	pos += suitesLen

	if len(data) < pos+1 {
		return hello.finish(data, base, fields)
	}
	compLen := int(data[pos])
	pos++
	if len(data) < pos+compLen {
		return hello.finish(data, base, fields)
	}
	pos += compLen

	if len(data) < pos+2 {
		return hello.finish(data, base, fields)
	}
	extLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	extStart := pos
	pos += 2
	extEnd := pos + extLen
	if extEnd > len(data) {
		extEnd = len(data)
	}

	var exts []models.FieldItem
	for pos+4 <= extEnd {
		extType := binary.BigEndian.Uint16(data[pos : pos+2])
		extDataLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if pos+4+extDataLen > extEnd {
			break
		}
		body := data[pos+4 : pos+4+extDataLen]
		hello.extensions = append(hello.extensions, extType)

		var sub []models.FieldItem
		switch extType {
		case extServerName:
			if len(body) >= 5 {
				nameLen := int(binary.BigEndian.Uint16(body[3:5]))
				if 5+nameLen <= len(body) {
					hello.sni = string(body[5 : 5+nameLen])
					sub = append(sub, field("tls.handshake.extensions_server_name", "Server Name", base+pos+9, nameLen, hello.sni))
				}
			}
		case extSupportedGroups:
			if len(body) >= 2 {
				listLen := int(binary.BigEndian.Uint16(body[0:2]))
				for g := 2; g+1 < 2+listLen && g+1 < len(body); g += 2 {
					group := binary.BigEndian.Uint16(body[g : g+2])
					hello.groups = append(hello.groups, group)
					sub = append(sub, field("tls.handshake.extensions_supported_group", "Supported Group", base+pos+4+g, 2, fmt.Sprintf("0x%04x", group)))
				}
			}
		case extECPointFormats:
			if len(body) >= 1 {
				n := int(body[0])
				for j := 1; j <= n && j < len(body); j++ {
					hello.pointFormats = append(hello.pointFormats, body[j])
				}
			}
		}
		exts = append(exts, field("tls.handshake.extension", "Extension", base+pos, 4+extDataLen,
			fmt.Sprintf("type %d, len %d", extType, extDataLen), sub...))
		pos += 4 + extDataLen
	}
	fields = append(fields, field("tls.handshake.extensions", "Extensions", base+extStart, extEnd-extStart,
		fmt.Sprintf("%d extensions", len(exts)), exts...))

	return hello.finish(data, base, fields)
}

func (h *clientHello) finish(data []byte, base int, fields []models.FieldItem) *clientHello {
	if ja3 := h.ja3(); ja3 != "" {
		fields = append(fields, text("tls.handshake.ja3", "JA3", ja3))
	}
	hsLen := len(data)
	if len(data) >= 4 {
		declared := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
		if declared+4 < hsLen {
			hsLen = declared + 4
		}
	}
	h.fields = []models.FieldItem{
		field("tls.handshake", "Handshake Protocol", base, hsLen, "Client Hello", fields...),
	}
	return h
}

// isGREASE reports RFC 8701 reserved values.
func isGREASE(val uint16) bool {
	return (val & 0x0f0f) == 0x0a0a
}

// ja3 is the MD5 of "version,ciphers,extensions,curves,formats".
func (h *clientHello) ja3() string {
	if h.version == 0 {
		return ""
	}
	join := func(vals []uint16) string {
		var parts []string
		for _, v := range vals {
			if !isGREASE(v) {
				parts = append(parts, fmt.Sprint(v))
			}
		}
		return strings.Join(parts, "-")
	}
	formats := make([]string, 0, len(h.pointFormats))
	for _, f := range h.pointFormats {
		formats = append(formats, fmt.Sprint(f))
	}
	s := fmt.Sprintf("%d,%s,%s,%s,%s", h.version, join(h.ciphers), join(h.extensions), join(h.groups), strings.Join(formats, "-"))
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

var cipherSuiteNames = map[uint16]string{
	0x1301: "TLS_AES_128_GCM_SHA256",
	0x1302: "TLS_AES_256_GCM_SHA384",
	0x1303: "TLS_CHACHA20_POLY1305_SHA256",
	0xc02c: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	0xc02b: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	0xc030: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	0xc02f: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	0xcca9: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	0xcca8: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	0xc014: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA",
	0xc013: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
	0x009d: "TLS_RSA_WITH_AES_256_GCM_SHA384",
	0x009c: "TLS_RSA_WITH_AES_128_GCM_SHA256",
	0x0035: "TLS_RSA_WITH_AES_256_CBC_SHA",
	0x002f: "TLS_RSA_WITH_AES_128_CBC_SHA",
	0x00ff: "TLS_EMPTY_RENEGOTIATION_INFO_SCSV",
}

func cipherSuiteName(cs uint16) string {
	if isGREASE(cs) {
		return fmt.Sprintf("Reserved (GREASE) (0x%04x)", cs)
	}
	if name, ok := cipherSuiteNames[cs]; ok {
		return fmt.Sprintf("%s (0x%04x)", name, cs)
	}
	return fmt.Sprintf("Unknown (0x%04x)", cs)
}

func tlsVersionString(v uint16) string {
	switch v {
	case 0x0300:
		return "SSL 3.0 (0x0300)"
	case 0x0301:
		return "TLS 1.0 (0x0301)"
	case 0x0302:
		return "TLS 1.1 (0x0302)"
	case 0x0303:
		return "TLS 1.2 (0x0303)"
	case 0x0304:
		return "TLS 1.3 (0x0304)"
	}
	return fmt.Sprintf("0x%04x", v)
}
