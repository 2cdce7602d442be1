package dissect

import (
	"bytes"
	"fmt"
	"strings"

	"labcap/internal/models"
)

// Application protocols gopacket has no decoder for are recognized from
// the leading payload bytes.

var httpPrefixes = []string{"GET ", "POST", "PUT ", "DELE", "HEAD", "HTTP", "PATC", "OPTI"}

var sipPrefixes = []string{
	"SIP/", "INVITE ", "REGISTER", "ACK ", "BYE ", "CANCEL ", "OPTIONS ",
	"PRACK ", "NOTIFY ", "PUBLISH ", "INFO ", "REFER ", "MESSAGE ", "UPDATE ", "SUBSCRI",
}

func isHTTP(data []byte) bool {
	return len(data) >= 4 && hasAnyPrefix(data, httpPrefixes)
}

func isSIP(data []byte) bool {
	return len(data) >= 4 && hasAnyPrefix(data, sipPrefixes)
}

func isSSH(data []byte) bool {
	return bytes.HasPrefix(data, []byte("SSH-"))
}

// isMQTT matches a CONNECT packet carrying the "MQTT" protocol name.
func isMQTT(data []byte) bool {
	return len(data) >= 10 && data[0] == 0x10 && bytes.Contains(data[:10], []byte("MQTT"))
}

func hasAnyPrefix(data []byte, prefixes []string) bool {
	for _, p := range prefixes {
		if bytes.HasPrefix(data, []byte(p)) {
			return true
		}
	}
	return false
}

// appItem returns the protocol item for a recognized payload.
func appItem(data []byte, off int) (models.ProtocolItem, bool) {
	switch {
	case isHTTP(data):
		return headerItem("http", "Hypertext Transfer Protocol", data, off), true
	case isSIP(data):
		return headerItem("sip", "Session Initiation Protocol", data, off), true
	case isSSH(data):
		return sshItem(data, off), true
	case isMQTT(data):
		return mqttItem(data, off), true
	}
	return models.ProtocolItem{}, false
}

// appSummary returns the protocol column and info for a recognized payload.
func appSummary(data []byte) (string, string) {
	switch {
	case isHTTP(data):
		return "HTTP", firstLine(data)
	case isSIP(data):
		return "SIP", "Request: " + firstLine(data)
	case isSSH(data):
		return "SSH", "Server: " + firstLine(data)
	case isMQTT(data):
		return "MQTT", "Connect Command"
	}
	return "", ""
}

// headerItem splits a CRLF text header block into a start line and one field
// per header.
func headerItem(name, label string, data []byte, off int) models.ProtocolItem {
	var fields []models.FieldItem
	pos := 0
	for i := 0; pos < len(data) && i < 64; i++ {
		end := bytes.Index(data[pos:], []byte("\r\n"))
		if end < 0 {
			end = len(data) - pos
		}
		line := string(data[pos : pos+end])
		if line == "" {
			break
		}
		if i == 0 {
			fields = append(fields, field(name+".request_line", "Start Line", off+pos, end, line))
		} else if k, v, ok := strings.Cut(line, ":"); ok {
			key := strings.ToLower(strings.TrimSpace(k))
			fields = append(fields, field(name+"."+key, strings.TrimSpace(k), off+pos, end, strings.TrimSpace(v)))
		}
		pos += end + 2
	}
	return models.ProtocolItem{Name: name, FormattedName: label, Fields: fields}
}

func sshItem(data []byte, off int) models.ProtocolItem {
	version := firstLine(data)
	var sub []models.FieldItem
	if parts := strings.SplitN(version, "-", 3); len(parts) == 3 {
		sub = append(sub,
			field("ssh.protocol_version", "Protocol Version", off, len(parts[0])+1+len(parts[1]), parts[0]+"-"+parts[1]),
			field("ssh.software_version", "Software Version", off+len(parts[0])+len(parts[1])+2, len(parts[2]), parts[2]),
		)
	}
	return models.ProtocolItem{
		Name:          "ssh",
		FormattedName: "SSH Protocol",
		Fields:        []models.FieldItem{field("ssh.protocol", "Protocol", off, len(version), version, sub...)},
	}
}

func mqttItem(data []byte, off int) models.ProtocolItem {
	fields := []models.FieldItem{
		field("mqtt.msgtype", "Message Type", off, 1, "Connect Command (1)"),
	}
	if idx := bytes.Index(data, []byte("MQTT")); idx >= 0 && idx+5 < len(data) {
		fields = append(fields, field("mqtt.ver", "Version", off+idx+4, 1, fmt.Sprint(data[idx+4])))
		flags := data[idx+5]
		fields = append(fields, field("mqtt.conflags", "Connect Flags", off+idx+5, 1, fmt.Sprintf("0x%02x", flags),
			bit("mqtt.conflag.uname", "User Name Flag", off+idx+5, 1, flags&0x80 != 0, "Set", "Not set"),
			bit("mqtt.conflag.passwd", "Password Flag", off+idx+5, 1, flags&0x40 != 0, "Set", "Not set"),
			bit("mqtt.conflag.willflag", "Will Flag", off+idx+5, 1, flags&0x04 != 0, "Set", "Not set"),
			bit("mqtt.conflag.cleansess", "Clean Session Flag", off+idx+5, 1, flags&0x02 != 0, "Set", "Not set"),
		))
	}
	return models.ProtocolItem{Name: "mqtt", FormattedName: "MQ Telemetry Transport Protocol, Connect Command", Fields: fields}
}

func firstLine(data []byte) string {
	if end := bytes.IndexAny(data, "\r\n"); end >= 0 {
		data = data[:end]
	}
	return string(data)
}
