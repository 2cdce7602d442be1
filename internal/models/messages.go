package models

import (
	"encoding/json"
	"time"
)

// WSMessage is the envelope for all WebSocket communication.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebSocket message types.
const (
	MsgCaptureStarted = "capture_started"
	MsgCaptureStopped = "capture_stopped"
	MsgSubscribe      = "subscribe"
	MsgStatus         = "status"
	MsgError          = "error"
)

// StatusConfig is the configuration of a running capture as reported by status.
// NodeID and MAC are only set for wireless captures.
type StatusConfig struct {
	MaxPackets    int    `json:"maxpackets"`
	MaxTime       int    `json:"maxtime"`
	BPFFilter     string `json:"bpfilter"`
	Encapsulation string `json:"encap"`
	CaptureKey    string `json:"link_capture_key"`
	MAC           string `json:"mac,omitempty"`
	NodeID        string `json:"node_id,omitempty"`
}

// CaptureStatus is returned by start, stop and status. The three fields are
// either all set (running) or all null (idle).
type CaptureStatus struct {
	Config          *StatusConfig `json:"config"`
	StartTime       *time.Time    `json:"starttime"`
	PacketsCaptured *int64        `json:"packetscaptured"`
}

// Running reports whether the status describes a running capture.
func (s CaptureStatus) Running() bool {
	return s.Config != nil
}

// Stop reasons carried by capture_stopped events.
const (
	StopRequested = "request"
	StopLimit     = "limit"
	StopDestroyed = "destroyed"
)

// SessionEvent announces a capture lifecycle transition.
type SessionEvent struct {
	Type       string        `json:"type"`
	CaptureKey string        `json:"capture_key"`
	Wireless   bool          `json:"wireless"`
	Reason     string        `json:"reason,omitempty"`
	Time       time.Time     `json:"time"`
	Status     CaptureStatus `json:"status"`
}

// SubscribeRequest narrows a WebSocket client to a set of capture keys.
// An empty list subscribes to all keys.
type SubscribeRequest struct {
	CaptureKeys []string `json:"capture_keys"`
}

// ErrorPayload describes an error sent to the client.
type ErrorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}
