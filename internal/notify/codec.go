// Package notify carries capture lifecycle events and engine limit notices
// over NATS.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"labcap/internal/models"
)

// Event is a decoded lifecycle event as carried on the wire.
type Event struct {
	ID    uuid.UUID
	Event models.SessionEvent
}

// Limit is a decoded limit notice.
type Limit struct {
	ID         uuid.UUID
	CaptureKey string
	RunID      string
	Time       time.Time
}

// EncodeEvent serializes ev as a protobuf Struct.
func EncodeEvent(id uuid.UUID, ev models.SessionEvent) ([]byte, error) {
	status, err := toValue(ev.Status)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	ts := timestamppb.New(ev.Time)
	fields := map[string]*structpb.Value{
		"id":          structpb.NewStringValue(id.String()),
		"type":        structpb.NewStringValue(ev.Type),
		"capture_key": structpb.NewStringValue(ev.CaptureKey),
		"wireless":    structpb.NewBoolValue(ev.Wireless),
		"seconds":     structpb.NewNumberValue(float64(ts.GetSeconds())),
		"nanos":       structpb.NewNumberValue(float64(ts.GetNanos())),
		"status":      status,
	}
	if ev.Reason != "" {
		fields["reason"] = structpb.NewStringValue(ev.Reason)
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	s, id, err := decodeStruct(data)
	if err != nil {
		return Event{}, err
	}
	ev := models.SessionEvent{
		Type:       stringField(s, "type"),
		CaptureKey: stringField(s, "capture_key"),
		Wireless:   s.GetFields()["wireless"].GetBoolValue(),
		Reason:     stringField(s, "reason"),
		Time:       timeField(s),
	}
	if v, ok := s.GetFields()["status"]; ok {
		raw, err := v.MarshalJSON()
		if err != nil {
			return Event{}, fmt.Errorf("decode status: %w", err)
		}
		if err := json.Unmarshal(raw, &ev.Status); err != nil {
			return Event{}, fmt.Errorf("decode status: %w", err)
		}
	}
	return Event{ID: id, Event: ev}, nil
}

// EncodeLimit serializes a limit notice for run runID of key.
func EncodeLimit(id uuid.UUID, key, runID string, at time.Time) ([]byte, error) {
	ts := timestamppb.New(at)
	return proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		"id":          structpb.NewStringValue(id.String()),
		"capture_key": structpb.NewStringValue(key),
		"run_id":      structpb.NewStringValue(runID),
		"seconds":     structpb.NewNumberValue(float64(ts.GetSeconds())),
		"nanos":       structpb.NewNumberValue(float64(ts.GetNanos())),
	}})
}

// DecodeLimit is the inverse of EncodeLimit.
func DecodeLimit(data []byte) (Limit, error) {
	s, id, err := decodeStruct(data)
	if err != nil {
		return Limit{}, err
	}
	key := stringField(s, "capture_key")
	if key == "" {
		return Limit{}, errors.New("limit notice without capture_key")
	}
	return Limit{ID: id, CaptureKey: key, RunID: stringField(s, "run_id"), Time: timeField(s)}, nil
}

func decodeStruct(data []byte) (*structpb.Struct, uuid.UUID, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, uuid.Nil, fmt.Errorf("unmarshal notice: %w", err)
	}
	id, err := uuid.Parse(stringField(&s, "id"))
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("notice id: %w", err)
	}
	return &s, id, nil
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func timeField(s *structpb.Struct) time.Time {
	ts := &timestamppb.Timestamp{
		Seconds: int64(s.GetFields()["seconds"].GetNumberValue()),
		Nanos:   int32(s.GetFields()["nanos"].GetNumberValue()),
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}
	}
	return ts.AsTime()
}

// toValue converts a JSON-tagged value into a structpb.Value by way of its
// JSON form, so the wire names match the HTTP API.
func toValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

// subjectToken makes key safe for use as a single NATS subject token.
func subjectToken(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, key)
}
