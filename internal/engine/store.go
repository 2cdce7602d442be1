package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"labcap/internal/capture"
	"labcap/internal/core"
	"labcap/internal/dissect"
	"labcap/internal/flow"
	"labcap/internal/models"
)

// SummaryRows decodes one page of the latest capture of key. Pages past the
// end are empty.
func (e *Engine) SummaryRows(ctx context.Context, key string, page, pageSize int) ([]json.RawMessage, error) {
	if page < 1 || pageSize < 1 {
		return nil, core.Invalid("page", "page and page size must be positive")
	}
	reader, origin, err := e.openCapture(key)
	if err != nil {
		if errors.Is(err, core.ErrPacketNotFound) {
			return []json.RawMessage{}, nil
		}
		return nil, err
	}
	if reader == nil {
		return []json.RawMessage{}, nil
	}
	defer reader.Close()

	first := (page-1)*pageSize + 1
	if err := reader.Skip(first - 1); err != nil {
		if errors.Is(err, io.EOF) {
			return []json.RawMessage{}, nil
		}
		return nil, err
	}

	rows := make([]json.RawMessage, 0, pageSize)
	for n := first; n < first+pageSize; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, ci, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read packet %d: %w", n, err)
		}
		row, err := json.Marshal(dissect.Summarize(reader.Decode(data, ci), n, origin))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Detail decodes packet number of the latest capture of key.
func (e *Engine) Detail(ctx context.Context, key string, number int) (json.RawMessage, error) {
	if number < 1 {
		return nil, core.Invalid("packet_id", "must be at least 1")
	}
	reader, origin, err := e.openCapture(key)
	if err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, fmt.Errorf("%w: %s has no packets", core.ErrPacketNotFound, key)
	}
	defer reader.Close()

	if err := reader.Skip(number - 1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: packet %d of %s", core.ErrPacketNotFound, number, key)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ci, err := reader.Next()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: packet %d of %s", core.ErrPacketNotFound, number, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read packet %d: %w", number, err)
	}
	return json.Marshal(dissect.Decode(reader.Decode(data, ci), number, origin))
}

// openCapture opens the capture file of key positioned at the first packet
// and returns the first packet's timestamp. The reader is nil when the file
// holds no packets yet.
func (e *Engine) openCapture(key string) (*capture.PcapReader, time.Time, error) {
	path, err := e.PcapPath(key)
	if err != nil {
		return nil, time.Time{}, err
	}
	origin, err := firstTimestamp(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	if origin.IsZero() {
		return nil, time.Time{}, nil
	}
	reader, err := capture.NewPcapReader(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return reader, origin, nil
}

func firstTimestamp(path string) (time.Time, error) {
	reader, err := capture.NewPcapReader(path)
	if err != nil {
		// A file whose header is not flushed yet has no packets.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	defer reader.Close()
	_, ci, err := reader.Next()
	if errors.Is(err, io.EOF) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return ci.Timestamp, nil
}

// Conversations groups the latest capture of key into conversations.
func (e *Engine) Conversations(ctx context.Context, key string) ([]models.Conversation, error) {
	reader, origin, err := e.openCapture(key)
	if err != nil {
		if errors.Is(err, core.ErrPacketNotFound) {
			return []models.Conversation{}, nil
		}
		return nil, err
	}
	if reader == nil {
		return []models.Conversation{}, nil
	}
	defer reader.Close()

	table := flow.NewTable(origin, flow.DefaultMaxConversations)
	for n := 1; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		data, ci, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read packet %d: %w", n, err)
		}
		table.Add(reader.Decode(data, ci))
	}
	if d := table.Dropped(); d > 0 {
		slog.Warn("conversation table full", "capture_key", key, "dropped_packets", d)
	}
	return table.Conversations(), nil
}
