package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Control frames.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameSubscribed  = "subscribed"
	FrameError       = "error"
)

// Event frames.
const (
	EventAvailabilityUpdated = "availability.updated"
	EventLockAcquired        = "lock.acquired"
	EventLockReleased        = "lock.released"
	EventLockExpired         = "lock.expired"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the unit carried on the push channel in both directions.
type Frame struct {
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id,omitempty"`
	EventID    string          `json:"event_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewFrame(frameType, resourceID string, data any) (Frame, error) {
	f := Frame{
		Type:       frameType,
		ResourceID: resourceID,
		EventID:    uuid.NewString(),
		Timestamp:  time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s frame: %w", frameType, err)
		}
		f.Data = raw
	}
	return f, nil
}

// ControlFrame builds a frame without payload (subscribe, ping...).
func ControlFrame(frameType, resourceID string, at time.Time) Frame {
	return Frame{Type: frameType, ResourceID: resourceID, Timestamp: at.UTC()}
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func (f Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s frame has no data", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func (f Frame) IsControl() bool {
	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe, FramePing, FramePong, FrameSubscribed, FrameError:
		return true
	}
	return false
}
