package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"fleet-monitor/livefeed/internal/domain"
)

// HeartbeatPayload is the literal control frame sent on every heartbeat.
const HeartbeatPayload = "ping"

var ErrMalformedMessage = errors.New("malformed inbound message")

// control frames the feed may send as bare text; they only prove liveness.
var controlFrames = map[string]bool{
	"ping": true,
	"pong": true,
}

// Decode parses one raw feed frame. A nil message with a nil error means
// the frame was a bare control frame.
func Decode(raw []byte) (*domain.InboundMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if controlFrames[string(trimmed)] {
		return nil, nil
	}

	var msg domain.InboundMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if msg.Type == domain.MessageTypeTelemetryUpdate {
		if msg.Data == nil {
			return nil, fmt.Errorf("%w: telemetry_update without data", ErrMalformedMessage)
		}
		if msg.Data.VehicleID == "" {
			return nil, fmt.Errorf("%w: telemetry_update without vehicle_id", ErrMalformedMessage)
		}
		if msg.Data.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: telemetry_update without timestamp", ErrMalformedMessage)
		}
	}
	return &msg, nil
}
