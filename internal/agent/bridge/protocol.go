// Package bridge launches agent CLI processes in containers and translates
// their line-oriented JSON protocol into execution state transitions.
package bridge

import (
	"encoding/json"
	"fmt"
)

// EventType identifies an agent protocol event.
type EventType string

const (
	EventLog          EventType = "log"
	EventTelemetry    EventType = "telemetry"
	EventInputRequest EventType = "input_request"
	EventResult       EventType = "result"
	EventError        EventType = "error"
)

// Event is one line of the agent stdout protocol. Exactly one payload group
// is meaningful for a given Type.
type Event struct {
	Type EventType `json:"type"`

	// log
	Text string `json:"text,omitempty"`

	// telemetry
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	TokenCount  int64 `json:"token_count,omitempty"`

	// input_request
	Prompt string `json:"prompt,omitempty"`

	// result
	Payload json.RawMessage `json:"payload,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// ParseLine decodes and validates one protocol line.
func ParseLine(line []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		return nil, fmt.Errorf("malformed protocol line: %w", err)
	}

	switch event.Type {
	case EventLog, EventTelemetry:
	case EventInputRequest:
		if event.Prompt == "" {
			return nil, fmt.Errorf("input_request event without prompt")
		}
	case EventResult:
		if len(event.Payload) == 0 {
			return nil, fmt.Errorf("result event without payload")
		}
	case EventError:
		if event.Message == "" {
			return nil, fmt.Errorf("error event without message")
		}
	default:
		return nil, fmt.Errorf("unknown protocol event type %q", event.Type)
	}

	return &event, nil
}

// Stdin message types. The orchestrator feeds the agent its task and, on
// resume, the accumulated conversation context before handing over control.
type stdinMessage struct {
	Type    string          `json:"type"` // "task", "context", "go"
	Body    string          `json:"body,omitempty"`
	Role    string          `json:"role,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeTaskLine builds the stdin line carrying the task prompt.
func EncodeTaskLine(body string) ([]byte, error) {
	return encodeStdinLine(stdinMessage{Type: "task", Body: body})
}

// EncodeContextLine builds a stdin line replaying one context entry.
func EncodeContextLine(role string, payload json.RawMessage) ([]byte, error) {
	return encodeStdinLine(stdinMessage{Type: "context", Role: role, Payload: payload})
}

// EncodeGoLine builds the stdin line that tells the agent to start working.
func EncodeGoLine() ([]byte, error) {
	return encodeStdinLine(stdinMessage{Type: "go"})
}

func encodeStdinLine(msg stdinMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
