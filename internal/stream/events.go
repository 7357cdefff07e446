package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Lifecycle channels emitted by the client itself.
const (
	EventConnected        = "connected"
	EventAuthenticated    = "authenticated"
	EventDisconnected     = "disconnected"
	EventConnectionFailed = "connection_failed"
	EventAuthFailed       = "auth_failed"
)

// Server discriminators.
const (
	TypeConnectionEstablished = "connection_established"
	TypeTaskUpdated           = "task_updated"
	TypeTaskDeleted           = "task_deleted"
	TypeTaskDelayed           = "task_delayed"
	TypeHelpRequestCreated    = "help_request_created"
	TypeHelpRequestResolved   = "help_request_resolved"
	TypeInitialTasks          = "initial_tasks"
	TypeInitialHelpRequests   = "initial_help_requests"
	TypeInitialDelayedTasks   = "initial_delayed_tasks"
	TypeError                 = "error"

	// TypeUnknown receives well-formed events whose discriminator is not listed above.
	TypeUnknown = "unknown"
	// AllEvents subscribes to every channel, lifecycle included.
	AllEvents = "*"
)

var knownTypes = map[string]bool{
	TypeConnectionEstablished: true,
	TypeTaskUpdated:           true,
	TypeTaskDeleted:           true,
	TypeTaskDelayed:           true,
	TypeHelpRequestCreated:    true,
	TypeHelpRequestResolved:   true,
	TypeInitialTasks:          true,
	TypeInitialHelpRequests:   true,
	TypeInitialDelayedTasks:   true,
	TypeError:                 true,
}

// IsDomainType reports whether t is a server discriminator the client knows.
func IsDomainType(t string) bool {
	return knownTypes[t]
}

var ErrDecode = errors.New("stream decode error")

// Event is delivered to listeners. Domain events carry Data; lifecycle events
// carry the connection details.
type Event struct {
	Type    string          `json:"type"`
	RawType string          `json:"raw_type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Frame   json.RawMessage `json:"-"`

	Code    int           `json:"code,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	RetryIn time.Duration `json:"retry_in,omitempty"`
	Manual  bool          `json:"manual,omitempty"`
}

type envelope struct {
	Type  *string         `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error json.RawMessage `json:"error"`
}

// Decode parses one server frame. Frames must be JSON objects carrying a
// string "type"; anything else is ErrDecode.
func Decode(frame []byte) (Event, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, fmt.Errorf("%w: not a JSON object", ErrDecode)
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Type == nil || *env.Type == "" {
		if len(env.Error) > 0 {
			return Event{}, fmt.Errorf("%w: server error %s", ErrDecode, string(env.Error))
		}
		return Event{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	evt := Event{Type: *env.Type, RawType: *env.Type, Data: env.Data, Frame: json.RawMessage(trimmed)}
	if !knownTypes[evt.Type] {
		evt.Type = TypeUnknown
	}
	return evt, nil
}

func isPong(frame []byte) bool {
	return string(bytes.TrimSpace(frame)) == "pong"
}

func handshake(token string) []byte {
	b, _ := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})
	return b
}
