// Package protocol defines the WebSocket message types used between the
// client and the gateway. All messages are serialized as JSON and follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/driftchat/drift/internal/session"
)

// Client -> Server message types.
const (
	TypeSearch      = "search"
	TypeMessage     = "message"
	TypeLeave       = "leave"
	TypeBlock       = "block"
	TypeReport      = "report"
	TypeToggleAudio = "toggle_audio"
	TypeToggleVideo = "toggle_video"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeState = "state"
	TypeError = "error"
	TypePong  = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// SearchMsg is sent by the client to start searching with their profile.
type SearchMsg struct {
	Type             string `json:"type"`
	Name             string `json:"name"`
	Age              int    `json:"age"`
	Gender           string `json:"gender"`
	Location         string `json:"location"`
	GenderPreference string `json:"gender_preference"`
	Interests        string `json:"interests"` // comma-separated
	VideoEnabled     bool   `json:"video_enabled"`
}

// MessageMsg is a chat message sent by the client.
type MessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// LeaveMsg ends the current chat or search.
type LeaveMsg struct {
	Type string `json:"type"`
}

// BlockMsg blocks the current partner and ends the chat.
type BlockMsg struct {
	Type string `json:"type"`
}

// ReportMsg reports the current partner and ends the chat.
type ReportMsg struct {
	Type string `json:"type"`
}

// ToggleAudioMsg flips the local audio mute.
type ToggleAudioMsg struct {
	Type string `json:"type"`
}

// ToggleVideoMsg flips the local video mute.
type ToggleVideoMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// StateMsg pushes the complete session snapshot. Every push carries the
// full state; clients replace, never merge.
type StateMsg struct {
	Type     string           `json:"type"`
	Snapshot session.Snapshot `json:"snapshot"`
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. It returns the message type string, the decoded struct, and any
// error encountered. An error is returned for unknown or server-only
// message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSearch:
		var m SearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBlock:
		var m BlockMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeToggleAudio:
		var m ToggleAudioMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeToggleVideo:
		var m ToggleVideoMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to parse %s message: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewStateMsg wraps a snapshot for pushing.
func NewStateMsg(snap session.Snapshot) StateMsg {
	return StateMsg{Type: TypeState, Snapshot: snap}
}

// NewErrorMsg builds an error push.
func NewErrorMsg(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: message}
}
