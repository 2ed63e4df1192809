// Package protocol defines the JSON event envelope exchanged with clients.
package protocol

import (
	"encoding/json"
	"errors"
)

// Client → server events
const (
	EventJoin           = "join"
	EventCodeChange     = "codeChange"
	EventLeaveRoom      = "leaveRoom"
	EventTyping         = "typing"
	EventLanguageChange = "languageChange"
	EventCompileCode    = "compileCode"
)

// Server → client events
const (
	EventCodeUpdate      = "codeUpdate"
	EventUserJoined      = "userJoined"
	EventUserTyping      = "userTyping"
	EventLanguageUpdate  = "languageUpdate"
	EventCodeResponse    = "codeResponse"
	EventExecutionFailed = "executionFailed"
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrBadEnvelope   = errors.New("malformed event envelope")
	ErrUnknownEvent  = errors.New("unknown event")
	ErrMissingFields = errors.New("missing required fields")
)

// Envelope is the frame shape for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads

type JoinPayload struct {
	RoomID      string `json:"roomId"`
	UserName    string `json:"userName"`
	StarterCode string `json:"starterCode,omitempty"`
}

type CodeChangePayload struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

type LanguageChangePayload struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

type CompileCodePayload struct {
	RoomID   string `json:"roomId"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Version  string `json:"version"`
	Input    string `json:"input,omitempty"`
}

// Outbound payloads

type CodeUpdatePayload struct {
	Code string `json:"code"`
}

type UserJoinedPayload struct {
	Users []string `json:"users"`
}

type UserTypingPayload struct {
	UserName string `json:"userName"`
}

type LanguageUpdatePayload struct {
	Language string `json:"language"`
}

type ExecutionFailedPayload struct {
	Message string `json:"message"`
}

// Decode parses a raw frame into an envelope. It rejects frames without a
// recognized inbound event name so garbage never reaches the router.
func Decode(frame []byte) (Envelope, error) {
	if len(frame) == 0 {
		return Envelope{}, ErrEmptyFrame
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, ErrBadEnvelope
	}
	switch env.Event {
	case EventJoin, EventCodeChange, EventLeaveRoom,
		EventTyping, EventLanguageChange, EventCompileCode:
		return env, nil
	}
	return Envelope{}, ErrUnknownEvent
}

// Encode builds a wire frame for an outbound event. Marshal failures cannot
// happen for the payload types above, so the error is surfaced for raw data
// callers only.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// EncodeRaw builds a wire frame around an already-marshaled payload.
func EncodeRaw(event string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Validate checks an inbound payload for its required fields.
func (p JoinPayload) Validate() error {
	if p.RoomID == "" || p.UserName == "" {
		return ErrMissingFields
	}
	return nil
}

func (p CodeChangePayload) Validate() error {
	if p.RoomID == "" {
		return ErrMissingFields
	}
	return nil
}

func (p TypingPayload) Validate() error {
	if p.RoomID == "" || p.UserName == "" {
		return ErrMissingFields
	}
	return nil
}

func (p LanguageChangePayload) Validate() error {
	if p.RoomID == "" || p.Language == "" {
		return ErrMissingFields
	}
	return nil
}

func (p CompileCodePayload) Validate() error {
	if p.RoomID == "" || p.Language == "" {
		return ErrMissingFields
	}
	return nil
}
