// Package proto defines the control envelope exchanged between the broker
// and its clients, the command vocabulary, and the typed protocol error
// that carries a websocket close code and reason.
package proto

import (
	"encoding/json"
	"fmt"
)

// Cmd enumerates the control commands carried in the envelope's type field.
type Cmd int64

const (
	CmdJoin           Cmd = 0
	CmdID             Cmd = 1
	CmdPeerConnect    Cmd = 2
	CmdPeerDisconnect Cmd = 3
	CmdOffer          Cmd = 4
	CmdAnswer         Cmd = 5
	CmdCandidate      Cmd = 6
	CmdSeal           Cmd = 7
	CmdHostChanged    Cmd = 8
	CmdGameState      Cmd = 9
	CmdSaveGame       Cmd = 10

	cmdMax Cmd = CmdSaveGame
)

// Websocket close codes used by the broker. Everything that is not a normal
// close is reported as a protocol error; the reason string carries details.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 4000
)

// Error is a protocol failure that terminates the client's transport with
// the carried close code and reason.
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("proto: close %d: %s", e.Code, e.Reason)
}

// NewError returns a protocol error closing with the given code and reason.
func NewError(code int, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Errorf is NewError with a formatted reason.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Envelope is the textual wire message:
//
//	{ "type": <integer>, "id": <integer>, "data": <string> }
//
// Type and ID are required non-negative integers. Data defaults to the
// empty string when absent.
type Envelope struct {
	Type Cmd    `json:"type"`
	ID   int64  `json:"id"`
	Data string `json:"data"`
}

// rawEnvelope uses pointers so absent fields are distinguishable from zero
// values. json.Unmarshal rejects fractional or string-typed numbers for the
// int64 fields, which gives the strictness the protocol requires.
type rawEnvelope struct {
	Type *int64  `json:"type"`
	ID   *int64  `json:"id"`
	Data *string `json:"data"`
}

// ParseEnvelope decodes and validates a textual frame. Any malformed input
// maps to a 4000 "Invalid message format" protocol error.
func ParseEnvelope(payload []byte) (Envelope, *Error) {
	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, NewError(CloseProtocolError, "Invalid message format")
	}
	if raw.Type == nil || raw.ID == nil {
		return Envelope{}, NewError(CloseProtocolError, "Invalid message format")
	}
	if *raw.Type < 0 || *raw.ID < 0 {
		return Envelope{}, NewError(CloseProtocolError, "Invalid message format")
	}
	env := Envelope{Type: Cmd(*raw.Type), ID: *raw.ID}
	if raw.Data != nil {
		env.Data = *raw.Data
	}
	return env, nil
}

// Message serializes a control frame. The envelope shape cannot fail to
// marshal, so the payload is returned directly.
func Message(cmd Cmd, id int64, data string) []byte {
	b, _ := json.Marshal(Envelope{Type: cmd, ID: id, Data: data})
	return b
}

// Known reports whether the command value is inside the defined vocabulary.
func (c Cmd) Known() bool {
	return c >= CmdJoin && c <= cmdMax
}

func (c Cmd) String() string {
	switch c {
	case CmdJoin:
		return "JOIN"
	case CmdID:
		return "ID"
	case CmdPeerConnect:
		return "PEER_CONNECT"
	case CmdPeerDisconnect:
		return "PEER_DISCONNECT"
	case CmdOffer:
		return "OFFER"
	case CmdAnswer:
		return "ANSWER"
	case CmdCandidate:
		return "CANDIDATE"
	case CmdSeal:
		return "SEAL"
	case CmdHostChanged:
		return "HOST_CHANGED"
	case CmdGameState:
		return "GAME_STATE"
	case CmdSaveGame:
		return "SAVE_GAME"
	default:
		return fmt.Sprintf("CMD(%d)", int64(c))
	}
}
