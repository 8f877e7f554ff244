// Package cdp frames WebSocket text frames as Chrome DevTools Protocol
// envelopes. It performs no validation beyond the envelope shape; typed
// domain handling is the caller's business.
package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known JSON-RPC style error codes used on the wire.
const (
	CodeServerError       = -32000
	CodeSessionError      = -32001
	CodeExtensionReplaced = -32002
	CodeInvalidParams     = -32602
)

var ErrMalformed = errors.New("malformed CDP envelope")

// Message is a single CDP envelope. A request carries an id and Method, a
// response carries an id with Result or Error, and an event carries Method
// only. Presence of the id is tracked separately from its value: 0 is a
// legal request id on the wire.
type Message struct {
	ID        int64
	Method    string
	Params    json.RawMessage
	Result    json.RawMessage
	Error     *Error
	SessionID string

	hasID bool
}

// wireMessage is the JSON shape; a pointer id distinguishes "id":0 from a
// missing id.
type wireMessage struct {
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Method = w.Method
	m.Params = w.Params
	m.Result = w.Result
	m.Error = w.Error
	m.SessionID = w.SessionID
	if w.ID != nil {
		m.ID = *w.ID
		m.hasID = true
	} else {
		m.ID = 0
		m.hasID = false
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Method:    m.Method,
		Params:    m.Params,
		Result:    m.Result,
		Error:     m.Error,
		SessionID: m.SessionID,
	}
	if m.hasID {
		id := m.ID
		w.ID = &id
	}
	return json.Marshal(w)
}

// Error is a CDP protocol-level error, delivered in place of a result.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether m is a command sent by a caller.
func (m *Message) IsRequest() bool { return m.hasID && m.Method != "" }

// IsResponse reports whether m answers a previously sent command.
func (m *Message) IsResponse() bool { return m.hasID && m.Method == "" }

// IsEvent reports whether m is an unsolicited notification.
func (m *Message) IsEvent() bool { return !m.hasID && m.Method != "" }

// Unmarshal parses a text frame into an envelope. Frames that are not JSON
// objects, or that carry neither an id nor a method, are rejected with
// ErrMalformed; the caller is expected to close the connection with a
// protocol-error status.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !m.hasID && m.Method == "" {
		return nil, fmt.Errorf("%w: neither id nor method present", ErrMalformed)
	}
	return &m, nil
}

// Marshal encodes an envelope for the wire.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// NewRequest builds a command envelope. params may be nil.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, hasID: true, Method: method, Params: raw}, nil
}

// NewResult builds a success response for the given request id.
func NewResult(id int64, sessionID string, result any) (*Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Message{ID: id, hasID: true, SessionID: sessionID, Result: raw}, nil
}

// NewError builds an error response for the given request id.
func NewError(id int64, sessionID string, code int, message string) *Message {
	return &Message{ID: id, hasID: true, SessionID: sessionID, Error: &Error{Code: code, Message: message}}
}

// NewEvent builds a notification envelope.
func NewEvent(method, sessionID string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, SessionID: sessionID, Params: raw}, nil
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		return raw, nil
	}
}
