package wire

import (
	"bytes"
	"encoding/json"
)

// Version is the JSON-RPC version stamped by the constructors.
const Version = "2.0"

// Kind classifies a message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// Error is the error member of an ErrorResponse.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Message is the wire envelope shared by every channel. It is a tagged union:
// a method means Request (with id) or Notification (without), result or
// error means Response or ErrorResponse (always with id).
//
// ConnectionID is only set on the bridge hop between the multiplexer and a
// handler.
type Message struct {
	JSONRPC      string          `json:"jsonrpc,omitempty"`
	ID           ID              `json:"id,omitzero"`
	Method       string          `json:"method,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *Error          `json:"error,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
}

// Kind returns the variant of m without validating it.
func (m Message) Kind() Kind {
	switch {
	case m.Method != "" && !m.ID.IsZero():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.Error != nil:
		return KindError
	case len(m.Result) > 0:
		return KindResponse
	default:
		return KindInvalid
	}
}

// IsReply reports whether m answers a request.
func (m Message) IsReply() bool {
	k := m.Kind()
	return k == KindResponse || k == KindError
}

// NewRequest builds a Request. params may be nil.
func NewRequest(id ID, method string, params any) (Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification. params may be nil.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a Response for id.
func NewResponse(id ID, result any) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an ErrorResponse for id.
func NewError(id ID, code int, message string) Message {
	return Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Encode serializes m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// rawMessage mirrors Message but keeps error raw so its shape can be checked.
type rawMessage struct {
	JSONRPC      string          `json:"jsonrpc"`
	ID           ID              `json:"id"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params"`
	Result       json.RawMessage `json:"result"`
	Error        json.RawMessage `json:"error"`
	ConnectionID string          `json:"connectionId"`
}

// Parse decodes and structurally validates a wire message. Any failure is a
// *StructuralError.
func Parse(b []byte) (Message, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return Message{}, structural("envelope is not a JSON object", nil)
	}
	var r rawMessage
	if err := json.Unmarshal(b, &r); err != nil {
		return Message{}, structural("decode envelope", err)
	}
	m := Message{
		JSONRPC:      r.JSONRPC,
		ID:           r.ID,
		Method:       r.Method,
		Params:       r.Params,
		Result:       r.Result,
		ConnectionID: r.ConnectionID,
	}
	hasError := len(r.Error) > 0 && string(r.Error) != "null"
	if hasError {
		var shape struct {
			Code    *int            `json:"code"`
			Message *string         `json:"message"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(r.Error, &shape); err != nil {
			return Message{}, structural("decode error member", err)
		}
		if shape.Code == nil || shape.Message == nil {
			return Message{}, structural("error member requires code and message", nil)
		}
		m.Error = &Error{Code: *shape.Code, Message: *shape.Message, Data: shape.Data}
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the structural rules of the union.
func (m Message) Validate() error {
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	switch {
	case m.Method != "" && (hasResult || hasError):
		return structural("method cannot be combined with result or error", nil)
	case hasResult && hasError:
		return structural("result and error are mutually exclusive", nil)
	case (hasResult || hasError) && m.ID.IsZero():
		return structural("response requires an id", nil)
	case m.Method == "" && !hasResult && !hasError:
		return structural("envelope has neither method nor result nor error", nil)
	}
	if len(m.Params) > 0 {
		p := bytes.TrimSpace(m.Params)
		if len(p) == 0 || (p[0] != '{' && p[0] != '[') {
			return structural("params must be an object or an array", nil)
		}
	}
	return nil
}

// Strip returns a copy of m without its bridge connection tag.
func (m Message) Strip() Message {
	m.ConnectionID = ""
	return m
}
