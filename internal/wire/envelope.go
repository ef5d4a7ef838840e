package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire-level message unit: a request, a response, or an
// event. Exactly one UTF-8 JSON object travels per text frame. The payload
// fields (Params, Result, Error.Data) are opaque to this layer.
type Envelope struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Error is the error object carried by an error response.
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Kind classifies a decoded envelope.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Kind reports whether the envelope is a request (id+method), an event
// (method, no id), or a response (id, no method).
func (e *Envelope) Kind() Kind {
	switch {
	case e.Method != "" && e.ID != 0:
		return KindRequest
	case e.Method != "":
		return KindEvent
	default:
		return KindResponse
	}
}

// NewRequest builds a request envelope, marshaling params if non-nil.
// A zero session id scopes the request to the root session.
func NewRequest(id int64, sessionID, method string, params any) (*Envelope, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = b
	}
	return &Envelope{ID: id, Method: method, Params: raw, SessionID: sessionID}, nil
}

// NewResultResponse builds a successful response echoing id.
func NewResultResponse(id int64, sessionID string, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{ID: id, Result: raw, SessionID: sessionID}, nil
}

// NewErrorResponse builds an error response echoing id.
func NewErrorResponse(id int64, sessionID string, code ErrorCode, message string) *Envelope {
	return &Envelope{
		ID:        id,
		SessionID: sessionID,
		Error:     &Error{Code: code, Message: message},
	}
}

// Decode parses one frame and validates its shape. Requests must carry a
// positive id and a method; responses must carry exactly one of
// result/error. Anything malformed is rejected here so downstream routing
// never sees an ambiguous envelope.
func Decode(frame []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return nil, fmt.Errorf("invalid JSON frame: %w", err)
	}

	hasResult := len(e.Result) > 0
	hasError := e.Error != nil

	if e.Method != "" {
		if hasResult || hasError {
			return nil, fmt.Errorf("request or event %q cannot carry result or error", e.Method)
		}
		// A zero id is indistinguishable from an absent one, so a frame
		// with a method and no positive id is an event. Only an id the
		// peer could never have allocated is rejected.
		if e.ID < 0 {
			return nil, fmt.Errorf("request %q has negative id %d", e.Method, e.ID)
		}
		return &e, nil
	}

	if e.ID <= 0 {
		return nil, fmt.Errorf("response missing id")
	}
	if hasResult == hasError {
		return nil, fmt.Errorf("response %d must carry exactly one of result or error", e.ID)
	}
	return &e, nil
}

// Encode serializes the envelope to a single frame.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}
