package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Version is the protocol version stamped on outgoing envelopes.
const Version = "2.0"

// Params holds the named parameters of a call.
type Params map[string]any

// Callback names where the outcome of a request should be delivered when the
// caller does not wait for it.
type Callback struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// Request is the call envelope.
type Request struct {
	Version  string    `json:"jsonrpc,omitempty"`
	ID       string    `json:"id"`
	Method   string    `json:"method"`
	Params   Params    `json:"params"`
	Callback *Callback `json:"callback,omitempty"`
}

// requestWire accepts any JSON-RPC id shape on the way in.
type requestWire struct {
	Version  string    `json:"jsonrpc,omitempty"`
	ID       any       `json:"id"`
	Method   string    `json:"method"`
	Params   Params    `json:"params"`
	Callback *Callback `json:"callback,omitempty"`
}

func (r *Request) fromWire(w requestWire) {
	*r = Request{Version: w.Version, ID: idString(w.ID), Method: w.Method, Params: w.Params, Callback: w.Callback}
}

// UnmarshalJSON decodes a request, turning a numeric id into its decimal
// string.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.fromWire(w)
	return nil
}

// UnmarshalCBOR is the CBOR counterpart of UnmarshalJSON.
func (r *Request) UnmarshalCBOR(data []byte) error {
	var w requestWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return err
	}
	r.fromWire(w)
	return nil
}

// NewRequest creates a request with a fresh id.
func NewRequest(method string, params Params) *Request {
	if params == nil {
		params = Params{}
	}
	return &Request{Version: Version, ID: uuid.NewString(), Method: method, Params: params}
}

// EnsureID assigns a fresh id when the request has none and returns the id.
func (r *Request) EnsureID() string {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Version == "" {
		r.Version = Version
	}
	return r.ID
}

// Validate checks the request shape.
func (r *Request) Validate() *Error {
	if r == nil {
		return NewError(CodeInvalidRequest, "request is empty")
	}
	if r.Method == "" {
		return NewError(CodeInvalidRequest, "method is required")
	}
	if r.Callback != nil && (r.Callback.URL == "" || r.Callback.Method == "") {
		return NewError(CodeInvalidRequest, "callback requires url and method")
	}
	return nil
}

// Clone returns a copy with its own params map.
func (r *Request) Clone() *Request {
	c := *r
	c.Params = make(Params, len(r.Params))
	for k, v := range r.Params {
		c.Params[k] = v
	}
	if r.Callback != nil {
		cb := *r.Callback
		c.Callback = &cb
	}
	return &c
}

type noValue struct{}

func (noValue) MarshalJSON() ([]byte, error) { return []byte("null"), nil }
func (noValue) MarshalCBOR() ([]byte, error) { return []byte{0xf6}, nil }
func (noValue) String() string               { return "<no value>" }

// NoValue marks a successful call that returned nothing.
var NoValue any = noValue{}

// Response is the reply envelope. Result and Error are mutually exclusive.
type Response struct {
	ID     string
	Result any
	Error  *Error
}

// NewResponse creates a successful response.
func NewResponse(id string, result any) *Response {
	r := &Response{ID: id}
	r.SetResult(result)
	return r
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(id string, err *Error) *Response {
	r := &Response{ID: id}
	r.SetError(err)
	return r
}

// SetResult stores a result and clears any error. Nil becomes NoValue.
func (r *Response) SetResult(v any) {
	if v == nil {
		v = NoValue
	}
	r.Result = v
	r.Error = nil
}

// SetError stores an error and clears any result.
func (r *Response) SetError(err *Error) {
	r.Error = err
	r.Result = nil
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// HasValue reports whether the response carries a result other than NoValue.
func (r *Response) HasValue() bool {
	return r.Error == nil && r.Result != nil && r.Result != NoValue
}

// Err returns the carried error as an error value, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

type resultWire struct {
	Version string `json:"jsonrpc"`
	ID      string `json:"id"`
	Result  any    `json:"result"`
}

type errorWire struct {
	Version string `json:"jsonrpc"`
	ID      string `json:"id"`
	Error   *Error `json:"error"`
}

func (r *Response) wire() any {
	if r.Error != nil {
		return errorWire{Version: Version, ID: r.ID, Error: r.Error}
	}
	result := r.Result
	if result == nil {
		result = NoValue
	}
	return resultWire{Version: Version, ID: r.ID, Result: result}
}

// MarshalJSON writes either "result" or "error", never both.
func (r *Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.wire())
}

// UnmarshalJSON rejects envelopes without result and error.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := make(map[string][]byte, len(raw))
	for k, v := range raw {
		fields[k] = v
	}
	return r.decodeFields(fields, json.Unmarshal)
}

// MarshalCBOR is the CBOR counterpart of MarshalJSON.
func (r *Response) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(r.wire())
}

// UnmarshalCBOR is the CBOR counterpart of UnmarshalJSON.
func (r *Response) UnmarshalCBOR(data []byte) error {
	var raw map[string]cbor.RawMessage
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := make(map[string][]byte, len(raw))
	for k, v := range raw {
		fields[k] = v
	}
	return r.decodeFields(fields, decMode.Unmarshal)
}

func (r *Response) decodeFields(fields map[string][]byte, unmarshal func([]byte, any) error) error {
	*r = Response{}
	if rawID, ok := fields["id"]; ok {
		var id any
		if err := unmarshal(rawID, &id); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		r.ID = idString(id)
	}

	if rawErr, ok := fields["error"]; ok && !isNull(rawErr) {
		var e Error
		if err := unmarshal(rawErr, &e); err != nil {
			return fmt.Errorf("decode error: %w", err)
		}
		r.SetError(&e)
		return nil
	}

	rawResult, ok := fields["result"]
	if !ok {
		return NewError(CodeInvalidRequest, "response carries neither result nor error")
	}
	var result any
	if err := unmarshal(rawResult, &result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	r.SetResult(result)
	return nil
}

func isNull(raw []byte) bool {
	return len(raw) == 0 || string(raw) == "null" || (len(raw) == 1 && raw[0] == 0xf6)
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case uint64:
		return strconv.FormatUint(id, 10)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return fmt.Sprint(id)
	}
}
