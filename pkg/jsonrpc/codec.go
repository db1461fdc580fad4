package jsonrpc

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Content types understood by the codecs.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec puts envelopes on the wire.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("jsonrpc: CBOR encoder initialization failed: " + err.Error())
	}

	// Params and results decoded into any must come out as map[string]any,
	// the same shape encoding/json produces.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("jsonrpc: CBOR decoder initialization failed: " + err.Error())
	}
}

type jsonCodec struct{}

func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct{}

func (cborCodec) ContentType() string                { return ContentTypeCBOR }
func (cborCodec) Marshal(v any) ([]byte, error)      { return encMode.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// JSON and CBOR are the available codecs.
var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecFor returns the codec for a content type; empty means JSON.
func CodecFor(contentType string) (Codec, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "", ContentTypeJSON, "json":
		return JSON, nil
	case ContentTypeCBOR, "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("jsonrpc:codec - unsupported content type %q", contentType)
	}
}

// DecodeRequest parses and validates a request. Failures come back as a
// PARSE_ERROR or INVALID_REQUEST error ready to be sent to the caller.
func DecodeRequest(codec Codec, data []byte) (*Request, *Error) {
	var req Request
	if err := codec.Unmarshal(data, &req); err != nil {
		return nil, NewError(CodeParseError, err.Error())
	}
	if rpcErr := req.Validate(); rpcErr != nil {
		return &req, rpcErr
	}
	if req.Params == nil {
		req.Params = Params{}
	}
	return &req, nil
}

// DecodeResponse parses a response. Envelopes that are not a valid response
// come back as a REMOTE_EXCEPTION.
func DecodeResponse(codec Codec, data []byte) (*Response, error) {
	var resp Response
	if err := codec.Unmarshal(data, &resp); err != nil {
		if rpcErr := AsError(err); rpcErr != nil {
			return nil, NewError(CodeRemoteException, rpcErr.Data)
		}
		return nil, NewError(CodeRemoteException, err.Error())
	}
	return &resp, nil
}
