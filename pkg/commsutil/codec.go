package commsutil

import (
	"fmt"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-host/pkg/jsonrpc"
)

// Message headers used between hosts.
const (
	HeaderAgentID     = "Agent-Id"
	HeaderSender      = "Sender"
	HeaderContentType = "Content-Type"

	// HeaderStatus is set by the server on status replies (503: no responders).
	HeaderStatus       = "Status"
	StatusNoResponders = "503"
)

// EncodePayload serializes a value with codec, or JSON when codec is nil.
func EncodePayload(codec jsonrpc.Codec, v any) ([]byte, error) {
	if codec == nil {
		codec = jsonrpc.JSON
	}
	return codec.Marshal(v)
}

// DecodePayload deserializes data into the given target with codec, or JSON
// when codec is nil.
func DecodePayload(codec jsonrpc.Codec, data []byte, v any) error {
	if codec == nil {
		codec = jsonrpc.JSON
	}
	return codec.Unmarshal(data, v)
}

// NewMessage builds a message carrying v, tagged with the codec's content type.
func NewMessage(subject string, codec jsonrpc.Codec, v any) (*comms.Msg, error) {
	if codec == nil {
		codec = jsonrpc.JSON
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("commsutil:codec - encode for %s: %w", subject, err)
	}
	msg := comms.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderContentType, codec.ContentType())
	return msg, nil
}

// MessageCodec returns the codec named by the message's content type. A
// message without one is JSON.
func MessageCodec(msg *comms.Msg) (jsonrpc.Codec, error) {
	if msg.Header == nil {
		return jsonrpc.JSON, nil
	}
	return jsonrpc.CodecFor(msg.Header.Get(HeaderContentType))
}

// IsNoResponders reports whether msg is the server's no-responders status.
func IsNoResponders(msg *comms.Msg) bool {
	return msg.Header != nil && len(msg.Data) == 0 && msg.Header.Get(HeaderStatus) == StatusNoResponders
}
