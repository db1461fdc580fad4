package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-host/pkg/commsutil"
	"github.com/morezero/agent-host/pkg/jsonrpc"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalSubject overrides the global agent event subject.
	GlobalSubject string
	// Codec encodes the events. Defaults to JSON.
	Codec jsonrpc.Codec
}

// CommsPublisher publishes agent change events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	globalSubject string
	codec         jsonrpc.Codec
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc, globalSubject: commsutil.SubjectAgentEvents, codec: jsonrpc.JSON}
	if opts != nil {
		if opts.GlobalSubject != "" {
			p.globalSubject = opts.GlobalSubject
		}
		if opts.Codec != nil {
			p.codec = opts.Codec
		}
	}
	return p
}

// PublishChanged publishes an AgentChangedEvent to both the granular
// and global event subjects.
func (p *CommsPublisher) PublishChanged(_ context.Context, event *AgentChangedEvent) error {
	granular := commsutil.BuildEventSubject(event.Host, event.Kind)
	for _, subject := range []string{granular, p.globalSubject} {
		msg, err := commsutil.NewMessage(subject, p.codec, event)
		if err != nil {
			return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
		}
		if err := p.nc.PublishMsg(msg); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
			return err
		}
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event for %s", commsPublisherLogPrefix, event.Kind, event.AgentID))
	return nil
}
