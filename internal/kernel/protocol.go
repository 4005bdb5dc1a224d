// Package kernel implements the five-channel message protocol: Shell
// and Control request/reply, IOPub broadcast, Stdin reverse
// request/reply, and Heartbeat echo, multiplexed over a single
// transport.
package kernel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runehost/runehost/pkg/models"
)

// ProtocolVersion tags every message envelope.
const ProtocolVersion = "runehost-kernel/1.0"

// ProtocolEngine encodes, decodes, and validates kernel messages.
type ProtocolEngine struct{}

// NewProtocolEngine creates a protocol engine.
func NewProtocolEngine() *ProtocolEngine { return &ProtocolEngine{} }

// Encode serializes the message after validating its channel shape.
func (p *ProtocolEngine) Encode(msg models.UniversalMessage) ([]byte, error) {
	if err := p.Validate(msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses and validates one wire message.
func (p *ProtocolEngine) Decode(data []byte) (models.UniversalMessage, error) {
	var msg models.UniversalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("kernel decode: %w", err)
	}
	if err := p.Validate(msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Validate checks that the content shape matches the channel pattern.
func (p *ProtocolEngine) Validate(msg models.UniversalMessage) error {
	switch msg.Channel {
	case models.ChannelShell, models.ChannelControl, models.ChannelStdin:
		if msg.Content.Method == "" && msg.Content.Status == "" {
			return fmt.Errorf("kernel: %s message needs a method or a reply status", msg.Channel)
		}
	case models.ChannelIOPub:
		if msg.Content.Broadcast == "" {
			return fmt.Errorf("kernel: iopub message needs a broadcast type")
		}
	case models.ChannelHeartbeat:
		// Any payload; echoed verbatim.
	default:
		return fmt.Errorf("kernel: unknown channel %q", msg.Channel)
	}
	return nil
}

// NewRequest builds a request message for a request/reply channel.
func NewRequest(channel models.Channel, method string, params map[string]interface{}) models.UniversalMessage {
	return models.UniversalMessage{
		ID:       uuid.NewString(),
		Protocol: ProtocolVersion,
		Channel:  channel,
		Content:  models.MessageContent{Method: method, Params: params},
		Metadata: models.MessageMetadata{Timestamp: time.Now().UTC()},
	}
}

// NewReply builds a reply to parent on the same channel.
func NewReply(parent models.UniversalMessage, status string, result map[string]interface{}) models.UniversalMessage {
	return models.UniversalMessage{
		ID:       uuid.NewString(),
		Protocol: ProtocolVersion,
		Channel:  parent.Channel,
		Content:  models.MessageContent{Status: status, Result: result},
		Metadata: models.MessageMetadata{
			ParentID:      parent.ID,
			SessionID:     parent.Metadata.SessionID,
			CorrelationID: parent.Metadata.CorrelationID,
			Timestamp:     time.Now().UTC(),
		},
	}
}

// NewBroadcast builds an IOPub broadcast tied to the parent request.
func NewBroadcast(parent models.UniversalMessage, broadcast string, data map[string]interface{}) models.UniversalMessage {
	return models.UniversalMessage{
		ID:       uuid.NewString(),
		Protocol: ProtocolVersion,
		Channel:  models.ChannelIOPub,
		Content:  models.MessageContent{Broadcast: broadcast, Data: data},
		Metadata: models.MessageMetadata{
			ParentID:      parent.ID,
			SessionID:     parent.Metadata.SessionID,
			CorrelationID: parent.Metadata.CorrelationID,
			Timestamp:     time.Now().UTC(),
		},
	}
}

// ChannelView is a send/recv surface restricted to one channel of a
// transport.
type ChannelView struct {
	channel   models.Channel
	transport Transport
	protocol  *ProtocolEngine
}

// ChannelView returns a view of one channel over the transport.
func (p *ProtocolEngine) ChannelView(channel models.Channel, transport Transport) *ChannelView {
	return &ChannelView{channel: channel, transport: transport, protocol: p}
}

// Send validates and sends a message, forcing it onto this channel.
func (v *ChannelView) Send(msg models.UniversalMessage) error {
	msg.Channel = v.channel
	if err := v.protocol.Validate(msg); err != nil {
		return err
	}
	return v.transport.Send(msg)
}

// Channel reports which channel this view is bound to.
func (v *ChannelView) Channel() models.Channel { return v.channel }
