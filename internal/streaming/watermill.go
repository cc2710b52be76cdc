package streaming

import (
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rendis/blockflow/pkg/schema"
)

// DefaultTopic is the topic execution events are published on.
const DefaultTopic = "blockflow.execution_events"

// Message metadata keys set on every bridged event.
const (
	MetadataExecutionID = "execution_id"
	MetadataEventType   = "event_type"
	MetadataNodeID      = "node_id"
)

// Bridge forwards hub events to a watermill publisher. Attach it with
// hub.AddTap(bridge.Handle, filter).
type Bridge struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

// NewBridge creates a Bridge publishing on topic (DefaultTopic when empty).
func NewBridge(pub message.Publisher, topic string, logger *slog.Logger) *Bridge {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{publisher: pub, topic: topic, logger: logger}
}

// NewGoChannel creates an in-process watermill pub/sub suitable for local
// consumers and tests.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

// Handle publishes one event. Failures are logged, never returned, since a
// broken bus must not affect execution.
func (b *Bridge) Handle(event schema.ExecutionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("marshal execution event", "error", err, "execution_id", event.ExecutionID)
		return
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(MetadataExecutionID, event.ExecutionID)
	msg.Metadata.Set(MetadataEventType, string(event.Type))
	if event.NodeID != "" {
		msg.Metadata.Set(MetadataNodeID, event.NodeID)
	}

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		b.logger.Warn("publish execution event", "error", err, "execution_id", event.ExecutionID, "type", event.Type)
	}
}

// Topic returns the topic events are published on.
func (b *Bridge) Topic() string {
	return b.topic
}

// Close closes the underlying publisher.
func (b *Bridge) Close() error {
	return b.publisher.Close()
}
