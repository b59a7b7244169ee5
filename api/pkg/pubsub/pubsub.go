// Package pubsub carries AllocationInfo broadcasts from the distributed
// allocator (api/pkg/distributed) out to every other instance in the
// fleet. It used to wrap NATS; the fleet-wide state here is already
// Redis-resident (api/pkg/distributed's registry), so Redis's own
// publish/subscribe command set is the natural transport and avoids
// running a second message broker.
package pubsub

import "context"

// Publisher is the write side of a topic-based broadcast.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PubSub is a Publisher plus the ability to subscribe to a topic and
// observe connection health. The distributed allocator subscribes and
// publishes but does not register a connection-status handler.
type PubSub interface {
	Publisher
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)
	OnConnectionStatus(handler ConnectionStatusHandler)
}

// ConnectionStatus is the health of the underlying transport connection.
type ConnectionStatus string

const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
	Reconnecting ConnectionStatus = "reconnecting"
)

// ConnectionStatusHandler is notified whenever the transport's connection
// status changes.
type ConnectionStatusHandler func(status ConnectionStatus)

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// AllocationTopic is the single topic the distributed allocator publishes
// AllocationInfo updates to and every instance subscribes to.
const AllocationTopic = "modelgate.allocation"
