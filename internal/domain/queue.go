package domain

import "context"

// Delivery is one message handed to a consumer. It must be acknowledged
// through the Channel it came from.
type Delivery struct {
	Queue string
	Tag   string // Broker-specific handle used by Ack
	Body  []byte
}

// Broker is a durable queue service: named queues, persistent publish and
// consumer connections.
type Broker interface {
	// Publish stores body on the named queue. The message survives until a
	// consumer acknowledges it.
	Publish(ctx context.Context, queue string, body []byte) error
	// Dial opens a consumer connection identified by consumerID.
	Dial(ctx context.Context, consumerID string) (Channel, error)
	Close() error
}

// Channel is a consumer connection with a prefetch of one: Next refuses to
// hand out a second delivery until the first is acknowledged.
//
// When the connection dies, every unacknowledged delivery becomes available
// to other consumers again.
type Channel interface {
	// Next blocks until a message is available on queue, ctx is done or the
	// connection fails. Connection failures wrap ErrTransport.
	Next(ctx context.Context, queue string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Done is closed when the connection is lost.
	Done() <-chan struct{}
	Close() error
}
