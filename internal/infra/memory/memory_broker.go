// Package memory provides an in-process domain.Broker. Messages live until
// acknowledged and unacknowledged deliveries are requeued at the head of
// their queue when a consumer connection is lost.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"taskmaster/internal/domain"
)

type message struct {
	tag   string
	queue string
	body  []byte
}

// Broker is an in-memory durable queue service.
type Broker struct {
	mu         sync.Mutex
	queues     map[string][]*message
	channels   map[*channel]struct{}
	notify     chan struct{} // closed and replaced on every state change
	seq        uint64
	publishErr error
	closed     bool
	logger     *slog.Logger
}

// NewBroker creates an empty in-memory broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		queues:   make(map[string][]*message),
		channels: make(map[*channel]struct{}),
		notify:   make(chan struct{}),
		logger:   logger.With("component", "memory-broker"),
	}
}

// Publish appends body to the tail of queue.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: broker closed", domain.ErrTransport)
	}
	if b.publishErr != nil {
		return b.publishErr
	}

	b.seq++
	msg := &message{
		tag:   queue + "/" + strconv.FormatUint(b.seq, 10),
		queue: queue,
		body:  append([]byte(nil), body...),
	}
	b.queues[queue] = append(b.queues[queue], msg)
	b.broadcastLocked()
	return nil
}

// Dial opens a consumer channel.
func (b *Broker) Dial(ctx context.Context, consumerID string) (domain.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: broker closed", domain.ErrTransport)
	}
	ch := &channel{
		broker:     b,
		consumerID: consumerID,
		done:       make(chan struct{}),
	}
	b.channels[ch] = struct{}{}
	return ch, nil
}

// Close drops every consumer connection and refuses further work.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.channels {
		b.dropLocked(ch, domain.ErrTransport)
	}
	b.broadcastLocked()
	return nil
}

// Sever kills every open consumer connection, as a broker restart or network
// partition would. Unacknowledged deliveries go back to the head of their
// queue.
func (b *Broker) Sever() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.channels {
		b.dropLocked(ch, domain.ErrTransport)
	}
	b.broadcastLocked()
	b.logger.Warn("severed all consumer connections")
}

// FailPublish makes every Publish return err until called again with nil.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Depth returns the number of messages waiting on queue, excluding
// deliveries held by consumers.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Bodies returns a copy of the waiting message bodies on queue, head first.
func (b *Broker) Bodies(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, 0, len(b.queues[queue]))
	for _, msg := range b.queues[queue] {
		out = append(out, append([]byte(nil), msg.body...))
	}
	return out
}

func (b *Broker) broadcastLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// dropLocked closes ch and requeues its in-flight delivery.
func (b *Broker) dropLocked(ch *channel, reason error) {
	if ch.err != nil {
		return
	}
	ch.err = reason
	close(ch.done)
	delete(b.channels, ch)
	if ch.inflight != nil {
		msg := ch.inflight
		ch.inflight = nil
		b.queues[msg.queue] = append([]*message{msg}, b.queues[msg.queue]...)
		b.logger.Debug("requeued unacknowledged delivery", "consumer_id", ch.consumerID, "tag", msg.tag)
	}
}

type channel struct {
	broker     *Broker
	consumerID string
	inflight   *message // guarded by broker.mu
	err        error    // guarded by broker.mu; non-nil once dropped
	done       chan struct{}
}

func (c *channel) Next(ctx context.Context, queue string) (*domain.Delivery, error) {
	b := c.broker
	for {
		b.mu.Lock()
		if c.err != nil {
			b.mu.Unlock()
			return nil, c.err
		}
		if c.inflight != nil {
			b.mu.Unlock()
			return nil, domain.ErrPrefetchExceeded
		}
		if msgs := b.queues[queue]; len(msgs) > 0 {
			msg := msgs[0]
			b.queues[queue] = msgs[1:]
			c.inflight = msg
			b.mu.Unlock()
			return &domain.Delivery{Queue: queue, Tag: msg.tag, Body: append([]byte(nil), msg.body...)}, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
		case <-wait:
		}
	}
}

func (c *channel) Ack(ctx context.Context, d *domain.Delivery) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	if c.inflight == nil || c.inflight.tag != d.Tag {
		return fmt.Errorf("unknown delivery tag %q", d.Tag)
	}
	c.inflight = nil
	return nil
}

func (c *channel) Done() <-chan struct{} {
	return c.done
}

func (c *channel) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropLocked(c, domain.ErrChannelClosed)
	b.broadcastLocked()
	return nil
}
