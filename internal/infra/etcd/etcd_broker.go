// internal/infra/etcd/etcd_broker.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"taskmaster/internal/domain"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// QueueRoot is the etcd prefix under which every queue lives.
	QueueRoot = "/taskmaster/queues/"

	// scanLimit bounds how many waiting messages one Next call inspects.
	scanLimit = 128
)

// Keys are laid out as
//
//	/taskmaster/queues/{queue}/messages/{id}  message body, FIFO by create revision
//	/taskmaster/queues/{queue}/claims/{id}    consumer ID, bound to the consumer's lease
//
// A message is deleted only on ack. A claim disappears with its lease, which
// makes the message visible to other consumers again.
func queuePrefix(queue string) string {
	return path.Join(QueueRoot, queue) + "/"
}

func messagePrefix(queue string) string {
	return path.Join(QueueRoot, queue, "messages") + "/"
}

func claimPrefix(queue string) string {
	return path.Join(QueueRoot, queue, "claims") + "/"
}

func messageKey(queue, id string) string {
	return messagePrefix(queue) + id
}

func claimKey(queue, id string) string {
	return claimPrefix(queue) + id
}

type etcdBroker struct {
	client     *clientv3.Client
	sessionTTL time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewEtcdBroker creates a durable queue service backed by etcd. sessionTTL
// is the lease TTL of consumer connections: how long a dead consumer keeps
// its delivery before it is handed to someone else.
func NewEtcdBroker(client *clientv3.Client, sessionTTL time.Duration, logger *slog.Logger) domain.Broker {
	return &etcdBroker{
		client:     client,
		sessionTTL: sessionTTL,
		logger:     logger.With("component", "etcd-broker"),
		tracer:     otel.Tracer("taskmaster-etcd-broker"),
	}
}

// Publish persists body as a new message on queue.
func (b *etcdBroker) Publish(ctx context.Context, queue string, body []byte) error {
	ctx, span := b.tracer.Start(ctx, "broker.etcd.Publish")
	defer span.End()

	key := messageKey(queue, uuid.NewString())
	span.SetAttributes(
		attribute.String("queue", queue),
		attribute.String("etcd.key", key),
	)

	if _, err := b.client.Put(ctx, key, string(body)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put message to etcd")
		return fmt.Errorf("%w: failed to publish to %s: %v", domain.ErrTransport, queue, err)
	}
	return nil
}

// Dial opens a consumer connection backed by an etcd session. Closing the
// session, or losing it, revokes the lease and releases any claim.
func (b *etcdBroker) Dial(ctx context.Context, consumerID string) (domain.Channel, error) {
	session, err := concurrency.NewSession(b.client,
		concurrency.WithTTL(int(b.sessionTTL.Seconds())),
		concurrency.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create etcd session for %s: %v", domain.ErrTransport, consumerID, err)
	}
	b.logger.Info("consumer connected", "consumer_id", consumerID, "lease_id", session.Lease())
	return &etcdChannel{
		broker:     b,
		session:    session,
		consumerID: consumerID,
		logger:     b.logger.With("consumer_id", consumerID),
	}, nil
}

// Close is a no-op; the client is owned by the caller.
func (b *etcdBroker) Close() error {
	return nil
}

type etcdChannel struct {
	broker     *etcdBroker
	session    *concurrency.Session
	consumerID string
	inflight   *domain.Delivery
	logger     *slog.Logger
}

func (c *etcdChannel) Next(ctx context.Context, queue string) (*domain.Delivery, error) {
	if c.inflight != nil {
		return nil, domain.ErrPrefetchExceeded
	}
	cli := c.broker.client

	for {
		select {
		case <-c.session.Done():
			return nil, fmt.Errorf("%w: session expired", domain.ErrTransport)
		default:
		}

		msgs, err := cli.Get(ctx, messagePrefix(queue),
			clientv3.WithPrefix(),
			clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend), // Oldest first
			clientv3.WithLimit(scanLimit),
		)
		if err != nil {
			return nil, c.transportErr(ctx, "list messages", err)
		}
		claims, err := cli.Get(ctx, claimPrefix(queue), clientv3.WithPrefix(), clientv3.WithKeysOnly())
		if err != nil {
			return nil, c.transportErr(ctx, "list claims", err)
		}
		claimed := make(map[string]struct{}, len(claims.Kvs))
		for _, kv := range claims.Kvs {
			claimed[path.Base(string(kv.Key))] = struct{}{}
		}

		for _, kv := range msgs.Kvs {
			id := path.Base(string(kv.Key))
			if _, ok := claimed[id]; ok {
				continue
			}
			d, err := c.claim(ctx, queue, id, kv.ModRevision, kv.Value)
			if err != nil {
				return nil, err
			}
			if d != nil {
				c.inflight = d
				return d, nil
			}
		}

		// Nothing claimable: wait for any change under the queue (a new message
		// or a released claim) after the snapshot we just read.
		if err := c.waitForChange(ctx, queue, msgs.Header.Revision+1); err != nil {
			return nil, err
		}
	}
}

// claim tries to take message id. It returns nil without error when another
// consumer won the race.
func (c *etcdChannel) claim(ctx context.Context, queue, id string, modRev int64, body []byte) (*domain.Delivery, error) {
	ctx, span := c.broker.tracer.Start(ctx, "broker.etcd.Claim",
		trace.WithAttributes(attribute.String("queue", queue), attribute.String("message.id", id)))
	defer span.End()

	mKey, cKey := messageKey(queue, id), claimKey(queue, id)
	resp, err := c.broker.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.CreateRevision(cKey), "=", 0),
			clientv3.Compare(clientv3.ModRevision(mKey), "=", modRev),
		).
		Then(clientv3.OpPut(cKey, c.consumerID, clientv3.WithLease(c.session.Lease()))).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim transaction failed")
		return nil, c.transportErr(ctx, "claim message", err)
	}
	if !resp.Succeeded {
		span.AddEvent("claim_lost")
		return nil, nil
	}
	return &domain.Delivery{Queue: queue, Tag: id, Body: body}, nil
}

func (c *etcdChannel) waitForChange(ctx context.Context, queue string, fromRev int64) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchCh := c.broker.client.Watch(watchCtx, queuePrefix(queue), clientv3.WithPrefix(), clientv3.WithRev(fromRev))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.session.Done():
		return fmt.Errorf("%w: session expired", domain.ErrTransport)
	case resp, ok := <-watchCh:
		if !ok {
			return c.transportErr(ctx, "watch queue", fmt.Errorf("watch channel closed"))
		}
		if err := resp.Err(); err != nil {
			c.logger.Warn("queue watch interrupted", "queue", queue, "error", err)
		}
		return nil
	}
}

// Ack deletes the message and its claim, provided the claim is still ours.
func (c *etcdChannel) Ack(ctx context.Context, d *domain.Delivery) error {
	ctx, span := c.broker.tracer.Start(ctx, "broker.etcd.Ack",
		trace.WithAttributes(attribute.String("queue", d.Queue), attribute.String("message.id", d.Tag)))
	defer span.End()

	if c.inflight == nil || c.inflight.Tag != d.Tag {
		return fmt.Errorf("unknown delivery tag %q", d.Tag)
	}

	mKey, cKey := messageKey(d.Queue, d.Tag), claimKey(d.Queue, d.Tag)
	resp, err := c.broker.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(cKey), "=", c.consumerID)).
		Then(clientv3.OpDelete(mKey), clientv3.OpDelete(cKey)).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ack transaction failed")
		return c.transportErr(ctx, "ack message", err)
	}
	if !resp.Succeeded {
		// Our lease expired and the message may already be redelivered.
		span.SetStatus(codes.Error, "claim lost before ack")
		return fmt.Errorf("%w: claim on %s lost before ack", domain.ErrTransport, d.Tag)
	}
	c.inflight = nil
	return nil
}

func (c *etcdChannel) Done() <-chan struct{} {
	return c.session.Done()
}

// Close revokes the session lease, releasing any unacknowledged claim.
func (c *etcdChannel) Close() error {
	c.inflight = nil
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close etcd session for %s: %w", c.consumerID, err)
	}
	return nil
}

// transportErr keeps context cancellation distinguishable from broker loss.
func (c *etcdChannel) transportErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: failed to %s: %v", domain.ErrTransport, op, err)
}
