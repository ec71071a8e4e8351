package etcd

import (
	"context"
	"fmt"
	"time"

	"taskmaster/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewClient dials the etcd cluster backing the durable queues and fails
// unless at least one endpoint answers a status request within timeout.
func NewClient(ctx context.Context, endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: no etcd endpoints configured", domain.ErrTransport)
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create etcd client: %v", domain.ErrTransport, err)
	}

	var lastErr error
	for _, ep := range endpoints {
		statusCtx, cancel := context.WithTimeout(ctx, timeout)
		_, lastErr = cli.Status(statusCtx, ep)
		cancel()
		if lastErr == nil {
			return cli, nil
		}
	}
	_ = cli.Close()
	return nil, fmt.Errorf("%w: no etcd endpoint reachable: %v", domain.ErrTransport, lastErr)
}
