// Package cluster provides distributed coordination for multiple RORI
// instances over alan's UDP peer discovery, so exactly one clustered
// replica's Scheduler ticker fires tasks at a time.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/rakunlabs/alan"

	"github.com/rakunlabs/at/internal/scheduler"
)

// lockScheduler is the distributed lock name guarding Scheduler leadership.
const lockScheduler = "rori-scheduler-leader"

// Cluster wraps an alan instance and elects exactly one peer as Scheduler
// leader at a time.
type Cluster struct {
	alan    *alan.Alan
	leading atomic.Bool
}

// New creates a Cluster from the server's alan configuration. Returns
// nil, nil if cfg is nil (clustering disabled; callers should fall back to
// scheduler.AlwaysLeader).
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	a, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("create alan instance: %w", err)
	}

	return &Cluster{alan: a}, nil
}

// Start begins peer discovery and the scheduler leadership loop, and blocks
// until ctx is canceled.
func (c *Cluster) Start(ctx context.Context) error {
	c.alan.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster peer joined", "addr", addr.String())
	})
	c.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster peer left", "addr", addr.String())
	})

	go c.watchLeadership(ctx)

	return c.alan.Start(ctx, func(context.Context, alan.Message) {})
}

// watchLeadership repeatedly tries to acquire the scheduler lock. Once
// acquired it holds the lock until ctx is canceled, the way the original
// workflow scheduler's lock loop held its own cron-trigger lock for the
// lifetime of being leader.
func (c *Cluster) watchLeadership(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.alan.Lock(ctx, lockScheduler); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("cluster: failed to acquire scheduler lock, retrying", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		slog.Info("cluster: acquired scheduler leadership")
		c.leading.Store(true)

		<-ctx.Done()

		c.leading.Store(false)
		if err := c.alan.Unlock(lockScheduler); err != nil {
			slog.Error("cluster: failed to release scheduler lock", "error", err)
		}

		return
	}
}

// IsLeader implements scheduler.LeaderElector.
func (c *Cluster) IsLeader() bool {
	return c.leading.Load()
}

// Ready returns a channel that is closed when the cluster is ready.
func (c *Cluster) Ready() <-chan struct{} {
	return c.alan.Ready()
}

// Stop gracefully leaves the cluster.
func (c *Cluster) Stop() error {
	return c.alan.Stop()
}

var _ scheduler.LeaderElector = (*Cluster)(nil)
