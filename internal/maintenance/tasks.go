package maintenance

import (
	"context"
	"time"

	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/pool"
	"github.com/lingua-speech/scheduler/internal/primitives"
	"github.com/lingua-speech/scheduler/internal/registry"
	"github.com/lingua-speech/scheduler/internal/routing"
)

// Deps bundles everything the default task set needs, so callers only
// pass the pieces they actually have wired.
type Deps struct {
	Registry  *registry.Registry
	Pools     *pool.Index
	Prims     *primitives.Primitives
	Broadcast *routing.BroadcastListener
	Inbox     *routing.Inbox
}

// Default builds the standard maintenance task set named in spec.md's
// ambient maintenance section: node-status and pool-membership resyncs
// every minute, DLQ backlog logging and ghost-consumer-group cleanup
// every five minutes.
func Default(deps Deps) []*Task {
	log := logging.New("maintenance")
	var tasks []*Task

	if deps.Registry != nil {
		t, err := NewTask("node_status_sweep", "* * * * *", func() {
			deps.Registry.SweepTimeouts()
		})
		if err == nil {
			tasks = append(tasks, t)
		}
	}

	if deps.Pools != nil && deps.Prims != nil {
		t, err := NewTask("pool_membership_resync", "* * * * *", func() {
			resyncPoolMembership(deps.Pools, deps.Prims, log)
		})
		if err == nil {
			tasks = append(tasks, t)
		}
	}

	if deps.Inbox != nil {
		t, err := NewTask("dlq_backlog_check", "*/5 * * * *", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := deps.Inbox.DLQLen(ctx)
			if err != nil {
				log.Warn("dlq length check failed", "err", err)
				return
			}
			if n > 0 {
				log.Warn("dead-letter queue backlog", "length", n)
			}
		})
		if err == nil {
			tasks = append(tasks, t)
		}
	}

	if deps.Broadcast != nil {
		t, err := NewTask("ghost_consumer_group_cleanup", "*/5 * * * *", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			deleted, err := deps.Broadcast.Cleanup(ctx)
			if err != nil {
				log.Warn("ghost consumer group cleanup failed", "err", err)
				return
			}
			if deleted > 0 {
				log.Info("removed stale broadcast consumer groups", "count", deleted)
			}
		})
		if err == nil {
			tasks = append(tasks, t)
		}
	}

	return tasks
}

func resyncPoolMembership(pools *pool.Index, prims *primitives.Primitives, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, poolID := range pools.PoolIDs() {
		p, _, ok := pools.Get(poolID)
		if !ok {
			continue
		}
		members, err := prims.PoolMembers(ctx, poolID)
		if err != nil {
			log.Warn("pool membership resync failed", "pool_id", poolID, "err", err)
			continue
		}
		pools.Upsert(p, members)
	}
}
