package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingua-speech/scheduler/internal/logging"
)

// Presence renews a TTL'd key announcing this instance is alive, the same
// SetNX/Set-with-TTL idiom primitives.go uses for request locks, narrowed
// to a single self-renewing key instead of a contended lock.
type Presence struct {
	redis      redis.UniversalClient
	prefix     string
	instanceID string
	ttl        time.Duration
	log        *logging.Logger
}

func NewPresence(client redis.UniversalClient, prefix, instanceID string, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Presence{redis: client, prefix: prefix, instanceID: instanceID, ttl: ttl, log: logging.New("routing.presence")}
}

func (p *Presence) key() string {
	return fmt.Sprintf("%s:schedulers:presence:%s", p.prefix, p.instanceID)
}

// Renew sets the presence key, overwriting any prior value.
func (p *Presence) Renew(ctx context.Context) error {
	return p.redis.Set(ctx, p.key(), time.Now().UnixMilli(), p.ttl).Err()
}

// Run renews the presence key on a ticker at roughly a third of the TTL,
// matching the teacher's convention of renewing well before a lock/lease
// expires rather than racing the deadline.
func (p *Presence) Run(ctx context.Context) {
	interval := p.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	if err := p.Renew(ctx); err != nil {
		p.log.Warn("presence renewal failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.Renew(ctx); err != nil {
				p.log.Warn("presence renewal failed", "err", err)
			}
		case <-ctx.Done():
			p.redis.Del(context.Background(), p.key())
			return
		}
	}
}

// ListActive returns the instance ids with a live presence key, found by a
// KEYS pattern match over the presence prefix.
func ListActive(ctx context.Context, client redis.UniversalClient, prefix string) ([]string, error) {
	pattern := fmt.Sprintf("%s:schedulers:presence:*", prefix)
	keys, err := client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	skip := len(prefix) + len(":schedulers:presence:")
	for _, k := range keys {
		if len(k) > skip {
			ids = append(ids, k[skip:])
		}
	}
	return ids, nil
}
