package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingua-speech/scheduler/internal/logging"
)

// SessionInvalidation announces that session_id's routing state changed
// (preferred pool recomputed, session closed, node evicted) and that any
// instance tracking it locally should re-fetch or drop it.
type SessionInvalidation struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// InvalidationHandler reacts to one broadcast SessionInvalidation.
type InvalidationHandler func(ctx context.Context, msg SessionInvalidation) error

// BroadcastListener fans a SessionInvalidation out to every running
// instance by giving each one its own consumer group over a shared stream,
// the same "everyone gets a copy" trick as BroadcastListener.
type BroadcastListener struct {
	redis         redis.UniversalClient
	stream        string
	consumerGroup string
	consumerID    string
	handler       InvalidationHandler
	idleThreshold time.Duration
	blockTimeout  time.Duration
	log           *logging.Logger
	running       bool
}

func NewBroadcastListener(client redis.UniversalClient, prefix, instanceID string, handler InvalidationHandler) *BroadcastListener {
	return &BroadcastListener{
		redis:         client,
		stream:        fmt.Sprintf("%s:streams:broadcast:invalidation", prefix),
		consumerGroup: "invalidation-" + instanceID,
		consumerID:    instanceID,
		handler:       handler,
		idleThreshold: time.Hour,
		blockTimeout:  5 * time.Second,
		log:           logging.New("routing.broadcast"),
	}
}

// Publish broadcasts a session invalidation to every subscribed instance.
func (b *BroadcastListener) Publish(ctx context.Context, msg SessionInvalidation) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{"payload": string(body)},
	}).Err()
}

// Start consumes the invalidation stream under this instance's own
// consumer group until ctx is canceled or Stop is called.
func (b *BroadcastListener) Start(ctx context.Context) error {
	if err := b.redis.XGroupCreateMkStream(ctx, b.stream, b.consumerGroup, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	b.running = true

	for b.running {
		result, err := b.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerID,
			Streams:  []string{b.stream, ">"},
			Count:    10,
			Block:    b.blockTimeout,
		}).Result()

		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if b.running {
				time.Sleep(time.Second)
			}
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, msg)
			}
		}
	}
	return nil
}

// Stop ends the consume loop at the next poll boundary.
func (b *BroadcastListener) Stop() {
	b.running = false
}

func (b *BroadcastListener) handleMessage(ctx context.Context, msg redis.XMessage) {
	payloadStr, _ := msg.Values["payload"].(string)
	var inv SessionInvalidation
	if err := json.Unmarshal([]byte(payloadStr), &inv); err != nil {
		b.redis.XAck(ctx, b.stream, b.consumerGroup, msg.ID)
		return
	}
	if b.handler != nil {
		if err := b.handler(ctx, inv); err != nil {
			b.log.Error("invalidation handler error", "err", err)
			return
		}
	}
	b.redis.XAck(ctx, b.stream, b.consumerGroup, msg.ID)
}

// Cleanup removes consumer groups left behind by instances that exited
// without calling Stop, the same ghost-group sweep as
// broadcast.go's BroadcastListener.Cleanup, run periodically by the
// maintenance scheduler.
func (b *BroadcastListener) Cleanup(ctx context.Context) (int, error) {
	deleted := 0
	groups, err := b.redis.XInfoGroups(ctx, b.stream).Result()
	if err != nil {
		return 0, err
	}
	for _, group := range groups {
		if group.Name == b.consumerGroup {
			continue
		}
		if b.isGroupIdle(ctx, group.Name) {
			if err := b.redis.XGroupDestroy(ctx, b.stream, group.Name).Err(); err == nil {
				b.log.Info("deleted stale invalidation consumer group", "group", group.Name)
				deleted++
			}
		}
	}
	return deleted, nil
}

func (b *BroadcastListener) isGroupIdle(ctx context.Context, groupName string) bool {
	consumers, err := b.redis.XInfoConsumers(ctx, b.stream, groupName).Result()
	if err != nil {
		return false
	}
	if len(consumers) == 0 {
		return true
	}
	for _, consumer := range consumers {
		if consumer.Idle < b.idleThreshold {
			return false
		}
	}
	return true
}
