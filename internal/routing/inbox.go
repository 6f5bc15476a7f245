// Package routing implements spec.md §4.I's inter-instance message routing,
// grounded directly on the teacher's producer/consumer/broadcast trio:
// each scheduler instance owns a Redis Streams inbox (`producer.go`'s
// Enqueue/XAdd, `consumer.go`'s consumer-group read loop and idle-message
// reclaimer) that peer instances use to forward JobAssign/JobCancel/
// TranslationResult/UiEvent traffic to whichever instance owns the target session
// or node.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/logging"
)

// RoutedMessage is one inbox entry: a kind tag plus the type-specific wire
// payload, deferring decoding to the registered Handler.
type RoutedMessage struct {
	ID      string
	Kind    string
	Payload json.RawMessage
}

// Handler processes one routed message. Returning an error leaves the
// message un-acked so the reclaimer retries it on another attempt.
type Handler func(ctx context.Context, msg RoutedMessage) error

const consumerGroup = "scheduler"

// Inbox owns one instance's Redis Streams inbox: send, consume, reclaim,
// and dead-letter, the same four concerns as the teacher's producer +
// consumer pair, narrowed from a generic task queue to routed scheduler
// events addressed by target instance id.
type Inbox struct {
	redis      redis.UniversalClient
	prefix     string
	instanceID string
	cfg        config.Routing
	log        *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool
}

func New(client redis.UniversalClient, prefix string, cfg config.Routing) *Inbox {
	return &Inbox{
		redis:      client,
		prefix:     prefix,
		instanceID: cfg.InstanceID,
		cfg:        cfg,
		log:        logging.New("routing"),
		handlers:   make(map[string]Handler),
	}
}

// On registers a handler for one message kind (e.g. "job_assign").
func (in *Inbox) On(kind string, h Handler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers[kind] = h
}

func (in *Inbox) inboxKey(instanceID string) string {
	return fmt.Sprintf("%s:streams:{instance:%s}:inbox", in.prefix, instanceID)
}

func (in *Inbox) dlqKey() string {
	return fmt.Sprintf("%s:dlq", in.prefix)
}

// DLQLen reports how many messages are sitting in the dead-letter stream,
// used by the maintenance scheduler's periodic DLQ sweep to log/alert on
// backlog growth.
func (in *Inbox) DLQLen(ctx context.Context) (int64, error) {
	return in.redis.XLen(ctx, in.dlqKey()).Result()
}

// Send delivers kind/payload to the inbox of targetInstance, trimming the
// stream to roughly InboxMaxLen entries per spec.md §6.
func (in *Inbox) Send(ctx context.Context, targetInstance, kind string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal routed payload: %w", err)
	}
	maxLen := in.cfg.InboxMaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	id, err := in.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: in.inboxKey(targetInstance),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    kind,
			"payload": string(body),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd inbox: %w", err)
	}
	return id, nil
}

// Start consumes this instance's own inbox until ctx is canceled.
func (in *Inbox) Start(ctx context.Context) error {
	key := in.inboxKey(in.instanceID)
	if err := in.redis.XGroupCreateMkStream(ctx, key, consumerGroup, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	in.mu.Lock()
	in.running = true
	in.mu.Unlock()

	go in.runReclaimer(ctx, key)

	for in.isRunning() {
		result, err := in.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: in.instanceID,
			Streams:  []string{key, ">"},
			Count:    10,
			Block:    in.blockTimeout(),
		}).Result()

		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			in.log.Warn("inbox read error", "err", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				in.handleMessage(ctx, key, msg)
			}
		}
	}
	return nil
}

func (in *Inbox) isRunning() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.running
}

// Stop ends the consume loop at the next poll boundary.
func (in *Inbox) Stop() {
	in.mu.Lock()
	in.running = false
	in.mu.Unlock()
}

func (in *Inbox) blockTimeout() time.Duration {
	if in.cfg.BlockTimeout > 0 {
		return in.cfg.BlockTimeout
	}
	return 5 * time.Second
}

func (in *Inbox) handleMessage(ctx context.Context, streamKey string, msg redis.XMessage) {
	kind, _ := msg.Values["kind"].(string)
	payload, _ := msg.Values["payload"].(string)

	in.mu.RLock()
	h, ok := in.handlers[kind]
	in.mu.RUnlock()
	if !ok {
		in.log.Warn("no handler registered for routed message kind, acking and dropping", "kind", kind)
		in.ack(ctx, streamKey, msg.ID)
		return
	}

	if err := h(ctx, RoutedMessage{ID: msg.ID, Kind: kind, Payload: json.RawMessage(payload)}); err != nil {
		in.log.Warn("routed message handler failed, leaving unacked for reclaim", "kind", kind, "err", err)
		return
	}
	in.ack(ctx, streamKey, msg.ID)
}

func (in *Inbox) ack(ctx context.Context, stream, id string) {
	in.redis.XAck(ctx, stream, consumerGroup, id)
}

// runReclaimer claims messages idle past a threshold so a dead consumer's
// undelivered work gets retried by this same (surviving) instance,
// mirroring the teacher's XPendingExt + XClaim reclaim loop.
func (in *Inbox) runReclaimer(ctx context.Context, key string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for in.isRunning() {
		select {
		case <-ticker.C:
			in.reclaimIdle(ctx, key)
		case <-ctx.Done():
			return
		}
	}
}

func (in *Inbox) reclaimIdle(ctx context.Context, key string) {
	const idleThreshold = 60 * time.Second
	const maxDeliveries = 5

	pending, err := in.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  consumerGroup,
		Idle:   idleThreshold,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		return
	}

	for _, p := range pending {
		claimed, err := in.redis.XClaim(ctx, &redis.XClaimArgs{
			Stream:   key,
			Group:    consumerGroup,
			Consumer: in.instanceID,
			MinIdle:  idleThreshold,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		if p.RetryCount > maxDeliveries {
			in.moveToDeadLetter(ctx, key, claimed[0])
			continue
		}
		in.handleMessage(ctx, key, claimed[0])
	}
}

func (in *Inbox) moveToDeadLetter(ctx context.Context, streamKey string, msg redis.XMessage) {
	in.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: in.dlqKey(),
		Values: map[string]interface{}{
			"kind":           msg.Values["kind"],
			"payload":        msg.Values["payload"],
			"originalId":     msg.ID,
			"deadLetteredAt": time.Now().UnixMilli(),
		},
	})
	in.ack(ctx, streamKey, msg.ID)
}
