package primitives

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingua-speech/scheduler/internal/domain"
	schedErrors "github.com/lingua-speech/scheduler/internal/errors"
	"github.com/lingua-speech/scheduler/internal/logging"
)

// Primitives wraps a Redis client and a loaded ScriptRegistry to expose the
// atomic operations from spec.md §4.A. Every exported method maps
// directly to one bullet in that section's contract list.
type Primitives struct {
	client   redis.UniversalClient
	scripts  *ScriptRegistry
	prefix   string
	log      *logging.Logger
}

func New(client redis.UniversalClient, prefix string) *Primitives {
	if prefix == "" {
		prefix = "lingua:v1"
	}
	return &Primitives{
		client:  client,
		scripts: NewScriptRegistry(client),
		prefix:  prefix,
		log:     logging.New("primitives"),
	}
}

// Load registers every Lua script. Must be called once at startup.
func (p *Primitives) Load(ctx context.Context) error {
	return p.scripts.Load(ctx, defs)
}

func (p *Primitives) nodeCapKey(nodeID string) string { return fmt.Sprintf("%s:node:cap:%s", p.prefix, nodeID) }
func (p *Primitives) resvKey(jobID string, attemptID int) string {
	return fmt.Sprintf("%s:node:resv:%s:%d", p.prefix, jobID, attemptID)
}
func (p *Primitives) requestKey(requestID string) string { return fmt.Sprintf("%s:request:%s", p.prefix, requestID) }
func (p *Primitives) requestLockKey(requestID string) string {
	return fmt.Sprintf("%s:request:lock:%s", p.prefix, requestID)
}
func (p *Primitives) jobFSMKey(jobID string) string { return fmt.Sprintf("%s:job:fsm:%s", p.prefix, jobID) }
func (p *Primitives) poolMembersKey(poolID uint16) string {
	return fmt.Sprintf("%s:pool:%d:members", p.prefix, poolID)
}
func (p *Primitives) sessionKey(sessionID string) string { return fmt.Sprintf("%s:session:%s", p.prefix, sessionID) }

// ReserveResult is the (status, reason) pair reserve() returns.
type ReserveResult struct {
	OK     bool
	Reason string // "OK", "FULL", "NOT_READY"
}

// ReservationRecord is the JSON value stored at a reservation key.
type ReservationRecord struct {
	NodeID     string `json:"node_id"`
	JobID      string `json:"job_id"`
	AttemptID  int    `json:"attempt_id"`
	CreatedMs  int64  `json:"created_ms"`
	TTLMs      int64  `json:"ttl_ms"`
}

// EnsureNodeCapacity seeds/updates a node's capacity hash. Not itself part
// of the atomic primitive contract, but the registry needs a place to push
// {max, health} whenever it mirrors node state to Redis.
func (p *Primitives) EnsureNodeCapacity(ctx context.Context, nodeID string, max int, health string) error {
	return p.client.HSet(ctx, p.nodeCapKey(nodeID), map[string]interface{}{
		"max":    max,
		"health": health,
	}).Err()
}

// Reserve reserves one capacity unit on nodeID for (jobID, attemptID) with
// the given TTL. Fails closed: any Redis error is returned wrapped as
// DependencyDown so callers do not dispatch.
func (p *Primitives) Reserve(ctx context.Context, nodeID, jobID string, attemptID int, ttl time.Duration) (ReserveResult, error) {
	rec := ReservationRecord{NodeID: nodeID, JobID: jobID, AttemptID: attemptID, CreatedMs: domain.NowMs(), TTLMs: ttl.Milliseconds()}
	val, _ := json.Marshal(rec)

	res, err := p.scripts.Run(ctx, "reserve", map[string]string{
		"cap":  p.nodeCapKey(nodeID),
		"resv": p.resvKey(jobID, attemptID),
	}, ttl.Milliseconds(), string(val))
	if err != nil {
		return ReserveResult{}, schedErrors.DependencyDown(err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return ReserveResult{}, schedErrors.DependencyDown(fmt.Errorf("unexpected reserve() reply: %v", res))
	}
	status, _ := arr[0].(int64)
	reason, _ := arr[1].(string)
	return ReserveResult{OK: status == 1, Reason: reason}, nil
}

// Commit moves one unit from reserved to running for (jobID, attemptID) on
// nodeID. No-op if the reservation record is already absent.
func (p *Primitives) Commit(ctx context.Context, nodeID, jobID string, attemptID int) error {
	_, err := p.scripts.Run(ctx, "commit", map[string]string{
		"cap":  p.nodeCapKey(nodeID),
		"resv": p.resvKey(jobID, attemptID),
	})
	if err != nil {
		return schedErrors.DependencyDown(err)
	}
	return nil
}

// Release decrements reserved (floor 0) and deletes the reservation
// record. Idempotent.
func (p *Primitives) Release(ctx context.Context, nodeID, jobID string, attemptID int) error {
	_, err := p.scripts.Run(ctx, "release", map[string]string{
		"cap":  p.nodeCapKey(nodeID),
		"resv": p.resvKey(jobID, attemptID),
	})
	if err != nil {
		return schedErrors.DependencyDown(err)
	}
	return nil
}

// DecRunning decrements running (floor 0). Idempotent.
func (p *Primitives) DecRunning(ctx context.Context, nodeID string) error {
	_, err := p.scripts.Run(ctx, "dec_running", map[string]string{"cap": p.nodeCapKey(nodeID)})
	if err != nil {
		return schedErrors.DependencyDown(err)
	}
	return nil
}

// RequestBinding is the value stored at request:<request_id>.
type RequestBinding struct {
	JobID            string `json:"job_id"`
	NodeID           string `json:"node_id,omitempty"`
	DispatchedToNode bool   `json:"dispatched_to_node"`
	ExpireAtMs       int64  `json:"expire_at_ms"`
}

// BindRequest uses SET NX EX, returning whether it created the binding.
func (p *Primitives) BindRequest(ctx context.Context, requestID string, binding RequestBinding, ttl time.Duration) (created bool, err error) {
	val, _ := json.Marshal(binding)
	ok, err := p.client.SetNX(ctx, p.requestKey(requestID), val, ttl).Result()
	if err != nil {
		return false, schedErrors.DependencyDown(err)
	}
	return ok, nil
}

// GetBinding reads the binding for request_id, if any.
func (p *Primitives) GetBinding(ctx context.Context, requestID string) (*RequestBinding, error) {
	val, err := p.client.Get(ctx, p.requestKey(requestID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, schedErrors.DependencyDown(err)
	}
	var b RequestBinding
	if err := json.Unmarshal(val, &b); err != nil {
		return nil, fmt.Errorf("corrupt request binding for %q: %w", requestID, err)
	}
	return &b, nil
}

// AcquireRequestLock uses SET NX PX with a caller-provided owner token.
func (p *Primitives) AcquireRequestLock(ctx context.Context, requestID, owner string, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, p.requestLockKey(requestID), owner, ttl).Result()
	if err != nil {
		return false, schedErrors.DependencyDown(err)
	}
	return ok, nil
}

// ReleaseRequestLock compares-and-deletes the lock if it is still owned by
// owner.
func (p *Primitives) ReleaseRequestLock(ctx context.Context, requestID, owner string) error {
	_, err := p.scripts.Run(ctx, "release_lock", map[string]string{"lock": p.requestLockKey(requestID)}, owner)
	if err != nil {
		return schedErrors.DependencyDown(err)
	}
	return nil
}

// FSMInit creates the job FSM record in CREATED state if absent.
func (p *Primitives) FSMInit(ctx context.Context, jobID string, attemptID int) error {
	_, err := p.scripts.Run(ctx, "fsm_init", map[string]string{"job": p.jobFSMKey(jobID)}, string(domain.FSMCreated), fmt.Sprint(attemptID))
	if err != nil {
		return schedErrors.DependencyDown(err)
	}
	return nil
}

// FSMAssign transitions CREATED -> ASSIGNED, storing attemptID. A no-op
// (returns nil, no error) if the current state is not CREATED.
func (p *Primitives) FSMAssign(ctx context.Context, jobID string, attemptID int) error {
	return p.fsmTransition(ctx, jobID, domain.FSMCreated, domain.FSMAssigned, attemptID, nil)
}

// FSMFinished transitions ASSIGNED -> FINISHED(success).
func (p *Primitives) FSMFinished(ctx context.Context, jobID string, attemptID int, success bool) error {
	return p.fsmTransition(ctx, jobID, domain.FSMAssigned, domain.FSMFinished, attemptID, &success)
}

// FSMReleased transitions FINISHED -> RELEASED.
func (p *Primitives) FSMReleased(ctx context.Context, jobID string) error {
	return p.fsmTransition(ctx, jobID, domain.FSMFinished, domain.FSMReleased, 0, nil)
}

func (p *Primitives) fsmTransition(ctx context.Context, jobID string, from, to domain.FSMState, attemptID int, success *bool) error {
	attemptArg := ""
	if attemptID > 0 {
		attemptArg = fmt.Sprint(attemptID)
	}
	successArg := ""
	if success != nil {
		successArg = fmt.Sprint(*success)
	}
	_, err := p.scripts.Run(ctx, "fsm_transition", map[string]string{"job": p.jobFSMKey(jobID)},
		string(from), string(to), attemptArg, successArg)
	if err != nil {
		return schedErrors.DependencyDown(err)
	}
	return nil
}

// PoolAdd adds nodeID to a pool's membership set.
func (p *Primitives) PoolAdd(ctx context.Context, poolID uint16, nodeID string) error {
	if err := p.client.SAdd(ctx, p.poolMembersKey(poolID), nodeID).Err(); err != nil {
		return schedErrors.DependencyDown(err)
	}
	return nil
}

// PoolRemove removes nodeID from a pool's membership set.
func (p *Primitives) PoolRemove(ctx context.Context, poolID uint16, nodeID string) error {
	if err := p.client.SRem(ctx, p.poolMembersKey(poolID), nodeID).Err(); err != nil {
		return schedErrors.DependencyDown(err)
	}
	return nil
}

// PoolMembers returns a pool's member node ids.
func (p *Primitives) PoolMembers(ctx context.Context, poolID uint16) ([]string, error) {
	members, err := p.client.SMembers(ctx, p.poolMembersKey(poolID)).Result()
	if err != nil {
		return nil, schedErrors.DependencyDown(err)
	}
	return members, nil
}

// SetSessionState mirrors a session's preferred_pool/lang_pair decision to
// Redis with the given TTL, per spec.md §4.D.
func (p *Primitives) SetSessionState(ctx context.Context, sessionID string, preferredPool uint16, srcLang, tgtLang string, ttl time.Duration) error {
	key := p.sessionKey(sessionID)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"preferred_pool": preferredPool,
		"lang_pair":      srcLang + ":" + tgtLang,
	})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return schedErrors.DependencyDown(err)
	}
	return nil
}
