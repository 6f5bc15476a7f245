// Package dispatcher implements create_job from spec.md §4.G, grounded
// step-by-step on original_source/core/dispatcher/job_creation.rs: routing
// key computation, the cross-instance idempotency fast/slow path guarded by
// a Redis request lock, node selection, reservation, and job construction.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/domain"
	schedErrors "github.com/lingua-speech/scheduler/internal/errors"
	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/metrics"
	"github.com/lingua-speech/scheduler/internal/pool"
	"github.com/lingua-speech/scheduler/internal/primitives"
	"github.com/lingua-speech/scheduler/internal/registry"
	"github.com/lingua-speech/scheduler/internal/session"
)

// Dispatcher owns the in-memory job map; Redis owns cross-instance truth
// (reservations, request bindings, FSM), per spec.md §3's ownership split.
type Dispatcher struct {
	registry  *registry.Registry
	pools     *pool.Index
	selector  *pool.Selector
	sessions  *session.Manager
	prims     *primitives.Primitives // nil disables the cross-instance runtime
	cfg       config.Dispatcher
	metrics   *metrics.Registry
	log       *logging.Logger

	mu   sync.RWMutex
	jobs map[string]*domain.Job

	// localIdempotency is the in-process fallback used when no Redis
	// runtime is available (spec.md §4.G step 3).
	localIdempotency sync.Map // request_id -> job_id
	localLastNode    sync.Map // session_id -> node_id, used for the spread exclusion
}

func New(reg *registry.Registry, pools *pool.Index, selector *pool.Selector, sessions *session.Manager, prims *primitives.Primitives, cfg config.Dispatcher, reg2 *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		pools:    pools,
		selector: selector,
		sessions: sessions,
		prims:    prims,
		cfg:      cfg,
		metrics:  reg2,
		log:      logging.New("dispatcher"),
		jobs:     make(map[string]*domain.Job),
	}
}

func newJobID() string {
	return fmt.Sprintf("job-%s", strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]))
}

func newRequestID() string {
	return fmt.Sprintf("req-%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// CreateJob implements session.Dispatcher.
func (d *Dispatcher) CreateJob(ctx context.Context, req session.CreateJobRequest) (*domain.Job, error) {
	sess, ok := d.sessions.Get(req.SessionID)
	if !ok {
		return nil, schedErrors.New(domain.ErrInvalidSession, nil, "")
	}

	routingKey := sess.RoutingKey()
	nowMs := domain.NowMs()

	requestID := req.RequestID
	if requestID == "" {
		requestID = newRequestID()
	}

	if d.prims != nil {
		return d.createJobWithRuntime(ctx, sess, req, requestID, routingKey, nowMs)
	}
	return d.createJobLocal(ctx, sess, req, requestID, routingKey, nowMs)
}

func (d *Dispatcher) getLocalJob(jobID string) (*domain.Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	j, ok := d.jobs[jobID]
	return j, ok
}

func (d *Dispatcher) storeJob(j *domain.Job) {
	d.mu.Lock()
	d.jobs[j.JobID] = j
	d.mu.Unlock()
}

// createJobWithRuntime is the cross-instance fast/slow path from spec.md
// §4.G step 2.
func (d *Dispatcher) createJobWithRuntime(ctx context.Context, sess *domain.Session, req session.CreateJobRequest, requestID, routingKey string, nowMs int64) (*domain.Job, error) {
	if binding, err := d.prims.GetBinding(ctx, requestID); err != nil {
		return nil, err
	} else if binding != nil {
		if j, ok := d.getLocalJob(binding.JobID); ok {
			return j, nil
		}
		return d.reconstructFromBinding(binding, req), nil
	}

	owner := uuid.NewString()
	deadline := time.Now().Add(d.cfg.RequestLockTimeout)
	var acquired bool
	for time.Now().Before(deadline) {
		ok, err := d.prims.AcquireRequestLock(ctx, requestID, owner, d.cfg.RequestLockTimeout)
		if err != nil {
			return nil, err
		}
		if ok {
			acquired = true
			break
		}
		if binding, err := d.prims.GetBinding(ctx, requestID); err != nil {
			return nil, err
		} else if binding != nil {
			if j, ok := d.getLocalJob(binding.JobID); ok {
				return j, nil
			}
			return d.reconstructFromBinding(binding, req), nil
		}
		time.Sleep(d.cfg.RequestLockRetry)
	}
	if !acquired {
		// Lock timeout falls back to single-instance semantics rather than
		// failing the utterance outright.
		d.log.Warn("request lock timed out, falling back to local idempotency", "request_id", requestID)
		return d.createJobLocal(ctx, sess, req, requestID, routingKey, nowMs)
	}
	defer d.prims.ReleaseRequestLock(ctx, requestID, owner)

	if binding, err := d.prims.GetBinding(ctx, requestID); err != nil {
		return nil, err
	} else if binding != nil {
		if j, ok := d.getLocalJob(binding.JobID); ok {
			return j, nil
		}
		return d.reconstructFromBinding(binding, req), nil
	}

	jobID := newJobID()
	snap := d.registry.Snapshot()

	poolID, havePool := d.sessions.DecidePoolForSession(ctx, sess.SessionID, req.LanguageConfig.SrcLang, req.LanguageConfig.TgtLang, routingKey, true)

	var excludeNodeID string
	if d.cfg.SpreadEnabled {
		if v, ok := d.localLastNode.Load(sess.SessionID); ok {
			excludeNodeID = v.(string)
		}
	}

	var assignedNode string
	var selectionReason domain.RejectionReason
	var haveReason bool
	if havePool {
		result := d.selector.SelectNode(snap, poolID, excludeNodeID)
		if result.Found {
			reserveRes, err := d.prims.Reserve(ctx, result.NodeID, jobID, 1, d.reservationTTL())
			if err != nil {
				return nil, err
			}
			if reserveRes.OK {
				assignedNode = result.NodeID
				d.localLastNode.Store(sess.SessionID, result.NodeID)
			}
		}
		selectionReason, haveReason = result.BestReason()
	}

	if d.metrics != nil && assignedNode == "" {
		reason := "no_eligible_pool"
		if haveReason {
			reason = string(selectionReason)
		}
		d.metrics.NoAvailableNodeTotal.WithLabelValues("two_level", reason).Inc()
	}

	binding := primitives.RequestBinding{JobID: jobID, NodeID: assignedNode, DispatchedToNode: assignedNode != "", ExpireAtMs: nowMs + d.cfg.RequestLockTimeout.Milliseconds()}
	if _, err := d.prims.BindRequest(ctx, requestID, binding, time.Hour); err != nil {
		d.log.Warn("failed to bind request", "request_id", requestID, "err", err)
	}
	if err := d.prims.FSMInit(ctx, jobID, 1); err != nil {
		d.log.Warn("failed to init job fsm", "job_id", jobID, "err", err)
	}
	if assignedNode != "" {
		d.prims.FSMAssign(ctx, jobID, 1)
	}

	job := d.buildJob(jobID, requestID, req, assignedNode, nowMs, snap)
	d.storeJob(job)
	return job, nil
}

// createJobLocal is the in-process fallback used without a Redis runtime
// (spec.md §4.G step 3).
func (d *Dispatcher) createJobLocal(ctx context.Context, sess *domain.Session, req session.CreateJobRequest, requestID, routingKey string, nowMs int64) (*domain.Job, error) {
	if v, ok := d.localIdempotency.Load(requestID); ok {
		if j, ok := d.getLocalJob(v.(string)); ok {
			return j, nil
		}
	}

	jobID := newJobID()
	d.localIdempotency.Store(requestID, jobID)

	snap := d.registry.Snapshot()
	poolID, havePool := d.sessions.DecidePoolForSession(ctx, sess.SessionID, req.LanguageConfig.SrcLang, req.LanguageConfig.TgtLang, routingKey, true)

	var assignedNode string
	if havePool {
		result := d.selector.SelectNode(snap, poolID, "")
		if result.Found {
			assignedNode = result.NodeID
		} else if d.metrics != nil {
			reason, _ := result.BestReason()
			d.metrics.NoAvailableNodeTotal.WithLabelValues("local", string(reason)).Inc()
		}
	}

	job := d.buildJob(jobID, requestID, req, assignedNode, nowMs, snap)
	d.storeJob(job)
	return job, nil
}

func (d *Dispatcher) buildJob(jobID, requestID string, req session.CreateJobRequest, assignedNode string, nowMs int64, snap *registry.Snapshot) *domain.Job {
	// Phase 3 pools guarantee every member supports semantic repair; outside
	// Phase 3 it depends on the specific node that was actually assigned.
	useSemantic := d.cfg.Phase3Enabled
	if !d.cfg.Phase3Enabled && assignedNode != "" {
		if view, ok := snap.Nodes[assignedNode]; ok {
			useSemantic = view.LanguageCapabilities.SupportsSemantic(req.LanguageConfig.SrcLang, req.LanguageConfig.TgtLang)
		}
	}

	status := domain.JobPending
	if assignedNode != "" {
		status = domain.JobAssigned
	}

	return &domain.Job{
		JobID:              jobID,
		RequestID:          requestID,
		SessionID:          req.SessionID,
		UtteranceIndex:     req.UtteranceIndex,
		LanguageConfig:     req.LanguageConfig,
		Pipeline:           domain.PipelineConfig{UseASR: true, UseNMT: true, UseTTS: true, UseSemantic: useSemantic},
		AudioData:          req.AudioData,
		AssignedNodeID:     assignedNode,
		Status:             status,
		DispatchAttemptID:  1,
		DispatchedToNode:   assignedNode != "",
		DispatchedAtMs:     nowMsIf(assignedNode != ""),
		CreatedAtMs:        nowMs,
		IsManualCut:        req.IsManualCut,
		IsPauseTriggered:   req.IsPauseTriggered,
		IsTimeoutTriggered: req.IsTimeoutTriggered,
		FirstChunkClientTimestampMs: req.FirstChunkClientTimestampMs,
	}
}

func nowMsIf(cond bool) int64 {
	if !cond {
		return 0
	}
	return domain.NowMs()
}

func (d *Dispatcher) reconstructFromBinding(binding *primitives.RequestBinding, req session.CreateJobRequest) *domain.Job {
	status := domain.JobPending
	if binding.DispatchedToNode {
		status = domain.JobAssigned
	}
	job := &domain.Job{
		JobID:            binding.JobID,
		SessionID:        req.SessionID,
		AssignedNodeID:   binding.NodeID,
		Status:           status,
		DispatchedToNode: binding.DispatchedToNode,
	}
	d.storeJob(job)
	return job
}

// reservationTTL bounds how long a slot reservation survives before the
// timeout loop's sweep would have released it anyway.
func (d *Dispatcher) reservationTTL() time.Duration {
	return 15 * time.Second
}

// Get returns a locally-known job by id, for the timeout loop and admin
// surface.
func (d *Dispatcher) Get(jobID string) (*domain.Job, bool) {
	return d.getLocalJob(jobID)
}

// All returns every locally-known job.
func (d *Dispatcher) All() []*domain.Job {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*domain.Job, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j)
	}
	return out
}

// MarkStatus updates a job's in-memory status (used by the timeout loop).
func (d *Dispatcher) MarkStatus(jobID string, status domain.JobStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[jobID]; ok {
		j.Status = status
	}
}

// Reassign moves a job onto a new node for a failover attempt, bumping its
// dispatch_attempt_id and failover_attempts counters. Returns false if the
// job is gone or has already reached a terminal state (another instance
// may have raced this one).
func (d *Dispatcher) Reassign(jobID, nodeID string, nowMs int64) (attemptID int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, found := d.jobs[jobID]
	if !found || j.Terminal() {
		return 0, false
	}
	j.AssignedNodeID = nodeID
	j.DispatchAttemptID++
	j.FailoverAttempts++
	j.DispatchedAtMs = nowMs
	j.DispatchedToNode = true
	j.Status = domain.JobAssigned
	return j.DispatchAttemptID, true
}
