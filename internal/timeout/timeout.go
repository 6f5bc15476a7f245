// Package timeout implements the periodic pending/dispatched timeout sweep
// and bounded failover loop from spec.md §4.H, grounded on
// original_source/timeout/job_timeout.rs: a ticker-driven scan over every
// non-terminal job that fails pending jobs outright and attempts a bounded
// number of failover re-dispatches for jobs whose assigned node never
// acknowledged them, following the teacher's runReclaimer ticker-loop shape.
package timeout

import (
	"context"
	"time"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/dispatcher"
	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/metrics"
	"github.com/lingua-speech/scheduler/internal/pool"
	"github.com/lingua-speech/scheduler/internal/primitives"
	"github.com/lingua-speech/scheduler/internal/registry"
	"github.com/lingua-speech/scheduler/internal/session"
)

// Notifier carries the best-effort side effects of a timeout decision: a
// cancel message to the stale node and a UI error event to the session.
// Both are satisfied by the routing layer; the loop runs the same whether
// or not one is wired, so tests can pass nil.
type Notifier interface {
	CancelJob(ctx context.Context, nodeID, jobID, traceID, reason string) error
	NotifyJobError(ctx context.Context, job *domain.Job, code domain.ErrorCode) error
	AssignJob(ctx context.Context, nodeID string, job *domain.Job) error
}

// Loop owns the scan/failover ticker goroutine.
type Loop struct {
	registry   *registry.Registry
	pools      *pool.Index
	selector   *pool.Selector
	sessions   *session.Manager
	dispatcher *dispatcher.Dispatcher
	prims      *primitives.Primitives
	notifier   Notifier
	cfg        config.Timeout
	metrics    *metrics.Registry
	log        *logging.Logger
}

func New(reg *registry.Registry, pools *pool.Index, selector *pool.Selector, sessions *session.Manager, disp *dispatcher.Dispatcher, prims *primitives.Primitives, notifier Notifier, cfg config.Timeout, mreg *metrics.Registry) *Loop {
	return &Loop{
		registry:   reg,
		pools:      pools,
		selector:   selector,
		sessions:   sessions,
		dispatcher: disp,
		prims:      prims,
		notifier:   notifier,
		cfg:        cfg,
		metrics:    mreg,
		log:        logging.New("timeout"),
	}
}

// Run blocks until ctx is canceled, sweeping every job on each tick.
func (l *Loop) Run(ctx context.Context) {
	interval := l.cfg.ScanInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep scans every non-terminal job exactly once, grounded on
// job_timeout.rs's per-tick loop body.
func (l *Loop) Sweep(ctx context.Context) {
	nowMs := domain.NowMs()
	for _, job := range l.dispatcher.All() {
		if job.Terminal() {
			continue
		}
		if !job.DispatchedToNode || job.AssignedNodeID == "" {
			l.handlePending(ctx, job, nowMs)
			continue
		}
		l.handleDispatched(ctx, job, nowMs)
	}
}

func (l *Loop) handlePending(ctx context.Context, job *domain.Job, nowMs int64) {
	timeout := l.cfg.PendingTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if nowMs-job.CreatedAtMs <= timeout.Milliseconds() {
		return
	}
	l.log.Warn("job pending timeout, marking failed", "job_id", job.JobID, "session_id", job.SessionID)
	l.failJob(ctx, job, domain.ErrJobTimeout)
}

func (l *Loop) handleDispatched(ctx context.Context, job *domain.Job, nowMs int64) {
	timeout := l.cfg.DispatchedTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	dispatchedAt := job.DispatchedAtMs
	if dispatchedAt == 0 {
		dispatchedAt = job.CreatedAtMs
	}
	if nowMs-dispatchedAt <= timeout.Milliseconds() {
		return
	}

	if l.metrics != nil {
		l.metrics.AckTimeoutTotal.WithLabelValues(jobPrefix(job.JobID)).Inc()
	}
	l.log.Warn("job dispatched timeout, attempting failover", "job_id", job.JobID, "node_id", job.AssignedNodeID, "failover_attempts", job.FailoverAttempts)

	currentNode := job.AssignedNodeID
	if l.notifier != nil {
		l.notifier.CancelJob(ctx, currentNode, job.JobID, job.TraceID, "job_timeout")
	}
	if l.prims != nil {
		if err := l.prims.Release(ctx, currentNode, job.JobID, job.DispatchAttemptID); err != nil {
			l.log.Warn("failed to release stale node slot", "job_id", job.JobID, "node_id", currentNode, "err", err)
		}
	}

	if job.FailoverAttempts >= l.maxFailoverAttempts() {
		l.log.Warn("job exceeded failover_max_attempts, marking failed", "job_id", job.JobID)
		l.failJob(ctx, job, domain.ErrJobTimeout)
		return
	}

	newNode, found := l.pickFailoverNode(job, currentNode)
	if !found {
		l.log.Warn("no available node for failover, marking failed", "job_id", job.JobID)
		l.failJob(ctx, job, domain.ErrNodeUnavailable)
		return
	}

	newAttemptID := job.DispatchAttemptID + 1
	ttl := l.cfg.ReservationTTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if l.prims != nil {
		reserveRes, err := l.prims.Reserve(ctx, newNode, job.JobID, newAttemptID, ttl)
		if err != nil {
			l.log.Error("redis unavailable, cannot reserve failover slot, failing job", "job_id", job.JobID, "err", err)
			l.failJob(ctx, job, domain.ErrJobTimeout)
			return
		}
		if !reserveRes.OK {
			l.failJob(ctx, job, domain.ErrNodeUnavailable)
			return
		}
	}

	attemptID, ok := l.dispatcher.Reassign(job.JobID, newNode, domain.NowMs())
	if !ok {
		if l.prims != nil {
			l.prims.Release(ctx, newNode, job.JobID, newAttemptID)
		}
		return
	}
	if l.prims != nil {
		l.prims.FSMAssign(ctx, job.JobID, attemptID)
	}
	if l.metrics != nil {
		l.metrics.FailoverAttemptsTotal.Inc()
	}

	if l.notifier != nil {
		job.AssignedNodeID = newNode
		job.DispatchAttemptID = attemptID
		if err := l.notifier.AssignJob(ctx, newNode, job); err != nil {
			l.log.Warn("failed to send failover job_assign, releasing and failing", "job_id", job.JobID, "node_id", newNode, "err", err)
			if l.prims != nil {
				l.prims.Release(ctx, newNode, job.JobID, attemptID)
			}
			l.dispatcher.MarkStatus(job.JobID, domain.JobFailed)
			l.notifier.NotifyJobError(ctx, job, domain.ErrNodeUnavailable)
			return
		}
	}
	l.log.Info("job failover re-dispatched", "job_id", job.JobID, "old_node_id", currentNode, "new_node_id", newNode, "attempt_id", attemptID)
}

func (l *Loop) maxFailoverAttempts() int {
	if l.cfg.FailoverMaxAttempts > 0 {
		return l.cfg.FailoverMaxAttempts
	}
	return 3
}

// pickFailoverNode selects a replacement node, preferring one other than
// current_node but falling back to it if nothing else is eligible, per
// job_timeout.rs's select-excluding-then-select-without-exclusion pattern.
func (l *Loop) pickFailoverNode(job *domain.Job, currentNode string) (string, bool) {
	sess, ok := l.sessions.Get(job.SessionID)
	if !ok || !sess.PreferredPoolSet {
		return "", false
	}
	snap := l.registry.Snapshot()

	result := l.selector.SelectNode(snap, sess.PreferredPool, currentNode)
	if result.Found {
		return result.NodeID, true
	}
	result = l.selector.SelectNode(snap, sess.PreferredPool, "")
	if result.Found {
		return result.NodeID, true
	}
	return "", false
}

func (l *Loop) failJob(ctx context.Context, job *domain.Job, code domain.ErrorCode) {
	l.dispatcher.MarkStatus(job.JobID, domain.JobFailed)
	if l.prims != nil {
		attempt := job.DispatchAttemptID
		if attempt < 1 {
			attempt = 1
		}
		l.prims.FSMFinished(ctx, job.JobID, attempt, false)
		l.prims.FSMReleased(ctx, job.JobID)
	}
	if l.notifier != nil {
		l.notifier.NotifyJobError(ctx, job, code)
	}
}

func jobPrefix(jobID string) string {
	if len(jobID) >= 8 {
		return jobID[:8]
	}
	return jobID
}
