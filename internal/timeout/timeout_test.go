package timeout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/dispatcher"
	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/metrics"
	"github.com/lingua-speech/scheduler/internal/pool"
	"github.com/lingua-speech/scheduler/internal/primitives"
	"github.com/lingua-speech/scheduler/internal/registry"
	"github.com/lingua-speech/scheduler/internal/session"
)

type fakeNotifier struct {
	mu          sync.Mutex
	cancels     []string
	errors      []domain.ErrorCode
	assigns     []string
	failAssign  bool
}

func (f *fakeNotifier) CancelJob(ctx context.Context, nodeID, jobID, traceID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	return nil
}

func (f *fakeNotifier) NotifyJobError(ctx context.Context, job *domain.Job, code domain.ErrorCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, code)
	return nil
}

func (f *fakeNotifier) AssignJob(ctx context.Context, nodeID string, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigns = append(f.assigns, nodeID)
	return nil
}

func healthCfg() config.NodeHealth {
	return config.NodeHealth{HealthyChecksToReady: 1, FailuresToDegraded: 3, FailuresInWindow: 3, FailureWindowSize: 10, WarmupTimeout: time.Minute, HeartbeatTimeout: time.Minute}
}

func selectionCfg() config.Selection {
	return config.Selection{ResourceThreshold: 85, SessionAffinity: true, RandomSampleSize: 5}
}

func newRuntime(t *testing.T) *primitives.Primitives {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := primitives.New(client, "test:v1")
	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("load scripts: %v", err)
	}
	return p
}

func registerNode(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	node := &domain.Node{
		NodeID:           id,
		Hardware:         domain.HardwareDescriptor{GPUs: []string{"gpu-0"}},
		MaxConcurrency:   4,
		AcceptPublicJobs: true,
		InstalledServices: []domain.InstalledService{
			{Type: domain.ServiceASR, Status: domain.ServiceStatusRunning},
			{Type: domain.ServiceNMT, Status: domain.ServiceStatusRunning},
			{Type: domain.ServiceTTS, Status: domain.ServiceStatusRunning},
		},
		LanguageCapabilities: domain.LanguageCapabilities{NMTPairs: map[string]bool{domain.NMTPairKey("en", "fr"): true}},
	}
	if _, err := reg.Register(node, false); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	reg.Heartbeat(id, 10, 10, 10, node.InstalledServices, node.LanguageCapabilities, 0)
}

func TestPendingJobPastTimeoutIsFailed(t *testing.T) {
	reg := registry.New(healthCfg())
	idx := pool.NewIndex()
	idx.Upsert(domain.Pool{PoolID: 1, RequiredServices: domain.RequiredServices{SrcLang: "en", TgtLang: "fr"}}, nil)
	sessions := session.NewManager(reg, idx, nil)
	sessions.Create(&domain.Session{SessionID: "s1"})
	selector := pool.NewSelector(idx, selectionCfg())
	mreg := metrics.New()
	disp := dispatcher.New(reg, idx, selector, sessions, nil, config.Dispatcher{Phase3Enabled: true}, mreg)

	job, err := disp.CreateJob(context.Background(), session.CreateJobRequest{SessionID: "s1", LanguageConfig: domain.LanguageConfig{SrcLang: "en", TgtLang: "fr"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.AssignedNodeID != "" {
		t.Fatal("expected no node to be available (empty pool), job should stay pending")
	}

	notifier := &fakeNotifier{}
	cfg := config.Timeout{ScanInterval: time.Millisecond, PendingTimeout: time.Millisecond, DispatchedTimeout: time.Second, FailoverMaxAttempts: 3, ReservationTTL: 15 * time.Second}
	loop := New(reg, idx, selector, sessions, disp, nil, notifier, cfg, mreg)

	time.Sleep(5 * time.Millisecond)
	loop.Sweep(context.Background())

	got, _ := disp.Get(job.JobID)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected job to be failed after pending timeout, got %q", got.Status)
	}
	if len(notifier.errors) != 1 || notifier.errors[0] != domain.ErrJobTimeout {
		t.Fatalf("expected one JOB_TIMEOUT notification, got %+v", notifier.errors)
	}
}

func TestDispatchedJobFailsOverToAnotherNode(t *testing.T) {
	reg := registry.New(healthCfg())
	registerNode(t, reg, "node-1")
	registerNode(t, reg, "node-2")

	idx := pool.NewIndex()
	idx.Upsert(domain.Pool{PoolID: 1, RequiredServices: domain.RequiredServices{SrcLang: "en", TgtLang: "fr"}}, []string{"node-1", "node-2"})
	sessions := session.NewManager(reg, idx, nil)
	sessions.Create(&domain.Session{SessionID: "s1"})
	selector := pool.NewSelector(idx, selectionCfg())
	mreg := metrics.New()
	prims := newRuntime(t)
	prims.EnsureNodeCapacity(context.Background(), "node-1", 4, "ready")
	prims.EnsureNodeCapacity(context.Background(), "node-2", 4, "ready")

	disp := dispatcher.New(reg, idx, selector, sessions, prims, config.Dispatcher{Phase3Enabled: true, RequestLockTimeout: time.Second, RequestLockRetry: 5 * time.Millisecond}, mreg)
	job, err := disp.CreateJob(context.Background(), session.CreateJobRequest{SessionID: "s1", LanguageConfig: domain.LanguageConfig{SrcLang: "en", TgtLang: "fr"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.AssignedNodeID == "" {
		t.Fatal("expected the job to be assigned to a node")
	}

	notifier := &fakeNotifier{}
	cfg := config.Timeout{ScanInterval: time.Millisecond, PendingTimeout: time.Second, DispatchedTimeout: time.Millisecond, FailoverMaxAttempts: 3, ReservationTTL: 15 * time.Second}
	loop := New(reg, idx, selector, sessions, disp, prims, notifier, cfg, mreg)

	time.Sleep(5 * time.Millisecond)
	loop.Sweep(context.Background())

	got, _ := disp.Get(job.JobID)
	if got.Status != domain.JobAssigned {
		t.Fatalf("expected job to remain assigned after failover, got %q", got.Status)
	}
	if got.DispatchAttemptID != 2 {
		t.Fatalf("expected dispatch_attempt_id to bump to 2, got %d", got.DispatchAttemptID)
	}
	if len(notifier.assigns) != 1 {
		t.Fatalf("expected exactly one failover job_assign send, got %d", len(notifier.assigns))
	}
	if len(notifier.cancels) != 1 {
		t.Fatalf("expected exactly one best-effort cancel to the stale node, got %d", len(notifier.cancels))
	}
}

func TestDispatchedJobExceedingFailoverMaxIsFailed(t *testing.T) {
	reg := registry.New(healthCfg())
	registerNode(t, reg, "node-1")

	idx := pool.NewIndex()
	idx.Upsert(domain.Pool{PoolID: 1, RequiredServices: domain.RequiredServices{SrcLang: "en", TgtLang: "fr"}}, []string{"node-1"})
	sessions := session.NewManager(reg, idx, nil)
	sessions.Create(&domain.Session{SessionID: "s1"})
	selector := pool.NewSelector(idx, selectionCfg())
	mreg := metrics.New()
	prims := newRuntime(t)
	prims.EnsureNodeCapacity(context.Background(), "node-1", 4, "ready")

	disp := dispatcher.New(reg, idx, selector, sessions, prims, config.Dispatcher{Phase3Enabled: true, RequestLockTimeout: time.Second, RequestLockRetry: 5 * time.Millisecond}, mreg)
	job, err := disp.CreateJob(context.Background(), session.CreateJobRequest{SessionID: "s1", LanguageConfig: domain.LanguageConfig{SrcLang: "en", TgtLang: "fr"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	notifier := &fakeNotifier{}
	cfg := config.Timeout{ScanInterval: time.Millisecond, PendingTimeout: time.Second, DispatchedTimeout: time.Millisecond, FailoverMaxAttempts: 1, ReservationTTL: 15 * time.Second}
	loop := New(reg, idx, selector, sessions, disp, prims, notifier, cfg, mreg)

	// First sweep: only node-1 exists, so the fallback-without-exclusion
	// branch re-dispatches the job to the same node and bumps
	// failover_attempts to 1.
	time.Sleep(5 * time.Millisecond)
	loop.Sweep(context.Background())
	got, _ := disp.Get(job.JobID)
	if got.Status != domain.JobAssigned || got.FailoverAttempts != 1 {
		t.Fatalf("expected one same-node failover attempt, got status=%q failover_attempts=%d", got.Status, got.FailoverAttempts)
	}

	// Second sweep: failover_attempts (1) has now reached
	// failover_max_attempts (1), so the job is failed outright.
	time.Sleep(5 * time.Millisecond)
	loop.Sweep(context.Background())
	got, _ = disp.Get(job.JobID)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected job to be failed once failover_max_attempts is exceeded, got %q", got.Status)
	}
}
