package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/metrics"
	"github.com/lingua-speech/scheduler/internal/pool"
	"github.com/lingua-speech/scheduler/internal/primitives"
	"github.com/lingua-speech/scheduler/internal/registry"
	"github.com/lingua-speech/scheduler/internal/session"
)

func testHealthConfig() config.NodeHealth {
	return config.NodeHealth{HealthyChecksToReady: 1, FailuresToDegraded: 3, FailuresInWindow: 3, FailureWindowSize: 10, WarmupTimeout: time.Minute, HeartbeatTimeout: time.Minute}
}

func testSelectionConfig() config.Selection {
	return config.Selection{ResourceThreshold: 85, SessionAffinity: true, RandomSampleSize: 5}
}

func testDispatcherConfig() config.Dispatcher {
	return config.Dispatcher{RequestLockTimeout: time.Second, RequestLockRetry: 10 * time.Millisecond, Phase3Enabled: true}
}

func setupCluster(t *testing.T) (*registry.Registry, *pool.Index, *session.Manager, *metrics.Registry) {
	t.Helper()
	reg := registry.New(testHealthConfig())

	node := &domain.Node{
		NodeID:           "node-1",
		Hardware:         domain.HardwareDescriptor{GPUs: []string{"gpu-0"}},
		MaxConcurrency:   4,
		AcceptPublicJobs: true,
		InstalledServices: []domain.InstalledService{
			{Type: domain.ServiceASR, Status: domain.ServiceStatusRunning},
			{Type: domain.ServiceNMT, Status: domain.ServiceStatusRunning},
			{Type: domain.ServiceTTS, Status: domain.ServiceStatusRunning},
		},
		LanguageCapabilities: domain.LanguageCapabilities{
			NMTPairs: map[string]bool{domain.NMTPairKey("en", "fr"): true},
		},
	}
	if _, err := reg.Register(node, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Heartbeat("node-1", 10, 10, 10, node.InstalledServices, node.LanguageCapabilities, 0)

	idx := pool.NewIndex()
	idx.Upsert(domain.Pool{PoolID: 1, RequiredServices: domain.RequiredServices{SrcLang: "en", TgtLang: "fr"}}, []string{"node-1"})

	sessions := session.NewManager(reg, idx, nil)
	sess := &domain.Session{SessionID: "sess-1"}
	sessions.Create(sess)

	return reg, idx, sessions, metrics.New()
}

func TestCreateJobLocalAssignsReadyNode(t *testing.T) {
	reg, idx, sessions, mreg := setupCluster(t)
	selector := pool.NewSelector(idx, testSelectionConfig())
	d := New(reg, idx, selector, sessions, nil, testDispatcherConfig(), mreg)

	job, err := d.CreateJob(context.Background(), session.CreateJobRequest{
		SessionID:      "sess-1",
		LanguageConfig: domain.LanguageConfig{SrcLang: "en", TgtLang: "fr"},
		AudioData:      []byte("hello"),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.AssignedNodeID != "node-1" {
		t.Fatalf("expected node-1 to be assigned, got %q", job.AssignedNodeID)
	}
	if !job.Pipeline.UseSemantic {
		t.Fatal("expected UseSemantic to be true under Phase3Enabled")
	}
}

func TestCreateJobLocalIsIdempotentPerRequestID(t *testing.T) {
	reg, idx, sessions, mreg := setupCluster(t)
	selector := pool.NewSelector(idx, testSelectionConfig())
	d := New(reg, idx, selector, sessions, nil, testDispatcherConfig(), mreg)

	req := session.CreateJobRequest{SessionID: "sess-1", RequestID: "req-fixed", LanguageConfig: domain.LanguageConfig{SrcLang: "en", TgtLang: "fr"}}

	first, err := d.CreateJob(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	second, err := d.CreateJob(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateJob (repeat): %v", err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("expected the same job_id for a repeated request_id, got %q and %q", first.JobID, second.JobID)
	}
}

func setupRuntime(t *testing.T) *primitives.Primitives {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := primitives.New(client, "test:v1")
	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("load scripts: %v", err)
	}
	return p
}

func TestCreateJobWithRuntimeReservesAndBinds(t *testing.T) {
	reg, idx, _, mreg := setupCluster(t)
	prims := setupRuntime(t)
	if err := prims.EnsureNodeCapacity(context.Background(), "node-1", 4, "ready"); err != nil {
		t.Fatalf("EnsureNodeCapacity: %v", err)
	}

	sessions := session.NewManager(reg, idx, prims)
	sessions.Create(&domain.Session{SessionID: "sess-1"})

	selector := pool.NewSelector(idx, testSelectionConfig())
	d := New(reg, idx, selector, sessions, prims, testDispatcherConfig(), mreg)

	job, err := d.CreateJob(context.Background(), session.CreateJobRequest{
		SessionID:      "sess-1",
		LanguageConfig: domain.LanguageConfig{SrcLang: "en", TgtLang: "fr"},
		AudioData:      []byte("hello"),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.AssignedNodeID != "node-1" {
		t.Fatalf("expected node-1 to be reserved and assigned, got %q", job.AssignedNodeID)
	}

	binding, err := prims.GetBinding(context.Background(), job.RequestID)
	if err != nil {
		t.Fatalf("GetBinding: %v", err)
	}
	if binding == nil || binding.JobID != job.JobID {
		t.Fatalf("expected a request binding pointing at %q, got %+v", job.JobID, binding)
	}
}

func TestCreateJobWithRuntimeIsIdempotentAcrossCalls(t *testing.T) {
	reg, idx, _, mreg := setupCluster(t)
	prims := setupRuntime(t)
	prims.EnsureNodeCapacity(context.Background(), "node-1", 4, "ready")

	sessions := session.NewManager(reg, idx, prims)
	sessions.Create(&domain.Session{SessionID: "sess-1"})
	selector := pool.NewSelector(idx, testSelectionConfig())
	d := New(reg, idx, selector, sessions, prims, testDispatcherConfig(), mreg)

	req := session.CreateJobRequest{SessionID: "sess-1", RequestID: "req-fixed", LanguageConfig: domain.LanguageConfig{SrcLang: "en", TgtLang: "fr"}}

	first, err := d.CreateJob(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	second, err := d.CreateJob(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateJob (repeat): %v", err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("expected repeated request_id to reuse job_id %q, got %q", first.JobID, second.JobID)
	}
}

func TestCreateJobFallsBackToLocalOnRequestLockTimeout(t *testing.T) {
	reg, idx, _, mreg := setupCluster(t)
	prims := setupRuntime(t)
	prims.EnsureNodeCapacity(context.Background(), "node-1", 4, "ready")

	sessions := session.NewManager(reg, idx, prims)
	sessions.Create(&domain.Session{SessionID: "sess-1"})
	selector := pool.NewSelector(idx, testSelectionConfig())
	cfg := config.Dispatcher{RequestLockTimeout: 30 * time.Millisecond, RequestLockRetry: 5 * time.Millisecond, Phase3Enabled: true}
	d := New(reg, idx, selector, sessions, prims, cfg, mreg)

	req := session.CreateJobRequest{SessionID: "sess-1", RequestID: "req-locked", LanguageConfig: domain.LanguageConfig{SrcLang: "en", TgtLang: "fr"}}

	// Hold the request lock under a different owner for longer than the
	// dispatcher's own lock timeout, forcing CreateJob down the
	// single-instance fallback path instead of erroring out.
	held, err := prims.AcquireRequestLock(context.Background(), req.RequestID, "other-owner", time.Second)
	if err != nil || !held {
		t.Fatalf("failed to pre-acquire the request lock: held=%v err=%v", held, err)
	}
	defer prims.ReleaseRequestLock(context.Background(), req.RequestID, "other-owner")

	job, err := d.CreateJob(context.Background(), req)
	if err != nil {
		t.Fatalf("expected CreateJob to fall back to local semantics instead of erroring, got: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job from the local fallback path")
	}
}
