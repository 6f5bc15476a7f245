package registry

import (
	"testing"
	"time"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/domain"
)

func testNode(id string) *domain.Node {
	return &domain.Node{
		NodeID:         id,
		Hardware:       domain.HardwareDescriptor{GPUs: []string{"gpu-0"}},
		MaxConcurrency: 4,
		AcceptPublicJobs: true,
		InstalledServices: []domain.InstalledService{
			{Type: domain.ServiceASR, Status: domain.ServiceStatusRunning},
			{Type: domain.ServiceNMT, Status: domain.ServiceStatusRunning},
			{Type: domain.ServiceTTS, Status: domain.ServiceStatusRunning},
		},
	}
}

func testHealthConfig() config.NodeHealth {
	return config.NodeHealth{
		HealthyChecksToReady: 3,
		FailuresToDegraded:   3,
		FailuresInWindow:     3,
		FailureWindowSize:    10,
		WarmupTimeout:        time.Minute,
		HeartbeatTimeout:     time.Minute,
	}
}

func TestRegisterRejectsNodeWithoutGPU(t *testing.T) {
	r := New(testHealthConfig())
	n := testNode("node-1")
	n.Hardware.GPUs = nil

	if _, err := r.Register(n, false); err == nil {
		t.Fatal("expected registration without a GPU to fail")
	}
}

func TestRegisterRejectsConflictingID(t *testing.T) {
	r := New(testHealthConfig())
	if _, err := r.Register(testNode("node-1"), false); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register(testNode("node-1"), false); err == nil {
		t.Fatal("expected conflicting node_id to be rejected")
	}
	if _, err := r.Register(testNode("node-1"), true); err != nil {
		t.Fatalf("expected allowExisting register to succeed, got %v", err)
	}
}

func TestHeartbeatPromotesRegisteringToReady(t *testing.T) {
	r := New(testHealthConfig())
	if _, err := r.Register(testNode("node-1"), false); err != nil {
		t.Fatalf("register: %v", err)
	}

	caps := domain.LanguageCapabilities{}
	services := testNode("node-1").InstalledServices

	for i := 0; i < 3; i++ {
		if !r.Heartbeat("node-1", 10, 10, 10, services, caps, 0) {
			t.Fatalf("heartbeat %d: node not found", i)
		}
	}

	snap := r.Snapshot()
	view, ok := snap.Nodes["node-1"]
	if !ok {
		t.Fatal("expected node-1 in snapshot")
	}
	if view.Status != domain.NodeReady {
		t.Fatalf("expected NodeReady after 3 healthy heartbeats, got %s", view.Status)
	}
}

func TestHeartbeatDemotesReadyToDegraded(t *testing.T) {
	r := New(testHealthConfig())
	r.Register(testNode("node-1"), false)
	services := testNode("node-1").InstalledServices
	caps := domain.LanguageCapabilities{}

	for i := 0; i < 3; i++ {
		r.Heartbeat("node-1", 10, 10, 10, services, caps, 0)
	}
	if view := r.Snapshot().Nodes["node-1"]; view.Status != domain.NodeReady {
		t.Fatalf("expected Ready before degrading, got %s", view.Status)
	}

	// Three consecutive unhealthy heartbeats (no core services installed).
	for i := 0; i < 3; i++ {
		r.Heartbeat("node-1", 10, 10, 10, nil, caps, 0)
	}

	view := r.Snapshot().Nodes["node-1"]
	if view.Status != domain.NodeDegraded {
		t.Fatalf("expected NodeDegraded, got %s", view.Status)
	}
}

func TestSweepTimeoutsMarksOffline(t *testing.T) {
	cfg := testHealthConfig()
	cfg.HeartbeatTimeout = 1 * time.Millisecond
	r := New(cfg)
	r.Register(testNode("node-1"), false)

	time.Sleep(5 * time.Millisecond)
	r.SweepTimeouts()

	view, ok := r.Snapshot().Nodes["node-1"]
	if !ok {
		t.Fatal("expected node-1 in snapshot")
	}
	if view.Status != domain.NodeOffline {
		t.Fatalf("expected NodeOffline, got %s", view.Status)
	}
}

func TestSnapshotIsImmutableAcrossRebuild(t *testing.T) {
	r := New(testHealthConfig())
	r.Register(testNode("node-1"), false)
	first := r.Snapshot()

	r.Register(testNode("node-2"), false)
	second := r.Snapshot()

	if _, ok := first.Nodes["node-2"]; ok {
		t.Fatal("expected the earlier snapshot to be unaffected by a later registration")
	}
	if _, ok := second.Nodes["node-2"]; !ok {
		t.Fatal("expected the new snapshot to contain node-2")
	}
	if second.Version <= first.Version {
		t.Fatalf("expected version to increase, got %d -> %d", first.Version, second.Version)
	}
}
