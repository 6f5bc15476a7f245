// Package registry holds the authoritative node map and publishes a
// lock-free Snapshot for selection to read, per spec.md §4.B.
// Grounded on original_source/node_registry/core.rs (short
// write-lock-then-drop shape, consecutive-healthy-check status machine) and
// on the teacher's consumer.go taste for short, explicit critical sections.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/domain"
	schedErrors "github.com/lingua-speech/scheduler/internal/errors"
	"github.com/lingua-speech/scheduler/internal/logging"
)

// Registry is the single authoritative node map. All mutation happens under
// mu with the lock held only long enough to copy/replace a Node; snapshot
// rebuilding happens after the lock is released and readers never take mu.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*domain.Node

	cfg config.NodeHealth
	log *logging.Logger

	snapshot atomic.Pointer[Snapshot]
}

func New(cfg config.NodeHealth) *Registry {
	r := &Registry{
		nodes: make(map[string]*domain.Node),
		cfg:   cfg,
		log:   logging.New("registry"),
	}
	r.snapshot.Store(emptySnapshot())
	return r
}

// Register inserts a brand-new node in NodeRegistering status. Rejects
// nodes without a GPU and detects node_id conflicts unless allowExisting is
// set (used on reconnect/cross-instance snapshot sync).
func (r *Registry) Register(node *domain.Node, allowExisting bool) (*domain.Node, error) {
	if !node.Hardware.HasGPU() {
		return nil, schedErrors.New(domain.ErrNoGPUAvailable, nil, "")
	}

	now := time.Now()
	node.Status = domain.NodeRegistering
	node.Online = true
	node.RegisteredAt = now
	node.LastHeartbeat = now

	r.mu.Lock()
	if _, exists := r.nodes[node.NodeID]; exists {
		if !allowExisting {
			r.mu.Unlock()
			return nil, schedErrors.New(domain.ErrNodeIDConflict, nil, "")
		}
		r.log.Warn("node_id exists, overwriting on reconnect", "node_id", node.NodeID)
	}
	r.nodes[node.NodeID] = node
	r.mu.Unlock()

	r.rebuildSnapshot()
	r.log.Info("node registered", "node_id", node.NodeID, "platform", node.Platform, "gpu_count", len(node.Hardware.GPUs))
	return node, nil
}

// Heartbeat updates utilization/service state for an existing node and runs
// one status-machine evaluation. Returns false if the node is unknown.
func (r *Registry) Heartbeat(nodeID string, cpuUsage, gpuUsage, memUsage float64, services []domain.InstalledService, caps domain.LanguageCapabilities, currentJobs int) bool {
	t0 := time.Now()

	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	node.CPUUsage = cpuUsage
	node.GPUUsage = gpuUsage
	node.MemoryUsage = memUsage
	node.InstalledServices = services
	node.LanguageCapabilities = caps
	node.CurrentJobs = currentJobs
	node.LastHeartbeat = time.Now()
	r.evaluateHealth(node)
	r.mu.Unlock()

	if elapsed := time.Since(t0); elapsed > 10*time.Millisecond {
		r.log.Warn("heartbeat lock held too long", "node_id", nodeID, "held_ms", elapsed.Milliseconds())
	}

	r.rebuildSnapshot()
	return true
}

// evaluateHealth runs the status machine from spec.md §4.B. Must be called
// with mu held.
func (r *Registry) evaluateHealth(node *domain.Node) {
	healthy := node.Hardware.HasGPU() && node.GPUUsage >= 0 && node.GPUUsage <= 100 && node.HasCoreServices()

	if healthy {
		node.ConsecutiveHealthy++
		node.ConsecutiveUnhealthy = 0
	} else {
		node.ConsecutiveUnhealthy++
		node.ConsecutiveHealthy = 0
	}

	window := r.cfg.FailureWindowSize
	if window <= 0 {
		window = 10
	}
	node.HealthWindow = append(node.HealthWindow, !healthy)
	if len(node.HealthWindow) > window {
		node.HealthWindow = node.HealthWindow[len(node.HealthWindow)-window:]
	}
	failuresInWindow := 0
	for _, failed := range node.HealthWindow {
		if failed {
			failuresInWindow++
		}
	}

	switch node.Status {
	case domain.NodeRegistering:
		threshold := r.cfg.HealthyChecksToReady
		if threshold <= 0 {
			threshold = 3
		}
		if node.ConsecutiveHealthy >= threshold {
			node.Status = domain.NodeReady
			r.log.Info("node ready", "node_id", node.NodeID, "consecutive_healthy", node.ConsecutiveHealthy)
		} else if time.Since(node.RegisteredAt) > r.cfg.WarmupTimeout {
			node.Status = domain.NodeDegraded
			r.log.Warn("node warmup timed out, marking degraded", "node_id", node.NodeID)
		}
	case domain.NodeReady:
		failThreshold := r.cfg.FailuresToDegraded
		if failThreshold <= 0 {
			failThreshold = 3
		}
		windowThreshold := r.cfg.FailuresInWindow
		if windowThreshold <= 0 {
			windowThreshold = 3
		}
		if node.ConsecutiveUnhealthy >= failThreshold || failuresInWindow >= windowThreshold {
			node.Status = domain.NodeDegraded
			r.log.Warn("node degraded", "node_id", node.NodeID, "consecutive_unhealthy", node.ConsecutiveUnhealthy, "failures_in_window", failuresInWindow)
		}
	case domain.NodeDegraded:
		if healthy {
			node.Status = domain.NodeReady
			r.log.Info("node recovered to ready", "node_id", node.NodeID)
		}
	}
}

// SweepTimeouts demotes nodes that have gone silent: NodeOffline after
// heartbeatTimeout regardless of prior status. Called periodically by the
// maintenance scheduler.
func (r *Registry) SweepTimeouts() {
	now := time.Now()
	var changed bool

	r.mu.Lock()
	for _, node := range r.nodes {
		if node.Status == domain.NodeOffline {
			continue
		}
		if now.Sub(node.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			node.Status = domain.NodeOffline
			node.Online = false
			changed = true
			r.log.Warn("node heartbeat timed out, marking offline", "node_id", node.NodeID)
		}
	}
	r.mu.Unlock()

	if changed {
		r.rebuildSnapshot()
	}
}

// MarkOffline explicitly demotes a node (e.g. on connection close).
func (r *Registry) MarkOffline(nodeID string) {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if ok {
		node.Status = domain.NodeOffline
		node.Online = false
	}
	r.mu.Unlock()

	if ok {
		r.rebuildSnapshot()
	}
}

// Get returns a copy-free pointer to the live node record. Callers must not
// mutate it; it is owned by the registry.
func (r *Registry) Get(nodeID string) (*domain.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// All returns every node currently registered, for admin/debug surfaces.
func (r *Registry) All() []*domain.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}
