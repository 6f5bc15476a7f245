package registry

import (
	"sync/atomic"

	"github.com/lingua-speech/scheduler/internal/domain"
)

// NodeView is the read-only projection of a Node the selector needs.
// Snapshots are rebuilt wholesale and never mutated in place, so readers
// never take a lock.
type NodeView struct {
	NodeID               string
	Status               domain.NodeStatus
	Online               bool
	CPUUsage             float64
	GPUUsage             float64
	MemoryUsage          float64
	HasGPU               bool
	AcceptPublicJobs     bool
	CurrentJobs          int
	MaxConcurrency       int
	InstalledServices    []domain.InstalledService
	LanguageCapabilities domain.LanguageCapabilities
}

// Snapshot is the immutable, Arc-like view of the whole registry at a point
// in time, published via an atomic.Pointer swap.
type Snapshot struct {
	Nodes   map[string]NodeView
	Version uint64
}

func emptySnapshot() *Snapshot {
	return &Snapshot{Nodes: map[string]NodeView{}}
}

// rebuildSnapshot copies every node into a fresh immutable map and
// publishes it with a single atomic store. The RLock below is held only
// for the duration of the copy; nothing downstream of it touches r.mu.
func (r *Registry) rebuildSnapshot() {
	r.mu.RLock()
	nodes := make(map[string]NodeView, len(r.nodes))
	for id, n := range r.nodes {
		nodes[id] = NodeView{
			NodeID:               n.NodeID,
			Status:               n.Status,
			Online:               n.Online,
			CPUUsage:             n.CPUUsage,
			GPUUsage:             n.GPUUsage,
			MemoryUsage:          n.MemoryUsage,
			HasGPU:               n.Hardware.HasGPU(),
			AcceptPublicJobs:     n.AcceptPublicJobs,
			CurrentJobs:          n.CurrentJobs,
			MaxConcurrency:       n.MaxConcurrency,
			InstalledServices:    n.InstalledServices,
			LanguageCapabilities: n.LanguageCapabilities,
		}
	}
	r.mu.RUnlock()

	prev := r.snapshot.Load()
	r.snapshot.Store(&Snapshot{Nodes: nodes, Version: prev.Version + 1})
}

// Snapshot returns the current published snapshot. Readers never block on
// r.mu: the atomic.Pointer load is the only synchronization involved.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}
