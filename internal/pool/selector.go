package pool

import (
	"sort"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/registry"
)

// SelectionResult is the outcome of SelectNode: either a chosen node id, or
// a breakdown of why every candidate was rejected (used both for the
// no_available_node_total metric and for the client-facing best reason).
type SelectionResult struct {
	NodeID     string
	Found      bool
	Rejections map[domain.RejectionReason]int
}

// BestReason returns the rejection reason to surface to the client,
// following the fixed priority in spec.md §9 / domain.RejectionOrder.
func (r SelectionResult) BestReason() (domain.RejectionReason, bool) {
	for _, reason := range domain.RejectionOrder {
		if r.Rejections[reason] > 0 {
			return reason, true
		}
	}
	return "", false
}

// Selector runs the within-pool candidate filter and tie-break from
// spec.md §4.C, honoring the pool's fast-skip core cache before touching
// individual members.
type Selector struct {
	idx *Index
	cfg config.Selection
}

func NewSelector(idx *Index, cfg config.Selection) *Selector {
	return &Selector{idx: idx, cfg: cfg}
}

// SelectNode picks one admissible node from poolID's membership. excludeID,
// if non-empty, is dropped from consideration on the first pass and
// restored on a second pass if the first pass finds nothing (spec.md §4.C
// exclusion-list fallback, grounded on job_timeout.rs's failover rule).
func (s *Selector) SelectNode(snap *registry.Snapshot, poolID uint16, excludeID string) SelectionResult {
	p, members, ok := s.idx.Get(poolID)
	if !ok || len(members) == 0 {
		return SelectionResult{Rejections: map[domain.RejectionReason]int{}}
	}

	core := CoreCache(snap, members)
	if core.OnlineNodes == 0 {
		return allRejected(members, domain.RejectStatusNotReady)
	}
	if core.ReadyNodes == 0 {
		return allRejected(members, domain.RejectStatusNotReady)
	}
	if core.CoreServicesReady == 0 {
		return allRejected(members, domain.RejectModelNotAvailable)
	}

	candidates := members
	if !s.cfg.SessionAffinity && s.cfg.RandomSampleSize > 0 {
		candidates = RandomSample(members, s.cfg.RandomSampleSize)
	}

	result := s.filterAndPick(snap, candidates, p.RequiredServices, excludeID)
	if result.Found || excludeID == "" {
		return result
	}
	// Second pass: drop the exclusion so a lone candidate isn't starved.
	return s.filterAndPick(snap, candidates, p.RequiredServices, "")
}

func allRejected(members []string, reason domain.RejectionReason) SelectionResult {
	rej := map[domain.RejectionReason]int{reason: len(members)}
	return SelectionResult{Rejections: rej}
}

type admissible struct {
	nodeID      string
	currentJobs int
	gpuUsage    float64
}

func (s *Selector) filterAndPick(snap *registry.Snapshot, members []string, req domain.RequiredServices, excludeID string) SelectionResult {
	rejections := map[domain.RejectionReason]int{}
	var valid []admissible

	for _, id := range members {
		if id == excludeID {
			continue
		}
		view, ok := snap.Nodes[id]
		if !ok {
			rejections[domain.RejectStatusNotReady]++
			continue
		}
		if view.Status != domain.NodeReady {
			rejections[domain.RejectStatusNotReady]++
			continue
		}
		if !view.HasGPU {
			rejections[domain.RejectGpuUnavailable]++
			continue
		}
		if !view.AcceptPublicJobs {
			rejections[domain.RejectNotInPublicPool]++
			continue
		}
		if !CanServe(view, req) {
			rejections[domain.RejectModelNotAvailable]++
			continue
		}
		if view.CurrentJobs >= view.MaxConcurrency {
			rejections[domain.RejectCapacityExceeded]++
			continue
		}
		threshold := s.cfg.ResourceThreshold
		if threshold <= 0 {
			threshold = 85
		}
		if view.CPUUsage >= threshold || view.GPUUsage >= threshold || view.MemoryUsage >= threshold {
			rejections[domain.RejectResourceThresholdExceed]++
			continue
		}
		valid = append(valid, admissible{nodeID: id, currentJobs: view.CurrentJobs, gpuUsage: view.GPUUsage})
	}

	if len(valid) == 0 {
		return SelectionResult{Rejections: rejections}
	}

	sort.Slice(valid, func(i, j int) bool {
		if valid[i].currentJobs != valid[j].currentJobs {
			return valid[i].currentJobs < valid[j].currentJobs
		}
		return valid[i].gpuUsage < valid[j].gpuUsage
	})

	return SelectionResult{NodeID: valid[0].nodeID, Found: true, Rejections: rejections}
}
