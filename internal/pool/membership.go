// Package pool implements the two-level pool/node selector from
// spec.md §4.C, grounded on
// original_source/node_registry/selection/node_selection.rs (filter order,
// fast-skip cache, tie-break) and on
// original_source/.../selection_phase3.rs for the pool-membership-from-
// capabilities Open Question resolution recorded in SPEC_FULL.md §4.C.
package pool

import (
	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/registry"
)

// CanServe reports whether a node satisfies a pool's required services: the
// core ASR/NMT/TTS types Running, the NMT pair covered, and — if the pool
// requires semantic repair — the node's semantic service covering both
// languages.
func CanServe(view registry.NodeView, req domain.RequiredServices) bool {
	if !hasRunning(view, domain.ServiceASR) || !hasRunning(view, domain.ServiceNMT) || !hasRunning(view, domain.ServiceTTS) {
		return false
	}
	if !view.LanguageCapabilities.SupportsNMT(req.SrcLang, req.TgtLang) {
		return false
	}
	if req.Semantic {
		if !hasRunning(view, domain.ServiceSemantic) {
			return false
		}
		if !view.LanguageCapabilities.SupportsSemantic(req.SrcLang, req.TgtLang) {
			return false
		}
	}
	return true
}

func hasRunning(view registry.NodeView, t domain.ServiceType) bool {
	for _, s := range view.InstalledServices {
		if s.Type == t && s.Status == domain.ServiceStatusRunning {
			return true
		}
	}
	return false
}

// CoreCache computes the O(1) fast-skip summary for a pool from the current
// snapshot and its member node ids.
func CoreCache(snap *registry.Snapshot, memberIDs []string) domain.PoolCoreCache {
	var c domain.PoolCoreCache
	for _, id := range memberIDs {
		view, ok := snap.Nodes[id]
		if !ok {
			continue
		}
		if view.Online {
			c.OnlineNodes++
		}
		if view.Status == domain.NodeReady {
			c.ReadyNodes++
		}
		hasInstalled := hasType(view, domain.ServiceASR) && hasType(view, domain.ServiceNMT) && hasType(view, domain.ServiceTTS)
		if hasInstalled {
			c.CoreServicesPresent++
			if hasRunning(view, domain.ServiceASR) && hasRunning(view, domain.ServiceNMT) && hasRunning(view, domain.ServiceTTS) {
				c.CoreServicesReady++
			}
		}
	}
	return c
}

func hasType(view registry.NodeView, t domain.ServiceType) bool {
	for _, s := range view.InstalledServices {
		if s.Type == t {
			return true
		}
	}
	return false
}
