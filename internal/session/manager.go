// Package session implements the session manager and session actor from
// spec.md §4.D/§4.E. The manager is grounded on
// original_source/core/dispatcher/job_creation.rs's decide_pool_for_session
// shape: pool eligibility computed outside any lock, a short per-session lock scoped
// only to the bind decision, and a fire-and-forget Redis mirror.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/pool"
	"github.com/lingua-speech/scheduler/internal/primitives"
	"github.com/lingua-speech/scheduler/internal/registry"
)

// sessionState bundles a Session with the mutex scoping its bind decision.
type sessionState struct {
	mu      sync.Mutex
	session *domain.Session
}

// Manager owns every session record. Session actors are held by the
// transport layer, not here.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	registry *registry.Registry
	pools    *pool.Index
	prims    *primitives.Primitives // nil when running without a Redis runtime
	log      *logging.Logger
}

func NewManager(reg *registry.Registry, pools *pool.Index, prims *primitives.Primitives) *Manager {
	return &Manager{
		sessions: make(map[string]*sessionState),
		registry: reg,
		pools:    pools,
		prims:    prims,
		log:      logging.New("session"),
	}
}

// Create registers a brand-new session record.
func (m *Manager) Create(s *domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = &sessionState{session: s}
}

// Get returns the session record, if any.
func (m *Manager) Get(sessionID string) (*domain.Session, bool) {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *st.session
	return &cp, true
}

// Remove drops a session record on close.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// DecidePoolForSession implements spec.md §4.D: if the session already has
// a bound language pair, its stored preferred_pool is authoritative;
// otherwise compute one from the pool index, bind it under the
// session's lock, and mirror the decision to Redis with a 1h TTL.
func (m *Manager) DecidePoolForSession(ctx context.Context, sessionID, srcLang, tgtLang string, routingKey string, affinityEnabled bool) (uint16, bool) {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}

	// Pool-eligibility computation happens outside the
	// session lock — job_creation.rs takes the same care to keep the lock
	// scoped to the bind decision alone.
	eligible := m.pools.Eligible(srcLang, tgtLang, false)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.session.BoundLangPairSet {
		return st.session.PreferredPool, true
	}

	chosen, found := pool.PreferredPool(eligible, routingKey, affinityEnabled)
	if !found {
		return 0, false
	}

	st.session.BoundLangPairSet = true
	st.session.BoundSrcLang = srcLang
	st.session.BoundTgtLang = tgtLang
	st.session.PreferredPoolSet = true
	st.session.PreferredPool = chosen.PoolID

	if m.prims != nil {
		poolID, sid := chosen.PoolID, sessionID
		go func() {
			mirrorCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := m.prims.SetSessionState(mirrorCtx, sid, poolID, srcLang, tgtLang, time.Hour); err != nil {
				m.log.Warn("failed to mirror session pool decision to redis", "session_id", sid, "err", err)
			}
		}()
	}

	return chosen.PoolID, true
}
