package pool

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/dgryski/go-rendezvous"
	"github.com/cespare/xxhash/v2"

	"github.com/lingua-speech/scheduler/internal/domain"
)

// Index holds the set of derived Pool definitions and their Redis-backed
// membership, replaced through Upsert (the maintenance
// pool_membership_resync task calls it for every known pool).
type Index struct {
	mu      sync.RWMutex
	pools   map[uint16]domain.Pool
	members map[uint16][]string
}

func NewIndex() *Index {
	return &Index{pools: map[uint16]domain.Pool{}, members: map[uint16][]string{}}
}

func (idx *Index) Upsert(p domain.Pool, memberIDs []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.pools[p.PoolID] = p
	idx.members[p.PoolID] = memberIDs
}

func (idx *Index) Get(poolID uint16) (domain.Pool, []string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	p, ok := idx.pools[poolID]
	return p, idx.members[poolID], ok
}

// PoolIDs returns every known pool id, used by the maintenance layer to
// resync each pool's Redis-backed membership into the local index.
func (idx *Index) PoolIDs() []uint16 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]uint16, 0, len(idx.pools))
	for id := range idx.pools {
		ids = append(ids, id)
	}
	return ids
}

// Eligible returns every pool whose required services cover (srcLang,
// tgtLang, semantic), in stable PoolID order.
func (idx *Index) Eligible(srcLang, tgtLang string, semantic bool) []domain.Pool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]domain.Pool, 0, len(idx.pools))
	for _, p := range idx.pools {
		req := p.RequiredServices
		if req.SrcLang != srcLang || req.TgtLang != tgtLang {
			continue
		}
		if semantic && !req.Semantic {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

// stableHash deterministically picks one pool id from the eligible set for
// a routing key, using rendezvous (highest-random-weight) hashing so the
// choice stays stable as the eligible set changes shape elsewhere in the
// cluster (spec.md §9 Open Question, resolved in SPEC_FULL.md §4.C).
func stableHash(routingKey string, poolIDs []string) string {
	rdv := rendezvous.New(poolIDs, func(s string) uint64 {
		return xxhash.Sum64String(s)
	})
	return rdv.Lookup(routingKey)
}

// PreferredPool implements the preferred-pool half of §4.C: stable_hash
// over the eligible set when affinity is enabled, or a uniform random pick
// when it is not. It has no notion of a session's bound pool; reuse of that
// is decided by session.Manager.DecidePoolForSession before calling here.
func PreferredPool(eligible []domain.Pool, routingKey string, affinityEnabled bool) (domain.Pool, bool) {
	if len(eligible) == 0 {
		return domain.Pool{}, false
	}
	if !affinityEnabled {
		return eligible[rand.Intn(len(eligible))], true
	}

	ids := make([]string, len(eligible))
	byID := make(map[string]domain.Pool, len(eligible))
	for i, p := range eligible {
		key := poolKey(p.PoolID)
		ids[i] = key
		byID[key] = p
	}
	chosen := stableHash(routingKey, ids)
	return byID[chosen], true
}

func poolKey(id uint16) string {
	// Decimal string; rendezvous only needs a stable, distinct label per
	// pool id.
	const digits = "0123456789"
	if id == 0 {
		return "0"
	}
	buf := make([]byte, 0, 5)
	for id > 0 {
		buf = append([]byte{digits[id%10]}, buf...)
		id /= 10
	}
	return string(buf)
}

// RandomSample draws up to k node ids from members without replacement,
// used to spread load when session affinity is disabled (spec.md §4.C).
func RandomSample(members []string, k int) []string {
	if k <= 0 || k >= len(members) {
		out := make([]string, len(members))
		copy(out, members)
		return out
	}
	shuffled := make([]string, len(members))
	copy(shuffled, members)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:k]
}
