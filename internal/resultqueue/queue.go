// Package resultqueue implements the per-session ordered result queue from
// spec.md §4.F, translated line-for-line in spirit from
// original_source/managers/result_queue.rs: first-come-first-served
// delivery of out-of-order results with a bounded ack grace window for
// results that never arrive.
package resultqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/metrics"
)

// Result is one utterance's outbound payload, opaque to the queue.
type Result struct {
	UtteranceIndex uint64
	Payload        interface{}
}

type pendingAck struct {
	waitStart  time.Time
	ackTimeout time.Duration
}

type sessionQueue struct {
	expected            uint64
	pending             map[uint64]Result
	pendingAcks         map[uint64]pendingAck
	pendingMax          int
	ackTimeout          time.Duration
	consecutiveMissing  uint32
}

// Manager owns every session's reorder buffer.
type Manager struct {
	mu      sync.Mutex
	queues  map[string]*sessionQueue
	metrics *metrics.Registry
	log     *logging.Logger

	defaultPendingMax int
	defaultAckTimeout time.Duration
}

func NewManager(pendingMax int, ackTimeout time.Duration, reg *metrics.Registry) *Manager {
	return &Manager{
		queues:            make(map[string]*sessionQueue),
		metrics:           reg,
		log:               logging.New("resultqueue"),
		defaultPendingMax: pendingMax,
		defaultAckTimeout: ackTimeout,
	}
}

func (m *Manager) InitializeSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[sessionID] = &sessionQueue{
		pending:     make(map[uint64]Result),
		pendingAcks: make(map[uint64]pendingAck),
		pendingMax:  m.defaultPendingMax,
		ackTimeout:  m.defaultAckTimeout,
	}
}

// AddResult inserts or overwrites a result for utterance_index, applying
// the ack-grace-window rules from result_queue.rs's add_result.
func (m *Manager) AddResult(sessionID string, index uint64, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[sessionID]
	if !ok {
		return
	}
	now := time.Now()

	if ack, waiting := q.pendingAcks[index]; waiting {
		if now.Sub(ack.waitStart) >= ack.ackTimeout {
			// Ack window already expired; this arrival is stale.
			delete(q.pendingAcks, index)
			m.log.Warn("result arrived after ack timeout, discarding", "session_id", sessionID, "utterance_index", index)
			return
		}
		delete(q.pendingAcks, index)
	}

	if index > q.expected {
		for missing := q.expected; missing < index; missing++ {
			_, inPending := q.pending[missing]
			_, inAck := q.pendingAcks[missing]
			if !inPending && !inAck {
				q.pendingAcks[missing] = pendingAck{waitStart: now, ackTimeout: q.ackTimeout}
			}
		}
	}

	q.pending[index] = result

	for len(q.pending) > q.pendingMax {
		furthest := furthestKey(q.pending)
		delete(q.pending, furthest)
		m.log.Warn("pending queue overflow, evicted furthest result", "session_id", sessionID, "evicted_index", furthest)
	}
}

func furthestKey(pending map[uint64]Result) uint64 {
	var max uint64
	first := true
	for k := range pending {
		if first || k > max {
			max = k
			first = false
		}
	}
	return max
}

// GetReadyResults drains every result now eligible for delivery, following
// the five-branch precedence from result_queue.rs's get_ready_results.
func (m *Manager) GetReadyResults(sessionID string) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[sessionID]
	if !ok {
		return nil
	}
	now := time.Now()

	var ready []Result
	for {
		if r, ok := q.pending[q.expected]; ok {
			ready = append(ready, r)
			delete(q.pending, q.expected)
			delete(q.pendingAcks, q.expected)
			q.expected++
			q.consecutiveMissing = 0
			continue
		}

		// q.expected itself is still pending-ack and its window is open.
		// Per the "deliver later pending without advancing expected" rule,
		// any other already-pending index can still be delivered out of
		// order while we keep waiting on q.expected; expected itself is
		// never touched here. With no tracked ack for q.expected, nothing
		// is delivered out of order and the loop stops below.
		if ack, waiting := q.pendingAcks[q.expected]; waiting && now.Sub(ack.waitStart) < ack.ackTimeout {
			if len(q.pending) > 0 {
				min := minKey(q.pending)
				r := q.pending[min]
				ready = append(ready, r)
				delete(q.pending, min)
				delete(q.pendingAcks, min)
				continue
			}
			break
		}

		if ack, waiting := q.pendingAcks[q.expected]; waiting {
			if now.Sub(ack.waitStart) >= ack.ackTimeout {
				m.log.Warn("pending acknowledgment timeout, skipping utterance_index", "session_id", sessionID, "utterance_index", q.expected)
				if m.metrics != nil {
					m.metrics.ResultGapTimeoutTotal.Inc()
				}
				delete(q.pendingAcks, q.expected)
				q.expected++
				q.consecutiveMissing++
				continue
			}
			break
		}

		break
	}

	return ready
}

func minKey(pending map[uint64]Result) uint64 {
	var min uint64
	first := true
	for k := range pending {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}

// RemoveSession tears down a session's queue, returning every pending
// result sorted by index for a best-effort final flush.
func (m *Manager) RemoveSession(sessionID string) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[sessionID]
	if !ok {
		return nil
	}
	results := allPendingSorted(q)
	delete(m.queues, sessionID)
	return results
}

func allPendingSorted(q *sessionQueue) []Result {
	keys := make([]uint64, 0, len(q.pending))
	for k := range q.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]Result, 0, len(keys))
	for _, k := range keys {
		out = append(out, q.pending[k])
	}
	return out
}
