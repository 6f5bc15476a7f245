package resultqueue

import (
	"testing"
	"time"

	"github.com/lingua-speech/scheduler/internal/metrics"
)

func TestInOrderDeliveryIsImmediate(t *testing.T) {
	m := NewManager(200, 5*time.Second, metrics.New())
	m.InitializeSession("s1")

	m.AddResult("s1", 0, Result{UtteranceIndex: 0})
	ready := m.GetReadyResults("s1")
	if len(ready) != 1 || ready[0].UtteranceIndex != 0 {
		t.Fatalf("expected result 0 to be ready immediately, got %+v", ready)
	}
}

func TestFutureIndexDeliveredFCFSWithoutAdvancingExpected(t *testing.T) {
	m := NewManager(200, 5*time.Second, metrics.New())
	m.InitializeSession("s1")

	m.AddResult("s1", 2, Result{UtteranceIndex: 2})
	ready := m.GetReadyResults("s1")
	if len(ready) != 1 || ready[0].UtteranceIndex != 2 {
		t.Fatalf("expected index 2 to be delivered FCFS, got %+v", ready)
	}

	// index 0 and 1 are now pending-ack, not yet expired.
	m.AddResult("s1", 0, Result{UtteranceIndex: 0})
	ready = m.GetReadyResults("s1")
	if len(ready) != 1 || ready[0].UtteranceIndex != 0 {
		t.Fatalf("expected index 0 to release in order once it arrives, got %+v", ready)
	}
}

func TestAckTimeoutSkipsWithoutPlaceholder(t *testing.T) {
	m := NewManager(200, 10*time.Millisecond, metrics.New())
	m.InitializeSession("s1")

	m.AddResult("s1", 1, Result{UtteranceIndex: 1})
	// index 0 is now pending-ack with a 10ms window.
	time.Sleep(20 * time.Millisecond)

	ready := m.GetReadyResults("s1")
	if len(ready) != 1 || ready[0].UtteranceIndex != 1 {
		t.Fatalf("expected index 0 to be skipped (no placeholder) and index 1 delivered, got %+v", ready)
	}
}

func TestStaleArrivalAfterAckTimeoutIsDropped(t *testing.T) {
	m := NewManager(200, 10*time.Millisecond, metrics.New())
	m.InitializeSession("s1")

	m.AddResult("s1", 1, Result{UtteranceIndex: 1})
	time.Sleep(20 * time.Millisecond)
	m.GetReadyResults("s1") // skips index 0, expected becomes 2

	// A late arrival for index 0 must not resurrect it.
	m.AddResult("s1", 0, Result{UtteranceIndex: 0})
	ready := m.GetReadyResults("s1")
	if len(ready) != 0 {
		t.Fatalf("expected the stale index-0 arrival to be dropped, got %+v", ready)
	}
}

func TestExpectedNeverDecreasesAcrossOutOfOrderDelivery(t *testing.T) {
	m := NewManager(200, time.Minute, metrics.New())
	m.InitializeSession("s1")

	// index 3 arrives first; 0,1,2 become pending-ack placeholders.
	m.AddResult("s1", 3, Result{UtteranceIndex: 3})
	ready := m.GetReadyResults("s1")
	if len(ready) != 1 || ready[0].UtteranceIndex != 3 {
		t.Fatalf("expected index 3 delivered FCFS, got %+v", ready)
	}
	m.mu.Lock()
	expectedAfterOutOfOrder := m.queues["s1"].expected
	m.mu.Unlock()
	if expectedAfterOutOfOrder != 0 {
		t.Fatalf("expected must not advance on out-of-order delivery, got %d", expectedAfterOutOfOrder)
	}

	// index 1 (a skipped-past index) now arrives within its ack window.
	m.AddResult("s1", 1, Result{UtteranceIndex: 1})
	ready = m.GetReadyResults("s1")
	if len(ready) != 1 || ready[0].UtteranceIndex != 1 {
		t.Fatalf("expected index 1 delivered without touching expected, got %+v", ready)
	}
	m.mu.Lock()
	expectedAfterLateArrival := m.queues["s1"].expected
	m.mu.Unlock()
	if expectedAfterLateArrival != expectedAfterOutOfOrder {
		t.Fatalf("expected must be monotonic: was %d, became %d after a late in-window arrival",
			expectedAfterOutOfOrder, expectedAfterLateArrival)
	}
}

func TestGapTimeoutFiresForIndexBypassedByOutOfOrderDelivery(t *testing.T) {
	reg := metrics.New()
	m := NewManager(200, 10*time.Millisecond, reg)
	m.InitializeSession("s1")

	// index 2 arrives first; index 0 and 1 become pending-ack placeholders
	// and index 2 is delivered out of order without expected advancing.
	m.AddResult("s1", 2, Result{UtteranceIndex: 2})
	m.GetReadyResults("s1")

	time.Sleep(20 * time.Millisecond)
	ready := m.GetReadyResults("s1")
	if len(ready) != 0 {
		t.Fatalf("expected nothing new ready, got %+v", ready)
	}

	m.mu.Lock()
	expected := m.queues["s1"].expected
	m.mu.Unlock()
	if expected != 2 {
		t.Fatalf("expected the bypassed indices 0 and 1 to both gap-timeout, advancing expected to 2, got %d", expected)
	}
}

func TestPendingMaxEvictsFurthestResult(t *testing.T) {
	m := NewManager(2, time.Minute, metrics.New())
	m.InitializeSession("s1")

	m.AddResult("s1", 5, Result{UtteranceIndex: 5})
	m.AddResult("s1", 6, Result{UtteranceIndex: 6})
	m.AddResult("s1", 7, Result{UtteranceIndex: 7})

	m.mu.Lock()
	q := m.queues["s1"]
	_, hasFurthest := q.pending[7]
	m.mu.Unlock()

	if hasFurthest {
		t.Fatal("expected the furthest index (7) to be evicted once pending_max was exceeded")
	}
}

func TestRemoveSessionFlushesPendingSorted(t *testing.T) {
	m := NewManager(200, time.Minute, metrics.New())
	m.InitializeSession("s1")

	m.AddResult("s1", 3, Result{UtteranceIndex: 3})
	m.AddResult("s1", 1, Result{UtteranceIndex: 1})

	flushed := m.RemoveSession("s1")
	if len(flushed) != 2 || flushed[0].UtteranceIndex != 1 || flushed[1].UtteranceIndex != 3 {
		t.Fatalf("expected a sorted flush [1,3], got %+v", flushed)
	}
}
