package primitives

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *Primitives) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := New(client, "test:v1")
	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("failed to load scripts: %v", err)
	}
	return mr, p
}

func TestReserveRejectsWhenNotReady(t *testing.T) {
	mr, p := setupMiniRedis(t)
	defer mr.Close()
	ctx := context.Background()

	if err := p.EnsureNodeCapacity(ctx, "node-1", 4, "registering"); err != nil {
		t.Fatalf("EnsureNodeCapacity: %v", err)
	}

	res, err := p.Reserve(ctx, "node-1", "job-1", 0, 15*time.Second)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.OK || res.Reason != "NOT_READY" {
		t.Fatalf("expected NOT_READY, got %+v", res)
	}
}

func TestReserveRejectsWhenFull(t *testing.T) {
	mr, p := setupMiniRedis(t)
	defer mr.Close()
	ctx := context.Background()

	if err := p.EnsureNodeCapacity(ctx, "node-1", 1, "ready"); err != nil {
		t.Fatalf("EnsureNodeCapacity: %v", err)
	}

	first, err := p.Reserve(ctx, "node-1", "job-1", 0, 15*time.Second)
	if err != nil || !first.OK {
		t.Fatalf("expected first reservation to succeed, got %+v err=%v", first, err)
	}

	second, err := p.Reserve(ctx, "node-1", "job-2", 0, 15*time.Second)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if second.OK || second.Reason != "FULL" {
		t.Fatalf("expected FULL, got %+v", second)
	}
}

func TestReserveCommitMovesReservedToRunning(t *testing.T) {
	mr, p := setupMiniRedis(t)
	defer mr.Close()
	ctx := context.Background()

	if err := p.EnsureNodeCapacity(ctx, "node-1", 2, "ready"); err != nil {
		t.Fatalf("EnsureNodeCapacity: %v", err)
	}

	res, err := p.Reserve(ctx, "node-1", "job-1", 0, 15*time.Second)
	if err != nil || !res.OK {
		t.Fatalf("Reserve: %+v err=%v", res, err)
	}

	if err := p.Commit(ctx, "node-1", "job-1", 0); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A second commit on the already-committed reservation is a no-op,
	// not an error and not a second increment.
	if err := p.Commit(ctx, "node-1", "job-1", 0); err != nil {
		t.Fatalf("Commit (no-op): %v", err)
	}

	capKey := "test:v1:node:cap:node-1"
	if got := mr.HGet(capKey, "running"); got != "1" {
		t.Fatalf("expected running=1 after commit, got %q", got)
	}
	if got := mr.HGet(capKey, "reserved"); got != "0" {
		t.Fatalf("expected reserved=0 after commit, got %q", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	mr, p := setupMiniRedis(t)
	defer mr.Close()
	ctx := context.Background()

	if err := p.EnsureNodeCapacity(ctx, "node-1", 2, "ready"); err != nil {
		t.Fatalf("EnsureNodeCapacity: %v", err)
	}
	if _, err := p.Reserve(ctx, "node-1", "job-1", 0, 15*time.Second); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := p.Release(ctx, "node-1", "job-1", 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Release(ctx, "node-1", "job-1", 0); err != nil {
		t.Fatalf("Release (again): %v", err)
	}

	// Capacity should accept a fresh reservation now that the slot is free.
	res, err := p.Reserve(ctx, "node-1", "job-2", 0, 15*time.Second)
	if err != nil || !res.OK {
		t.Fatalf("expected reservation to succeed after release, got %+v err=%v", res, err)
	}
}

func TestBindRequestIsOneShot(t *testing.T) {
	mr, p := setupMiniRedis(t)
	defer mr.Close()
	ctx := context.Background()

	binding := RequestBinding{JobID: "job-1"}
	created, err := p.BindRequest(ctx, "req-1", binding, time.Minute)
	if err != nil {
		t.Fatalf("BindRequest: %v", err)
	}
	if !created {
		t.Fatal("expected first bind to create the record")
	}

	createdAgain, err := p.BindRequest(ctx, "req-1", RequestBinding{JobID: "job-2"}, time.Minute)
	if err != nil {
		t.Fatalf("BindRequest (second): %v", err)
	}
	if createdAgain {
		t.Fatal("expected second bind on the same request_id to be rejected")
	}

	got, err := p.GetBinding(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetBinding: %v", err)
	}
	if got == nil || got.JobID != "job-1" {
		t.Fatalf("expected the first binding to win, got %+v", got)
	}
}

func TestRequestLockRoundTrip(t *testing.T) {
	mr, p := setupMiniRedis(t)
	defer mr.Close()
	ctx := context.Background()

	ok, err := p.AcquireRequestLock(ctx, "req-1", "owner-a", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock to be acquired, got ok=%v err=%v", ok, err)
	}

	ok, err = p.AcquireRequestLock(ctx, "req-1", "owner-b", time.Second)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail, got ok=%v err=%v", ok, err)
	}

	// A release by the wrong owner must not remove the lock.
	if err := p.ReleaseRequestLock(ctx, "req-1", "owner-b"); err != nil {
		t.Fatalf("ReleaseRequestLock (wrong owner): %v", err)
	}
	ok, err = p.AcquireRequestLock(ctx, "req-1", "owner-c", time.Second)
	if err != nil || ok {
		t.Fatalf("expected lock still held after wrong-owner release, got ok=%v err=%v", ok, err)
	}

	if err := p.ReleaseRequestLock(ctx, "req-1", "owner-a"); err != nil {
		t.Fatalf("ReleaseRequestLock: %v", err)
	}
	ok, err = p.AcquireRequestLock(ctx, "req-1", "owner-c", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock to be free after correct-owner release, got ok=%v err=%v", ok, err)
	}
}

func TestFSMTransitionsAreNoOpOnMismatch(t *testing.T) {
	mr, p := setupMiniRedis(t)
	defer mr.Close()
	ctx := context.Background()

	if err := p.FSMInit(ctx, "job-1", 0); err != nil {
		t.Fatalf("FSMInit: %v", err)
	}
	// Re-init on an existing record must not disturb it.
	if err := p.FSMInit(ctx, "job-1", 99); err != nil {
		t.Fatalf("FSMInit (again): %v", err)
	}

	if err := p.FSMAssign(ctx, "job-1", 1); err != nil {
		t.Fatalf("FSMAssign: %v", err)
	}
	// Assigning again (CREATED -> ASSIGNED no longer matches) is a silent no-op.
	if err := p.FSMAssign(ctx, "job-1", 2); err != nil {
		t.Fatalf("FSMAssign (no-op): %v", err)
	}
	fsmKey := "test:v1:job:fsm:job-1"
	if got := mr.HGet(fsmKey, "attempt_id"); got != "1" {
		t.Fatalf("expected the no-op assign to leave attempt_id=1, got %q", got)
	}

	if err := p.FSMFinished(ctx, "job-1", 1, true); err != nil {
		t.Fatalf("FSMFinished: %v", err)
	}
	if err := p.FSMReleased(ctx, "job-1"); err != nil {
		t.Fatalf("FSMReleased: %v", err)
	}
	// Releasing an already-released job is a no-op, not an error.
	if err := p.FSMReleased(ctx, "job-1"); err != nil {
		t.Fatalf("FSMReleased (again): %v", err)
	}
	if got := mr.HGet(fsmKey, "state"); got != "released" {
		t.Fatalf("expected state=released, got %q", got)
	}
}

func TestPoolMembership(t *testing.T) {
	mr, p := setupMiniRedis(t)
	defer mr.Close()
	ctx := context.Background()

	if err := p.PoolAdd(ctx, 3, "node-1"); err != nil {
		t.Fatalf("PoolAdd: %v", err)
	}
	if err := p.PoolAdd(ctx, 3, "node-2"); err != nil {
		t.Fatalf("PoolAdd: %v", err)
	}

	members, err := p.PoolMembers(ctx, 3)
	if err != nil {
		t.Fatalf("PoolMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d: %v", len(members), members)
	}

	if err := p.PoolRemove(ctx, 3, "node-1"); err != nil {
		t.Fatalf("PoolRemove: %v", err)
	}
	members, err = p.PoolMembers(ctx, 3)
	if err != nil {
		t.Fatalf("PoolMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "node-2" {
		t.Fatalf("expected only node-2 to remain, got %v", members)
	}
}
