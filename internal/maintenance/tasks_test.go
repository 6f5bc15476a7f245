package maintenance

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/pool"
	"github.com/lingua-speech/scheduler/internal/primitives"
)

func TestResyncPoolMembershipPullsFromRedis(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	prims := primitives.New(client, "test:v1")
	if err := prims.Load(context.Background()); err != nil {
		t.Fatalf("load scripts: %v", err)
	}

	idx := pool.NewIndex()
	idx.Upsert(domain.Pool{PoolID: 1, RequiredServices: domain.RequiredServices{SrcLang: "en", TgtLang: "fr"}}, nil)

	if err := prims.PoolAdd(context.Background(), 1, "node-1"); err != nil {
		t.Fatalf("PoolAdd: %v", err)
	}
	if err := prims.PoolAdd(context.Background(), 1, "node-2"); err != nil {
		t.Fatalf("PoolAdd: %v", err)
	}

	resyncPoolMembership(idx, prims, logging.New("test"))

	_, members, ok := idx.Get(1)
	if !ok {
		t.Fatal("expected pool 1 to still exist")
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members after resync, got %v", members)
	}
}

func TestDefaultBuildsOneTaskPerWiredDependency(t *testing.T) {
	tasks := Default(Deps{})
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks with no dependencies wired, got %d", len(tasks))
	}
}
