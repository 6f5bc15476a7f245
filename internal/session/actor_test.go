package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/metrics"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []CreateJobRequest
}

func (f *fakeDispatcher) CreateJob(ctx context.Context, req CreateJobRequest) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, req)
	return &domain.Job{JobID: "job-test"}, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func testActorConfig() config.SessionActor {
	return config.SessionActor{
		PauseMs:                 50,
		MaxDurationMs:           0,
		OverflowBytes:           0,
		RestartTimerToleranceMs: 20,
	}
}

func TestActorFinalizesOnIsFinalFlag(t *testing.T) {
	disp := &fakeDispatcher{}
	reg := metrics.New()
	a := NewActor("sess-1", testActorConfig(), disp, reg, domain.LanguageConfig{SrcLang: "en", TgtLang: "fr"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Send(AudioChunkReceived{Data: []byte("hello"), TimestampMs: 1000, IsFinal: true})

	deadline := time.Now().Add(time.Second)
	for disp.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if disp.count() != 1 {
		t.Fatalf("expected exactly one dispatched job, got %d", disp.count())
	}
}

func TestActorEmptyFinalizeDoesNotDispatch(t *testing.T) {
	disp := &fakeDispatcher{}
	reg := metrics.New()
	a := NewActor("sess-1", testActorConfig(), disp, reg, domain.LanguageConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// An is_final chunk with no audio finalizes an empty buffer.
	a.Send(AudioChunkReceived{TimestampMs: 1000, IsFinal: true})
	a.Send(CloseSession{})
	time.Sleep(50 * time.Millisecond)

	if disp.count() != 0 {
		t.Fatalf("expected no dispatch for an empty session close, got %d", disp.count())
	}
}

func TestActorPauseFinalizesAfterIdleTimeout(t *testing.T) {
	disp := &fakeDispatcher{}
	reg := metrics.New()
	cfg := testActorConfig()
	cfg.PauseMs = 20
	a := NewActor("sess-1", cfg, disp, reg, domain.LanguageConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Send(AudioChunkReceived{Data: []byte("hi"), TimestampMs: time.Now().UnixMilli()})

	deadline := time.Now().Add(time.Second)
	for disp.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if disp.count() != 1 {
		t.Fatalf("expected the pause timer to trigger exactly one finalize, got %d", disp.count())
	}
}

func TestActorSuppressesPauseDuringTTSPlayback(t *testing.T) {
	disp := &fakeDispatcher{}
	reg := metrics.New()
	cfg := testActorConfig()
	cfg.PauseMs = 20
	a := NewActor("sess-1", cfg, disp, reg, domain.LanguageConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.SetTTSPlaybackActive(true)
	time.Sleep(5 * time.Millisecond)
	a.Send(AudioChunkReceived{Data: []byte("hi"), TimestampMs: time.Now().UnixMilli()})

	time.Sleep(100 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatalf("expected pause finalize to be suppressed while TTS is playing, got %d dispatches", disp.count())
	}
}
