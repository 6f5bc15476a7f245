package session

import (
	"context"
	"time"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/metrics"
)

// AudioChunkReceived is the event carrying one inbound audio chunk.
type AudioChunkReceived struct {
	Data        []byte
	TimestampMs int64
	IsFinal     bool
	RequestID   string
}

// TimeoutFired is a pause-timer tick, tagged with the generation and the
// last-chunk timestamp captured when the timer was armed; either mismatch
// means the timer is stale and must be dropped.
type TimeoutFired struct {
	Generation          uint64
	CapturedTimestampMs int64
}

// RestartTimer re-arms the idle timer without treating the gap as a pause
// (used after TTS playback finishes or a client-side reconnect).
type RestartTimer struct {
	TimestampMs int64
}

// CloseSession requests a best-effort final flush and teardown.
type CloseSession struct{}

type actorEvent interface{}

// CreateJobRequest is the actor's view of what the dispatcher needs; kept
// local to avoid session<->dispatcher import cycles (the dispatcher already
// depends on session.Manager for pool decisions).
type CreateJobRequest struct {
	SessionID                  string
	UtteranceIndex              uint64
	AudioData                   []byte
	LanguageConfig               domain.LanguageConfig
	RequestID                   string
	IsManualCut                 bool
	IsPauseTriggered             bool
	IsTimeoutTriggered           bool
	FirstChunkClientTimestampMs int64
}

// Dispatcher is the subset of the dispatcher the actor calls into.
type Dispatcher interface {
	CreateJob(ctx context.Context, req CreateJobRequest) (*domain.Job, error)
}

// Actor runs one session's segmentation loop on its own goroutine. All
// state below is local to that goroutine; nothing is shared except the
// events channel, mirroring the teacher's single-goroutine-select shape in
// consumer.go's processLoop.
type Actor struct {
	sessionID  string
	cfg        config.SessionActor
	dispatcher Dispatcher
	metrics    *metrics.Registry
	log        *logging.Logger

	events chan actorEvent
	done   chan struct{}

	buffer                      []byte
	firstChunkTimestampMs       int64
	lastChunkAtMs               int64
	lastFinalizeAtMs            int64
	accumulatedDurationMs       int64
	currentUtteranceIndex       uint64
	finalizeInflight            bool
	nextBuffer                  []byte
	nextFirstChunkTimestampMs   int64
	ttsPlaybackActive           bool
	timerGeneration             uint64
	langConfig                  domain.LanguageConfig
	closed                      bool
}

func NewActor(sessionID string, cfg config.SessionActor, dispatcher Dispatcher, reg *metrics.Registry, lang domain.LanguageConfig) *Actor {
	return &Actor{
		sessionID:  sessionID,
		cfg:        cfg,
		dispatcher: dispatcher,
		metrics:    reg,
		log:        logging.New("session-actor").With("session_id", sessionID),
		events:     make(chan actorEvent, 64),
		done:       make(chan struct{}),
		langConfig: lang,
	}
}

// Send enqueues an event. Safe to call from any goroutine.
func (a *Actor) Send(ev actorEvent) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

// Run drives the event loop until CloseSession is processed. Intended to be
// launched with `go actor.Run(ctx)`.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			if a.handle(ctx, ev) {
				return
			}
		}
	}
}

// SetTTSPlaybackActive is called by the transport layer when TTS audio
// starts/stops playing for this session's current group.
func (a *Actor) SetTTSPlaybackActive(active bool) {
	a.Send(ttsPlaybackEvent{active: active})
}

type ttsPlaybackEvent struct{ active bool }

func (a *Actor) handle(ctx context.Context, ev actorEvent) (closeRequested bool) {
	switch v := ev.(type) {
	case AudioChunkReceived:
		a.onAudioChunk(ctx, v)
	case TimeoutFired:
		a.onTimeoutFired(ctx, v)
	case RestartTimer:
		a.onRestartTimer(v)
	case ttsPlaybackEvent:
		a.ttsPlaybackActive = v.active
	case CloseSession:
		if len(a.currentBuffer()) > 0 {
			a.finalize(ctx, false, true, false)
		}
		a.closed = true
		return true
	}
	return false
}

// currentBuffer returns the buffer incoming chunks should append to: the
// primary buffer, or nextBuffer when a finalize is in flight (ordering
// contract #2).
func (a *Actor) currentBuffer() []byte {
	if a.finalizeInflight {
		return a.nextBuffer
	}
	return a.buffer
}

func (a *Actor) onAudioChunk(ctx context.Context, ev AudioChunkReceived) {
	// Ordering contract #1: always add the chunk before evaluating triggers.
	if a.finalizeInflight {
		if len(a.nextBuffer) == 0 {
			a.nextFirstChunkTimestampMs = ev.TimestampMs
		}
		a.nextBuffer = append(a.nextBuffer, ev.Data...)
	} else {
		if len(a.buffer) == 0 {
			a.firstChunkTimestampMs = ev.TimestampMs
		}
		a.buffer = append(a.buffer, ev.Data...)
		if a.lastChunkAtMs > 0 {
			a.accumulatedDurationMs += ev.TimestampMs - a.lastChunkAtMs
		}
	}
	a.lastChunkAtMs = ev.TimestampMs
	a.timerGeneration++
	a.armPauseTimer()

	if ev.IsFinal {
		a.finalize(ctx, false, false, false)
		return
	}
	if a.cfg.MaxDurationMs > 0 && a.accumulatedDurationMs >= a.cfg.MaxDurationMs {
		a.finalize(ctx, false, false, false)
		return
	}
	if a.cfg.OverflowBytes > 0 && len(a.currentBuffer()) > a.cfg.OverflowBytes {
		a.log.Warn("audio buffer overflow, forcing finalize", "buffer_bytes", len(a.currentBuffer()))
		a.finalize(ctx, false, false, false)
	}
}

// armPauseTimer schedules a TimeoutFired event tagged with the generation
// and timestamp captured right now, so a stale timer from a superseded
// chunk is recognizable and dropped on arrival.
func (a *Actor) armPauseTimer() {
	if a.cfg.PauseMs <= 0 {
		return
	}
	gen := a.timerGeneration
	captured := a.lastChunkAtMs
	time.AfterFunc(time.Duration(a.cfg.PauseMs)*time.Millisecond, func() {
		a.Send(TimeoutFired{Generation: gen, CapturedTimestampMs: captured})
	})
}

func (a *Actor) onTimeoutFired(ctx context.Context, ev TimeoutFired) {
	if ev.Generation != a.timerGeneration || ev.CapturedTimestampMs != a.lastChunkAtMs {
		return
	}

	tolerance := a.cfg.RestartTimerToleranceMs
	withinRestartTolerance := a.lastFinalizeAtMs > 0 && ev.CapturedTimestampMs-a.lastFinalizeAtMs < tolerance
	if a.ttsPlaybackActive || withinRestartTolerance {
		return
	}

	a.finalize(ctx, true, false, false)
}

func (a *Actor) onRestartTimer(ev RestartTimer) {
	tolerance := a.cfg.RestartTimerToleranceMs
	if a.lastFinalizeAtMs > 0 && ev.TimestampMs-a.lastFinalizeAtMs < tolerance {
		a.lastChunkAtMs = ev.TimestampMs
		a.timerGeneration++
		a.armPauseTimer()
	}
}

// finalize takes the current buffer and dispatches a job for it. Empty
// buffers are recorded and skipped without advancing the utterance index
// (ordering contract #3).
func (a *Actor) finalize(ctx context.Context, pauseTriggered, manualCut, timeoutTriggered bool) {
	buf := a.buffer
	firstTs := a.firstChunkTimestampMs
	a.buffer = nil
	a.accumulatedDurationMs = 0

	if len(buf) == 0 {
		if a.metrics != nil {
			a.metrics.EmptyFinalizeTotal.Inc()
		}
		return
	}

	a.finalizeInflight = true
	req := CreateJobRequest{
		SessionID:                  a.sessionID,
		UtteranceIndex:              a.currentUtteranceIndex,
		AudioData:                   buf,
		LanguageConfig:               a.langConfig,
		IsManualCut:                 manualCut,
		IsPauseTriggered:             pauseTriggered,
		IsTimeoutTriggered:           timeoutTriggered,
		FirstChunkClientTimestampMs: firstTs,
	}

	_, err := a.dispatcher.CreateJob(ctx, req)

	a.finalizeInflight = false
	a.lastFinalizeAtMs = time.Now().UnixMilli()

	if err != nil {
		a.log.Error("finalize dispatch failed", "err", err, "utterance_index", a.currentUtteranceIndex)
	} else {
		a.currentUtteranceIndex++
	}

	// Promote any audio that arrived while this finalize was in flight into
	// the primary buffer so it isn't silently dropped.
	if len(a.nextBuffer) > 0 {
		a.buffer = a.nextBuffer
		a.firstChunkTimestampMs = a.nextFirstChunkTimestampMs
		a.nextBuffer = nil
	}
}
