package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/metrics"
	"github.com/lingua-speech/scheduler/internal/resultqueue"
	"github.com/lingua-speech/scheduler/internal/routing"
	"github.com/lingua-speech/scheduler/internal/session"
	"github.com/lingua-speech/scheduler/internal/wire"
)

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ClientListener serves the client session protocol: session_init,
// utterance audio chunks, heartbeats, and session_close, relaying each to
// the session manager/actor pair that owns that session.
type ClientListener struct {
	sessions *session.Manager
	results  *resultqueue.Manager
	router   *routing.Router
	cfg      config.SessionActor
	metrics  *metrics.Registry
	log      *logging.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	actors map[string]*session.Actor

	// createJobFunc is wired by cmd/schedulerd after both the dispatcher
	// and this listener exist, avoiding an import cycle between
	// internal/transport and internal/dispatcher.
	createJobFunc func(ctx context.Context, req session.CreateJobRequest) (*domain.Job, error)
}

// SetCreateJobFunc wires the dispatcher's CreateJob into every session
// actor this listener creates.
func (l *ClientListener) SetCreateJobFunc(fn func(ctx context.Context, req session.CreateJobRequest) (*domain.Job, error)) {
	l.createJobFunc = fn
}

func NewClientListener(sessions *session.Manager, results *resultqueue.Manager, router *routing.Router, cfg config.SessionActor, mreg *metrics.Registry) *ClientListener {
	return &ClientListener{
		sessions: sessions,
		results:  results,
		router:   router,
		cfg:      cfg,
		metrics:  mreg,
		log:      logging.New("transport.client"),
		conns:    make(map[string]*conn),
		actors:   make(map[string]*session.Actor),
	}
}

// SendToSession implements routing.SessionSender.
func (l *ClientListener) SendToSession(sessionID string, v interface{}) error {
	l.mu.RLock()
	c, ok := l.conns[sessionID]
	l.mu.RUnlock()
	if !ok || c.isClosed() {
		return websocket.ErrCloseSent
	}
	c.Send(v)
	return nil
}

func (l *ClientListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("client websocket upgrade failed", "err", err)
		return
	}
	l.handleConn(ws)
}

func (l *ClientListener) handleConn(ws *websocket.Conn) {
	c := newConn(ws, l.log)
	var sessionID string
	defer func() {
		if sessionID != "" {
			l.teardownSession(sessionID)
		}
		c.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msgType, err := wire.DecodeType(data)
		if err != nil {
			continue
		}

		switch msgType {
		case "session_init":
			var m wire.SessionInit
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			sessionID = l.onSessionInit(c, m)
		case "utterance":
			var m wire.Utterance
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			l.onUtterance(m)
		case "client_heartbeat":
			var m wire.ClientHeartbeat
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			c.Send(wire.NewServerHeartbeat(m.SessionID, time.Now().UnixMilli()))
		case "session_close":
			var m wire.SessionClose
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			l.onSessionClose(m)
			c.Send(wire.NewSessionCloseAck(m.SessionID))
			return
		default:
			l.log.Warn("unrecognized client message type", "type", msgType)
		}
	}
}

func (l *ClientListener) onSessionInit(c *conn, m wire.SessionInit) string {
	sessionID := uuid.NewString()
	lang := domain.LanguageConfig{
		SrcLang:   m.SrcLang,
		TgtLang:   m.TgtLang,
		Dialect:   m.Dialect,
		Mode:      domain.SessionMode(m.Mode),
		LangA:     m.LangA,
		LangB:     m.LangB,
		AutoLangs: m.AutoLangs,
	}
	l.sessions.Create(&domain.Session{
		SessionID:     sessionID,
		ClientVersion: m.ClientVersion,
		Platform:      m.Platform,
		Default:       lang,
		TenantID:      m.TenantID,
	})
	l.results.InitializeSession(sessionID)

	actor := session.NewActor(sessionID, l.cfg, dispatcherAdapter{l: l}, l.metrics, lang)
	go actor.Run(context.Background())

	l.mu.Lock()
	l.conns[sessionID] = c
	l.actors[sessionID] = actor
	l.mu.Unlock()

	if l.router != nil {
		if err := l.router.ClaimSession(context.Background(), sessionID); err != nil {
			l.log.Warn("failed to claim session ownership", "session_id", sessionID, "err", err)
		}
	}

	c.Send(wire.NewSessionInitAck(sessionID, "", "session established"))
	return sessionID
}

func (l *ClientListener) onUtterance(m wire.Utterance) {
	l.mu.RLock()
	actor, ok := l.actors[m.SessionID]
	l.mu.RUnlock()
	if !ok {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		l.log.Warn("failed to decode utterance audio", "session_id", m.SessionID, "err", err)
		return
	}
	actor.Send(session.AudioChunkReceived{
		Data:        audio,
		TimestampMs: time.Now().UnixMilli(),
		IsFinal:     m.ManualCut,
		RequestID:   uuid.NewString(),
	})
}

func (l *ClientListener) onSessionClose(m wire.SessionClose) {
	l.teardownSession(m.SessionID)
}

func (l *ClientListener) teardownSession(sessionID string) {
	l.mu.Lock()
	actor, ok := l.actors[sessionID]
	delete(l.actors, sessionID)
	delete(l.conns, sessionID)
	l.mu.Unlock()
	if ok {
		actor.Send(session.CloseSession{})
	}
	l.sessions.Remove(sessionID)
	l.results.RemoveSession(sessionID)
}

// dispatcherAdapter satisfies session.Dispatcher by forwarding to
// whatever createJobFunc cmd/schedulerd wired in, avoiding an import
// cycle between internal/transport and internal/dispatcher.
type dispatcherAdapter struct {
	l *ClientListener
}

func (d dispatcherAdapter) CreateJob(ctx context.Context, req session.CreateJobRequest) (*domain.Job, error) {
	if d.l.createJobFunc == nil {
		return nil, websocket.ErrCloseSent
	}
	return d.l.createJobFunc(ctx, req)
}
