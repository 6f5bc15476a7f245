package routing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/wire"
)

// NodeSender delivers one node-protocol message over a live WebSocket
// connection. Implemented by internal/transport's node listener.
type NodeSender interface {
	SendToNode(nodeID string, v interface{}) error
}

// SessionSender delivers one client-protocol message over a live
// WebSocket connection. Implemented by internal/transport's client
// listener.
type SessionSender interface {
	SendToSession(sessionID string, v interface{}) error
}

// Router is the cross-instance messenger: it owns this instance's inbox
// and invalidation subscription, tracks which instance a node or session
// is locally connected to, and satisfies internal/timeout's Notifier by
// delivering locally when possible and forwarding through the inbox of
// the owning instance otherwise. Grounded on the teacher's
// producer/consumer/broadcast trio, generalized from "any worker handles
// this task" to "only the instance holding the live connection can".
type Router struct {
	Inbox     *Inbox
	Broadcast *BroadcastListener
	Presence  *Presence

	redis      redis.UniversalClient
	prefix     string
	instanceID string
	ttl        time.Duration
	log        *logging.Logger

	nodes    NodeSender
	sessions SessionSender
}

func NewRouter(client redis.UniversalClient, prefix, instanceID string, ttl time.Duration, inbox *Inbox, broadcast *BroadcastListener, presence *Presence) *Router {
	return &Router{
		Inbox:      inbox,
		Broadcast:  broadcast,
		Presence:   presence,
		redis:      client,
		prefix:     prefix,
		instanceID: instanceID,
		ttl:        ttl,
		log:        logging.New("routing.router"),
	}
}

// AttachNodeSender wires the local node transport so locally connected
// nodes skip the inbox round-trip entirely.
func (r *Router) AttachNodeSender(s NodeSender) { r.nodes = s }

// AttachSessionSender wires the local client transport analogously.
func (r *Router) AttachSessionSender(s SessionSender) { r.sessions = s }

func (r *Router) nodeOwnerKey(nodeID string) string {
	return fmt.Sprintf("%s:owners:node:%s", r.prefix, nodeID)
}

func (r *Router) sessionOwnerKey(sessionID string) string {
	return fmt.Sprintf("%s:owners:session:%s", r.prefix, sessionID)
}

// ClaimNode records that nodeID's WebSocket connection now lives on this
// instance, called by the node transport on successful node_register.
func (r *Router) ClaimNode(ctx context.Context, nodeID string) error {
	return r.redis.Set(ctx, r.nodeOwnerKey(nodeID), r.instanceID, r.ttl).Err()
}

// ClaimSession is the session-protocol analogue of ClaimNode.
func (r *Router) ClaimSession(ctx context.Context, sessionID string) error {
	return r.redis.Set(ctx, r.sessionOwnerKey(sessionID), r.instanceID, r.ttl).Err()
}

func (r *Router) nodeOwner(ctx context.Context, nodeID string) (string, bool) {
	v, err := r.redis.Get(ctx, r.nodeOwnerKey(nodeID)).Result()
	if err != nil {
		return "", false
	}
	return v, v != ""
}

func (r *Router) sessionOwner(ctx context.Context, sessionID string) (string, bool) {
	v, err := r.redis.Get(ctx, r.sessionOwnerKey(sessionID)).Result()
	if err != nil {
		return "", false
	}
	return v, v != ""
}

// --- timeout.Notifier ---

// CancelJob sends a best-effort job_cancel to the node owning jobID's
// assigned slot, locally or via the owning instance's inbox.
func (r *Router) CancelJob(ctx context.Context, nodeID, jobID, traceID, reason string) error {
	msg := wire.NewJobCancel(jobID, traceID, reason)
	if r.nodes != nil {
		if owner, ok := r.nodeOwner(ctx, nodeID); !ok || owner == r.instanceID {
			return r.nodes.SendToNode(nodeID, msg)
		}
	}
	owner, ok := r.nodeOwner(ctx, nodeID)
	if !ok {
		return fmt.Errorf("no known owner instance for node %s", nodeID)
	}
	_, err := r.Inbox.Send(ctx, owner, "job_cancel", routedNodeMessage{NodeID: nodeID, Body: msg})
	return err
}

// AssignJob delivers a job_assign to nodeID, locally or forwarded.
func (r *Router) AssignJob(ctx context.Context, nodeID string, job *domain.Job) error {
	msg := buildJobAssign(job)
	if r.nodes != nil {
		if owner, ok := r.nodeOwner(ctx, nodeID); !ok || owner == r.instanceID {
			return r.nodes.SendToNode(nodeID, msg)
		}
	}
	owner, ok := r.nodeOwner(ctx, nodeID)
	if !ok {
		return fmt.Errorf("no known owner instance for node %s", nodeID)
	}
	_, err := r.Inbox.Send(ctx, owner, "job_assign", routedNodeMessage{NodeID: nodeID, Body: msg})
	return err
}

// NotifyJobError delivers a UI error event to job's owning session.
func (r *Router) NotifyJobError(ctx context.Context, job *domain.Job, code domain.ErrorCode) error {
	msg := wire.UIEvent{
		Type:      "ui_event",
		SessionID: job.SessionID,
		JobID:     job.JobID,
		Event:     "ERROR",
		Status:    "failed",
		ErrorCode: string(code),
		Hint:      domain.ErrorHints[code],
	}
	if r.sessions != nil {
		if owner, ok := r.sessionOwner(ctx, job.SessionID); !ok || owner == r.instanceID {
			return r.sessions.SendToSession(job.SessionID, msg)
		}
	}
	owner, ok := r.sessionOwner(ctx, job.SessionID)
	if !ok {
		return fmt.Errorf("no known owner instance for session %s", job.SessionID)
	}
	_, err := r.Inbox.Send(ctx, owner, "ui_event", routedSessionMessage{SessionID: job.SessionID, Body: msg})
	return err
}

// NotifySessionResult forwards a fully reordered translation result to its
// owning session, locally or via the inbox.
func (r *Router) NotifySessionResult(ctx context.Context, sessionID string, result wire.TranslationResult) error {
	if r.sessions != nil {
		if owner, ok := r.sessionOwner(ctx, sessionID); !ok || owner == r.instanceID {
			return r.sessions.SendToSession(sessionID, result)
		}
	}
	owner, ok := r.sessionOwner(ctx, sessionID)
	if !ok {
		return fmt.Errorf("no known owner instance for session %s", sessionID)
	}
	_, err := r.Inbox.Send(ctx, owner, "translation_result", routedSessionMessage{SessionID: sessionID, Body: result})
	return err
}

type routedNodeMessage struct {
	NodeID string          `json:"node_id"`
	Body   interface{}     `json:"body"`
}

type routedSessionMessage struct {
	SessionID string      `json:"session_id"`
	Body      interface{} `json:"body"`
}

func buildJobAssign(job *domain.Job) wire.JobAssign {
	return wire.JobAssign{
		Type:           "job_assign",
		JobID:          job.JobID,
		AttemptID:      job.DispatchAttemptID,
		SessionID:      job.SessionID,
		UtteranceIndex: job.UtteranceIndex,
		SrcLang:        job.LanguageConfig.SrcLang,
		TgtLang:        job.LanguageConfig.TgtLang,
		Dialect:        job.LanguageConfig.Dialect,
		Mode:           string(job.LanguageConfig.Mode),
		LangA:          job.LanguageConfig.LangA,
		LangB:          job.LanguageConfig.LangB,
		AutoLangs:      job.LanguageConfig.AutoLangs,
		TraceID:        job.TraceID,
		Audio:          base64.StdEncoding.EncodeToString(job.AudioData),
		AudioFormat:    job.AudioFormat,
		SampleRate:     job.SampleRate,
		Pipeline: wire.PipelineWire{
			UseASR:      job.Pipeline.UseASR,
			UseNMT:      job.Pipeline.UseNMT,
			UseTTS:      job.Pipeline.UseTTS,
			UseSemantic: job.Pipeline.UseSemantic,
		},
	}
}

// RegisterInboxHandlers wires the job_assign/job_cancel/ui_event/
// translation_result kinds onto the instance's own inbox so messages
// forwarded by peer instances are delivered to whichever local
// connection the inbox's instance actually holds.
func (r *Router) RegisterInboxHandlers() {
	r.Inbox.On("job_assign", func(ctx context.Context, msg RoutedMessage) error {
		var routed routedNodeMessage
		var body wire.JobAssign
		if err := decodeRouted(msg.Payload, &routed, &body); err != nil {
			return err
		}
		if r.nodes == nil {
			return fmt.Errorf("no local node transport attached")
		}
		return r.nodes.SendToNode(routed.NodeID, body)
	})
	r.Inbox.On("job_cancel", func(ctx context.Context, msg RoutedMessage) error {
		var routed routedNodeMessage
		var body wire.JobCancel
		if err := decodeRouted(msg.Payload, &routed, &body); err != nil {
			return err
		}
		if r.nodes == nil {
			return fmt.Errorf("no local node transport attached")
		}
		return r.nodes.SendToNode(routed.NodeID, body)
	})
	r.Inbox.On("ui_event", func(ctx context.Context, msg RoutedMessage) error {
		var routed routedSessionMessage
		var body wire.UIEvent
		if err := decodeRouted(msg.Payload, &routed, &body); err != nil {
			return err
		}
		if r.sessions == nil {
			return fmt.Errorf("no local session transport attached")
		}
		return r.sessions.SendToSession(routed.SessionID, body)
	})
	r.Inbox.On("translation_result", func(ctx context.Context, msg RoutedMessage) error {
		var routed routedSessionMessage
		var body wire.TranslationResult
		if err := decodeRouted(msg.Payload, &routed, &body); err != nil {
			return err
		}
		if r.sessions == nil {
			return fmt.Errorf("no local session transport attached")
		}
		return r.sessions.SendToSession(routed.SessionID, body)
	})
}

// decodeRouted unmarshals the envelope first to recover the routing key,
// then decodes Body into dst separately since json.RawMessage can't
// target an interface{} field directly on the first pass.
func decodeRouted(raw json.RawMessage, envelope interface{}, dst interface{}) error {
	var mid struct {
		NodeID    string          `json:"node_id,omitempty"`
		SessionID string          `json:"session_id,omitempty"`
		Body      json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &mid); err != nil {
		return err
	}
	switch e := envelope.(type) {
	case *routedNodeMessage:
		e.NodeID = mid.NodeID
	case *routedSessionMessage:
		e.SessionID = mid.SessionID
	}
	return json.Unmarshal(mid.Body, dst)
}
