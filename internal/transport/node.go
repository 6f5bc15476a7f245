package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lingua-speech/scheduler/internal/dispatcher"
	"github.com/lingua-speech/scheduler/internal/domain"
	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/registry"
	"github.com/lingua-speech/scheduler/internal/resultqueue"
	"github.com/lingua-speech/scheduler/internal/routing"
	"github.com/lingua-speech/scheduler/internal/wire"
)

var nodeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NodeListener serves the node protocol: node_register, node_heartbeat,
// node_status, and job_result, feeding the registry/dispatcher/result
// queue and forwarding completed results to whichever instance owns the
// originating session.
type NodeListener struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	results    *resultqueue.Manager
	router     *routing.Router
	log        *logging.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	resultHandler func(sessionID string, result wire.TranslationResult)
}

func NewNodeListener(reg *registry.Registry, disp *dispatcher.Dispatcher, results *resultqueue.Manager, router *routing.Router) *NodeListener {
	return &NodeListener{
		registry:   reg,
		dispatcher: disp,
		results:    results,
		router:     router,
		log:        logging.New("transport.node"),
		conns:      make(map[string]*conn),
	}
}

// SetResultHandler wires a callback invoked with every ready (reordered)
// result, used by cmd/schedulerd to hand it off to the client listener or
// router.
func (l *NodeListener) SetResultHandler(fn func(sessionID string, result wire.TranslationResult)) {
	l.resultHandler = fn
}

// SendToNode implements routing.NodeSender.
func (l *NodeListener) SendToNode(nodeID string, v interface{}) error {
	l.mu.RLock()
	c, ok := l.conns[nodeID]
	l.mu.RUnlock()
	if !ok || c.isClosed() {
		return websocket.ErrCloseSent
	}
	c.Send(v)
	return nil
}

func (l *NodeListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := nodeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("node websocket upgrade failed", "err", err)
		return
	}
	l.handleConn(ws)
}

func (l *NodeListener) handleConn(ws *websocket.Conn) {
	c := newConn(ws, l.log)
	var nodeID string
	defer func() {
		if nodeID != "" {
			l.mu.Lock()
			delete(l.conns, nodeID)
			l.mu.Unlock()
			l.registry.MarkOffline(nodeID)
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
		case "node_register":
			var m wire.NodeRegister
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			nodeID = l.onNodeRegister(c, m)
		case "node_heartbeat":
			var m wire.NodeHeartbeat
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			l.onNodeHeartbeat(m)
		case "node_status":
			var m wire.NodeStatus
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			l.onNodeStatus(m)
		case "job_result":
			var m wire.JobResult
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			l.onJobResult(m)
		default:
			l.log.Warn("unrecognized node message type", "type", msgType)
		}
	}
}

func (l *NodeListener) onNodeRegister(c *conn, m wire.NodeRegister) string {
	services := make([]domain.InstalledService, 0, len(m.InstalledServices))
	for i, s := range m.InstalledServices {
		services = append(services, domain.InstalledService{
			ID:     nodeServiceID(m.NodeID, i),
			Type:   domain.ServiceType(s.Type),
			Status: domain.ServiceStatus(s.Status),
		})
	}

	nmtPairs := make(map[string]bool, len(m.LanguageCapabilities.NMTPairs))
	for _, p := range m.LanguageCapabilities.NMTPairs {
		nmtPairs[domain.NMTPairKey(p.Src, p.Tgt)] = true
	}

	node := &domain.Node{
		NodeID:   m.NodeID,
		Platform: m.Platform,
		Hardware: domain.HardwareDescriptor{
			Platform: m.Platform,
			GPUs:     m.Hardware.GPUs,
			CPUCores: m.Hardware.CPUCores,
			MemoryMB: int64(m.Hardware.MemTotalMB),
		},
		InstalledServices:    services,
		LanguageCapabilities: domain.LanguageCapabilities{NMTPairs: nmtPairs},
		AcceptPublicJobs:     m.AcceptPublicJobs,
		MaxConcurrency:       4,
	}

	registered, err := l.registry.Register(node, true)
	if err != nil {
		l.log.Warn("node registration rejected", "node_id", m.NodeID, "err", err)
		c.Send(wire.NewNodeRegisterAck(m.NodeID, err.Error()))
		return ""
	}

	l.mu.Lock()
	l.conns[registered.NodeID] = c
	l.mu.Unlock()

	if l.router != nil {
		if err := l.router.ClaimNode(context.Background(), registered.NodeID); err != nil {
			l.log.Warn("failed to claim node ownership", "node_id", registered.NodeID, "err", err)
		}
	}

	c.Send(wire.NewNodeRegisterAck(registered.NodeID, "registered"))
	return registered.NodeID
}

func (l *NodeListener) onNodeHeartbeat(m wire.NodeHeartbeat) {
	services := make([]domain.InstalledService, 0, len(m.InstalledServices))
	for i, s := range m.InstalledServices {
		services = append(services, domain.InstalledService{
			ID:     nodeServiceID(m.NodeID, i),
			Type:   domain.ServiceType(s.Type),
			Status: domain.ServiceStatus(s.Status),
		})
	}
	nmtPairs := make(map[string]bool, len(m.LanguageCapabilities.NMTPairs))
	for _, p := range m.LanguageCapabilities.NMTPairs {
		nmtPairs[domain.NMTPairKey(p.Src, p.Tgt)] = true
	}
	l.registry.Heartbeat(m.NodeID, m.ResourceUsage.CPUPercent, m.ResourceUsage.GPUPercent, m.ResourceUsage.MemPercent,
		services, domain.LanguageCapabilities{NMTPairs: nmtPairs}, m.ResourceUsage.RunningJobs)
}

func (l *NodeListener) onNodeStatus(m wire.NodeStatus) {
	if m.Status == "offline" || m.Status == "draining" {
		l.registry.MarkOffline(m.NodeID)
	}
}

func (l *NodeListener) onJobResult(m wire.JobResult) {
	job, ok := l.dispatcher.Get(m.JobID)
	if !ok {
		l.log.Warn("job_result for unknown job", "job_id", m.JobID)
		return
	}
	if job.Terminal() {
		l.log.Warn("job_result for already-terminal job, dropping", "job_id", m.JobID, "node_id", m.NodeID)
		return
	}
	if job.AssignedNodeID != m.NodeID || job.DispatchAttemptID != m.AttemptID {
		l.log.Warn("stale job_result dropped", "job_id", m.JobID,
			"got_node_id", m.NodeID, "assigned_node_id", job.AssignedNodeID,
			"got_attempt_id", m.AttemptID, "current_attempt_id", job.DispatchAttemptID)
		return
	}
	status := domain.JobCompleted
	if !m.Success {
		status = domain.JobFailed
	}
	l.dispatcher.MarkStatus(m.JobID, status)

	result := wire.TranslationResult{
		Type:           "translation_result",
		SessionID:      m.SessionID,
		UtteranceIndex: m.UtteranceIndex,
		JobID:          m.JobID,
		TextASR:        m.TextASR,
		TextTranslated: m.TextTranslated,
		TTSAudio:       m.TTSAudio,
		TTSFormat:      m.TTSFormat,
		Extra:          m.Extra,
	}

	l.results.AddResult(m.SessionID, m.UtteranceIndex, resultqueue.Result{UtteranceIndex: m.UtteranceIndex, Payload: result})
	for _, ready := range l.results.GetReadyResults(m.SessionID) {
		out, ok := ready.Payload.(wire.TranslationResult)
		if !ok {
			continue
		}
		if l.resultHandler != nil {
			l.resultHandler(m.SessionID, out)
		} else if l.router != nil {
			l.router.NotifySessionResult(context.Background(), m.SessionID, out)
		}
	}
}

func nodeServiceID(nodeID string, index int) string {
	return nodeID + "-svc-" + itoa(index)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
