// Package wire defines the JSON message envelopes for both WebSocket
// protocols named in spec.md §6: the client session protocol and the node
// protocol. Every message is a plain struct with a `type` discriminator,
// following the teacher's task-payload convention of marshaling through
// encoding/json rather than a binary codec.
package wire

import "encoding/json"

// Envelope is the outer shape every inbound/outbound message shares: a
// `type` tag plus the type-specific body, deferring body decoding until
// the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"-"`
}

// rawEnvelope decodes only the `type` tag of a flat message object.
type rawEnvelope struct {
	Type string `json:"type"`
}

// DecodeType extracts just the `type` discriminator from a raw message,
// deferring full decoding to the type-specific struct.
func DecodeType(data []byte) (string, error) {
	var e rawEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return "", err
	}
	return e.Type, nil
}

// --- Client session protocol (spec.md §6) ---

type SessionInit struct {
	Type                    string   `json:"type"`
	ClientVersion           string   `json:"client_version"`
	Platform                string   `json:"platform"`
	SrcLang                 string   `json:"src_lang"`
	TgtLang                 string   `json:"tgt_lang"`
	Dialect                 string   `json:"dialect,omitempty"`
	Features                []string `json:"features,omitempty"`
	PairingCode             string   `json:"pairing_code,omitempty"`
	TenantID                string   `json:"tenant_id,omitempty"`
	Mode                    string   `json:"mode,omitempty"`
	LangA                   string   `json:"lang_a,omitempty"`
	LangB                   string   `json:"lang_b,omitempty"`
	AutoLangs               []string `json:"auto_langs,omitempty"`
	EnableStreamingASR      bool     `json:"enable_streaming_asr,omitempty"`
	PartialUpdateIntervalMs int64    `json:"partial_update_interval_ms,omitempty"`
	TraceID                 string   `json:"trace_id,omitempty"`
}

type SessionInitAck struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	AssignedNodeID string `json:"assigned_node_id,omitempty"`
	Message        string `json:"message"`
}

func NewSessionInitAck(sessionID, assignedNodeID, message string) SessionInitAck {
	return SessionInitAck{Type: "session_init_ack", SessionID: sessionID, AssignedNodeID: assignedNodeID, Message: message}
}

type Utterance struct {
	Type                    string   `json:"type"`
	SessionID               string   `json:"session_id"`
	UtteranceIndex          uint64   `json:"utterance_index"`
	ManualCut               bool     `json:"manual_cut"`
	SrcLang                 string   `json:"src_lang"`
	TgtLang                 string   `json:"tgt_lang"`
	Dialect                 string   `json:"dialect,omitempty"`
	Features                []string `json:"features,omitempty"`
	Audio                   string   `json:"audio"` // base64 PCM16
	AudioFormat             string   `json:"audio_format"`
	SampleRate              int      `json:"sample_rate"`
	Mode                    string   `json:"mode,omitempty"`
	LangA                   string   `json:"lang_a,omitempty"`
	LangB                   string   `json:"lang_b,omitempty"`
	AutoLangs               []string `json:"auto_langs,omitempty"`
	EnableStreamingASR      bool     `json:"enable_streaming_asr,omitempty"`
	PartialUpdateIntervalMs int64    `json:"partial_update_interval_ms,omitempty"`
	TraceID                 string   `json:"trace_id,omitempty"`
}

type ClientHeartbeat struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

type ServerHeartbeat struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

func NewServerHeartbeat(sessionID string, timestamp int64) ServerHeartbeat {
	return ServerHeartbeat{Type: "server_heartbeat", SessionID: sessionID, Timestamp: timestamp}
}

type SessionClose struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type SessionCloseAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func NewSessionCloseAck(sessionID string) SessionCloseAck {
	return SessionCloseAck{Type: "session_close_ack", SessionID: sessionID}
}

type AsrPartial struct {
	Type           string `json:"type"`
	JobID          string `json:"job_id"`
	NodeID         string `json:"node_id"`
	SessionID      string `json:"session_id"`
	UtteranceIndex uint64 `json:"utterance_index"`
	Text           string `json:"text"`
	IsFinal        bool   `json:"is_final"`
	TraceID        string `json:"trace_id,omitempty"`
}

type UIEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id,omitempty"`
	Event     string `json:"event"` // ASR_PARTIAL, ASR_FINAL, NMT_DONE, ERROR
	Status    string `json:"status"`
	ElapsedMs *int64 `json:"elapsed_ms,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

type TranslationResult struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"session_id"`
	UtteranceIndex uint64          `json:"utterance_index"`
	JobID          string          `json:"job_id"`
	TextASR        string          `json:"text_asr"`
	TextTranslated string          `json:"text_translated"`
	TTSAudio       string          `json:"tts_audio,omitempty"`
	TTSFormat      string          `json:"tts_format,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

type ErrorMessage struct {
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func NewErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{Type: "error", Code: code, Message: message}
}

// --- Node protocol (spec.md §6) ---

type Hardware struct {
	GPUs       []string `json:"gpus"`
	CPUCores   int      `json:"cpu_cores,omitempty"`
	MemTotalMB int      `json:"mem_total_mb,omitempty"`
}

type NodeRegister struct {
	Type                    string              `json:"type"`
	NodeID                  string              `json:"node_id,omitempty"`
	Version                 string              `json:"version"`
	CapabilitySchemaVersion string              `json:"capability_schema_version"`
	Platform                string              `json:"platform"`
	Hardware                Hardware            `json:"hardware"`
	InstalledModels         []string            `json:"installed_models,omitempty"`
	InstalledServices       []InstalledService  `json:"installed_services"`
	FeaturesSupported       []string            `json:"features_supported,omitempty"`
	AdvancedFeatures        []string            `json:"advanced_features,omitempty"`
	AcceptPublicJobs        bool                `json:"accept_public_jobs"`
	CapabilityByType        map[string][]string `json:"capability_by_type,omitempty"`
	LanguageCapabilities    LanguageCapsWire    `json:"language_capabilities"`
}

type InstalledService struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type LanguageCapsWire struct {
	NMTPairs        []NMTPairWire `json:"nmt_pairs,omitempty"`
	SemanticSrc     []string      `json:"semantic_src_langs,omitempty"`
	SemanticTgt     []string      `json:"semantic_tgt_langs,omitempty"`
}

type NMTPairWire struct {
	Src string `json:"src"`
	Tgt string `json:"tgt"`
}

type NodeRegisterAck struct {
	Type    string `json:"type"`
	NodeID  string `json:"node_id"`
	Message string `json:"message"`
	Status  string `json:"status"` // always "registering"
}

func NewNodeRegisterAck(nodeID, message string) NodeRegisterAck {
	return NodeRegisterAck{Type: "node_register_ack", NodeID: nodeID, Message: message, Status: "registering"}
}

type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	GPUPercent    float64 `json:"gpu_percent,omitempty"`
	GPUMemPercent float64 `json:"gpu_mem_percent,omitempty"`
	MemPercent    float64 `json:"mem_percent"`
	RunningJobs   int     `json:"running_jobs"`
}

type NodeHeartbeat struct {
	Type                 string              `json:"type"`
	NodeID               string              `json:"node_id"`
	Timestamp            int64               `json:"timestamp"`
	ResourceUsage        ResourceUsage       `json:"resource_usage"`
	InstalledModels      []string            `json:"installed_models,omitempty"`
	InstalledServices    []InstalledService  `json:"installed_services"`
	CapabilityByType     map[string][]string `json:"capability_by_type,omitempty"`
	LanguageCapabilities LanguageCapsWire     `json:"language_capabilities"`
}

type PipelineWire struct {
	UseASR      bool `json:"use_asr"`
	UseNMT      bool `json:"use_nmt"`
	UseTTS      bool `json:"use_tts"`
	UseSemantic bool `json:"use_semantic"`
}

type JobAssign struct {
	Type                    string       `json:"type"`
	JobID                   string       `json:"job_id"`
	AttemptID               int          `json:"attempt_id"`
	SessionID               string       `json:"session_id"`
	UtteranceIndex          uint64       `json:"utterance_index"`
	SrcLang                 string       `json:"src_lang"`
	TgtLang                 string       `json:"tgt_lang"`
	Dialect                 string       `json:"dialect,omitempty"`
	Features                []string     `json:"features,omitempty"`
	Pipeline                PipelineWire `json:"pipeline"`
	Audio                   string       `json:"audio"`
	AudioFormat             string       `json:"audio_format"`
	SampleRate              int          `json:"sample_rate"`
	Mode                    string       `json:"mode,omitempty"`
	LangA                   string       `json:"lang_a,omitempty"`
	LangB                   string       `json:"lang_b,omitempty"`
	AutoLangs               []string     `json:"auto_langs,omitempty"`
	EnableStreamingASR      bool         `json:"enable_streaming_asr,omitempty"`
	PartialUpdateIntervalMs int64        `json:"partial_update_interval_ms,omitempty"`
	TraceID                 string       `json:"trace_id,omitempty"`
	GroupID                 string       `json:"group_id,omitempty"`
	PartIndex               *int         `json:"part_index,omitempty"`
	ContextText             string       `json:"context_text,omitempty"`
}

type JobCancel struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	TraceID string `json:"trace_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func NewJobCancel(jobID, traceID, reason string) JobCancel {
	return JobCancel{Type: "job_cancel", JobID: jobID, TraceID: traceID, Reason: reason}
}

type NodeStatus struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Status    string `json:"status"` // registering, ready, degraded, draining, offline
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type JobResult struct {
	Type              string          `json:"type"`
	JobID             string          `json:"job_id"`
	AttemptID         int             `json:"attempt_id"`
	NodeID            string          `json:"node_id"`
	SessionID         string          `json:"session_id"`
	UtteranceIndex    uint64          `json:"utterance_index"`
	Success           bool            `json:"success"`
	TextASR           string          `json:"text_asr,omitempty"`
	TextTranslated    string          `json:"text_translated,omitempty"`
	TTSAudio          string          `json:"tts_audio,omitempty"`
	TTSFormat         string          `json:"tts_format,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
	ProcessingTimeMs  int64           `json:"processing_time_ms,omitempty"`
	Error             string          `json:"error,omitempty"`
}
