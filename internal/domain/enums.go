// Package domain holds the wire-and-storage-independent data model shared by
// every scheduler component: nodes, pools, sessions, jobs and their closed
// enum vocabularies.
//
// Enum tag strings are defined once here and reused for both JSON encoding
// and log fields, so no component ever depends on a language debug printer
// to describe state (see DESIGN.md, "runtime reflection").
package domain

// ServiceType is a kind of inference service a node can install.
type ServiceType string

const (
	ServiceASR      ServiceType = "asr"
	ServiceNMT      ServiceType = "nmt"
	ServiceTTS      ServiceType = "tts"
	ServiceTone     ServiceType = "tone"
	ServiceSemantic ServiceType = "semantic"
)

// ServiceStatus is the lifecycle state of one installed service on a node.
type ServiceStatus string

const (
	ServiceStatusRunning ServiceStatus = "running"
	ServiceStatusLoading ServiceStatus = "loading"
	ServiceStatusFailed  ServiceStatus = "failed"
	ServiceStatusStopped ServiceStatus = "stopped"
)

// NodeStatus is the node lifecycle state machine from spec.md §4.B.
type NodeStatus string

const (
	NodeRegistering NodeStatus = "registering"
	NodeReady       NodeStatus = "ready"
	NodeDegraded    NodeStatus = "degraded"
	NodeDraining    NodeStatus = "draining"
	NodeOffline     NodeStatus = "offline"
)

// JobStatus is the in-memory dispatcher job state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// FSMState mirrors the Redis job FSM from spec.md §4.A / §3.
type FSMState string

const (
	FSMCreated  FSMState = "created"
	FSMAssigned FSMState = "assigned"
	FSMFinished FSMState = "finished"
	FSMReleased FSMState = "released"
)

// RejectionReason is the typed candidate-filter rejection enum from
// spec.md §4.C / §9. Order is significant: it is the deterministic
// "best reason" ordering used to pick no_available_node_total's label.
type RejectionReason string

const (
	RejectStatusNotReady          RejectionReason = "status_not_ready"
	RejectGpuUnavailable          RejectionReason = "gpu_unavailable"
	RejectNotInPublicPool         RejectionReason = "not_in_public_pool"
	RejectModelNotAvailable       RejectionReason = "model_not_available"
	RejectCapacityExceeded        RejectionReason = "capacity_exceeded"
	RejectResourceThresholdExceed RejectionReason = "resource_threshold_exceeded"
)

// RejectionOrder is the fixed priority used to derive the single
// "best_reason_label" surfaced on a failed selection: statuses first, then
// capability, then capacity, then resource (spec.md §9).
var RejectionOrder = []RejectionReason{
	RejectStatusNotReady,
	RejectGpuUnavailable,
	RejectNotInPublicPool,
	RejectModelNotAvailable,
	RejectCapacityExceeded,
	RejectResourceThresholdExceed,
}

// ErrorCode is the closed set of client-facing error codes from spec.md §6.
type ErrorCode string

const (
	ErrNoAvailableNode        ErrorCode = "NO_AVAILABLE_NODE"
	ErrModelNotAvailable      ErrorCode = "MODEL_NOT_AVAILABLE"
	ErrNodeUnavailable        ErrorCode = "NODE_UNAVAILABLE"
	ErrJobTimeout             ErrorCode = "JOB_TIMEOUT"
	ErrWSDisconnected         ErrorCode = "WS_DISCONNECTED"
	ErrNMTTimeout             ErrorCode = "NMT_TIMEOUT"
	ErrTTSTimeout             ErrorCode = "TTS_TIMEOUT"
	ErrModelVerifyFailed      ErrorCode = "MODEL_VERIFY_FAILED"
	ErrModelCorrupted         ErrorCode = "MODEL_CORRUPTED"
	ErrInvalidSession         ErrorCode = "INVALID_SESSION"
	ErrInvalidMessage         ErrorCode = "INVALID_MESSAGE"
	ErrNoGPUAvailable         ErrorCode = "NO_GPU_AVAILABLE"
	ErrNodeIDConflict         ErrorCode = "NODE_ID_CONFLICT"
	ErrInvalidCapabilitySchema ErrorCode = "INVALID_CAPABILITY_SCHEMA"
	ErrSchedulerDependencyDown ErrorCode = "SCHEDULER_DEPENDENCY_DOWN"
	ErrInternal               ErrorCode = "INTERNAL_ERROR"
)

// ErrorHints is the static hint carried alongside each ErrorCode.
var ErrorHints = map[ErrorCode]string{
	ErrNoAvailableNode:         "no ready node currently serves this language pair; retry shortly",
	ErrModelNotAvailable:       "the selected node does not have the required model installed",
	ErrNodeUnavailable:         "the assigned node stopped responding; the job is being retried",
	ErrJobTimeout:              "the job did not complete within the configured timeout",
	ErrWSDisconnected:          "the websocket connection was lost",
	ErrNMTTimeout:              "translation did not complete within the configured timeout",
	ErrTTSTimeout:              "speech synthesis did not complete within the configured timeout",
	ErrModelVerifyFailed:       "model verification failed on the node",
	ErrModelCorrupted:          "the model artifact on the node is corrupted",
	ErrInvalidSession:          "the session_id is unknown or has been closed",
	ErrInvalidMessage:          "the message could not be parsed or failed validation",
	ErrNoGPUAvailable:          "no GPU was found on the registering node",
	ErrNodeIDConflict:          "the node_id is already registered by another node",
	ErrInvalidCapabilitySchema: "the node's capability_schema_version is not supported",
	ErrSchedulerDependencyDown: "a required dependency (Redis) is unavailable",
	ErrInternal:                "an internal error occurred",
}
