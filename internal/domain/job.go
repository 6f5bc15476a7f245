package domain

import "time"

// PipelineConfig selects which pipeline stages a job runs.
type PipelineConfig struct {
	UseASR      bool
	UseNMT      bool
	UseTTS      bool
	UseSemantic bool
}

// Job is the scheduling record for one utterance on one dispatch attempt.
// The dispatcher owns the in-memory job map; Redis owns the cross-instance
// truth (reservations, request bindings, FSM) per spec.md §3 ownership
// summary.
type Job struct {
	JobID     string
	RequestID string
	SessionID string

	UtteranceIndex uint64
	LanguageConfig LanguageConfig
	Pipeline       PipelineConfig

	AudioData   []byte
	AudioFormat string
	SampleRate  int

	AssignedNodeID string
	Status         JobStatus

	DispatchAttemptID int
	DispatchedToNode  bool
	DispatchedAtMs    int64
	CreatedAtMs       int64
	FailoverAttempts  int

	TraceID string

	IsManualCut       bool
	IsPauseTriggered  bool
	IsTimeoutTriggered bool

	FirstChunkClientTimestampMs int64
}

func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

func NowMs() int64 { return time.Now().UnixMilli() }
