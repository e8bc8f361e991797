package model

import "time"

// JobStatus is the job lifecycle FSM state (spec §3/§4.6).
type JobStatus string

const (
	JobPending          JobStatus = "pending"
	JobAssigned         JobStatus = "assigned"
	JobDispatched       JobStatus = "dispatched"
	JobProcessing       JobStatus = "processing"
	JobCompleted        JobStatus = "completed"
	JobCompletedNoText  JobStatus = "completed_no_text"
	JobFailed           JobStatus = "failed"
)

// Pipeline lists which inference stages a job requests.
type Pipeline struct {
	ASR      bool
	NMT      bool
	TTS      bool
	Semantic bool
}

// Job is the full job record persisted by the Job Repository.
type Job struct {
	JobID            string
	RequestID        string // deterministic: {session}:{utterance_index}:{tgt_lang}:{trace}
	SourceSession    string
	UtteranceIndex   int
	SrcLang          string
	TgtLang          string
	Features         FeatureFlags
	Pipeline         Pipeline
	Audio            []byte
	AudioFormat      string
	SampleRate       int
	AssignedNodeID   string
	DispatchAttemptID int
	DispatchedToNode bool
	DispatchedAtMs   int64
	Status           JobStatus
	FailoverAttempts int
	TargetSessions   []string // room mode recipients
	FirstChunkAtMs   int64
	CreatedAt        time.Time
}

// JobKeyInput is the tuple hashed to form a job's idempotency key
// (spec §4.7.1).
type JobKeyInput struct {
	TenantID       string
	SessionID      string
	UtteranceIndex int
	JobType        string
	TgtLang        string
	Features       FeatureFlags
}

// Reservation is a capacity slot held on a node between selection and
// job completion (spec §3).
type Reservation struct {
	NodeID    string
	JobID     string
	AttemptID int
	ExpiresAt time.Time
}

// FSMShadowState mirrors the job's dispatch lifecycle in a compact form
// for cross-instance consumers that don't need the full job JSON
// (spec §4.7.4).
type FSMShadowState string

const (
	ShadowCreated    FSMShadowState = "created"
	ShadowDispatched FSMShadowState = "dispatched"
	ShadowAccepted   FSMShadowState = "accepted"
	ShadowRunning    FSMShadowState = "running"
	ShadowFinished   FSMShadowState = "finished"
	ShadowReleased   FSMShadowState = "released"
)

// JobResult is a completed job's payload, ready for delivery to a
// session via the Result Queue.
type JobResult struct {
	JobID            string
	SessionID        string
	UtteranceIndex   int
	TextASR          string
	TextTranslated   string
	TTSAudio         []byte
	TTSFormat        string
	Emotion          string
	SpeechRate       float64
	ServiceTimingsMs map[string]int64
	LangProbabilities map[string]float64
	TraceID          string
	GroupID          string
	PartIndex        int
}
