package transport

import "fmt"

// Node inbound message type tags (spec §6).
const (
	TypeNodeRegister      = "node_register"
	TypeNodeHeartbeat     = "node_heartbeat"
	TypeJobAck            = "job_ack"
	TypeJobStarted        = "job_started"
	TypeJobResult         = "job_result"
	TypeNodeASRPartial    = "asr_partial"
	TypeModelNotAvailable = "model_not_available"
	TypeNodeError         = "node_error"
)

// Node outbound message type tags (spec §6).
const (
	TypeNodeRegisterAck = "node_register_ack"
	TypeJobAssign       = "job_assign"
	TypeJobCancel       = "job_cancel"
	TypeNodeStatus      = "node_status"
	TypeNodeControl     = "node_control"
)

// NMTCapability describes which language pairs a node's translation
// service can serve, either by open cross-product over a language set
// or by an explicit fixed pair list.
type NMTCapability struct {
	Rule      string     `json:"rule"` // "any_to_any" | "fixed_pairs"
	Languages []string   `json:"languages,omitempty"`
	Pairs     [][2]string `json:"pairs,omitempty"`
}

// NodeCapabilities advertises which services a node can run and which
// languages each supports.
type NodeCapabilities struct {
	ASRLanguages []string      `json:"asr_languages,omitempty"`
	TTSLanguages []string      `json:"tts_languages,omitempty"`
	NMT          NMTCapability `json:"nmt"`
}

// NodeHardware describes the accelerators backing a node, used by the
// load balancer's hardware-aware scoring.
type NodeHardware struct {
	GPUs []string `json:"gpus,omitempty"`
}

// NodeRegister is the first message a node sends to join the pool.
type NodeRegister struct {
	Type             string           `json:"type"`
	Capabilities     NodeCapabilities `json:"capabilities"`
	Hardware         NodeHardware     `json:"hardware"`
	MaxConcurrency   int              `json:"max_concurrency"`
	AcceptPublicOnly bool             `json:"accept_public_only,omitempty"`
}

// NodeUtilization reports current load for the load balancer's
// utilization-aware scoring.
type NodeUtilization struct {
	GPUPercent float64 `json:"gpu_percent"`
}

// InstalledService reports one service's readiness on a node, used to
// detect model_not_available conditions before a job is dispatched.
type InstalledService struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// NodeHeartbeat refreshes a node's liveness and optionally updated
// utilization, installed services, or capabilities.
type NodeHeartbeat struct {
	Type              string             `json:"type"`
	Utilization       NodeUtilization    `json:"utilization"`
	InstalledServices []InstalledService `json:"installed_services,omitempty"`
	Capabilities      *NodeCapabilities  `json:"capabilities,omitempty"`
}

// JobAck confirms a node received a job_assign and is about to work it.
type JobAck struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// JobStarted confirms a node has begun running the job's pipeline.
type JobStarted struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// JobResult is the terminal, successful pipeline output for a job.
type JobResult struct {
	Type           string        `json:"type"`
	JobID          string        `json:"job_id"`
	TextASR        string        `json:"text_asr,omitempty"`
	TextTranslated string        `json:"text_translated,omitempty"`
	TTSAudio       []byte        `json:"tts_audio,omitempty"`
	AudioFormat    string        `json:"audio_format,omitempty"`
	Extras         *ResultExtras `json:"extras,omitempty"`
	ASRQuality     *ASRQuality   `json:"asr_quality,omitempty"`
}

// NodeASRPartial streams an interim recognition hypothesis for a job
// still in flight, forwarded to the originating client as ASRPartial.
type NodeASRPartial struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Text  string `json:"text"`
}

// ModelNotAvailable tells the scheduler a service the node claimed to
// support is not actually ready, triggering the model-not-available
// remediation path.
type ModelNotAvailable struct {
	Type      string `json:"type"`
	ServiceID string `json:"service_id"`
	Version   string `json:"version,omitempty"`
}

// NodeError reports a node-side failure not tied to a specific job.
type NodeError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeNodeMessage peeks a raw node message's type tag and decodes it
// into the concrete struct that names it.
func DecodeNodeMessage(data []byte) (any, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeNodeRegister:
		return unmarshalInto[NodeRegister](data)
	case TypeNodeHeartbeat:
		return unmarshalInto[NodeHeartbeat](data)
	case TypeJobAck:
		return unmarshalInto[JobAck](data)
	case TypeJobStarted:
		return unmarshalInto[JobStarted](data)
	case TypeJobResult:
		return unmarshalInto[JobResult](data)
	case TypeNodeASRPartial:
		return unmarshalInto[NodeASRPartial](data)
	case TypeModelNotAvailable:
		return unmarshalInto[ModelNotAvailable](data)
	case TypeNodeError:
		return unmarshalInto[NodeError](data)
	default:
		return nil, fmt.Errorf("transport: unknown node message type %q", typ)
	}
}

// NodeRegisterAck confirms registration and assigns the node its
// scheduler-issued identity.
type NodeRegisterAck struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
}

// PipelineFlags selects which stages of the ASR/NMT/TTS pipeline a job
// needs run.
type PipelineFlags struct {
	ASR bool `json:"asr"`
	NMT bool `json:"nmt"`
	TTS bool `json:"tts"`
}

// JobAssign dispatches one job to a node.
type JobAssign struct {
	Type               string        `json:"type"`
	JobID              string        `json:"job_id"`
	RequestID          string        `json:"request_id"`
	SourceSession      string        `json:"source_session"`
	UtteranceIndex     int           `json:"utterance_index"`
	SrcLang            string        `json:"src_lang"`
	TgtLang            string        `json:"tgt_lang"`
	Pipeline           PipelineFlags `json:"pipeline"`
	Audio              []byte        `json:"audio,omitempty"`
	AudioFormat        string        `json:"audio_format,omitempty"`
	SampleRate         int           `json:"sample_rate,omitempty"`
	DispatchAttemptID  int           `json:"dispatch_attempt_id"`
}

// JobCancel tells a node to abandon a job already assigned to it.
type JobCancel struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// NodeStatus pushes an out-of-band status change to a node (e.g. after
// an admin action), distinct from the node's own heartbeat reporting.
type NodeStatus struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
	Status string `json:"status"`
}

// NodeControl carries an operator command to a node (drain, restart a
// service, reload capabilities).
type NodeControl struct {
	Type    string         `json:"type"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}
