package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lingua-io/scheduler/internal/model"
)

// JobRouter adapts a Router into jobs.Assigner and jobs.Canceller,
// letting the Job Dispatcher (C7) and Timeout/Failover Manager (C10)
// send job_assign/job_cancel to a node without caring whether that node
// is connected to this scheduler instance or another one.
type JobRouter struct {
	r *Router
}

// NewJobRouter wraps r as a jobs.Assigner/jobs.Canceller.
func NewJobRouter(r *Router) *JobRouter {
	return &JobRouter{r: r}
}

// jobAssignPayload is the wire shape of a job_assign message sent to a
// node (spec §6): the fields a pipeline stage needs to run the job,
// independent of the scheduler-internal bookkeeping in model.Job.
type jobAssignPayload struct {
	JobID             string         `json:"job_id"`
	RequestID         string         `json:"request_id"`
	SourceSession     string         `json:"source_session"`
	UtteranceIndex    int            `json:"utterance_index"`
	SrcLang           string         `json:"src_lang"`
	TgtLang           string         `json:"tgt_lang"`
	Pipeline          model.Pipeline `json:"pipeline"`
	Audio             []byte         `json:"audio,omitempty"`
	AudioFormat       string         `json:"audio_format,omitempty"`
	SampleRate        int            `json:"sample_rate,omitempty"`
	DispatchAttemptID int            `json:"dispatch_attempt_id"`
}

// AssignJob implements jobs.Assigner.
func (jr *JobRouter) AssignJob(ctx context.Context, nodeID string, j *model.Job) error {
	payload := jobAssignPayload{
		JobID: j.JobID, RequestID: j.RequestID, SourceSession: j.SourceSession,
		UtteranceIndex: j.UtteranceIndex, SrcLang: j.SrcLang, TgtLang: j.TgtLang,
		Pipeline: j.Pipeline, Audio: j.Audio, AudioFormat: j.AudioFormat,
		SampleRate: j.SampleRate, DispatchAttemptID: j.DispatchAttemptID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("router: encode job_assign: %w", err)
	}
	return jr.r.RouteToNode(ctx, nodeID, "job_assign", data)
}

// jobCancelPayload is the wire shape of a job_cancel message.
type jobCancelPayload struct {
	JobID string `json:"job_id"`
}

// CancelJob implements jobs.Canceller: a best-effort job_cancel, fire and
// forget from the caller's perspective (failover.Manager already
// swallows its error).
func (jr *JobRouter) CancelJob(ctx context.Context, nodeID, jobID string) error {
	data, err := json.Marshal(jobCancelPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("router: encode job_cancel: %w", err)
	}
	return jr.r.RouteToNode(ctx, nodeID, "job_cancel", data)
}
